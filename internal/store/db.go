package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/khushaldangi18/conversa/internal/remote"
)

// ErrClosed is returned when listening on a closed store.
var ErrClosed = errors.New("store: closed")

// DB is a SQLite-backed document store implementing remote.Store and
// remote.BlobStore. Writes notify the snapshot listeners of every collection
// they touch after commit.
type DB struct {
	*sqlx.DB

	logger *zap.Logger
	now    func() time.Time

	mu        sync.RWMutex
	listeners map[string]*listener
	closed    bool
}

var (
	_ remote.Store     = (*DB)(nil)
	_ remote.BlobStore = (*DB)(nil)
)

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Transactions take the write lock up front so read-modify-write updates
// never fail on lock upgrade.
func Open(path string) (*DB, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{
		DB:        db,
		logger:    zap.NewNop(),
		now:       time.Now,
		listeners: make(map[string]*listener),
	}, nil
}

// SetLogger replaces the no-op logger.
func (db *DB) SetLogger(logger *zap.Logger) {
	if logger != nil {
		db.logger = logger.Named("store")
	}
}

// ActiveListeners returns the number of open snapshot listeners.
func (db *DB) ActiveListeners() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.listeners)
}

// Close stops every listener and closes the database.
func (db *DB) Close() error {
	db.mu.Lock()
	db.closed = true
	open := make([]*listener, 0, len(db.listeners))
	for _, l := range db.listeners {
		open = append(open, l)
	}
	db.mu.Unlock()

	for _, l := range open {
		l.Close()
	}
	return db.DB.Close()
}

// classify maps driver lock contention onto the transient remote error.
func classify(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}
	return err
}
