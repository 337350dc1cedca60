// Package remotetest provides a real document store for tests plus a wrapper
// that counts calls and injects failures or delays.
package remotetest

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/khushaldangi18/conversa/internal/model"
	"github.com/khushaldangi18/conversa/internal/remote"
	"github.com/khushaldangi18/conversa/internal/store"
)

// NewStore opens a migrated SQLite document store in a temp dir.
func NewStore(t testing.TB) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "remote.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// Op names a wrapped store call.
type Op string

const (
	OpGet      Op = "get"
	OpQuery    Op = "query"
	OpAdd      Op = "add"
	OpSet      Op = "set"
	OpUpdate   Op = "update"
	OpDelete   Op = "delete"
	OpCommit   Op = "commit"
	OpListen   Op = "listen"
	OpUpload   Op = "upload"
	OpDownload Op = "download"
)

// Hook runs before each wrapped call. target is the document path, the
// collection of a query, or the comma-joined paths of a batch. A non-nil
// error fails the call without reaching the underlying store.
type Hook func(op Op, target string) error

// Store wraps a remote.Store and remote.BlobStore.
type Store struct {
	remote.Store
	blobs remote.BlobStore

	mu     sync.Mutex
	counts map[Op]int
	hook   Hook
}

// Wrap wraps s. If s is also a remote.BlobStore the wrapper serves blobs too.
func Wrap(s remote.Store) *Store {
	w := &Store{Store: s, counts: make(map[Op]int)}
	w.blobs, _ = s.(remote.BlobStore)
	return w
}

func (s *Store) SetHook(h Hook) {
	s.mu.Lock()
	s.hook = h
	s.mu.Unlock()
}

// Count returns how many times op was called.
func (s *Store) Count(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[op]
}

// Writes returns the number of write calls of any kind.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[OpAdd] + s.counts[OpSet] + s.counts[OpUpdate] + s.counts[OpDelete] + s.counts[OpCommit]
}

// Reads returns the number of Get and Query calls.
func (s *Store) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[OpGet] + s.counts[OpQuery]
}

func (s *Store) Reset() {
	s.mu.Lock()
	s.counts = make(map[Op]int)
	s.mu.Unlock()
}

func (s *Store) before(op Op, target string) error {
	s.mu.Lock()
	s.counts[op]++
	h := s.hook
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(op, target)
}

func (s *Store) Get(ctx context.Context, path string) (remote.Doc, error) {
	if err := s.before(OpGet, path); err != nil {
		return remote.Doc{}, err
	}
	return s.Store.Get(ctx, path)
}

func (s *Store) Query(ctx context.Context, q remote.Query) ([]remote.Doc, error) {
	if err := s.before(OpQuery, q.Collection); err != nil {
		return nil, err
	}
	return s.Store.Query(ctx, q)
}

func (s *Store) Add(ctx context.Context, collection string, data remote.Fields) (string, error) {
	if err := s.before(OpAdd, collection); err != nil {
		return "", err
	}
	return s.Store.Add(ctx, collection, data)
}

func (s *Store) Set(ctx context.Context, path string, data remote.Fields) error {
	if err := s.before(OpSet, path); err != nil {
		return err
	}
	return s.Store.Set(ctx, path, data)
}

func (s *Store) Update(ctx context.Context, path string, data remote.Fields) error {
	if err := s.before(OpUpdate, path); err != nil {
		return err
	}
	return s.Store.Update(ctx, path, data)
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if err := s.before(OpDelete, path); err != nil {
		return err
	}
	return s.Store.Delete(ctx, path)
}

func (s *Store) Commit(ctx context.Context, b *remote.Batch) error {
	paths := make([]string, len(b.Writes))
	for i, w := range b.Writes {
		paths[i] = w.Path
	}
	if err := s.before(OpCommit, strings.Join(paths, ",")); err != nil {
		return err
	}
	return s.Store.Commit(ctx, b)
}

func (s *Store) Listen(ctx context.Context, q remote.Query) (remote.Listener, error) {
	if err := s.before(OpListen, q.Collection); err != nil {
		return nil, err
	}
	return s.Store.Listen(ctx, q)
}

func (s *Store) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := s.before(OpUpload, key); err != nil {
		return "", err
	}
	return s.blobs.Upload(ctx, key, data, contentType)
}

func (s *Store) Download(ctx context.Context, url string) ([]byte, error) {
	if err := s.before(OpDownload, url); err != nil {
		return nil, err
	}
	return s.blobs.Download(ctx, url)
}

// FailOn returns a hook failing op with err whenever target contains substr.
func FailOn(op Op, substr string, err error) Hook {
	return func(o Op, target string) error {
		if o == op && strings.Contains(target, substr) {
			return err
		}
		return nil
	}
}

// Delay returns a hook that sleeps d before every call of op.
func Delay(op Op, d time.Duration) Hook {
	return func(o Op, _ string) error {
		if o == op {
			time.Sleep(d)
		}
		return nil
	}
}

// SeedUser writes users/{p.ID}.
func SeedUser(t testing.TB, s remote.Store, p model.UserProfile) {
	t.Helper()
	if err := s.Set(context.Background(), remote.UserPath(p.ID), p.Fields()); err != nil {
		t.Fatal(err)
	}
}

// SeedChat writes an empty chat between a and b.
func SeedChat(t testing.TB, s remote.Store, chatID, a, b string) {
	t.Helper()
	if err := s.Set(context.Background(), remote.ChatPath(chatID), model.NewChatFields(a, b, time.Now())); err != nil {
		t.Fatal(err)
	}
}

// SeedMessage writes m into its chat and returns the message id. A zero
// timestamp becomes now.
func SeedMessage(t testing.TB, s remote.Store, m model.Message) string {
	t.Helper()
	if m.Kind == "" {
		m.Kind = model.KindText
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	data := model.NewMessageFields(m.SenderID, m.Text, m.Kind, m.Timestamp)
	data["deleted"] = m.Deleted
	if m.DeletedFor != nil {
		data["deletedFor"] = toAny(m.DeletedFor)
	}
	if m.ReadBy != nil {
		data["readBy"] = toAny(m.ReadBy)
	}
	ctx := context.Background()
	if m.ID == "" {
		id, err := s.Add(ctx, remote.MessagesPath(m.ChatID), data)
		if err != nil {
			t.Fatal(err)
		}
		return id
	}
	if err := s.Set(ctx, remote.MessagePath(m.ChatID, m.ID), data); err != nil {
		t.Fatal(err)
	}
	return m.ID
}

func toAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
