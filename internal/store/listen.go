package store

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/khushaldangi18/conversa/internal/metrics"
	"github.com/khushaldangi18/conversa/internal/remote"
)

type listener struct {
	id     string
	query  remote.Query
	out    chan remote.Snapshot
	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (l *listener) Snapshots() <-chan remote.Snapshot { return l.out }

// Close stops the listener and waits until it is unregistered.
func (l *listener) Close() {
	l.once.Do(l.cancel)
	<-l.done
}

// Listen registers a snapshot listener for q. The initial snapshot is
// delivered immediately; later snapshots follow every commit touching the
// collection whose result differs from the last one delivered. A slow
// consumer only ever sees the latest state.
func (db *DB) Listen(ctx context.Context, q remote.Query) (remote.Listener, error) {
	if q.Collection == "" {
		return nil, errors.New("listen: empty collection")
	}
	lctx, cancel := context.WithCancel(ctx)
	l := &listener{
		id:     uuid.NewString(),
		query:  q,
		out:    make(chan remote.Snapshot, 1),
		kick:   make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	db.listeners[l.id] = l
	db.mu.Unlock()
	metrics.IncActiveListeners()

	go db.run(lctx, l)
	return l, nil
}

func (db *DB) run(ctx context.Context, l *listener) {
	defer close(l.done)
	defer close(l.out)
	defer db.unregister(l.id)

	var last uint64
	first := true
	for {
		docs, sum, err := db.snapshot(ctx, l.query)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			db.logger.Warn("listener query failed", zap.String("collection", l.query.Collection), zap.Error(err))
			select {
			case l.out <- remote.Snapshot{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		if first || sum != last {
			first, last = false, sum
			select {
			case l.out <- remote.Snapshot{Docs: docs}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-l.kick:
		case <-ctx.Done():
			return
		}
	}
}

func (db *DB) unregister(id string) {
	db.mu.Lock()
	delete(db.listeners, id)
	db.mu.Unlock()
	metrics.DecActiveListeners()
}

func (db *DB) notify(collections map[string]struct{}) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, l := range db.listeners {
		if _, ok := collections[l.query.Collection]; !ok {
			continue
		}
		select {
		case l.kick <- struct{}{}:
		default:
		}
	}
}
