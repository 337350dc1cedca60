package block

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/khushaldangi18/conversa/internal/bus"
	"github.com/khushaldangi18/conversa/internal/model"
	"github.com/khushaldangi18/conversa/internal/remote"
)

// ErrSelfBlock is returned when a user tries to block themselves.
var ErrSelfBlock = errors.New("block: cannot block yourself")

// IsBlockedEitherDirection reports whether p has blocked other or other has
// blocked p, according to p's own document.
func IsBlockedEitherDirection(p model.UserProfile, other string) bool {
	return slices.Contains(p.BlockedUsers, other) || slices.Contains(p.BlockedBy, other)
}

// Registry writes block relations and keeps a live view of the current
// user's block sets.
type Registry struct {
	store  remote.Store
	bus    *bus.Bus
	logger *zap.Logger

	mu           sync.RWMutex
	me           string
	blockedUsers map[string]struct{}
	blockedBy    map[string]struct{}

	listener remote.Listener
	done     chan struct{}
}

func NewRegistry(store remote.Store, b *bus.Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:        store,
		bus:          b,
		logger:       logger.Named("block"),
		blockedUsers: make(map[string]struct{}),
		blockedBy:    make(map[string]struct{}),
	}
}

// Block adds blocker → blocked on both user documents in one atomic batch.
func (r *Registry) Block(ctx context.Context, blocker, blocked string) error {
	if blocker == blocked {
		return ErrSelfBlock
	}
	b := remote.NewBatch().
		Update(remote.UserPath(blocker), remote.Fields{"blockedUsers": remote.ArrayUnion(blocked)}).
		Update(remote.UserPath(blocked), remote.Fields{"blockedBy": remote.ArrayUnion(blocker)})
	if err := r.store.Commit(ctx, b); err != nil {
		return fmt.Errorf("block %s: %w", blocked, err)
	}
	r.logger.Info("user blocked", zap.String("blocker", blocker), zap.String("blocked", blocked))
	r.apply(bus.KindUserBlocked, blocker, blocked)
	return nil
}

// Unblock removes blocker → blocked from both user documents in one atomic batch.
func (r *Registry) Unblock(ctx context.Context, blocker, blocked string) error {
	b := remote.NewBatch().
		Update(remote.UserPath(blocker), remote.Fields{"blockedUsers": remote.ArrayRemove(blocked)}).
		Update(remote.UserPath(blocked), remote.Fields{"blockedBy": remote.ArrayRemove(blocker)})
	if err := r.store.Commit(ctx, b); err != nil {
		return fmt.Errorf("unblock %s: %w", blocked, err)
	}
	r.logger.Info("user unblocked", zap.String("blocker", blocker), zap.String("blocked", blocked))
	r.apply(bus.KindUserUnblocked, blocker, blocked)
	return nil
}

// apply updates the watched user's local sets after a committed write and
// publishes the change once.
func (r *Registry) apply(kind, blocker, blocked string) {
	r.mu.Lock()
	var changed bool
	switch r.me {
	case blocker:
		changed = toggle(r.blockedUsers, blocked, kind == bus.KindUserBlocked)
	case blocked:
		changed = toggle(r.blockedBy, blocker, kind == bus.KindUserBlocked)
	default:
		changed = true
	}
	r.mu.Unlock()
	if changed {
		r.bus.Emit(kind, bus.BlockChange{Blocker: blocker, Blocked: blocked})
	}
}

func toggle(set map[string]struct{}, id string, add bool) bool {
	_, present := set[id]
	if add == present {
		return false
	}
	if add {
		set[id] = struct{}{}
	} else {
		delete(set, id)
	}
	return true
}

// Blocks reports whether the watched user and other are blocked in either direction.
func (r *Registry) Blocks(other string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, a := r.blockedUsers[other]
	_, b := r.blockedBy[other]
	return a || b
}

// BlockedUsers returns the users the watched user has blocked.
func (r *Registry) BlockedUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.blockedUsers))
	for id := range r.blockedUsers {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Watch follows users/{me} so blocks made by peers are seen. It returns once
// the first snapshot has been applied.
func (r *Registry) Watch(ctx context.Context, me string) error {
	q := remote.Collection(remote.UsersCollection).Where(remote.DocumentID, remote.OpEqual, me)
	l, err := r.store.Listen(ctx, q)
	if err != nil {
		return fmt.Errorf("watch blocks: %w", err)
	}

	r.mu.Lock()
	r.me = me
	r.listener = l
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	select {
	case snap, ok := <-l.Snapshots():
		if ok {
			r.handle(snap, true)
		}
	case <-ctx.Done():
		l.Close()
		close(done)
		return ctx.Err()
	}

	go func() {
		defer close(done)
		for snap := range l.Snapshots() {
			r.handle(snap, false)
		}
	}()
	return nil
}

// handle replaces the local sets with the snapshot's and publishes the
// differences. The initial snapshot only seeds the sets.
func (r *Registry) handle(snap remote.Snapshot, initial bool) {
	if snap.Err != nil {
		r.logger.Error("block listener failed", zap.Error(snap.Err))
		return
	}
	var p model.UserProfile
	if len(snap.Docs) > 0 {
		p = model.ProfileFromDoc(snap.Docs[0])
	}

	r.mu.Lock()
	me := r.me
	var events []bus.Event
	for _, e := range diff(r.blockedUsers, p.BlockedUsers) {
		events = append(events, changeEvent(e, bus.BlockChange{Blocker: me, Blocked: e.id}))
	}
	for _, e := range diff(r.blockedBy, p.BlockedBy) {
		events = append(events, changeEvent(e, bus.BlockChange{Blocker: e.id, Blocked: me}))
	}
	r.blockedUsers = toSet(p.BlockedUsers)
	r.blockedBy = toSet(p.BlockedBy)
	r.mu.Unlock()

	if initial {
		return
	}
	for _, evt := range events {
		r.bus.Publish(evt)
	}
}

// Stop closes the document listener.
func (r *Registry) Stop() {
	r.mu.Lock()
	l, done := r.listener, r.done
	r.listener = nil
	r.mu.Unlock()
	if l == nil {
		return
	}
	l.Close()
	<-done
}

type setChange struct {
	id    string
	added bool
}

func diff(old map[string]struct{}, next []string) []setChange {
	var out []setChange
	nextSet := toSet(next)
	for _, id := range next {
		if _, ok := old[id]; !ok {
			out = append(out, setChange{id: id, added: true})
		}
	}
	for id := range old {
		if _, ok := nextSet[id]; !ok {
			out = append(out, setChange{id: id})
		}
	}
	return out
}

func changeEvent(c setChange, payload bus.BlockChange) bus.Event {
	kind := bus.KindUserUnblocked
	if c.added {
		kind = bus.KindUserBlocked
	}
	return bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
