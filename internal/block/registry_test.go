package block

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khushaldangi18/conversa/internal/bus"
	"github.com/khushaldangi18/conversa/internal/model"
	"github.com/khushaldangi18/conversa/internal/remote"
	"github.com/khushaldangi18/conversa/internal/remote/remotetest"
)

func profile(t *testing.T, st remote.Store, id string) model.UserProfile {
	t.Helper()
	d, err := st.Get(context.Background(), remote.UserPath(id))
	require.NoError(t, err)
	return model.ProfileFromDoc(d)
}

func seedPair(t *testing.T) *remotetest.Store {
	t.Helper()
	st := remotetest.Wrap(remotetest.NewStore(t))
	remotetest.SeedUser(t, st, model.UserProfile{ID: "a"})
	remotetest.SeedUser(t, st, model.UserProfile{ID: "b"})
	return st
}

func nextEvent(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return bus.Event{}
}

func TestBlockUnblockSequences(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		ops  []string // "block:x>y" style: blocker>blocked
		want bool
	}{
		{"block", []string{"+a>b"}, true},
		{"block then unblock", []string{"+a>b", "-a>b"}, false},
		{"block twice then unblock", []string{"+a>b", "+a>b", "-a>b"}, false},
		{"unblock without block", []string{"-a>b"}, false},
		{"mutual then one unblock", []string{"+a>b", "+b>a", "-a>b"}, true},
		{"unblock then block", []string{"-b>a", "+b>a"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := seedPair(t)
			r := NewRegistry(st, bus.New(), nil)
			for _, op := range tt.ops {
				blocker, blocked := op[1:2], op[3:4]
				var err error
				if op[0] == '+' {
					err = r.Block(ctx, blocker, blocked)
				} else {
					err = r.Unblock(ctx, blocker, blocked)
				}
				require.NoError(t, err, op)
			}
			a, b := profile(t, st, "a"), profile(t, st, "b")
			assert.Equal(t, tt.want, IsBlockedEitherDirection(a, "b"), "from a's document")
			assert.Equal(t, tt.want, IsBlockedEitherDirection(b, "a"), "from b's document")
		})
	}
}

func TestBlockWritesBothDocuments(t *testing.T) {
	st := seedPair(t)
	r := NewRegistry(st, bus.New(), nil)
	require.NoError(t, r.Block(context.Background(), "a", "b"))

	assert.Equal(t, []string{"b"}, profile(t, st, "a").BlockedUsers)
	assert.Equal(t, []string{"a"}, profile(t, st, "b").BlockedBy)
	assert.Equal(t, 1, st.Count(remotetest.OpCommit), "one atomic batch")
}

func TestFailedBatchLeavesBothUntouched(t *testing.T) {
	st := remotetest.Wrap(remotetest.NewStore(t))
	remotetest.SeedUser(t, st, model.UserProfile{ID: "a"})
	r := NewRegistry(st, bus.New(), nil)

	// b has no document: the second update fails and the first is rolled back.
	err := r.Block(context.Background(), "a", "b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, remote.ErrNotFound))
	assert.Empty(t, profile(t, st, "a").BlockedUsers)

	remotetest.SeedUser(t, st, model.UserProfile{ID: "b"})
	st.SetHook(remotetest.FailOn(remotetest.OpCommit, "users/", remote.ErrUnavailable))
	err = r.Block(context.Background(), "a", "b")
	assert.True(t, remote.Retryable(err))
	assert.Empty(t, profile(t, st, "a").BlockedUsers)
	assert.Empty(t, profile(t, st, "b").BlockedBy)
}

func TestSelfBlockRejected(t *testing.T) {
	r := NewRegistry(seedPair(t), bus.New(), nil)
	assert.ErrorIs(t, r.Block(context.Background(), "a", "a"), ErrSelfBlock)
}

func TestWatchSeesPeerBlock(t *testing.T) {
	st := seedPair(t)
	b := bus.New()
	events, unsub := b.Subscribe(bus.UserNamespace, 8)
	defer unsub()

	mine := NewRegistry(st, b, nil)
	require.NoError(t, mine.Watch(context.Background(), "a"))
	defer mine.Stop()

	// The peer blocks us from their own client.
	peer := NewRegistry(st, bus.New(), nil)
	require.NoError(t, peer.Block(context.Background(), "b", "a"))

	evt := nextEvent(t, events)
	assert.Equal(t, bus.KindUserBlocked, evt.Kind)
	assert.Equal(t, bus.BlockChange{Blocker: "b", Blocked: "a"}, evt.Payload)
	assert.True(t, mine.Blocks("b"))

	require.NoError(t, peer.Unblock(context.Background(), "b", "a"))
	evt = nextEvent(t, events)
	assert.Equal(t, bus.KindUserUnblocked, evt.Kind)
	assert.False(t, mine.Blocks("b"))
}

func TestOwnBlockPublishesOnce(t *testing.T) {
	st := seedPair(t)
	b := bus.New()
	events, unsub := b.Subscribe(bus.UserNamespace, 8)
	defer unsub()

	r := NewRegistry(st, b, nil)
	require.NoError(t, r.Watch(context.Background(), "a"))
	defer r.Stop()

	require.NoError(t, r.Block(context.Background(), "a", "b"))
	evt := nextEvent(t, events)
	assert.Equal(t, bus.KindUserBlocked, evt.Kind)
	assert.Equal(t, []string{"b"}, r.BlockedUsers())

	select {
	case evt := <-events:
		t.Errorf("duplicate event from the listener echo: %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatchDoesNotReplayExistingBlocks(t *testing.T) {
	st := seedPair(t)
	require.NoError(t, NewRegistry(st, bus.New(), nil).Block(context.Background(), "a", "b"))

	b := bus.New()
	events, unsub := b.Subscribe(bus.UserNamespace, 8)
	defer unsub()
	r := NewRegistry(st, b, nil)
	require.NoError(t, r.Watch(context.Background(), "a"))
	defer r.Stop()

	assert.True(t, r.Blocks("b"), "seeded from the initial snapshot")
	select {
	case evt := <-events:
		t.Errorf("initial snapshot published %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
