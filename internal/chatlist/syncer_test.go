package chatlist

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khushaldangi18/conversa/internal/block"
	"github.com/khushaldangi18/conversa/internal/bus"
	"github.com/khushaldangi18/conversa/internal/conversation"
	"github.com/khushaldangi18/conversa/internal/model"
	"github.com/khushaldangi18/conversa/internal/profile"
	"github.com/khushaldangi18/conversa/internal/remote"
	"github.com/khushaldangi18/conversa/internal/remote/remotetest"
)

// client is one user's view: its own bus, block registry and chat list.
type client struct {
	me       string
	bus      *bus.Bus
	profiles *profile.Cache
	blocks   *block.Registry
	syncer   *Syncer
}

func newClient(t *testing.T, st remote.Store, me string) *client {
	t.Helper()
	b := bus.New()
	c := &client{
		me:       me,
		bus:      b,
		profiles: profile.NewCache(st, time.Second, nil),
		blocks:   block.NewRegistry(st, b, nil),
	}
	require.NoError(t, c.blocks.Watch(context.Background(), me))
	t.Cleanup(c.blocks.Stop)
	c.syncer = NewSyncer(me, st, c.profiles, c.blocks, b, nil)
	require.NoError(t, c.syncer.Start(context.Background()))
	t.Cleanup(c.syncer.Stop)
	return c
}

func seedUsers(t *testing.T, st remote.Store) {
	t.Helper()
	remotetest.SeedUser(t, st, model.UserProfile{ID: "a", FullName: "Alice Adams", Username: "alice", Email: "alice@example.com"})
	remotetest.SeedUser(t, st, model.UserProfile{ID: "b", FullName: "Bob Brown", Username: "bob", Email: "bob@example.com"})
	remotetest.SeedUser(t, st, model.UserProfile{ID: "c", FullName: "Carol Clark", Username: "carol", Email: "carol@example.com"})
}

func setSummary(t *testing.T, st remote.Store, chatID string, last model.LastMessage) {
	t.Helper()
	err := st.Update(context.Background(), remote.ChatPath(chatID), remote.Fields{"lastMessage": last.Fields()})
	require.NoError(t, err)
}

func ids(list []model.ChatSession) []string {
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = c.ID
	}
	return out
}

func waitChats(t *testing.T, s *Syncer, cond func([]model.ChatSession) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(s.Chats()) }, 3*time.Second, 5*time.Millisecond,
		"%s (list is %+v)", msg, s.Chats())
}

func waitIDs(t *testing.T, s *Syncer, want ...string) {
	t.Helper()
	waitChats(t, s, func(list []model.ChatSession) bool {
		got := ids(list)
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, "chat ids never became "+strings.Join(want, ","))
}

// settle waits until no join has finished for a while, so background
// rejoins from the unread watches are done.
func settle(t *testing.T, s *Syncer) {
	t.Helper()
	total := func() uint64 {
		p, st, f := s.JoinStats()
		return p + st + f
	}
	require.Eventually(t, func() bool {
		before := total()
		time.Sleep(30 * time.Millisecond)
		return total() == before
	}, 3*time.Second, time.Millisecond)
}

func unreadOf(list []model.ChatSession, chatID string) int {
	for _, c := range list {
		if c.ID == chatID {
			return c.UnreadCount
		}
	}
	return -1
}

func TestEmptyListBecomesReady(t *testing.T) {
	st := remotetest.NewStore(t)
	seedUsers(t, st)
	c := newClient(t, st, "a")

	require.Eventually(t, func() bool { return c.syncer.State() == Ready }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, c.syncer.Chats())
}

func TestListIsSortedByLastMessageTime(t *testing.T) {
	st := remotetest.NewStore(t)
	seedUsers(t, st)
	base := time.Now().Add(-time.Hour)
	remotetest.SeedChat(t, st, "ab", "a", "b")
	remotetest.SeedChat(t, st, "ac", "a", "c")
	remotetest.SeedChat(t, st, "bc", "b", "c")
	setSummary(t, st, "ab", model.LastMessage{Text: "old", SenderID: "b", Timestamp: base, Kind: model.KindText})
	setSummary(t, st, "ac", model.LastMessage{Text: "new", SenderID: "c", Timestamp: base.Add(time.Minute), Kind: model.KindText})

	c := newClient(t, st, "a")
	waitIDs(t, c.syncer, "ac", "ab")

	list := c.syncer.Chats()
	assert.Equal(t, "c", list[0].OtherUserID)
	assert.Equal(t, "new", list[0].LastMessageText)
	assert.Equal(t, "c", list[0].LastMessageSenderID)

	setSummary(t, st, "ab", model.LastMessage{Text: "newest", SenderID: "a", Timestamp: base.Add(time.Hour), Kind: model.KindText})
	waitIDs(t, c.syncer, "ab", "ac")
}

func TestUnreadCountFollowsReadSweep(t *testing.T) {
	st := remotetest.NewStore(t)
	seedUsers(t, st)
	remotetest.SeedChat(t, st, "ab", "a", "b")

	deps := func(c *client) conversation.Deps {
		return conversation.Deps{Store: st, Blobs: st, Bus: c.bus}
	}
	alice := newClient(t, st, "a")
	bob := newClient(t, st, "b")

	convA, err := conversation.Open(context.Background(), "ab", "a", deps(alice), conversation.Options{})
	require.NoError(t, err)
	defer convA.Close()
	for _, text := range []string{"one", "two", "three"} {
		_, err := convA.SendText(context.Background(), text)
		require.NoError(t, err)
	}

	waitChats(t, bob.syncer, func(l []model.ChatSession) bool { return unreadOf(l, "ab") == 3 }, "bob never saw 3 unread")
	waitChats(t, alice.syncer, func(l []model.ChatSession) bool { return unreadOf(l, "ab") == 0 }, "sender has no unread")

	convB, err := conversation.Open(context.Background(), "ab", "b", deps(bob), conversation.Options{SweepInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer convB.Close()
	convB.SetForeground(true)

	waitChats(t, bob.syncer, func(l []model.ChatSession) bool { return unreadOf(l, "ab") == 0 }, "sweep never cleared unread")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, unreadOf(bob.syncer.Chats(), "ab"), "stays zero")
}

func TestTombstonedAndHiddenMessagesAreNotUnread(t *testing.T) {
	st := remotetest.NewStore(t)
	seedUsers(t, st)
	remotetest.SeedChat(t, st, "ab", "a", "b")
	remotetest.SeedMessage(t, st, model.Message{ChatID: "ab", SenderID: "a", Text: "gone", Deleted: true})
	remotetest.SeedMessage(t, st, model.Message{ChatID: "ab", SenderID: "a", Text: "hidden", DeletedFor: []string{"b"}})
	remotetest.SeedMessage(t, st, model.Message{ChatID: "ab", SenderID: "a", Text: "visible"})

	bob := newClient(t, st, "b")
	waitChats(t, bob.syncer, func(l []model.ChatSession) bool { return unreadOf(l, "ab") == 1 }, "only the visible message counts")
}

func TestMessageDeletesRefreshUnread(t *testing.T) {
	st := remotetest.NewStore(t)
	seedUsers(t, st)
	remotetest.SeedChat(t, st, "ab", "a", "b")
	base := time.Now().Add(-time.Minute)
	older := remotetest.SeedMessage(t, st, model.Message{ChatID: "ab", SenderID: "a", Text: "one", Timestamp: base})
	middle := remotetest.SeedMessage(t, st, model.Message{ChatID: "ab", SenderID: "a", Text: "two", Timestamp: base.Add(time.Second)})
	remotetest.SeedMessage(t, st, model.Message{ChatID: "ab", SenderID: "a", Text: "three", Timestamp: base.Add(2 * time.Second)})
	setSummary(t, st, "ab", model.LastMessage{Text: "three", SenderID: "a", Timestamp: base.Add(2 * time.Second), Kind: model.KindText})

	alice := newClient(t, st, "a")
	bob := newClient(t, st, "b")
	waitChats(t, bob.syncer, func(l []model.ChatSession) bool { return unreadOf(l, "ab") == 3 }, "bob starts with 3 unread")

	// Neither delete touches the newest message, so the chat document never changes.
	convB, err := conversation.Open(context.Background(), "ab", "b", conversation.Deps{Store: st, Blobs: st, Bus: bob.bus}, conversation.Options{})
	require.NoError(t, err)
	defer convB.Close()
	require.NoError(t, convB.DeleteForMe(context.Background(), older))
	waitChats(t, bob.syncer, func(l []model.ChatSession) bool { return unreadOf(l, "ab") == 2 }, "hidden message still counted")

	convA, err := conversation.Open(context.Background(), "ab", "a", conversation.Deps{Store: st, Blobs: st, Bus: alice.bus}, conversation.Options{})
	require.NoError(t, err)
	defer convA.Close()
	require.NoError(t, convA.DeleteForEveryone(context.Background(), middle))
	waitChats(t, bob.syncer, func(l []model.ChatSession) bool { return unreadOf(l, "ab") == 1 }, "tombstoned message still counted")
}

func TestUnreadWatchesFollowVisibleChats(t *testing.T) {
	db := remotetest.NewStore(t)
	seedUsers(t, db)
	remotetest.SeedChat(t, db, "ab", "a", "b")
	remotetest.SeedChat(t, db, "ac", "a", "c")

	alice := newClient(t, db, "a")
	waitChats(t, alice.syncer, func(l []model.ChatSession) bool { return len(l) == 2 }, "both chats")
	// Block registry, chat list and one unread watch per chat.
	require.Eventually(t, func() bool { return db.ActiveListeners() == 4 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, alice.blocks.Block(context.Background(), "a", "c"))
	waitIDs(t, alice.syncer, "ab")
	require.Eventually(t, func() bool { return db.ActiveListeners() == 3 }, 2*time.Second, 5*time.Millisecond)

	alice.syncer.Stop()
	assert.Equal(t, 1, db.ActiveListeners(), "only the block registry is left")
}

func TestFirstJoinFailureEndsLoading(t *testing.T) {
	st := remotetest.Wrap(remotetest.NewStore(t))
	seedUsers(t, st)
	remotetest.SeedChat(t, st, "ab", "a", "b")
	st.SetHook(remotetest.FailOn(remotetest.OpQuery, "/messages", remote.ErrUnavailable))

	alice := newClient(t, st, "a")
	require.Eventually(t, func() bool { return alice.syncer.State() == Failed }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, alice.syncer.Chats())

	// The next change joins again and recovers.
	st.SetHook(nil)
	setSummary(t, st, "ab", model.LastMessage{Text: "hi", SenderID: "b", Timestamp: time.Now(), Kind: model.KindText})
	require.Eventually(t, func() bool { return alice.syncer.State() == Ready }, 2*time.Second, 5*time.Millisecond)
	waitIDs(t, alice.syncer, "ab")
}

func TestBlockRemovesChatFromBothLists(t *testing.T) {
	st := remotetest.Wrap(remotetest.NewStore(t))
	seedUsers(t, st)
	remotetest.SeedChat(t, st, "ab", "a", "b")
	remotetest.SeedChat(t, st, "ac", "a", "c")
	msgID := remotetest.SeedMessage(t, st, model.Message{ChatID: "ab", SenderID: "b", Text: "hi"})

	alice := newClient(t, st, "a")
	bob := newClient(t, st, "b")
	waitChats(t, alice.syncer, func(l []model.ChatSession) bool { return len(l) == 2 }, "alice sees both chats")
	waitIDs(t, bob.syncer, "ab")

	require.NoError(t, alice.blocks.Block(context.Background(), "a", "b"))

	waitIDs(t, alice.syncer, "ac")
	waitIDs(t, bob.syncer)

	_, err := st.Get(context.Background(), remote.ChatPath("ab"))
	require.NoError(t, err, "blocking deletes nothing")
	_, err = st.Get(context.Background(), remote.MessagePath("ab", msgID))
	require.NoError(t, err)

	require.NoError(t, alice.blocks.Unblock(context.Background(), "a", "b"))
	waitIDs(t, bob.syncer, "ab")
}

// gate blocks the first unread query of a chat until released.
type gate struct {
	chatID  string
	calls   atomic.Int32
	release chan struct{}
}

func (g *gate) hook(op remotetest.Op, target string) error {
	if op == remotetest.OpQuery && target == remote.MessagesPath(g.chatID) && g.calls.Add(1) == 1 {
		<-g.release
	}
	return nil
}

func TestStaleJoinIsDiscarded(t *testing.T) {
	st := remotetest.Wrap(remotetest.NewStore(t))
	seedUsers(t, st)
	remotetest.SeedChat(t, st, "ab", "a", "b")
	setSummary(t, st, "ab", model.LastMessage{Text: "first", SenderID: "b", Timestamp: time.Now().Add(-time.Minute), Kind: model.KindText})

	g := &gate{chatID: "ab", release: make(chan struct{})}
	st.SetHook(g.hook)

	alice := newClient(t, st, "a")
	require.Eventually(t, func() bool { return g.calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	// The first join is stuck; a newer snapshot starts a second join that publishes.
	setSummary(t, st, "ab", model.LastMessage{Text: "second", SenderID: "b", Timestamp: time.Now(), Kind: model.KindText})
	waitChats(t, alice.syncer, func(l []model.ChatSession) bool {
		return len(l) == 1 && l[0].LastMessageText == "second"
	}, "newer join never published")

	close(g.release)
	require.Eventually(t, func() bool {
		_, stale, _ := alice.syncer.JoinStats()
		return stale >= 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "second", alice.syncer.Chats()[0].LastMessageText)
}

func TestFailedJoinKeepsPreviousList(t *testing.T) {
	st := remotetest.Wrap(remotetest.NewStore(t))
	seedUsers(t, st)
	remotetest.SeedChat(t, st, "ab", "a", "b")
	setSummary(t, st, "ab", model.LastMessage{Text: "first", SenderID: "b", Timestamp: time.Now().Add(-time.Minute), Kind: model.KindText})

	alice := newClient(t, st, "a")
	waitChats(t, alice.syncer, func(l []model.ChatSession) bool { return len(l) == 1 }, "initial list")

	st.SetHook(remotetest.FailOn(remotetest.OpQuery, "/messages", remote.ErrUnavailable))
	setSummary(t, st, "ab", model.LastMessage{Text: "second", SenderID: "b", Timestamp: time.Now(), Kind: model.KindText})

	require.Eventually(t, func() bool {
		_, _, failed := alice.syncer.JoinStats()
		return failed >= 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "first", alice.syncer.Chats()[0].LastMessageText)
	assert.Equal(t, Ready, alice.syncer.State())
}

func TestDeleteChat(t *testing.T) {
	st := remotetest.Wrap(remotetest.NewStore(t))
	seedUsers(t, st)
	remotetest.SeedChat(t, st, "ab", "a", "b")
	for i := 0; i < 3; i++ {
		remotetest.SeedMessage(t, st, model.Message{ChatID: "ab", SenderID: "b", Text: "hi"})
	}
	alice := newClient(t, st, "a")
	events, unsub := alice.bus.Subscribe(bus.ChatNamespace, 8)
	defer unsub()
	waitIDs(t, alice.syncer, "ab")

	require.NoError(t, alice.syncer.DeleteChat(context.Background(), "ab"))
	assert.Empty(t, alice.syncer.Chats(), "removed as soon as DeleteChat returns")

	docs, err := st.Query(context.Background(), remote.Collection(remote.MessagesPath("ab")))
	require.NoError(t, err)
	assert.Empty(t, docs)
	_, err = st.Get(context.Background(), remote.ChatPath("ab"))
	assert.ErrorIs(t, err, remote.ErrNotFound)

	select {
	case evt := <-events:
		assert.Equal(t, bus.KindChatDeleted, evt.Kind)
		assert.Equal(t, bus.ChatRef{ChatID: "ab"}, evt.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no chat.deleted event")
	}
}

func TestDeleteChatFailureKeepsChat(t *testing.T) {
	tests := []struct {
		name string
		hook remotetest.Hook
	}{
		{"messages", remotetest.FailOn(remotetest.OpCommit, "/messages/", remote.ErrUnavailable)},
		{"chat document", remotetest.FailOn(remotetest.OpDelete, "chats/ab", remote.ErrPermissionDenied)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := remotetest.Wrap(remotetest.NewStore(t))
			seedUsers(t, st)
			remotetest.SeedChat(t, st, "ab", "a", "b")
			remotetest.SeedMessage(t, st, model.Message{ChatID: "ab", SenderID: "b", Text: "hi"})
			alice := newClient(t, st, "a")
			waitIDs(t, alice.syncer, "ab")

			st.SetHook(tt.hook)
			require.Error(t, alice.syncer.DeleteChat(context.Background(), "ab"))
			assert.Equal(t, []string{"ab"}, ids(alice.syncer.Chats()))
			_, err := st.Get(context.Background(), remote.ChatPath("ab"))
			assert.NoError(t, err)
		})
	}
}

func TestSearchMakesNoRemoteReads(t *testing.T) {
	st := remotetest.Wrap(remotetest.NewStore(t))
	seedUsers(t, st)
	remotetest.SeedChat(t, st, "ab", "a", "b")
	remotetest.SeedChat(t, st, "ac", "a", "c")
	setSummary(t, st, "ac", model.LastMessage{Text: "see you at lunch", SenderID: "c", Timestamp: time.Now(), Kind: model.KindText})

	alice := newClient(t, st, "a")
	waitChats(t, alice.syncer, func(l []model.ChatSession) bool { return len(l) == 2 }, "both chats")
	require.Eventually(t, func() bool { return alice.profiles.Len() == 2 }, 2*time.Second, 5*time.Millisecond)
	settle(t, alice.syncer)

	st.Reset()
	assert.Equal(t, []string{"ab"}, ids(alice.syncer.Search("BOB")))
	assert.Equal(t, []string{"ab"}, ids(alice.syncer.Search("bob@example")))
	assert.Equal(t, []string{"ac"}, ids(alice.syncer.Search("lunch")))
	assert.Equal(t, []string{"ac"}, ids(alice.syncer.Search("carol")))
	assert.Empty(t, alice.syncer.Search("zed"))
	assert.Len(t, alice.syncer.Search("  "), 2)
	assert.Equal(t, 0, st.Reads())
}

func TestStopReleasesListener(t *testing.T) {
	db := remotetest.NewStore(t)
	seedUsers(t, db)
	b := bus.New()
	s := NewSyncer("a", db, profile.NewCache(db, time.Second, nil), nil, b, nil)
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 1, db.ActiveListeners())

	s.Stop()
	s.Stop()
	assert.Equal(t, 0, db.ActiveListeners())
	assert.Equal(t, 0, b.Subscribers())
}

var _ ProfileSource = (*profile.Cache)(nil)
var _ Blocker = (*block.Registry)(nil)
