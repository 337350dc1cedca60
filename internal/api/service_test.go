package api

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/khushaldangi18/conversa/internal/block"
	"github.com/khushaldangi18/conversa/internal/bus"
	"github.com/khushaldangi18/conversa/internal/chatlist"
	"github.com/khushaldangi18/conversa/internal/contacts"
	"github.com/khushaldangi18/conversa/internal/conversation"
	"github.com/khushaldangi18/conversa/internal/media"
	"github.com/khushaldangi18/conversa/internal/model"
	"github.com/khushaldangi18/conversa/internal/presence"
	"github.com/khushaldangi18/conversa/internal/profile"
	"github.com/khushaldangi18/conversa/internal/remote"
	"github.com/khushaldangi18/conversa/internal/remote/remotetest"
	"github.com/khushaldangi18/conversa/internal/status"
)

type fixture struct {
	st     *remotetest.Store
	bus    *bus.Bus
	svc    *Service
	client *Client
	ctx    context.Context
}

// newFixture serves user "a" over a Unix socket. Users a, b (public) and
// c (private) exist and a has a chat with b.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	// Short path: Unix socket paths are limited to ~104 chars on macOS.
	tmpDir, err := os.MkdirTemp("/tmp", "conversa-api-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	db := remotetest.NewStore(t)
	st := remotetest.Wrap(db)
	remotetest.SeedUser(t, st, model.UserProfile{ID: "a", FullName: "Alice Adams", Username: "alice", IsPublic: true})
	remotetest.SeedUser(t, st, model.UserProfile{ID: "b", FullName: "Bob Brown", Username: "bob", IsPublic: true})
	remotetest.SeedUser(t, st, model.UserProfile{ID: "c", FullName: "Carol Clark", Username: "carol"})
	remotetest.SeedChat(t, st, "chat-ab", "a", "b")

	b := bus.New()
	cache := profile.NewCache(st, time.Second, nil)
	blocks := block.NewRegistry(st, b, nil)
	require.NoError(t, blocks.Watch(context.Background(), "a"))
	t.Cleanup(blocks.Stop)
	syncer := chatlist.NewSyncer("a", st, cache, blocks, b, nil)
	require.NoError(t, syncer.Start(context.Background()))
	t.Cleanup(syncer.Stop)
	mc, err := media.NewCache(st, 16, 1<<20, nil)
	require.NoError(t, err)

	svc := NewService(Deps{
		UserID:   "a",
		Store:    st,
		Blobs:    st,
		Bus:      b,
		Chats:    syncer,
		Blocks:   blocks,
		Contacts: contacts.NewService(st, b, func(id string) { b.Emit(bus.KindChatNavigate, bus.ChatRef{ChatID: id}) }, nil),
		Presence: presence.NewTracker(presence.NewMemoryBackend(), status.NewMachine(b), nil),
		Media:    mc,
		Profiles: profile.NewEditor(st, st, cache, nil),
		Chat:     conversation.Options{SweepInterval: 20 * time.Millisecond},
	})
	t.Cleanup(svc.Close)

	srv := grpc.NewServer()
	Register(srv, svc)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	socketPath := filepath.Join(tmpDir, "d.sock")
	lis, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := Dial(socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return &fixture{st: st, bus: b, svc: svc, client: c, ctx: ctx}
}

func code(err error) codes.Code {
	return grpcstatus.Code(err)
}

func TestHealthAndStatus(t *testing.T) {
	f := newFixture(t)

	ok, err := f.client.Healthy(f.ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	st, err := f.client.Status(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", st["user_id"])
	assert.Contains(t, st, "chat_list_state")
	assert.Equal(t, float64(0), st["open_conversations"])
}

func TestSendTextShowsUpInChatList(t *testing.T) {
	f := newFixture(t)

	id, err := f.client.SendText(f.ctx, "chat-ab", "  hello bob ")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		state, chats, err := f.client.ListChats(f.ctx)
		return err == nil && state == chatlist.Ready.String() &&
			len(chats) == 1 && chats[0].LastMessage == "hello bob" && chats[0].OtherUserID == "b"
	}, 3*time.Second, 10*time.Millisecond)

	found, err := f.client.SearchChats(f.ctx, "bob")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "chat-ab", found[0].ID)

	// The send released its conversation.
	assert.Equal(t, 0, f.svc.OpenConversations())
}

func TestErrorCodes(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.SendText(f.ctx, "missing", "hi")
	assert.Equal(t, codes.NotFound, code(err))

	_, err = f.client.SendText(f.ctx, "chat-ab", "   ")
	assert.Equal(t, codes.InvalidArgument, code(err))

	assert.Equal(t, codes.InvalidArgument, code(f.client.Block(f.ctx, "a")))
	assert.Equal(t, codes.InvalidArgument, code(f.client.DeleteChat(f.ctx, "")))

	_, _, _, err = f.client.StartChat(f.ctx, "a", "")
	assert.Equal(t, codes.InvalidArgument, code(err))

	msgID := remotetest.SeedMessage(t, f.st, model.Message{ChatID: "chat-ab", SenderID: "b", Text: "mine", Timestamp: time.Now()})
	err = f.client.DeleteMessage(f.ctx, "chat-ab", msgID, true)
	assert.Equal(t, codes.PermissionDenied, code(err))

	f.st.SetHook(remotetest.FailOn(remotetest.OpGet, "users/zed", remote.ErrUnavailable))
	_, _, _, err = f.client.StartChat(f.ctx, "zed", "")
	assert.Equal(t, codes.Unavailable, code(err))
}

func TestStartChatAndRequests(t *testing.T) {
	f := newFixture(t)

	outcome, chatID, _, err := f.client.StartChat(f.ctx, "b", "")
	require.NoError(t, err)
	assert.Equal(t, contacts.Opened.String(), outcome)
	assert.Equal(t, "chat-ab", chatID)

	outcome, _, reqID, err := f.client.StartChat(f.ctx, "c", "")
	require.NoError(t, err)
	assert.Equal(t, contacts.Requested.String(), outcome)
	assert.NotEmpty(t, reqID)

	// a is not the recipient of its own request.
	_, err = f.client.AcceptRequest(f.ctx, reqID)
	assert.Equal(t, codes.PermissionDenied, code(err))

	pending, err := f.client.PendingRequests(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	users, err := f.client.SearchUsers(f.ctx, "ca")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "c", users[0].ID)
}

func TestWatchChatsStreamsListAndNavigation(t *testing.T) {
	f := newFixture(t)
	remotetest.SeedUser(t, f.st, model.UserProfile{ID: "d", FullName: "Dan Doe", IsPublic: true})

	ctx, cancel := context.WithCancel(f.ctx)
	defer cancel()
	updates := make(chan ChatsUpdate, 16)
	go func() {
		_ = f.client.WatchChats(ctx, func(u ChatsUpdate) error {
			updates <- u
			return nil
		})
	}()

	first := <-updates
	assert.Empty(t, first.NavigateTo)

	// Subscriptions are live once the first item has arrived.
	outcome, chatID, _, err := f.client.StartChat(f.ctx, "d", "")
	require.NoError(t, err)
	require.Equal(t, contacts.Created.String(), outcome)

	var navigated, listed bool
	deadline := time.After(3 * time.Second)
	for !navigated || !listed {
		select {
		case u := <-updates:
			if u.NavigateTo == chatID {
				navigated = true
			}
			if slices.ContainsFunc(u.Chats, func(c ChatRow) bool { return c.ID == chatID }) {
				listed = true
			}
		case <-deadline:
			t.Fatalf("navigated=%v listed=%v", navigated, listed)
		}
	}
}

func TestWatchMessagesSweepsWhileOpen(t *testing.T) {
	f := newFixture(t)
	msgID := remotetest.SeedMessage(t, f.st, model.Message{ChatID: "chat-ab", SenderID: "b", Text: "are you there?", Timestamp: time.Now()})

	ctx, cancel := context.WithCancel(f.ctx)
	updates := make(chan MessagesUpdate, 16)
	done := make(chan error, 1)
	go func() {
		done <- f.client.WatchMessages(ctx, "chat-ab", func(u MessagesUpdate) error {
			updates <- u
			return nil
		})
	}()

	first := <-updates
	assert.Equal(t, "b", first.PeerID)
	require.Len(t, first.Messages, 1)
	assert.Equal(t, "are you there?", first.Messages[0].Text)

	require.Eventually(t, func() bool {
		d, err := f.st.Get(context.Background(), remote.MessagePath("chat-ab", msgID))
		return err == nil && model.MessageFromDoc("chat-ab", d).ReadByUser("a")
	}, 3*time.Second, 10*time.Millisecond, "open stream should mark the peer's message read")
	assert.Equal(t, 1, f.svc.OpenConversations())

	cancel()
	require.NoError(t, <-done)
	require.Eventually(t, func() bool { return f.svc.OpenConversations() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestWatchMessagesEndsWhenPeerBlocks(t *testing.T) {
	f := newFixture(t)

	updates := make(chan MessagesUpdate, 16)
	done := make(chan error, 1)
	go func() {
		done <- f.client.WatchMessages(f.ctx, "chat-ab", func(u MessagesUpdate) error {
			updates <- u
			return nil
		})
	}()
	<-updates

	require.NoError(t, f.client.Block(f.ctx, "b"))
	select {
	case err := <-done:
		assert.Equal(t, codes.Aborted, code(err))
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not end after block")
	}
}

func TestProfileAndMedia(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.client.RegisterProfile(f.ctx, ProfileRow{Email: "a@example.com", FullName: "Alice A", Username: "alice"}))
	require.NoError(t, f.client.SetVisibility(f.ctx, true))

	url, err := f.client.UpdatePhoto(f.ctx, []byte("jpeg-bytes"))
	require.NoError(t, err)
	data, err := f.client.GetMedia(f.ctx, url)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), data)

	d, err := f.st.Get(f.ctx, remote.UserPath("a"))
	require.NoError(t, err)
	p := model.ProfileFromDoc(d)
	assert.Equal(t, "Alice A", p.FullName)
	assert.True(t, p.IsPublic)
	assert.Equal(t, url, p.PhotoURL)

	_, err = f.client.UpdatePhoto(f.ctx, nil)
	assert.Equal(t, codes.InvalidArgument, code(err))
}

func TestGetPresenceUnknownWithoutRecord(t *testing.T) {
	f := newFixture(t)

	p, err := f.client.GetPresence(f.ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", p.UserID)
	assert.Equal(t, "unknown", p.State)
}
