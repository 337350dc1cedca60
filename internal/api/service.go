// Package api exposes the sync engine to local clients over gRPC.
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

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
)

var errShuttingDown = grpcstatus.Error(codes.Unavailable, "daemon is shutting down")

// presenceWait bounds how long GetPresence waits for a first status.
const presenceWait = 2 * time.Second

// Deps are the engine components the service fronts.
type Deps struct {
	UserID   string
	Store    remote.Store
	Blobs    remote.BlobStore
	Bus      *bus.Bus
	Chats    *chatlist.Syncer
	Blocks   *block.Registry
	Contacts *contacts.Service
	Presence *presence.Tracker
	Media    *media.Cache
	Profiles *profile.Editor
	Chat     conversation.Options
	Logger   *zap.Logger
}

// Service implements conversa.v1.Conversa for one signed-in user.
type Service struct {
	d         Deps
	logger    *zap.Logger
	startedAt time.Time

	mu   sync.Mutex
	open map[string]*openChat

	closing   chan struct{}
	closeOnce sync.Once
}

// openChat is a conversation shared by the calls that touch the same chat.
type openChat struct {
	streamer *conversation.Streamer
	refs     int
	watchers int
}

func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{
		d:         d,
		logger:    d.Logger.Named("api"),
		startedAt: time.Now(),
		open:      make(map[string]*openChat),
		closing:   make(chan struct{}),
	}
}

// UserID returns the user the service acts as.
func (s *Service) UserID() string { return s.d.UserID }

// OpenConversations returns the number of conversations held open by calls.
func (s *Service) OpenConversations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

// Close ends open streams and closes every conversation still held open.
func (s *Service) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
	s.mu.Lock()
	open := s.open
	s.open = make(map[string]*openChat)
	s.mu.Unlock()
	for _, oc := range open {
		oc.streamer.Close()
	}
}

// acquire returns an open conversation for chatID, opening one if needed.
// The release func is idempotent.
func (s *Service) acquire(ctx context.Context, chatID string) (*conversation.Streamer, func(), error) {
	if st, release, ok := s.reuse(chatID); ok {
		return st, release, nil
	}

	st, err := conversation.Open(ctx, chatID, s.d.UserID, conversation.Deps{
		Store:    s.d.Store,
		Blobs:    s.d.Blobs,
		Bus:      s.d.Bus,
		Presence: s.presenceSource(),
		Logger:   s.d.Logger,
	}, s.d.Chat)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	if oc, ok := s.open[chatID]; ok && !closed(oc.streamer) {
		// Lost the race with another caller; share theirs.
		oc.refs++
		s.mu.Unlock()
		st.Close()
		return oc.streamer, s.releaser(chatID, oc), nil
	}
	oc := &openChat{streamer: st, refs: 1}
	s.open[chatID] = oc
	s.mu.Unlock()
	return st, s.releaser(chatID, oc), nil
}

func (s *Service) reuse(chatID string) (*conversation.Streamer, func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oc, ok := s.open[chatID]
	if !ok {
		return nil, nil, false
	}
	if closed(oc.streamer) {
		delete(s.open, chatID)
		return nil, nil, false
	}
	oc.refs++
	return oc.streamer, s.releaser(chatID, oc), true
}

func (s *Service) releaser(chatID string, oc *openChat) func() {
	return sync.OnceFunc(func() {
		s.mu.Lock()
		oc.refs--
		last := oc.refs == 0
		if last && s.open[chatID] == oc {
			delete(s.open, chatID)
		}
		s.mu.Unlock()
		if last {
			oc.streamer.Close()
		}
	})
}

// watch marks st as on screen for the caller; the read sweep runs while at
// least one watcher remains.
func (s *Service) watch(chatID string, st *conversation.Streamer) func() {
	s.mu.Lock()
	oc := s.open[chatID]
	if oc == nil || oc.streamer != st {
		s.mu.Unlock()
		st.SetForeground(true)
		return sync.OnceFunc(func() { st.SetForeground(false) })
	}
	oc.watchers++
	first := oc.watchers == 1
	s.mu.Unlock()
	if first {
		st.SetForeground(true)
	}
	return sync.OnceFunc(func() {
		s.mu.Lock()
		oc.watchers--
		last := oc.watchers == 0
		s.mu.Unlock()
		if last {
			st.SetForeground(false)
		}
	})
}

func closed(st *conversation.Streamer) bool {
	select {
	case <-st.Done():
		return true
	default:
		return false
	}
}

func (s *Service) presenceSource() conversation.PresenceSource {
	if s.d.Presence == nil {
		return nil
	}
	return s.d.Presence
}

func (s *Service) getStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	published, stale, failed := s.d.Chats.JoinStats()
	fields := map[string]any{
		"user_id":            s.d.UserID,
		"chat_list_state":    s.d.Chats.State().String(),
		"chat_count":         len(s.d.Chats.Chats()),
		"blocked_count":      len(s.d.Blocks.BlockedUsers()),
		"open_conversations": s.OpenConversations(),
		"joins_published":    published,
		"joins_stale":        stale,
		"joins_failed":       failed,
		"uptime_ms":          time.Since(s.startedAt).Milliseconds(),
	}
	if s.d.Presence != nil {
		fields["presence_state"] = string(s.d.Presence.State())
	}
	if s.d.Media != nil {
		entries, size := s.d.Media.Stats()
		fields["media_entries"] = entries
		fields["media_bytes"] = size
	}
	return reply(fields)
}

func (s *Service) listChats(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return reply(map[string]any{
		"state": s.d.Chats.State().String(),
		"chats": sessionList(s.d.Chats.Chats()),
	})
}

func (s *Service) searchChats(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return reply(map[string]any{
		"chats": sessionList(s.d.Chats.Search(stringArg(in, "term"))),
	})
}

func (s *Service) deleteChat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	chatID, err := requiredArg(in, "chat_id")
	if err != nil {
		return nil, err
	}
	if err := s.d.Chats.DeleteChat(ctx, chatID); err != nil {
		return nil, toStatus(err)
	}
	return empty()
}

func (s *Service) sendText(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	chatID, err := requiredArg(in, "chat_id")
	if err != nil {
		return nil, err
	}
	st, release, err := s.acquire(ctx, chatID)
	if err != nil {
		return nil, toStatus(err)
	}
	defer release()
	id, err := st.SendText(ctx, stringArg(in, "text"))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"message_id": id})
}

func (s *Service) sendImage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	chatID, err := requiredArg(in, "chat_id")
	if err != nil {
		return nil, err
	}
	data, err := bytesArg(in, "data")
	if err != nil {
		return nil, err
	}
	st, release, err := s.acquire(ctx, chatID)
	if err != nil {
		return nil, toStatus(err)
	}
	defer release()
	id, err := st.SendImage(ctx, data)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"message_id": id})
}

func (s *Service) deleteMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	chatID, err := requiredArg(in, "chat_id")
	if err != nil {
		return nil, err
	}
	msgID, err := requiredArg(in, "message_id")
	if err != nil {
		return nil, err
	}
	st, release, err := s.acquire(ctx, chatID)
	if err != nil {
		return nil, toStatus(err)
	}
	defer release()
	if boolArg(in, "everyone") {
		err = st.DeleteForEveryone(ctx, msgID)
	} else {
		err = st.DeleteForMe(ctx, msgID)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return empty()
}

func (s *Service) block(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := requiredArg(in, "user_id")
	if err != nil {
		return nil, err
	}
	if err := s.d.Blocks.Block(ctx, s.d.UserID, uid); err != nil {
		return nil, toStatus(err)
	}
	return empty()
}

func (s *Service) unblock(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := requiredArg(in, "user_id")
	if err != nil {
		return nil, err
	}
	if err := s.d.Blocks.Unblock(ctx, s.d.UserID, uid); err != nil {
		return nil, toStatus(err)
	}
	return empty()
}

func (s *Service) searchUsers(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	users, err := s.d.Contacts.SearchUsers(ctx, s.d.UserID, stringArg(in, "term"))
	if err != nil {
		return nil, toStatus(err)
	}
	out := make([]any, len(users))
	for i, u := range users {
		out[i] = profileFields(u)
	}
	return reply(map[string]any{"users": out})
}

func (s *Service) startChat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := requiredArg(in, "user_id")
	if err != nil {
		return nil, err
	}
	res, err := s.d.Contacts.StartChatWithMessage(ctx, s.d.UserID, uid, stringArg(in, "message"))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{
		"outcome":    res.Outcome.String(),
		"chat_id":    res.ChatID,
		"request_id": res.RequestID,
	})
}

func (s *Service) acceptRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	reqID, err := requiredArg(in, "request_id")
	if err != nil {
		return nil, err
	}
	chatID, err := s.d.Contacts.AcceptRequest(ctx, s.d.UserID, reqID)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"chat_id": chatID})
}

func (s *Service) rejectRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	reqID, err := requiredArg(in, "request_id")
	if err != nil {
		return nil, err
	}
	if err := s.d.Contacts.RejectRequest(ctx, s.d.UserID, reqID); err != nil {
		return nil, toStatus(err)
	}
	return empty()
}

func (s *Service) pendingRequests(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	reqs, err := s.d.Contacts.PendingRequests(ctx, s.d.UserID)
	if err != nil {
		return nil, toStatus(err)
	}
	out := make([]any, len(reqs))
	for i, r := range reqs {
		out[i] = requestFields(r)
	}
	return reply(map[string]any{"requests": out})
}

func (s *Service) getPresence(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := requiredArg(in, "user_id")
	if err != nil {
		return nil, err
	}
	if s.d.Presence == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "presence is disabled")
	}
	ch, release, err := s.d.Presence.ObserveUserStatus(ctx, uid)
	if err != nil {
		return nil, toStatus(err)
	}
	defer release()

	timer := time.NewTimer(presenceWait)
	defer timer.Stop()
	select {
	case st, ok := <-ch:
		return reply(presenceFields(uid, st, ok))
	case <-timer.C:
		return reply(presenceFields(uid, presence.Status{}, false))
	case <-ctx.Done():
		return nil, toStatus(ctx.Err())
	}
}

func (s *Service) getMedia(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	url, err := requiredArg(in, "url")
	if err != nil {
		return nil, err
	}
	data, err := s.d.Media.Fetch(ctx, url)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"data": data})
}

func (s *Service) registerProfile(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	p := model.UserProfile{
		ID:       s.d.UserID,
		Email:    stringArg(in, "email"),
		FullName: stringArg(in, "full_name"),
		Username: stringArg(in, "username"),
		IsPublic: boolArg(in, "is_public"),
	}
	if err := s.d.Profiles.Register(ctx, p); err != nil {
		return nil, toStatus(err)
	}
	return empty()
}

func (s *Service) updatePhoto(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	data, err := bytesArg(in, "data")
	if err != nil {
		return nil, err
	}
	url, err := s.d.Profiles.UpdatePhoto(ctx, s.d.UserID, data)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"photo_url": url})
}

func (s *Service) setVisibility(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.d.Profiles.SetVisibility(ctx, s.d.UserID, boolArg(in, "public")); err != nil {
		return nil, toStatus(err)
	}
	return empty()
}

// watchChats streams the chat list, then every republished list and every
// navigation request.
func (s *Service) watchChats(_ *structpb.Struct, stream grpc.ServerStream) error {
	lists, unsubLists := s.d.Bus.Subscribe(bus.ChatListNamespace, 64)
	defer unsubLists()
	navs, unsubNavs := s.d.Bus.Subscribe(bus.ChatNamespace, 16)
	defer unsubNavs()

	if err := s.sendChats(stream, s.d.Chats.Chats()); err != nil {
		return err
	}
	for {
		select {
		case evt := <-lists:
			chats, ok := evt.Payload.([]model.ChatSession)
			if !ok {
				continue
			}
			if err := s.sendChats(stream, chats); err != nil {
				return err
			}
		case evt := <-navs:
			ref, ok := evt.Payload.(bus.ChatRef)
			if evt.Kind != bus.KindChatNavigate || !ok {
				continue
			}
			out, err := reply(map[string]any{"type": "navigate", "chat_id": ref.ChatID})
			if err != nil {
				return err
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-s.closing:
			return errShuttingDown
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *Service) sendChats(stream grpc.ServerStream, chats []model.ChatSession) error {
	out, err := reply(map[string]any{
		"type":  "chats",
		"state": s.d.Chats.State().String(),
		"chats": sessionList(chats),
	})
	if err != nil {
		return err
	}
	return stream.SendMsg(out)
}

// watchMessages keeps chat_id open and on screen for the life of the stream
// and sends the message log on every change.
func (s *Service) watchMessages(in *structpb.Struct, stream grpc.ServerStream) error {
	chatID, err := requiredArg(in, "chat_id")
	if err != nil {
		return err
	}
	ctx := stream.Context()

	events, unsub := s.d.Bus.Subscribe(bus.ConversationNamespace, 64)
	defer unsub()

	st, release, err := s.acquire(ctx, chatID)
	if err != nil {
		return toStatus(err)
	}
	defer release()
	unwatch := s.watch(chatID, st)
	defer unwatch()

	if err := sendMessages(stream, st); err != nil {
		return err
	}
	for {
		select {
		case evt := <-events:
			ref, ok := evt.Payload.(bus.ChatRef)
			if !ok || ref.ChatID != chatID {
				continue
			}
			if evt.Kind == bus.KindConversationClosed {
				return toStatus(conversation.ErrClosed)
			}
			if err := sendMessages(stream, st); err != nil {
				return err
			}
		case <-s.closing:
			return errShuttingDown
		case <-st.Done():
			return toStatus(conversation.ErrClosed)
		case <-ctx.Done():
			return nil
		}
	}
}

func sendMessages(stream grpc.ServerStream, st *conversation.Streamer) error {
	peer, known := st.PeerStatus()
	out, err := reply(map[string]any{
		"type":     "messages",
		"chat_id":  st.ChatID(),
		"peer_id":  st.PeerID(),
		"messages": messageList(st.Messages()),
		"presence": presenceFields(st.PeerID(), peer, known),
	})
	if err != nil {
		return err
	}
	return stream.SendMsg(out)
}
