// Package chatlist maintains the ordered list of chat sessions visible to the
// current user from a live chat query plus per-chat unread counts.
package chatlist

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/khushaldangi18/conversa/internal/bus"
	"github.com/khushaldangi18/conversa/internal/metrics"
	"github.com/khushaldangi18/conversa/internal/model"
	"github.com/khushaldangi18/conversa/internal/remote"
)

// deleteBatchSize stays below remote.MaxBatchWrites.
const deleteBatchSize = 450

// joinConcurrency bounds the sub-queries one join runs at a time.
const joinConcurrency = 8

// ProfileSource resolves peer profiles. Peek must never reach the remote store.
type ProfileSource interface {
	Get(ctx context.Context, id string) (model.UserProfile, bool)
	Peek(id string) (model.UserProfile, bool)
}

// Blocker reports whether the current user and other are blocked in either direction.
type Blocker interface {
	Blocks(other string) bool
}

// State is the loading state of the list.
type State int

const (
	Loading State = iota
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Syncer owns the chat list of one user. All view state is mutated by the
// loop goroutine; readers get immutable copies.
type Syncer struct {
	me       string
	store    remote.Store
	profiles ProfileSource
	blocks   Blocker
	bus      *bus.Bus
	logger   *zap.Logger

	mu    sync.RWMutex
	state State
	list  []model.ChatSession

	deletes chan deleteReq
	cancel  context.CancelFunc
	done    chan struct{}

	published atomic.Uint64
	stale     atomic.Uint64
	failed    atomic.Uint64
}

type deleteReq struct {
	chatID string
	ack    chan struct{}
}

// unreadWatch is the live query over one chat's peer messages. Any change to
// those documents can move the unread count without touching the chat.
type unreadWatch struct {
	chatID string
	peer   string
	l      remote.Listener
}

type joinResult struct {
	gen      uint64
	sessions []model.ChatSession
	err      error
}

// NewSyncer creates a syncer for me. blocks may be nil.
func NewSyncer(me string, store remote.Store, profiles ProfileSource, blocks Blocker, b *bus.Bus, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		me:       me,
		store:    store,
		profiles: profiles,
		blocks:   blocks,
		bus:      b,
		logger:   logger.Named("chatlist"),
		deletes:  make(chan deleteReq),
	}
}

// Start subscribes to the chats of the current user and starts the loop.
func (s *Syncer) Start(ctx context.Context) error {
	q := remote.Collection(remote.ChatsCollection).Where("participants", remote.OpArrayContains, s.me)
	l, err := s.store.Listen(ctx, q)
	if err != nil {
		return fmt.Errorf("listen chats: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	events, unsub := s.bus.Subscribe(bus.UserNamespace, 64)

	s.mu.Lock()
	s.state = Loading
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.loop(ctx, l, events, unsub, done)
	s.logger.Info("chat list syncer started", zap.String("user_id", s.me))
	return nil
}

// Stop cancels the listener and waits for the loop to exit.
func (s *Syncer) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Syncer) loop(ctx context.Context, l remote.Listener, events <-chan bus.Event, unsub func(), done chan struct{}) {
	defer close(done)
	defer unsub()
	defer l.Close()

	var (
		gen        uint64
		chats      []model.Chat
		haveChats  bool
		published  bool
		tombstones = make(map[string]struct{})
		results    = make(chan joinResult, 1)
		snaps      = l.Snapshots()
		watches    = make(map[string]*unreadWatch)
		dirty      = make(chan struct{}, 1)
		lost       = make(chan *unreadWatch)
	)
	defer func() {
		for id, w := range watches {
			w.l.Close()
			delete(watches, id)
		}
	}()

	rejoin := func() {
		if !haveChats {
			return
		}
		gen++
		visible := s.visible(chats, tombstones)
		s.syncWatches(ctx, visible, watches, dirty, lost)
		go func(gen uint64) {
			sessions, err := s.join(ctx, visible)
			select {
			case results <- joinResult{gen: gen, sessions: sessions, err: err}:
			case <-ctx.Done():
			}
		}(gen)
	}

	for {
		select {
		case snap, ok := <-snaps:
			if !ok {
				snaps = nil
				continue
			}
			if snap.Err != nil {
				s.logger.Error("chat listener failed", zap.Error(snap.Err))
				s.setState(Failed)
				continue
			}
			chats = chats[:0]
			present := make(map[string]struct{}, len(snap.Docs))
			for _, d := range snap.Docs {
				chats = append(chats, model.ChatFromDoc(d))
				present[d.ID] = struct{}{}
			}
			// A tombstone is no longer needed once the remote agrees.
			for id := range tombstones {
				if _, ok := present[id]; !ok {
					delete(tombstones, id)
				}
			}
			haveChats = true
			rejoin()

		case evt := <-events:
			switch evt.Kind {
			case bus.KindUserBlocked, bus.KindUserUnblocked:
				s.logger.Debug("block set changed, rejoining", zap.String("kind", evt.Kind))
				rejoin()
			}

		case <-dirty:
			rejoin()

		case w := <-lost:
			if watches[w.chatID] == w {
				w.l.Close()
				delete(watches, w.chatID)
			}

		case req := <-s.deletes:
			tombstones[req.chatID] = struct{}{}
			s.removeLocal(req.chatID)
			rejoin()
			close(req.ack)

		case res := <-results:
			switch {
			case res.gen != gen:
				s.stale.Add(1)
				metrics.IncChatListJoin("stale")
				s.logger.Debug("discarding stale chat list join", zap.Uint64("gen", res.gen), zap.Uint64("current", gen))
			case res.err != nil:
				s.failed.Add(1)
				metrics.IncChatListJoin("failed")
				s.logger.Error("chat list join failed", zap.Error(res.err))
				// With nothing published yet there is no list to keep showing.
				if !published {
					s.setState(Failed)
				}
			default:
				published = true
				s.published.Add(1)
				metrics.IncChatListJoin("published")
				s.publish(res.sessions)
			}

		case <-ctx.Done():
			return
		}
	}
}

// syncWatches keeps exactly one unread watch per visible chat. A change on
// any watch marks the list dirty; a failed watch is reported on lost and
// reopened by the next rejoin.
func (s *Syncer) syncWatches(ctx context.Context, visible []model.Chat, watches map[string]*unreadWatch, dirty chan<- struct{}, lost chan<- *unreadWatch) {
	want := make(map[string]string, len(visible))
	for _, c := range visible {
		want[c.ID] = c.OtherUser(s.me)
	}
	for id, w := range watches {
		if peer, ok := want[id]; !ok || peer != w.peer {
			w.l.Close()
			delete(watches, id)
		}
	}
	for id, peer := range want {
		if _, ok := watches[id]; ok {
			continue
		}
		l, err := s.store.Listen(ctx, unreadQuery(id, peer))
		if err != nil {
			s.logger.Warn("unread watch failed", zap.String("chat_id", id), zap.Error(err))
			continue
		}
		w := &unreadWatch{chatID: id, peer: peer, l: l}
		watches[id] = w
		go s.forwardUnread(ctx, w, dirty, lost)
	}
}

func (s *Syncer) forwardUnread(ctx context.Context, w *unreadWatch, dirty chan<- struct{}, lost chan<- *unreadWatch) {
	for snap := range w.l.Snapshots() {
		if snap.Err != nil {
			s.logger.Warn("unread watch failed", zap.String("chat_id", w.chatID), zap.Error(snap.Err))
			select {
			case lost <- w:
			case <-ctx.Done():
			}
			return
		}
		select {
		case dirty <- struct{}{}:
		default:
		}
	}
}

// visible drops chats that are malformed, blocked or locally deleted.
func (s *Syncer) visible(chats []model.Chat, tombstones map[string]struct{}) []model.Chat {
	out := make([]model.Chat, 0, len(chats))
	for _, c := range chats {
		if _, gone := tombstones[c.ID]; gone {
			continue
		}
		other := c.OtherUser(s.me)
		if other == "" {
			continue
		}
		if s.blocks != nil && s.blocks.Blocks(other) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// join resolves every chat's peer and unread count. Any failed unread query
// fails the whole join.
func (s *Syncer) join(ctx context.Context, chats []model.Chat) ([]model.ChatSession, error) {
	sessions := make([]model.ChatSession, len(chats))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(joinConcurrency)
	for i, c := range chats {
		g.Go(func() error {
			other := c.OtherUser(s.me)
			if _, ok := s.profiles.Get(gctx, other); !ok {
				s.logger.Debug("peer profile unavailable", zap.String("chat_id", c.ID), zap.String("user_id", other))
			}
			unread, err := s.unreadCount(gctx, c.ID, other)
			if err != nil {
				return fmt.Errorf("unread count %s: %w", c.ID, err)
			}
			sessions[i] = model.SessionFor(c, s.me, unread)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sortSessions(sessions)
	return sessions, nil
}

func unreadQuery(chatID, other string) remote.Query {
	return remote.Collection(remote.MessagesPath(chatID)).Where("senderId", remote.OpEqual, other)
}

func (s *Syncer) unreadCount(ctx context.Context, chatID, other string) (int, error) {
	docs, err := s.store.Query(ctx, unreadQuery(chatID, other))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range docs {
		if model.MessageFromDoc(chatID, d).CountsAsUnread(s.me) {
			n++
		}
	}
	return n, nil
}

func sortSessions(sessions []model.ChatSession) {
	slices.SortStableFunc(sessions, func(a, b model.ChatSession) int {
		if c := b.LastMessageTime.Compare(a.LastMessageTime); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func (s *Syncer) publish(sessions []model.ChatSession) {
	s.mu.Lock()
	s.list = sessions
	s.state = Ready
	s.mu.Unlock()
	s.bus.Emit(bus.KindChatListPublished, slices.Clone(sessions))
}

func (s *Syncer) removeLocal(chatID string) {
	s.mu.Lock()
	idx := slices.IndexFunc(s.list, func(c model.ChatSession) bool { return c.ID == chatID })
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.list = slices.Delete(slices.Clone(s.list), idx, idx+1)
	next := s.list
	s.mu.Unlock()
	s.bus.Emit(bus.KindChatListPublished, slices.Clone(next))
}

func (s *Syncer) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the loading state.
func (s *Syncer) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Chats returns the last published list.
func (s *Syncer) Chats() []model.ChatSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.list)
}

// Search filters the published list by the peer's cached name, username or
// email and by the last message text. It never reads the remote store.
func (s *Syncer) Search(term string) []model.ChatSession {
	chats := s.Chats()
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return chats
	}
	out := chats[:0]
	for _, c := range chats {
		if s.matches(c, term) {
			out = append(out, c)
		}
	}
	return out
}

func (s *Syncer) matches(c model.ChatSession, term string) bool {
	if strings.Contains(strings.ToLower(c.LastMessageText), term) {
		return true
	}
	p, ok := s.profiles.Peek(c.OtherUserID)
	if !ok {
		return false
	}
	for _, f := range []string{p.FullName, p.Username, p.Email} {
		if strings.Contains(strings.ToLower(f), term) {
			return true
		}
	}
	return false
}

// JoinStats returns how many joins were published, discarded as stale and failed.
func (s *Syncer) JoinStats() (published, stale, failed uint64) {
	return s.published.Load(), s.stale.Load(), s.failed.Load()
}

// DeleteChat deletes every message of the chat, then the chat document. The
// chat leaves the local list only after both steps succeed.
func (s *Syncer) DeleteChat(ctx context.Context, chatID string) error {
	docs, err := s.store.Query(ctx, remote.Collection(remote.MessagesPath(chatID)))
	if err != nil {
		return fmt.Errorf("list messages of %s: %w", chatID, err)
	}
	for chunk := range slices.Chunk(docs, deleteBatchSize) {
		b := remote.NewBatch()
		for _, d := range chunk {
			b.Delete(d.Path)
		}
		if err := s.store.Commit(ctx, b); err != nil {
			return fmt.Errorf("delete messages of %s: %w", chatID, err)
		}
	}
	if err := s.store.Delete(ctx, remote.ChatPath(chatID)); err != nil {
		return fmt.Errorf("delete chat %s: %w", chatID, err)
	}

	s.forget(ctx, chatID)
	s.bus.Emit(bus.KindChatDeleted, bus.ChatRef{ChatID: chatID})
	s.logger.Info("chat deleted", zap.String("chat_id", chatID), zap.Int("messages", len(docs)))
	return nil
}

// forget hands the removal to the loop so an in-flight join cannot bring the
// chat back. Without a running loop it edits the list directly.
func (s *Syncer) forget(ctx context.Context, chatID string) {
	s.mu.RLock()
	done := s.done
	running := s.cancel != nil
	s.mu.RUnlock()
	if !running {
		s.removeLocal(chatID)
		return
	}
	req := deleteReq{chatID: chatID, ack: make(chan struct{})}
	select {
	case s.deletes <- req:
		<-req.ack
	case <-done:
		s.removeLocal(chatID)
	case <-ctx.Done():
		s.removeLocal(chatID)
	}
}
