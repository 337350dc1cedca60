// Package conversation streams the message log of one open chat and issues
// the writes made from it: sends, deletes and read receipts.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/khushaldangi18/conversa/internal/bus"
	"github.com/khushaldangi18/conversa/internal/metrics"
	"github.com/khushaldangi18/conversa/internal/model"
	"github.com/khushaldangi18/conversa/internal/presence"
	"github.com/khushaldangi18/conversa/internal/remote"
)

const (
	DefaultWindow        = 50
	DefaultSweepInterval = 2 * time.Second

	// summaryLookback is how many of the newest messages a summary recompute reads.
	summaryLookback = 5
	// sweepBatchSize leaves room under remote.MaxBatchWrites for the chat update.
	sweepBatchSize = 450
)

var (
	ErrClosed       = errors.New("conversation: closed")
	ErrEmptyMessage = errors.New("conversation: empty message")
	ErrEmptyImage   = errors.New("conversation: empty image")
	ErrNotSender    = errors.New("conversation: only the sender can delete for everyone")
)

// PresenceSource streams a peer's presence. presence.Tracker satisfies it.
type PresenceSource interface {
	ObserveUserStatus(ctx context.Context, uid string) (<-chan presence.Status, func(), error)
}

// Deps are the collaborators of a Streamer. Presence may be nil.
type Deps struct {
	Store    remote.Store
	Blobs    remote.BlobStore
	Bus      *bus.Bus
	Presence PresenceSource
	Logger   *zap.Logger
}

type Options struct {
	Window        int
	SweepInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	return o
}

// Streamer owns the message log of one chat for one viewer. View state is
// mutated only by the loop goroutine.
type Streamer struct {
	chatID string
	me     string
	peer   string
	deps   Deps
	opts   Options
	logger *zap.Logger

	mu         sync.RWMutex
	messages   []model.Message
	peerStatus presence.Status
	havePeer   bool
	closed     bool

	foreground chan bool
	cancel     context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once
}

// Open resolves the peer of chatID, subscribes to the newest messages and
// returns once the first snapshot has been applied.
func Open(ctx context.Context, chatID, me string, deps Deps, opts Options) (*Streamer, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	d, err := deps.Store.Get(ctx, remote.ChatPath(chatID))
	if err != nil {
		return nil, fmt.Errorf("open chat %s: %w", chatID, err)
	}
	peer := model.ChatFromDoc(d).OtherUser(me)
	if peer == "" {
		return nil, fmt.Errorf("open chat %s: not a participant: %w", chatID, remote.ErrPermissionDenied)
	}

	s := &Streamer{
		chatID:     chatID,
		me:         me,
		peer:       peer,
		deps:       deps,
		opts:       opts.withDefaults(),
		logger:     deps.Logger.Named("conversation").With(zap.String("chat_id", chatID)),
		foreground: make(chan bool),
		done:       make(chan struct{}),
	}

	q := remote.Collection(remote.MessagesPath(chatID)).OrderBy("timestamp", false).LimitToLastN(s.opts.Window)
	l, err := deps.Store.Listen(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listen messages of %s: %w", chatID, err)
	}
	select {
	case snap, ok := <-l.Snapshots():
		if !ok {
			l.Close()
			return nil, fmt.Errorf("initial messages of %s: %w", chatID, remote.ErrUnavailable)
		}
		if snap.Err != nil {
			l.Close()
			return nil, fmt.Errorf("initial messages of %s: %w", chatID, snap.Err)
		}
		s.apply(snap.Docs)
	case <-ctx.Done():
		l.Close()
		return nil, ctx.Err()
	}

	var (
		status  <-chan presence.Status
		release = func() {}
	)
	if deps.Presence != nil {
		status, release, err = deps.Presence.ObserveUserStatus(ctx, peer)
		if err != nil {
			s.logger.Warn("peer presence unavailable", zap.String("user_id", peer), zap.Error(err))
			status, release = nil, func() {}
		}
	}

	events, unsub := deps.Bus.Subscribe(bus.UserNamespace, 16)
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.loop(loopCtx, l, events, unsub, status, release)

	deps.Bus.Emit(bus.KindChatOpened, bus.ChatRef{ChatID: chatID})
	s.logger.Info("conversation opened", zap.String("peer", peer))
	return s, nil
}

func (s *Streamer) loop(ctx context.Context, l remote.Listener, events <-chan bus.Event, unsub func(), status <-chan presence.Status, release func()) {
	defer close(s.done)
	defer s.finish()
	defer release()
	defer unsub()
	defer l.Close()

	var (
		ticker *time.Ticker
		tick   <-chan time.Time
		snaps  = l.Snapshots()
	)
	stopSweep := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
	}
	defer stopSweep()

	for {
		select {
		case snap, ok := <-snaps:
			if !ok {
				snaps = nil
				continue
			}
			if snap.Err != nil {
				s.logger.Error("message listener failed", zap.Error(snap.Err))
				continue
			}
			s.apply(snap.Docs)
			s.deps.Bus.Emit(bus.KindConversationUpdated, bus.ChatRef{ChatID: s.chatID})

		case evt := <-events:
			change, ok := evt.Payload.(bus.BlockChange)
			if evt.Kind == bus.KindUserBlocked && ok && change.Involves(s.me, s.peer) {
				s.logger.Info("peer blocked, closing conversation", zap.String("blocker", change.Blocker))
				return
			}

		case st, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			s.mu.Lock()
			s.peerStatus, s.havePeer = st, true
			s.mu.Unlock()
			s.deps.Bus.Emit(bus.KindConversationUpdated, bus.ChatRef{ChatID: s.chatID})

		case fg := <-s.foreground:
			switch {
			case fg && ticker == nil:
				ticker = time.NewTicker(s.opts.SweepInterval)
				tick = ticker.C
				s.sweep(ctx)
			case !fg:
				stopSweep()
			}

		case <-tick:
			s.sweep(ctx)

		case <-ctx.Done():
			return
		}
	}
}

func (s *Streamer) sweep(ctx context.Context) {
	if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("read sweep failed", zap.Error(err))
	}
}

// apply replaces the log with docs: tombstones show the placeholder and
// messages the viewer deleted for themselves are dropped.
func (s *Streamer) apply(docs []remote.Doc) {
	msgs := make([]model.Message, 0, len(docs))
	for _, d := range docs {
		m := model.MessageFromDoc(s.chatID, d)
		if m.HiddenFor(s.me) {
			continue
		}
		if m.Deleted {
			m.Text = model.DeletedPlaceholder
		}
		msgs = append(msgs, m)
	}
	s.mu.Lock()
	s.messages = msgs
	s.mu.Unlock()
}

func (s *Streamer) finish() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.deps.Bus.Emit(bus.KindConversationClosed, bus.ChatRef{ChatID: s.chatID})
	s.logger.Info("conversation closed")
}

// Close stops the subscription, the read sweep and the presence observation.
// In-flight sends are not cancelled. Close is idempotent.
func (s *Streamer) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Done is closed once the conversation has shut down, including when a
// block closed it.
func (s *Streamer) Done() <-chan struct{} { return s.done }

func (s *Streamer) ChatID() string { return s.chatID }
func (s *Streamer) PeerID() string { return s.peer }

// Messages returns the rendered log in ascending time order.
func (s *Streamer) Messages() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages)
}

// PeerStatus returns the last observed presence of the peer.
func (s *Streamer) PeerStatus() (presence.Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerStatus, s.havePeer
}

// SetForeground starts or stops the periodic read sweep. Entering the
// foreground sweeps immediately.
func (s *Streamer) SetForeground(fg bool) {
	select {
	case s.foreground <- fg:
	case <-s.done:
	}
}

func (s *Streamer) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// SendText writes a text message and then updates the chat summary. The
// writes outlive ctx cancellation and the view itself.
func (s *Streamer) SendText(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if s.isClosed() {
		return "", ErrClosed
	}
	return s.send(context.WithoutCancel(ctx), text, model.KindText)
}

// SendImage uploads data and sends a message referencing its URL. Nothing is
// sent when the upload fails.
func (s *Streamer) SendImage(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyImage
	}
	if s.isClosed() {
		return "", ErrClosed
	}
	ctx = context.WithoutCancel(ctx)
	url, err := s.deps.Blobs.Upload(ctx, ImageKey(s.chatID), data, "image/jpeg")
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	return s.send(ctx, url, model.KindImage)
}

// ImageKey returns a fresh blob key for an image sent in chatID.
func ImageKey(chatID string) string {
	return "chat_images/" + chatID + "/" + uuid.NewString() + ".jpg"
}

func (s *Streamer) send(ctx context.Context, text string, kind model.MessageKind) (string, error) {
	now := time.Now()
	id, err := s.deps.Store.Add(ctx, remote.MessagesPath(s.chatID), model.NewMessageFields(s.me, text, kind, now))
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	m := model.Message{ID: id, Text: text, SenderID: s.me, Timestamp: now, Kind: kind}
	summary := remote.Fields{
		"lastMessage":     m.Summary().Fields(),
		"lastMessageRead": map[string]any{s.me: true, s.peer: false},
	}
	if err := s.deps.Store.Update(ctx, remote.ChatPath(s.chatID), summary); err != nil {
		// The message exists; the summary catches up with the next send or delete.
		return id, fmt.Errorf("update chat summary: %w", err)
	}
	s.logger.Debug("message sent", zap.String("msg_id", id), zap.String("kind", string(kind)))
	return id, nil
}

// SweepOnce marks every peer message I have not read as read, together with
// lastMessageRead.{me}. A backlog larger than one batch is committed in
// chunks, lastMessageRead last. It writes nothing when nothing is unread and
// returns how many messages it marked.
func (s *Streamer) SweepOnce(ctx context.Context) (int, error) {
	q := remote.Collection(remote.MessagesPath(s.chatID)).Where("senderId", remote.OpEqual, s.peer)
	docs, err := s.deps.Store.Query(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("find unread: %w", err)
	}
	var unread []remote.Doc
	for _, d := range docs {
		if !model.MessageFromDoc(s.chatID, d).ReadByUser(s.me) {
			unread = append(unread, d)
		}
	}
	if len(unread) == 0 {
		return 0, nil
	}

	chunks := slices.Collect(slices.Chunk(unread, sweepBatchSize))
	for i, chunk := range chunks {
		b := remote.NewBatch()
		for _, d := range chunk {
			b.Update(d.Path, remote.Fields{"readBy": remote.ArrayUnion(s.me)})
		}
		if i == len(chunks)-1 {
			b.Update(remote.ChatPath(s.chatID), remote.Fields{"lastMessageRead." + s.me: true})
		}
		if err := s.deps.Store.Commit(ctx, b); err != nil {
			return 0, fmt.Errorf("mark read: %w", err)
		}
	}
	metrics.AddReadReceipts(len(unread))
	s.logger.Debug("read sweep", zap.Int("marked", len(unread)))
	return len(unread), nil
}

// DeleteForMe hides the message from my log only. The chat summary ignores
// per-viewer hiding, so it is left alone.
func (s *Streamer) DeleteForMe(ctx context.Context, msgID string) error {
	if s.isClosed() {
		return ErrClosed
	}
	err := s.deps.Store.Update(ctx, remote.MessagePath(s.chatID, msgID), remote.Fields{"deletedFor": remote.ArrayUnion(s.me)})
	if err != nil {
		return fmt.Errorf("delete for me %s: %w", msgID, err)
	}
	return nil
}

// DeleteForEveryone tombstones a message I sent and recomputes the chat
// summary if it changed.
func (s *Streamer) DeleteForEveryone(ctx context.Context, msgID string) error {
	if s.isClosed() {
		return ErrClosed
	}
	path := remote.MessagePath(s.chatID, msgID)
	d, err := s.deps.Store.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("delete for everyone %s: %w", msgID, err)
	}
	if model.MessageFromDoc(s.chatID, d).SenderID != s.me {
		return ErrNotSender
	}
	if err := s.deps.Store.Update(ctx, path, remote.Fields{"deleted": true, "text": model.DeletedPlaceholder}); err != nil {
		return fmt.Errorf("delete for everyone %s: %w", msgID, err)
	}
	if _, err := RecomputeSummary(ctx, s.deps.Store, s.chatID); err != nil {
		return fmt.Errorf("recompute summary: %w", err)
	}
	return nil
}

// RecomputeSummary sets the chat summary to the newest message that is not
// deleted among the newest few, or clears it when there is none. It writes
// only when the summary changes and reports whether it wrote.
func RecomputeSummary(ctx context.Context, store remote.Store, chatID string) (bool, error) {
	cd, err := store.Get(ctx, remote.ChatPath(chatID))
	if err != nil {
		return false, err
	}
	current := model.ChatFromDoc(cd).LastMessage

	q := remote.Collection(remote.MessagesPath(chatID)).OrderBy("timestamp", true).LimitTo(summaryLookback)
	docs, err := store.Query(ctx, q)
	if err != nil {
		return false, err
	}
	var next *model.LastMessage
	for _, d := range docs {
		m := model.MessageFromDoc(chatID, d)
		if !m.Deleted {
			sum := m.Summary()
			next = &sum
			break
		}
	}

	if sameSummary(current, next) {
		return false, nil
	}
	var value any = remote.DeleteField()
	if next != nil {
		value = next.Fields()
	}
	if err := store.Update(ctx, remote.ChatPath(chatID), remote.Fields{"lastMessage": value}); err != nil {
		return false, err
	}
	return true, nil
}

func sameSummary(a, b *model.LastMessage) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Text == b.Text && a.SenderID == b.SenderID && a.Kind == b.Kind &&
		model.ToMillis(a.Timestamp) == model.ToMillis(b.Timestamp)
}
