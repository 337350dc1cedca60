package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/khushaldangi18/conversa/internal/metrics"
	"github.com/khushaldangi18/conversa/internal/model"
	"github.com/khushaldangi18/conversa/internal/status"
)

// Status is what an observer sees of a peer.
type Status struct {
	State    model.PresenceState
	LastSeen time.Time
}

// Tracker publishes the local user's presence and multiplexes observations
// of other users' presence onto shared backend subscriptions.
type Tracker struct {
	backend Backend
	machine *status.Machine
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	uid    string
	conn   Conn
	cancel context.CancelFunc
	done   chan struct{}

	feedsMu sync.Mutex
	feeds   map[string]*feed
}

// NewTracker creates a tracker. machine records the local connection state.
func NewTracker(backend Backend, machine *status.Machine, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		backend: backend,
		machine: machine,
		logger:  logger.Named("presence"),
		now:     time.Now,
		feeds:   make(map[string]*feed),
	}
}

// State returns the local connection state.
func (t *Tracker) State() status.State {
	return t.machine.Current()
}

// SetupPresence connects and publishes uid as online. Calling it again for
// the same user while a session is active does nothing; a different user
// replaces the current session.
func (t *Tracker) SetupPresence(ctx context.Context, uid string) error {
	if uid == "" {
		return errors.New("setup presence: empty user id")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		if t.uid == uid && t.machine.Active() {
			return nil
		}
		if err := t.teardownLocked(ctx); err != nil {
			t.logger.Warn("previous presence session teardown failed", zap.String("user_id", t.uid), zap.Error(err))
		}
	}

	if err := t.machine.Transition(status.Connecting); err != nil {
		return fmt.Errorf("setup presence: %w", err)
	}
	conn, err := t.backend.Connect(ctx)
	if err != nil {
		_ = t.machine.Transition(status.Disconnected)
		return fmt.Errorf("connect presence: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.uid, t.conn, t.cancel = uid, conn, cancel
	t.done = make(chan struct{})
	go t.watchConnectivity(loopCtx, uid, conn, t.done)

	t.logger.Info("presence session started", zap.String("user_id", uid))
	return nil
}

// watchConnectivity follows the connectivity sentinel. Every time the link
// comes up, the deferred offline write is registered before the online write,
// so the record never reads online without a fallback in place.
func (t *Tracker) watchConnectivity(ctx context.Context, uid string, conn Conn, done chan struct{}) {
	defer close(done)

	online := false
	for {
		select {
		case up, ok := <-conn.Connectivity():
			if !ok {
				t.logger.Warn("presence connection lost", zap.String("user_id", uid))
				_ = t.machine.Transition(status.Disconnected)
				return
			}
			if !up {
				if online {
					online = false
					_ = t.machine.Transition(status.Reconnecting)
				}
				continue
			}
			if online {
				continue
			}
			if err := t.goOnline(ctx, uid, conn); err != nil {
				t.logger.Error("publish online presence failed", zap.String("user_id", uid), zap.Error(err))
				continue
			}
			online = true
			_ = t.machine.Transition(status.Connected)
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) goOnline(ctx context.Context, uid string, conn Conn) error {
	if err := conn.OnDisconnect(ctx, model.Presence{UserID: uid, State: model.Offline}); err != nil {
		return fmt.Errorf("register offline fallback: %w", err)
	}
	now := t.now()
	if err := conn.Set(ctx, model.Presence{UserID: uid, State: model.Online, LastSeen: now, LastChanged: now}); err != nil {
		return fmt.Errorf("write online: %w", err)
	}
	return nil
}

// CleanupPresence writes offline, cancels the deferred write and closes the
// connection. It is a no-op without an active session.
func (t *Tracker) CleanupPresence(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.teardownLocked(ctx)
}

func (t *Tracker) teardownLocked(ctx context.Context) error {
	t.cancel()
	<-t.done

	uid, conn := t.uid, t.conn
	t.uid, t.conn, t.cancel, t.done = "", nil, nil, nil

	var errs []error
	now := t.now()
	if err := conn.Set(ctx, model.Presence{UserID: uid, State: model.Offline, LastSeen: now, LastChanged: now}); err != nil && !errors.Is(err, ErrConnClosed) {
		errs = append(errs, fmt.Errorf("write offline: %w", err))
	}
	if err := conn.CancelOnDisconnect(ctx, uid); err != nil && !errors.Is(err, ErrConnClosed) {
		errs = append(errs, fmt.Errorf("cancel offline fallback: %w", err))
	}
	if err := conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close presence connection: %w", err))
	}
	if t.machine.Active() {
		_ = t.machine.Transition(status.Disconnected)
	}
	t.logger.Info("presence session ended", zap.String("user_id", uid))
	return errors.Join(errs...)
}

// ObserveUserStatus streams the presence of uid. Observers of the same uid
// share one backend subscription; a new observer immediately receives the
// last known status. The returned release func is idempotent and closes the
// channel.
func (t *Tracker) ObserveUserStatus(ctx context.Context, uid string) (<-chan Status, func(), error) {
	t.feedsMu.Lock()
	defer t.feedsMu.Unlock()

	f := t.feeds[uid]
	if f == nil {
		w, err := t.backend.Observe(context.WithoutCancel(ctx), uid)
		if err != nil {
			return nil, nil, fmt.Errorf("observe %s: %w", uid, err)
		}
		f = newFeed(w)
		t.feeds[uid] = f
		metrics.SetPresenceObservations(len(t.feeds))
		go f.run()
	}
	ch := f.add()
	return ch, sync.OnceFunc(func() { t.release(uid, f, ch) }), nil
}

func (t *Tracker) release(uid string, f *feed, ch chan Status) {
	t.feedsMu.Lock()
	defer t.feedsMu.Unlock()
	if f.remove(ch) > 0 {
		return
	}
	if t.feeds[uid] == f {
		delete(t.feeds, uid)
	}
	metrics.SetPresenceObservations(len(t.feeds))
	f.watch.Close()
}

// Observers returns the number of observers of uid.
func (t *Tracker) Observers(uid string) int {
	t.feedsMu.Lock()
	f := t.feeds[uid]
	t.feedsMu.Unlock()
	if f == nil {
		return 0
	}
	return f.refs()
}

// feed fans one backend watch out to many observers.
type feed struct {
	watch Watch

	mu   sync.Mutex
	subs map[chan Status]struct{}
	last *Status
}

func newFeed(w Watch) *feed {
	return &feed{watch: w, subs: make(map[chan Status]struct{})}
}

func (f *feed) run() {
	for rec := range f.watch.Updates() {
		st := Status{State: rec.State, LastSeen: rec.LastSeen}
		f.mu.Lock()
		f.last = &st
		for ch := range f.subs {
			offerLatest(ch, st)
		}
		f.mu.Unlock()
	}
}

func (f *feed) add() chan Status {
	ch := make(chan Status, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last != nil {
		ch <- *f.last
	}
	f.subs[ch] = struct{}{}
	return ch
}

// remove drops ch and returns how many observers remain.
func (f *feed) remove(ch chan Status) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[ch]; ok {
		delete(f.subs, ch)
		close(ch)
	}
	return len(f.subs)
}

func (f *feed) refs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// offerLatest replaces any undelivered status with st.
func offerLatest(ch chan Status, st Status) {
	select {
	case ch <- st:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- st:
	default:
	}
}
