package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/khushaldangi18/conversa/internal/model"
)

// DefaultLeaseTTL is how long a connection stays alive in Redis without a heartbeat.
const DefaultLeaseTTL = 15 * time.Second

// RedisBackend keeps presence in Redis. Each connection holds a lease key per
// user that it refreshes on a heartbeat. A deferred write is stored next to
// the record and committed either by a clean close or, after a crash, by the
// sweeper or any reader that finds the lease expired. Commits run as one
// script so a lease taken over in the meantime is never overwritten.
//
// Keys, for user uid:
//
//	presence:{uid}               hash  state, last_seen, last_changed
//	presence:{uid}:lease         string connection id, TTL = lease
//	presence:{uid}:ondisconnect  hash  deferred record
//	presence:{uid}:changed       pub/sub channel
type RedisBackend struct {
	rdb      *redis.Client
	leaseTTL time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewRedisBackend(rdb *redis.Client, leaseTTL time.Duration, logger *zap.Logger) *RedisBackend {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBackend{rdb: rdb, leaseTTL: leaseTTL, logger: logger.Named("presence.redis"), now: time.Now}
}

func recordKey(uid string) string   { return "presence:" + uid }
func leaseKey(uid string) string    { return "presence:" + uid + ":lease" }
func deferredKey(uid string) string { return "presence:" + uid + ":ondisconnect" }
func channelKey(uid string) string  { return "presence:" + uid + ":changed" }

func (b *RedisBackend) Connect(ctx context.Context) (Conn, error) {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	hbCtx, cancel := context.WithCancel(context.Background())
	c := &redisConn{
		b:            b,
		id:           uuid.NewString(),
		leases:       make(map[string]struct{}),
		connectivity: make(chan bool, 8),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	c.connectivity <- true
	go c.heartbeat(hbCtx)
	return c, nil
}

func (b *RedisBackend) Observe(ctx context.Context, uid string) (Watch, error) {
	wctx, cancel := context.WithCancel(ctx)
	sub := b.rdb.Subscribe(wctx, channelKey(uid))
	if _, err := sub.Receive(wctx); err != nil {
		cancel()
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe presence %s: %w", uid, err)
	}
	w := &redisWatch{ch: make(chan model.Presence, 1), cancel: cancel, done: make(chan struct{})}
	go w.run(wctx, b, uid, sub)
	return w, nil
}

// resolve reads the record of uid, first committing its deferred write if
// the owning connection's lease has expired.
func (b *RedisBackend) resolve(ctx context.Context, uid string) (model.Presence, bool, error) {
	rec, ok, err := b.read(ctx, uid)
	if err != nil || !ok {
		return rec, ok, err
	}
	if rec.State == model.Online {
		committed, err := b.commitDeferred(ctx, uid, "")
		if err != nil {
			return rec, ok, err
		}
		if committed {
			return b.read(ctx, uid)
		}
	}
	return rec, ok, nil
}

// Sweep commits the deferred write of every user whose lease has lapsed and
// reports how many it committed.
func (b *RedisBackend) Sweep(ctx context.Context) (int, error) {
	n := 0
	iter := b.rdb.Scan(ctx, 0, deferredPattern, 100).Iterator()
	for iter.Next(ctx) {
		uid := strings.TrimSuffix(strings.TrimPrefix(iter.Val(), "presence:"), ":ondisconnect")
		committed, err := b.commitDeferred(ctx, uid, "")
		if err != nil {
			return n, err
		}
		if committed {
			n++
		}
	}
	if err := iter.Err(); err != nil {
		return n, fmt.Errorf("scan deferred presence: %w", err)
	}
	return n, nil
}

// RunSweeper sweeps every half lease until ctx is done, so a crashed
// connection goes offline even when nobody observes it.
func (b *RedisBackend) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(b.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := b.Sweep(ctx)
			if err != nil {
				if ctx.Err() == nil {
					b.logger.Warn("presence sweep failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				b.logger.Info("committed lapsed presence", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (b *RedisBackend) read(ctx context.Context, uid string) (model.Presence, bool, error) {
	vals, err := b.rdb.HGetAll(ctx, recordKey(uid)).Result()
	if err != nil {
		return model.Presence{}, false, fmt.Errorf("read presence %s: %w", uid, err)
	}
	if len(vals) == 0 {
		return model.Presence{}, false, nil
	}
	return decodeRecord(uid, vals), true, nil
}

func (b *RedisBackend) write(ctx context.Context, rec model.Presence) error {
	rec = b.stamp(rec)
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, recordKey(rec.UserID), encodeRecord(rec))
		pipe.Publish(ctx, channelKey(rec.UserID), string(rec.State))
		return nil
	})
	if err != nil {
		return fmt.Errorf("write presence %s: %w", rec.UserID, err)
	}
	return nil
}

const deferredPattern = "presence:*:ondisconnect"

// commitScript commits the deferred record unless the lease is held by a
// connection other than ARGV[3]. An empty ARGV[3] requires a lapsed lease.
//
//	KEYS: record, lease, deferred
//	ARGV: now (ms), channel, owner
var commitScript = redis.NewScript(`
local lease = redis.call('GET', KEYS[2])
if lease and lease ~= ARGV[3] then
	return 0
end
if lease then
	redis.call('DEL', KEYS[2])
end
local state = redis.call('HGET', KEYS[3], 'state')
if not state then
	return 0
end
redis.call('HSET', KEYS[1], 'state', state, 'last_seen', ARGV[1], 'last_changed', ARGV[1])
redis.call('DEL', KEYS[3])
redis.call('PUBLISH', ARGV[2], state)
return 1
`)

// commitDeferred runs the deferred write of uid if owner may: owner is the
// connection id holding the lease, or empty for a lapsed lease.
func (b *RedisBackend) commitDeferred(ctx context.Context, uid, owner string) (bool, error) {
	keys := []string{recordKey(uid), leaseKey(uid), deferredKey(uid)}
	n, err := commitScript.Run(ctx, b.rdb, keys, model.ToMillis(b.now()), channelKey(uid), owner).Int()
	if err != nil {
		return false, fmt.Errorf("commit deferred presence %s: %w", uid, err)
	}
	return n == 1, nil
}

func (b *RedisBackend) stamp(rec model.Presence) model.Presence {
	now := b.now()
	if rec.LastSeen.IsZero() {
		rec.LastSeen = now
	}
	if rec.LastChanged.IsZero() {
		rec.LastChanged = now
	}
	return rec
}

func encodeRecord(rec model.Presence) map[string]any {
	return map[string]any{
		"state":        string(rec.State),
		"last_seen":    model.ToMillis(rec.LastSeen),
		"last_changed": model.ToMillis(rec.LastChanged),
	}
}

func decodeRecord(uid string, vals map[string]string) model.Presence {
	seen, _ := strconv.ParseInt(vals["last_seen"], 10, 64)
	changed, _ := strconv.ParseInt(vals["last_changed"], 10, 64)
	return model.Presence{
		UserID:      uid,
		State:       model.PresenceState(vals["state"]),
		LastSeen:    model.FromMillis(seen),
		LastChanged: model.FromMillis(changed),
	}
}

type redisConn struct {
	b            *RedisBackend
	id           string
	connectivity chan bool
	cancel       context.CancelFunc
	done         chan struct{}

	mu     sync.Mutex
	leases map[string]struct{}
	closed bool
}

func (c *redisConn) Connectivity() <-chan bool { return c.connectivity }

func (c *redisConn) Set(ctx context.Context, rec model.Presence) error {
	if c.isClosed() {
		return ErrConnClosed
	}
	return c.b.write(ctx, rec)
}

func (c *redisConn) OnDisconnect(ctx context.Context, rec model.Presence) error {
	if c.isClosed() {
		return ErrConnClosed
	}
	rdb := c.b.rdb
	_, err := rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, deferredKey(rec.UserID))
		pipe.HSet(ctx, deferredKey(rec.UserID), encodeRecord(rec))
		pipe.Set(ctx, leaseKey(rec.UserID), c.id, c.b.leaseTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("register deferred presence: %w", err)
	}
	c.mu.Lock()
	c.leases[rec.UserID] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *redisConn) CancelOnDisconnect(ctx context.Context, uid string) error {
	if c.isClosed() {
		return ErrConnClosed
	}
	if err := c.b.rdb.Del(ctx, deferredKey(uid), leaseKey(uid)).Err(); err != nil {
		return fmt.Errorf("cancel deferred presence: %w", err)
	}
	c.mu.Lock()
	delete(c.leases, uid)
	c.mu.Unlock()
	return nil
}

// Close stops the heartbeat and, like a server noticing the disconnect, runs
// any deferred writes still registered.
func (c *redisConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	uids := make([]string, 0, len(c.leases))
	for uid := range c.leases {
		uids = append(uids, uid)
	}
	c.mu.Unlock()

	c.cancel()
	<-c.done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for _, uid := range uids {
		if _, err := c.b.commitDeferred(ctx, uid, c.id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *redisConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// heartbeat refreshes the leases and reports link changes on the sentinel.
func (c *redisConn) heartbeat(ctx context.Context) {
	defer close(c.done)
	defer close(c.connectivity)

	ticker := time.NewTicker(c.b.leaseTTL / 3)
	defer ticker.Stop()

	up := true
	for {
		select {
		case <-ticker.C:
			err := c.refresh(ctx)
			if ctx.Err() != nil {
				return
			}
			switch {
			case err != nil && up:
				up = false
				c.b.logger.Warn("presence heartbeat failed", zap.Error(err))
				c.signal(false)
			case err == nil && !up:
				up = true
				c.signal(true)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *redisConn) refresh(ctx context.Context) error {
	c.mu.Lock()
	uids := make([]string, 0, len(c.leases))
	for uid := range c.leases {
		uids = append(uids, uid)
	}
	c.mu.Unlock()

	if len(uids) == 0 {
		return c.b.rdb.Ping(ctx).Err()
	}
	_, err := c.b.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, uid := range uids {
			pipe.Set(ctx, leaseKey(uid), c.id, c.b.leaseTTL)
		}
		return nil
	})
	return err
}

func (c *redisConn) signal(up bool) {
	select {
	case c.connectivity <- up:
	default:
	}
}

// pollInterval bounds how late a crash is noticed by an observer that sees
// no publishes.
func (b *RedisBackend) pollInterval() time.Duration {
	return b.leaseTTL / 2
}

type redisWatch struct {
	ch     chan model.Presence
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (w *redisWatch) Updates() <-chan model.Presence { return w.ch }

func (w *redisWatch) Close() {
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

func (w *redisWatch) run(ctx context.Context, b *RedisBackend, uid string, sub *redis.PubSub) {
	defer close(w.done)
	defer close(w.ch)
	defer func() { _ = sub.Close() }()

	var last model.Presence
	emit := func() {
		rec, ok, err := b.resolve(ctx, uid)
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Warn("resolve presence failed", zap.String("user_id", uid), zap.Error(err))
			}
			return
		}
		if !ok || rec == last {
			return
		}
		last = rec
		select {
		case <-w.ch:
		default:
		}
		w.ch <- rec
	}

	emit()
	ticker := time.NewTicker(b.pollInterval())
	defer ticker.Stop()
	msgs := sub.Channel()
	for {
		select {
		case _, ok := <-msgs:
			if !ok {
				return
			}
			emit()
		case <-ticker.C:
			emit()
		case <-ctx.Done():
			return
		}
	}
}
