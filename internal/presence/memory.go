package presence

import (
	"context"
	"sync"
	"time"

	"github.com/khushaldangi18/conversa/internal/model"
)

// MemoryBackend is an in-process presence server. It commits a connection's
// deferred writes when the connection is killed, dropped or closed, the way a
// realtime server does when it loses a client.
type MemoryBackend struct {
	mu       sync.Mutex
	now      func() time.Time
	records  map[string]model.Presence
	conns    map[*memoryConn]struct{}
	watches  map[string]map[*memoryWatch]struct{}
	deferred int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		now:     time.Now,
		records: make(map[string]model.Presence),
		conns:   make(map[*memoryConn]struct{}),
		watches: make(map[string]map[*memoryWatch]struct{}),
	}
}

func (b *MemoryBackend) Connect(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &memoryConn{
		b:            b,
		deferred:     make(map[string]model.Presence),
		connectivity: make(chan bool, 8),
		up:           true,
	}
	c.connectivity <- true

	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	return c, nil
}

func (b *MemoryBackend) Observe(ctx context.Context, uid string) (Watch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := &memoryWatch{b: b, uid: uid, ch: make(chan model.Presence, 1)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.watches[uid] == nil {
		b.watches[uid] = make(map[*memoryWatch]struct{})
	}
	b.watches[uid][w] = struct{}{}
	if rec, ok := b.records[uid]; ok {
		w.ch <- rec
	}
	return w, nil
}

// Record returns the stored presence of uid.
func (b *MemoryBackend) Record(uid string) (model.Presence, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[uid]
	return rec, ok
}

// DeferredRegistrations returns how many OnDisconnect calls were made in total.
func (b *MemoryBackend) DeferredRegistrations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deferred
}

// Connections returns the number of live connections.
func (b *MemoryBackend) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// KillConnections simulates every client crashing: deferred writes are
// committed and the connections are gone for good.
func (b *MemoryBackend) KillConnections() {
	for _, c := range b.liveConns() {
		c.terminate()
	}
}

// DropConnections simulates a network loss: deferred writes are committed and
// the clients see their link go down, but may resume.
func (b *MemoryBackend) DropConnections() {
	for _, c := range b.liveConns() {
		c.drop()
	}
}

// RestoreConnections brings dropped links back up.
func (b *MemoryBackend) RestoreConnections() {
	for _, c := range b.liveConns() {
		c.restore()
	}
}

func (b *MemoryBackend) liveConns() []*memoryConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*memoryConn, 0, len(b.conns))
	for c := range b.conns {
		out = append(out, c)
	}
	return out
}

// write stores rec and fans it out. Callers hold b.mu.
func (b *MemoryBackend) write(rec model.Presence) {
	now := b.now()
	if rec.LastSeen.IsZero() {
		rec.LastSeen = now
	}
	if rec.LastChanged.IsZero() {
		rec.LastChanged = now
	}
	b.records[rec.UserID] = rec
	for w := range b.watches[rec.UserID] {
		select {
		case <-w.ch:
		default:
		}
		w.ch <- rec
	}
}

type memoryConn struct {
	b            *MemoryBackend
	deferred     map[string]model.Presence
	connectivity chan bool
	up           bool
	closed       bool
}

func (c *memoryConn) Connectivity() <-chan bool { return c.connectivity }

func (c *memoryConn) Set(ctx context.Context, rec model.Presence) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed || !c.up {
		return ErrConnClosed
	}
	c.b.write(rec)
	return nil
}

func (c *memoryConn) OnDisconnect(ctx context.Context, rec model.Presence) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed || !c.up {
		return ErrConnClosed
	}
	c.deferred[rec.UserID] = rec
	c.b.deferred++
	return nil
}

func (c *memoryConn) CancelOnDisconnect(ctx context.Context, uid string) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed || !c.up {
		return ErrConnClosed
	}
	delete(c.deferred, uid)
	return nil
}

// Close is a clean disconnect; the server still runs any registered deferred writes.
func (c *memoryConn) Close() error {
	c.terminate()
	return nil
}

// commitDeferred runs the registered deferred writes. Callers hold b.mu.
func (c *memoryConn) commitDeferred() {
	for uid, rec := range c.deferred {
		c.b.write(rec)
		delete(c.deferred, uid)
	}
}

func (c *memoryConn) terminate() {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return
	}
	c.commitDeferred()
	c.closed = true
	delete(c.b.conns, c)
	close(c.connectivity)
}

func (c *memoryConn) drop() {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed || !c.up {
		return
	}
	c.commitDeferred()
	c.up = false
	c.connectivity <- false
}

func (c *memoryConn) restore() {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed || c.up {
		return
	}
	c.up = true
	c.connectivity <- true
}

type memoryWatch struct {
	b    *MemoryBackend
	uid  string
	ch   chan model.Presence
	once sync.Once
}

func (w *memoryWatch) Updates() <-chan model.Presence { return w.ch }

func (w *memoryWatch) Close() {
	w.once.Do(func() {
		w.b.mu.Lock()
		delete(w.b.watches[w.uid], w)
		if len(w.b.watches[w.uid]) == 0 {
			delete(w.b.watches, w.uid)
		}
		w.b.mu.Unlock()
		close(w.ch)
	})
}

// Watches returns the number of open watches on uid.
func (b *MemoryBackend) Watches(uid string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.watches[uid])
}
