package profile

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/khushaldangi18/conversa/internal/metrics"
	"github.com/khushaldangi18/conversa/internal/model"
	"github.com/khushaldangi18/conversa/internal/remote"
)

// DefaultFetchTimeout bounds how long one caller waits on a profile fetch.
const DefaultFetchTimeout = 5 * time.Second

// Cache is a deduplicating, memoizing fetch-by-id cache for user profiles.
// Only successful fetches are cached.
type Cache struct {
	store        remote.Store
	logger       *zap.Logger
	fetchTimeout time.Duration

	mu      sync.RWMutex
	entries map[string]model.UserProfile
	gen     uint64

	inflight singleflight.Group
}

// NewCache creates a profile cache reading users/{id} from store.
func NewCache(store remote.Store, fetchTimeout time.Duration, logger *zap.Logger) *Cache {
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:        store,
		logger:       logger.Named("profile"),
		fetchTimeout: fetchTimeout,
		entries:      make(map[string]model.UserProfile),
	}
}

// Get returns the profile for id, fetching it at most once concurrently.
// The boolean is false when the profile does not exist or could not be
// fetched in time; that outcome is not cached.
func (c *Cache) Get(ctx context.Context, id string) (model.UserProfile, bool) {
	if id == "" {
		return model.UserProfile{}, false
	}
	if p, ok := c.Peek(id); ok {
		return p, true
	}

	// A waiter that times out retries once: it joins the fetch if it is still
	// running or starts a new one.
	for attempt := 0; attempt < 2; attempt++ {
		p, found, timedOut := c.wait(ctx, id)
		if !timedOut {
			return p, found
		}
		c.logger.Debug("profile fetch wait timed out", zap.String("user_id", id), zap.Int("attempt", attempt+1))
	}
	return model.UserProfile{}, false
}

func (c *Cache) wait(ctx context.Context, id string) (p model.UserProfile, found, timedOut bool) {
	ch := c.inflight.DoChan(id, func() (any, error) { return c.fetch(id) })

	timer := time.NewTimer(c.fetchTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Shared {
			metrics.IncProfileCoalesced()
		}
		if res.Err != nil {
			return model.UserProfile{}, false, false
		}
		return res.Val.(model.UserProfile), true, false
	case <-timer.C:
		return model.UserProfile{}, false, true
	case <-ctx.Done():
		return model.UserProfile{}, false, false
	}
}

// fetch runs detached from any caller so that one caller giving up does not
// fail the others waiting on the same id.
func (c *Cache) fetch(id string) (any, error) {
	if p, ok := c.Peek(id); ok {
		return p, nil
	}

	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*c.fetchTimeout)
	defer cancel()

	doc, err := c.store.Get(ctx, remote.UserPath(id))
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			metrics.IncProfileFetch("not_found")
		} else {
			metrics.IncProfileFetch("error")
			c.logger.Warn("profile fetch failed", zap.String("user_id", id), zap.Error(err))
		}
		return nil, err
	}
	metrics.IncProfileFetch("ok")

	p := model.ProfileFromDoc(doc)
	c.mu.Lock()
	if c.gen == gen {
		c.entries[id] = p
	}
	c.mu.Unlock()
	return p, nil
}

// Peek returns the cached profile without any remote read.
func (c *Cache) Peek(id string) (model.UserProfile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.entries[id]
	return p, ok
}

// Put stores p, replacing any cached entry.
func (c *Cache) Put(p model.UserProfile) {
	c.mu.Lock()
	c.entries[p.ID] = p
	c.mu.Unlock()
}

// Refresh drops the cached entry for id and fetches it again.
func (c *Cache) Refresh(ctx context.Context, id string) (model.UserProfile, bool) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
	return c.Get(ctx, id)
}

// ClearCache empties the cache. Fetches started before the call do not
// repopulate it.
func (c *Cache) ClearCache() {
	c.mu.Lock()
	c.entries = make(map[string]model.UserProfile)
	c.gen++
	c.mu.Unlock()
}

// Len returns the number of cached profiles.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
