package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/khushaldangi18/conversa/internal/metrics"
	"github.com/khushaldangi18/conversa/internal/remote"
)

const (
	DefaultMaxEntries = 100
	DefaultMaxBytes   = 50 << 20
)

// Cache is a bounded in-memory blob cache keyed by URL. It evicts the least
// recently used blobs once either the entry or the byte limit is exceeded.
type Cache struct {
	blobs    remote.BlobStore
	logger   *zap.Logger
	maxBytes int64

	mu    sync.Mutex
	lru   *simplelru.LRU[string, []byte]
	bytes int64

	downloads singleflight.Group
}

// NewCache creates a cache holding at most maxEntries blobs and maxBytes bytes.
// blobs may be nil if Fetch is never used.
func NewCache(blobs remote.BlobStore, maxEntries int, maxBytes int64, logger *zap.Logger) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		blobs:    blobs,
		logger:   logger.Named("media"),
		maxBytes: maxBytes,
	}
	l, err := simplelru.NewLRU[string, []byte](maxEntries, c.evicted)
	if err != nil {
		return nil, fmt.Errorf("media cache: %w", err)
	}
	c.lru = l
	return c, nil
}

// evicted runs under c.mu from inside lru calls.
func (c *Cache) evicted(_ string, data []byte) {
	c.bytes -= int64(len(data))
}

// Get returns the cached blob for url and marks it recently used.
func (c *Cache) Get(url string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(url)
}

// Put caches data under url. A blob larger than the byte limit is not cached
// and Put reports false.
func (c *Cache) Put(url string, data []byte) bool {
	size := int64(len(data))
	if size > c.maxBytes {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.lru.Peek(url); ok {
		c.bytes -= int64(len(old))
	}
	c.lru.Add(url, data)
	c.bytes += size
	for c.bytes > c.maxBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
	metrics.SetMediaCache(c.lru.Len(), c.bytes)
	return true
}

// Fetch returns the blob for url from the cache or downloads it, coalescing
// concurrent downloads of the same url. A caller giving up does not cancel
// the download for the others.
func (c *Cache) Fetch(ctx context.Context, url string) ([]byte, error) {
	if data, ok := c.Get(url); ok {
		return data, nil
	}
	dctx := context.WithoutCancel(ctx)
	ch := c.downloads.DoChan(url, func() (any, error) {
		if data, ok := c.Get(url); ok {
			return data, nil
		}
		data, err := c.blobs.Download(dctx, url)
		if err != nil {
			return nil, err
		}
		if !c.Put(url, data) {
			c.logger.Debug("blob too large to cache", zap.String("url", url), zap.Int("bytes", len(data)))
		}
		return data, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("fetch %s: %w", url, res.Err)
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch %s: %w", url, ctx.Err())
	}
}

// Stats returns the number of cached blobs and their total size.
func (c *Cache) Stats() (entries int, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len(), c.bytes
}
