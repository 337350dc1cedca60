package media

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khushaldangi18/conversa/internal/remote/remotetest"
)

func blob(n int) []byte { return make([]byte, n) }

func TestEntryLimitEvictsLeastRecentlyUsed(t *testing.T) {
	c, err := NewCache(nil, 2, 1<<20, nil)
	require.NoError(t, err)

	c.Put("a", blob(1))
	c.Put("b", blob(1))
	_, _ = c.Get("a") // a is now most recent
	c.Put("c", blob(1))

	_, okA := c.Get("a")
	_, okB := c.Get("b")
	_, okC := c.Get("c")
	assert.True(t, okA)
	assert.False(t, okB, "b was least recently used")
	assert.True(t, okC)

	entries, bytes := c.Stats()
	assert.Equal(t, 2, entries)
	assert.Equal(t, int64(2), bytes)
}

func TestByteLimitEvicts(t *testing.T) {
	c, err := NewCache(nil, 100, 10, nil)
	require.NoError(t, err)

	c.Put("a", blob(4))
	c.Put("b", blob(4))
	c.Put("c", blob(4))

	_, okA := c.Get("a")
	assert.False(t, okA, "oldest evicted to fit the byte limit")
	_, bytes := c.Stats()
	assert.LessOrEqual(t, bytes, int64(10))
}

func TestOversizedBlobIsNotCached(t *testing.T) {
	c, err := NewCache(nil, 10, 10, nil)
	require.NoError(t, err)

	assert.True(t, c.Put("small", blob(5)))
	assert.False(t, c.Put("huge", blob(11)))

	_, ok := c.Get("huge")
	assert.False(t, ok)
	_, ok = c.Get("small")
	assert.True(t, ok, "an oversized put must not evict others")
}

func TestReplaceAdjustsBytes(t *testing.T) {
	c, err := NewCache(nil, 10, 100, nil)
	require.NoError(t, err)

	c.Put("a", blob(30))
	c.Put("a", blob(10))
	entries, bytes := c.Stats()
	assert.Equal(t, 1, entries)
	assert.Equal(t, int64(10), bytes)
}

func TestFetchCoalescesDownloads(t *testing.T) {
	db := remotetest.NewStore(t)
	url, err := db.Upload(context.Background(), "chat_images/c1/a.jpg", []byte("jpeg"), "image/jpeg")
	require.NoError(t, err)

	st := remotetest.Wrap(db)
	st.SetHook(remotetest.Delay(remotetest.OpDownload, 30*time.Millisecond))

	c, err := NewCache(st, 10, 1<<20, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := c.Fetch(context.Background(), url)
			assert.NoError(t, err)
			assert.Equal(t, "jpeg", string(data))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, st.Count(remotetest.OpDownload))
	_, ok := c.Get(url)
	assert.True(t, ok)
}

func TestFetchSurvivesFirstCallerCancel(t *testing.T) {
	db := remotetest.NewStore(t)
	url, err := db.Upload(context.Background(), "chat_images/c1/b.jpg", []byte("jpeg"), "image/jpeg")
	require.NoError(t, err)

	st := remotetest.Wrap(db)
	st.SetHook(remotetest.Delay(remotetest.OpDownload, 80*time.Millisecond))
	c, err := NewCache(st, 10, 1<<20, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctx, url)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return st.Count(remotetest.OpDownload) == 1 }, time.Second, time.Millisecond)

	second := make(chan []byte, 1)
	go func() {
		data, err := c.Fetch(context.Background(), url)
		assert.NoError(t, err)
		second <- data
	}()
	cancel()

	assert.ErrorIs(t, <-firstErr, context.Canceled)
	select {
	case data := <-second:
		assert.Equal(t, "jpeg", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never got the blob")
	}
	assert.Equal(t, 1, st.Count(remotetest.OpDownload))
}
