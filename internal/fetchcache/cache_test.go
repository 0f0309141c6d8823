package fetchcache

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_BasicOperations(t *testing.T) {
	cache := NewCache(time.Minute, 10, clockwork.NewFakeClock())

	t.Run("miss on empty cache", func(t *testing.T) {
		_, ok := cache.Get("/missing")
		assert.False(t, ok)
	})

	t.Run("set then get", func(t *testing.T) {
		stored := cache.Set("/a", Fragment{HTML: "<p>a</p>", HeaderTitle: "A"})
		assert.Equal(t, "/a", stored.Key)

		frag, ok := cache.Get("/a")
		require.True(t, ok)
		assert.Equal(t, "<p>a</p>", frag.HTML)
		assert.Equal(t, "A", frag.HeaderTitle)
	})

	t.Run("overwrite keeps one entry", func(t *testing.T) {
		cache.Set("/a", Fragment{HTML: "<p>a2</p>"})
		frag, ok := cache.Get("/a")
		require.True(t, ok)
		assert.Equal(t, "<p>a2</p>", frag.HTML)
		assert.Equal(t, 1, cache.Len())
	})

	t.Run("delete and clear", func(t *testing.T) {
		cache.Set("/b", Fragment{HTML: "b"})
		cache.Delete("/a")
		_, ok := cache.Get("/a")
		assert.False(t, ok)

		cache.Clear()
		assert.Equal(t, 0, cache.Len())
	})

	stats := cache.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate(), 0.001)
}

func TestCache_TTLIsLazy(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cache := NewCache(5*time.Minute, 10, clock)
	cache.Set("/a", Fragment{HTML: "a"})

	clock.Advance(5*time.Minute - time.Millisecond)
	_, ok := cache.Get("/a")
	assert.True(t, ok, "entry younger than the TTL is served")

	clock.Advance(time.Millisecond)
	assert.Equal(t, 1, cache.Len(), "nothing sweeps expired entries")

	_, ok = cache.Get("/a")
	assert.False(t, ok, "entry at the TTL is stale")
	assert.Equal(t, 0, cache.Len(), "stale entry is deleted on read")
	assert.Equal(t, int64(1), cache.Stats().Expired)
}

func TestCache_LRUEviction(t *testing.T) {
	cache := NewCache(time.Hour, 3, clockwork.NewFakeClock())
	for i := 0; i < 3; i++ {
		cache.Set(fmt.Sprintf("/p%d", i), Fragment{HTML: "x"})
	}

	// Touch /p0 so /p1 becomes least recently used.
	_, ok := cache.Get("/p0")
	require.True(t, ok)

	cache.Set("/p3", Fragment{HTML: "x"})

	assert.Equal(t, 3, cache.Len())
	_, ok = cache.Get("/p1")
	assert.False(t, ok)
	_, ok = cache.Get("/p0")
	assert.True(t, ok)
	assert.Equal(t, int64(1), cache.Stats().Evictions)
}

func TestCache_DefaultSize(t *testing.T) {
	cache := NewCache(time.Minute, 0, nil)
	for i := 0; i < DefaultMaxEntries+10; i++ {
		cache.Set(fmt.Sprintf("/p%d", i), Fragment{})
	}
	assert.Equal(t, DefaultMaxEntries, cache.Len())
}

func TestCache_Snapshot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cache := NewCache(time.Minute, 10, clock)
	cache.Set("/old", Fragment{HTML: "old"})
	clock.Advance(40 * time.Second)
	cache.Set("/new", Fragment{HTML: "new", HeaderTitle: "New"})

	var buf bytes.Buffer
	require.NoError(t, cache.Snapshot(&buf))

	t.Run("restores unexpired entries with their age", func(t *testing.T) {
		restored := NewCache(time.Minute, 10, clock)
		n, err := restored.Restore(bytes.NewReader(buf.Bytes()))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		frag, ok := restored.Get("/new")
		require.True(t, ok)
		assert.Equal(t, "New", frag.HeaderTitle)

		clock.Advance(20 * time.Second)
		_, ok = restored.Get("/old")
		assert.False(t, ok, "age carried over from the snapshot")
		_, ok = restored.Get("/new")
		assert.True(t, ok)
	})

	t.Run("skips entries that expired since", func(t *testing.T) {
		clock.Advance(time.Hour)
		restored := NewCache(time.Minute, 10, clock)
		n, err := restored.Restore(bytes.NewReader(buf.Bytes()))
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := NewCache(time.Minute, 10, clock).Restore(bytes.NewReader([]byte("not msgpack")))
		assert.Error(t, err)
	})
}

func TestCache_SnapshotFile(t *testing.T) {
	clock := clockwork.NewFakeClock()
	path := filepath.Join(t.TempDir(), "cache.msgpack")

	n, err := NewCache(time.Minute, 10, clock).LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "missing file restores nothing")

	cache := NewCache(time.Minute, 10, clock)
	cache.Set("/a", Fragment{HTML: "a"})
	require.NoError(t, cache.SaveFile(path))

	n, err = NewCache(time.Minute, 10, clock).LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
