package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/icechunk-go/icechunk/manifest"
	"github.com/icechunk-go/icechunk/objectid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestCacheFetchesOnceAndCaches(t *testing.T) {
	c := NewManifestCache(10)
	want := &manifest.Manifest{ID: objectid.ObjectId12{1}}

	var calls int32
	fetch := func(ctx context.Context) (*manifest.Manifest, error) {
		atomic.AddInt32(&calls, 1)
		return want, nil
	}

	for i := 0; i < 3; i++ {
		got, err := c.GetOrFetch(context.Background(), "m1", fetch)
		require.NoError(t, err)
		assert.Same(t, want, got)
	}
	assert.EqualValues(t, 1, calls, "expected exactly 1 fetch")
	assert.Equal(t, 1, c.Len())
}

func TestManifestCacheConcurrentFetchIsCoalesced(t *testing.T) {
	c := NewManifestCache(10)
	want := &manifest.Manifest{ID: objectid.ObjectId12{2}}

	var calls int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (*manifest.Manifest, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return want, nil
	}

	var wg sync.WaitGroup
	results := make([]*manifest.Manifest, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := c.GetOrFetch(context.Background(), "m2", fetch)
			if err == nil {
				results[i] = got
			}
		}(i)
	}
	close(release)
	wg.Wait()

	for i, r := range results {
		assert.Same(t, want, r, "result[%d]", i)
	}
	assert.EqualValues(t, 1, calls, "expected exactly 1 fetch across goroutines")
}

func TestManifestCacheFetchErrorNotCached(t *testing.T) {
	c := NewManifestCache(10)
	wantErr := errors.New("boom")

	_, err := c.GetOrFetch(context.Background(), "m3", func(ctx context.Context) (*manifest.Manifest, error) {
		return nil, wantErr
	})
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, 0, c.Len(), "expected no cache entry after fetch error")
}

func TestManifestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewManifestCache(2)
	m1 := &manifest.Manifest{ID: objectid.ObjectId12{1}}
	m2 := &manifest.Manifest{ID: objectid.ObjectId12{2}}
	m3 := &manifest.Manifest{ID: objectid.ObjectId12{3}}

	c.put("a", m1)
	c.put("b", m2)
	// touch "a" so "b" becomes the least recently used entry.
	_, ok := c.get("a")
	require.True(t, ok, "expected a to be cached")
	c.put("c", m3)

	assert.Equal(t, 2, c.Len())
	_, ok = c.get("b")
	assert.False(t, ok, "expected b to be evicted")
	_, ok = c.get("a")
	assert.True(t, ok, "expected a to still be cached")
	_, ok = c.get("c")
	assert.True(t, ok, "expected c to be cached")
}

func TestManifestCachePutUpdatesExistingKey(t *testing.T) {
	c := NewManifestCache(10)
	m1 := &manifest.Manifest{ID: objectid.ObjectId12{1}}
	m2 := &manifest.Manifest{ID: objectid.ObjectId12{2}}

	c.put("k", m1)
	c.put("k", m2)
	require.Equal(t, 1, c.Len(), "expected 1 entry after update put")

	got, ok := c.get("k")
	require.True(t, ok)
	assert.Same(t, m2, got)
}

func TestManifestCacheDisabledCapacityNeverCaches(t *testing.T) {
	c := NewManifestCache(0)
	m := &manifest.Manifest{ID: objectid.ObjectId12{1}}

	c.put("k", m)
	assert.Equal(t, 0, c.Len(), "expected disabled cache to stay empty")

	_, ok := c.get("k")
	assert.False(t, ok, "expected disabled cache to never hit")
	assert.Zero(t, c.hits.Value())
	assert.Zero(t, c.misses.Value())
}

func TestManifestCacheHitRate(t *testing.T) {
	c := NewManifestCache(2)
	m1 := &manifest.Manifest{ID: objectid.ObjectId12{1}}
	m2 := &manifest.Manifest{ID: objectid.ObjectId12{2}}

	assert.Equal(t, 0.0, c.HitRate(), "expected initial hit rate 0")

	c.get("k1")     // miss
	c.put("k1", m1) // put does not affect hit/miss count
	c.get("k1")     // hit
	assert.Equal(t, 0.5, c.HitRate(), "after 1 hit and 1 miss")

	c.put("k2", m2)
	c.get("k2") // hit
	assert.Equal(t, 2.0/3.0, c.HitRate())
}

func TestManifestCacheClearResetsEntriesAndMetrics(t *testing.T) {
	c := NewManifestCache(10)
	m := &manifest.Manifest{ID: objectid.ObjectId12{1}}

	c.put("k", m)
	c.get("k")
	c.get("missing")

	c.Clear()
	assert.Equal(t, 0, c.Len(), "expected 0 entries after Clear")

	_, ok := c.get("k")
	assert.False(t, ok, "expected k to be gone after Clear")
	assert.Zero(t, c.hits.Value())
	assert.EqualValues(t, 1, c.misses.Value(), "the post-Clear get above counts as one miss")
}
