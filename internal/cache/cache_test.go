package cache_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jroosing/hydracurve/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fp(name string) cache.Fingerprint {
	return cache.Fingerprint{QName: name, QType: 1, QClass: 1}
}

func TestCache_SetGet(t *testing.T) {
	c := cache.New(10)
	c.Set(fp("example.com"), cache.Entry{ResponseBytes: []byte("resp"), ExpiresAt: time.Now().Add(time.Minute)})

	e, ok := c.Get(fp("example.com"))
	require.True(t, ok)
	assert.Equal(t, []byte("resp"), e.ResponseBytes)
}

func TestCache_ExpiredEntryIsMiss(t *testing.T) {
	c := cache.New(10)
	c.Set(fp("example.com"), cache.Entry{ResponseBytes: []byte("resp"), ExpiresAt: time.Now().Add(time.Millisecond)})
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get(fp("example.com"))
	assert.False(t, ok)
}

func TestCache_NonPositiveTTLNotStored(t *testing.T) {
	c := cache.New(10)
	c.Set(fp("example.com"), cache.Entry{ResponseBytes: []byte("resp"), ExpiresAt: time.Now().Add(-time.Second)})

	_, ok := c.Get(fp("example.com"))
	assert.False(t, ok)
}

func TestCache_EvictsOldestExpiryFirst(t *testing.T) {
	c := cache.New(2)
	now := time.Now()
	c.Set(fp("soon.example.com"), cache.Entry{ExpiresAt: now.Add(10 * time.Second)})
	c.Set(fp("later.example.com"), cache.Entry{ExpiresAt: now.Add(time.Hour)})
	c.Set(fp("latest.example.com"), cache.Entry{ExpiresAt: now.Add(2 * time.Hour)})

	// "soon" had the nearest expiry and should have been evicted first.
	_, ok := c.Get(fp("soon.example.com"))
	assert.False(t, ok)
	_, ok = c.Get(fp("later.example.com"))
	assert.True(t, ok)
	_, ok = c.Get(fp("latest.example.com"))
	assert.True(t, ok)
	assert.Equal(t, 2, c.Size())
}

func TestCache_ResolveFetchesOnceConcurrently(t *testing.T) {
	c := cache.New(10)
	var calls atomic.Int32

	fetch := func() (cache.Entry, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return cache.Entry{ResponseBytes: []byte("fresh"), ExpiresAt: time.Now().Add(time.Minute)}, nil
	}

	var wg sync.WaitGroup
	results := make([]cache.Entry, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			e, err := c.Resolve(fp("dedup.example.com"), fetch)
			require.NoError(t, err)
			results[idx] = e
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, e := range results {
		assert.Equal(t, []byte("fresh"), e.ResponseBytes)
	}
}

func TestCache_ResolvePropagatesError(t *testing.T) {
	c := cache.New(10)
	wantErr := errors.New("upstream failed")

	_, err := c.Resolve(fp("fail.example.com"), func() (cache.Entry, error) {
		return cache.Entry{}, wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	// A failed fetch must not be cached; a later resolve should call fetch again.
	var calls atomic.Int32
	_, err = c.Resolve(fp("fail.example.com"), func() (cache.Entry, error) {
		calls.Add(1)
		return cache.Entry{ResponseBytes: []byte("ok"), ExpiresAt: time.Now().Add(time.Minute)}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_FlushAll(t *testing.T) {
	c := cache.New(10)
	c.Set(fp("a.example.com"), cache.Entry{ExpiresAt: time.Now().Add(time.Minute)})
	c.Set(fp("b.example.com"), cache.Entry{ExpiresAt: time.Now().Add(time.Minute)})

	removed := c.Flush("")
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, c.Size())
}

func TestCache_FlushByName(t *testing.T) {
	c := cache.New(10)
	c.Set(fp("a.example.com"), cache.Entry{ExpiresAt: time.Now().Add(time.Minute)})
	c.Set(fp("b.example.com"), cache.Entry{ExpiresAt: time.Now().Add(time.Minute)})

	removed := c.Flush("a.example.com")
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Size())
	_, ok := c.Get(fp("b.example.com"))
	assert.True(t, ok)
}

func TestCache_Stats(t *testing.T) {
	c := cache.New(10)
	c.Set(fp("hit.example.com"), cache.Entry{ExpiresAt: time.Now().Add(time.Minute)})
	c.Get(fp("hit.example.com"))
	c.Get(fp("miss.example.com"))

	hits, misses := c.Stats()
	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, misses)
}
