package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCacheDisabledByZeroTTL(t *testing.T) {
	t.Parallel()

	c := NewTTLCache[int](0, 0)
	c.Set("a", 1)
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Size())
}

func TestTTLCacheGetSet(t *testing.T) {
	t.Parallel()
	if Disabled {
		t.Skip("caching disabled via MERGERFS_CACHE=0")
	}

	c := NewTTLCache[string](time.Minute, 0)
	c.Set("a", "x")
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "x", v)

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestTTLCacheExpiry(t *testing.T) {
	t.Parallel()
	if Disabled {
		t.Skip("caching disabled via MERGERFS_CACHE=0")
	}

	c := NewTTLCache[int](20*time.Millisecond, 0)
	c.Set("a", 1)
	time.Sleep(40 * time.Millisecond)
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestTTLCacheMaxSize(t *testing.T) {
	t.Parallel()
	if Disabled {
		t.Skip("caching disabled via MERGERFS_CACHE=0")
	}

	c := NewTTLCache[int](time.Minute, 2)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	assert.Equal(t, 2, c.Size())

	// existing keys may still be refreshed at capacity
	c.Set("a", 10)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 10, v)
}

func TestTTLCacheGetOrLoad(t *testing.T) {
	t.Parallel()
	if Disabled {
		t.Skip("caching disabled via MERGERFS_CACHE=0")
	}

	c := NewTTLCache[int](time.Minute, 0)
	calls := 0
	load := func() (int, error) {
		calls++
		return 7, nil
	}

	for range 3 {
		v, err := c.GetOrLoad("k", load)
		require.NoError(t, err)
		assert.Equal(t, 7, v)
	}
	assert.Equal(t, 1, calls)

	_, err := c.GetOrLoad("bad", func() (int, error) { return 0, errors.New("statfs failed") })
	assert.Error(t, err)
	_, ok := c.Get("bad")
	assert.False(t, ok)

	c.SetTTL(0)
	_, ok = c.Get("k")
	assert.False(t, ok)
}
