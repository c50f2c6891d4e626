package hashcache_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/plistdb/plistdb/hashcache"
	"github.com/plistdb/plistdb/internal/config"
)

func keyOf(b byte) [config.FixedKeyLen]byte {
	var k [config.FixedKeyLen]byte
	k[0] = b
	return k
}

func TestHashCacheGetMissOnEmpty(t *testing.T) {
	c := hashcache.New(4)
	_, ok := c.Get(keyOf(1))
	require.False(t, ok)
}

func TestHashCachePutThenGet(t *testing.T) {
	c := hashcache.New(4)
	c.Put(keyOf(1), 42)
	v, ok := c.Get(keyOf(1))
	require.True(t, ok)
	require.Equal(t, uint64(42), v)
}

func TestHashCachePutOverwritesExistingKey(t *testing.T) {
	c := hashcache.New(4)
	c.Put(keyOf(1), 42)
	c.Put(keyOf(1), 99)
	v, ok := c.Get(keyOf(1))
	require.True(t, ok)
	require.Equal(t, uint64(99), v)
}

func TestHashCacheInvalidateRemovesEntry(t *testing.T) {
	c := hashcache.New(4)
	c.Put(keyOf(1), 42)
	c.Invalidate(keyOf(1))
	_, ok := c.Get(keyOf(1))
	require.False(t, ok)
}

func TestHashCacheInvalidateMissingKeyIsNoop(t *testing.T) {
	c := hashcache.New(4)
	require.NotPanics(t, func() { c.Invalidate(keyOf(7)) })
}

func TestHashCacheDistinctKeysDoNotCollideAcrossShards(t *testing.T) {
	c := hashcache.New(8)
	for i := byte(0); i < 100; i++ {
		c.Put(keyOf(i), uint64(i)*10)
	}
	for i := byte(0); i < 100; i++ {
		v, ok := c.Get(keyOf(i))
		require.True(t, ok, "key %d", i)
		require.Equal(t, uint64(i)*10, v)
	}
}

func TestHashCacheConcurrentPutGet(t *testing.T) {
	c := hashcache.New(16)
	var wg sync.WaitGroup
	wg.Add(4)
	for g := 0; g < 4; g++ {
		g := g
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := keyOf(byte((g*200 + i) % 256))
				c.Put(k, uint64(i))
				c.Get(k)
			}
		}()
	}
	wg.Wait()
}
