// Package hashcache implements the read-only point-lookup hint cache
//: ht.get(shard, key) -> Option<Value>. Unlike lrucache, a
// hit here is the final value itself, not a predecessor hint; a miss
// is still indistinguishable from absence, so callers fall back to
// the normal MemTable/PmemTable search path.
package hashcache

import (
	"sync"

	farm "github.com/dgryski/go-farm"

	"github.com/plistdb/plistdb/internal/config"
)

type entry struct {
	key   [config.FixedKeyLen]byte
	value uint64
}

// shard is one mutex-protected hash bucket list, sized generously to
// keep chains short without pretending to be an mmap-resident table
// (unlike the PM-facing caches, this cache never outlives a process).
type shard struct {
	mu      sync.RWMutex
	buckets map[uint64][]entry
}

// Cache is a sharded advisory value cache keyed by the farm hash of a
// record's encoded key, using go-farm for non-cryptographic table
// hashing.
type Cache struct {
	shards []*shard
	mask   uint64
}

// New builds a Cache with numShards buckets, rounded up to the next
// power of two so shard selection is a mask instead of a modulo.
func New(numShards int) *Cache {
	n := 1
	for n < numShards {
		n <<= 1
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{buckets: make(map[uint64][]entry)}
	}
	return &Cache{shards: shards, mask: uint64(n - 1)}
}

func (c *Cache) shardFor(h uint64) *shard {
	return c.shards[h&c.mask]
}

// Get returns the cached value for keyBytes, if present.
func (c *Cache) Get(keyBytes [config.FixedKeyLen]byte) (uint64, bool) {
	h := farm.Hash64(keyBytes[:])
	s := c.shardFor(h)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.buckets[h] {
		if e.key == keyBytes {
			return e.value, true
		}
	}
	return 0, false
}

// Put records keyBytes -> value, the hint a successful Put
// seeds the cache with. Put never evicts: the cache is advisory and
// bounded externally by whatever process owns its lifetime (a flush
// or compaction worker invalidating stale entries).
func (c *Cache) Put(keyBytes [config.FixedKeyLen]byte, value uint64) {
	h := farm.Hash64(keyBytes[:])
	s := c.shardFor(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.buckets[h] {
		if e.key == keyBytes {
			s.buckets[h][i].value = value
			return
		}
	}
	s.buckets[h] = append(s.buckets[h], entry{key: keyBytes, value: value})
}

// Invalidate removes any cached entry for keyBytes.
func (c *Cache) Invalidate(keyBytes [config.FixedKeyLen]byte) {
	h := farm.Hash64(keyBytes[:])
	s := c.shardFor(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.buckets[h]
	for i, e := range bucket {
		if e.key == keyBytes {
			s.buckets[h] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}
