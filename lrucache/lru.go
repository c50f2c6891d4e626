// Package lrucache implements the L1 search-hint cache: a read-only, advisory map from a key to
// a PPtr whose node key is strictly less than it. A miss is
// indistinguishable from absence — callers must always be prepared to
// fall back to a full Lookup.
//
// The shard/bucket/move-to-front shape is grounded on the mmapshard
// reference (phuslu/lru's sharded, index-based list + hash table), but
// this cache has no mmap backing of its own: it caches live PPtr
// values, not bytes, so a plain doubly linked list of Go structs
// replaces the raw-index list phuslu uses to stay mmap-friendly.
package lrucache

import (
	"container/list"
	"sync"

	"github.com/plistdb/plistdb/internal/config"
	"github.com/plistdb/plistdb/pmem"
)

type entry struct {
	key [config.FixedKeyLen]byte
	val pmem.PPtr
}

// shard is one mutex-protected partition of the cache.
type shard struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[[config.FixedKeyLen]byte]*list.Element
}

func newShard(capacity int) *shard {
	return &shard{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[[config.FixedKeyLen]byte]*list.Element, capacity),
	}
}

func (s *shard) get(key [config.FixedKeyLen]byte) (pmem.PPtr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[key]
	if !ok {
		return 0, false
	}
	s.ll.MoveToFront(el)
	return el.Value.(*entry).val, true
}

func (s *shard) put(key [config.FixedKeyLen]byte, val pmem.PPtr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[key]; ok {
		el.Value.(*entry).val = val
		s.ll.MoveToFront(el)
		return
	}
	el := s.ll.PushFront(&entry{key: key, val: val})
	s.items[key] = el
	if s.ll.Len() > s.capacity {
		oldest := s.ll.Back()
		if oldest != nil {
			s.ll.Remove(oldest)
			delete(s.items, oldest.Value.(*entry).key)
		}
	}
}

// Cache is one LRU cache per (shard, region), each independently
// mutex-protected so lookups against different shards never contend.
type Cache struct {
	shards [config.NumShards][config.NumRegions]*shard
}

// New builds a Cache with perShardCapacity entries per (shard, region)
// partition.
func New(perShardCapacity int) *Cache {
	c := &Cache{}
	for s := 0; s < config.NumShards; s++ {
		for r := 0; r < config.NumRegions; r++ {
			c.shards[s][r] = newShard(perShardCapacity)
		}
	}
	return c
}

// FindLessThan returns the hint PPtr last warmed for exactly key in
// (shard, region)'s partition (see Warm); it does not search for the
// nearest smaller cached key. It returns the zero PPtr on a miss.
func (c *Cache) FindLessThan(shardIdx, region int, key [config.FixedKeyLen]byte) pmem.PPtr {
	if shardIdx < 0 || shardIdx >= config.NumShards || region < 0 || region >= config.NumRegions {
		return 0
	}
	val, ok := c.shards[shardIdx][region].get(key)
	if !ok {
		return 0
	}
	return val
}

// Warm records that hint is a node whose key is strictly less than
// key, for future FindLessThan calls against (shard, region). Callers
// typically warm the cache with the predecessor a Lookup just walked
// past, so a later search for the same or a nearby key can skip the
// upper-layer descent.
func (c *Cache) Warm(shardIdx, region int, key [config.FixedKeyLen]byte, hint pmem.PPtr) {
	if shardIdx < 0 || shardIdx >= config.NumShards || region < 0 || region >= config.NumRegions {
		return
	}
	c.shards[shardIdx][region].put(key, hint)
}
