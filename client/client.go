// Package client implements the per-worker Client: Put/Get across shards, regions, and levels, backed by
// a worker-local height RNG and the two advisory hint caches (lrucache
// for L1 predecessors, hashcache for whole-value point lookups).
package client

import (
	"math/rand"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/plistdb/plistdb/engine"
	"github.com/plistdb/plistdb/hashcache"
	"github.com/plistdb/plistdb/internal/affinity"
	"github.com/plistdb/plistdb/internal/config"
	"github.com/plistdb/plistdb/internal/key"
	"github.com/plistdb/plistdb/lrucache"
	"github.com/plistdb/plistdb/memtable"
	"github.com/plistdb/plistdb/pmem"
	"github.com/plistdb/plistdb/skiplist"
)

// Client is a per-worker handle. It is not safe for concurrent use
// from multiple goroutines (its RNG is not synchronized); a process with W workers constructs W Clients, one
// per worker, one goroutine per Client.
type Client struct {
	db     *engine.DB
	region int
	kind   key.Kind
	lru    *lrucache.Cache
	hash   *hashcache.Cache

	rng *rand.Rand
	seq atomic.Uint64 // monotonic per-client record sequence number, packed into Node.Tag

	sample func() bool // level-tag early-skip sampler, shared across this client's L0 lookups
}

// Option configures an optional Client collaborator.
type Option func(*Client)

// WithLRUCache attaches the L1 predecessor-hint cache. Without one, Get always descends from the
// region head.
func WithLRUCache(c *lrucache.Cache) Option {
	return func(cl *Client) { cl.lru = c }
}

// WithHashCache attaches the whole-value point-lookup hint cache. Without one, Get always walks the table list.
func WithHashCache(c *hashcache.Cache) Option {
	return func(cl *Client) { cl.hash = c }
}

// New returns a Client bound to db, assigned to region, seeded from
// workerID. It locks the calling goroutine to its OS thread and pins
// that thread to a core derived from region and workerID, so the
// worker's PM allocations land on its NUMA-local arena; callers
// therefore construct a Client from the same goroutine that will use
// it for the worker's lifetime, one Client per worker goroutine.
func New(db *engine.DB, region int, kind key.Kind, workerID uint64, opts ...Option) *Client {
	c := &Client{
		db:     db,
		region: region,
		kind:   kind,
		rng:    rand.New(rand.NewSource(int64(workerID))), // nolint: gosec
	}
	c.sample = newSampler(config.LevelCheckPeriodFactor)
	for _, opt := range opts {
		opt(c)
	}
	// Interleave the core hint across regions (region + workerID*NumRegions)
	// so workers assigned to different regions land on different NUMA
	// nodes under the common core-numbering scheme where consecutive
	// cores alternate nodes. Pin is a placement hint, not a correctness
	// requirement: affinity.Strict is false by default, so a failure here
	// (e.g. no CAP_SYS_NICE in a sandboxed test run) is logged and
	// otherwise ignored.
	_ = affinity.Pin(region + int(workerID)*config.NumRegions)
	return c
}

func (c *Client) compare() skiplist.CompareFunc {
	return key.CompareBytes(c.kind)
}

// newSampler returns a closure that reports true once every period
// calls. It is stateful per
// Client, not per call, so repeated Lookups spread their sampling
// across a rolling window instead of always sampling the first node
// visited.
func newSampler(period int) func() bool {
	if period <= 1 {
		return func() bool { return true }
	}
	var n uint64
	return func() bool {
		v := atomic.AddUint64(&n, 1)
		return v%uint64(period) == 0
	}
}

func shardFor(k key.Key) int {
	return int(k.ShardNumber() % uint64(config.NumShards))
}

// nextSeq draws this client's next monotonic record sequence number,
// packed into Node.Tag's seq field.
func (c *Client) nextSeq() uint64 {
	return c.seq.Add(1)
}

// Put writes value under key: a redo record is appended to the
// client's region-local, shard-affine log, then a MemNode referencing
// it is inserted into the shard's Active MemTable.
func (c *Client) Put(k key.Key, value uint64) error {
	return c.write(k, value, skiplist.OpValue)
}

// Delete removes key. A deletion is a tombstone record — a redo record tagged
// OpDeletion — inserted exactly like a Put; Get treats a match whose
// Op is OpDeletion as "not found" regardless of which table held it.
func (c *Client) Delete(k key.Key) error {
	return c.write(k, 0, skiplist.OpDeletion)
}

func (c *Client) write(k key.Key, value uint64, op uint8) error {
	shard := shardFor(k)
	keyBytes := k.Encode()

	s := c.db.Shard(shard)
	mt := s.GetWritableMemTable()
	for !mt.AcquireWrite() {
		// Raced a Seal between GetWritableMemTable's return and our
		// AcquireWrite; the shard moved on, fetch whichever MemTable is
		// Active now.
		mt = s.GetWritableMemTable()
	}
	// Deferred in this order so the write ref is released before MaybeSeal
	// runs: Seal waits for every outstanding ref, this one included. The
	// flush worker (external) claims a sealed table via AcquireImmutable.
	defer s.MaybeSeal(mt)
	defer mt.ReleaseWrite()

	arena := s.Arena(c.region)
	height := memtable.RandomHeight(c.rng)
	ptr, node, err := skiplist.Alloc(arena, height)
	if err != nil {
		return errors.Wrapf(err, "client: put: allocate record in region %d shard %d", c.region, shard)
	}
	tag := skiplist.MakeTag(c.nextSeq(), op, height)
	node.CommitRecord(keyBytes, tag, value)
	if err := arena.Persist(ptr, skiplist.AllocSize(height)); err != nil {
		return errors.Wrapf(err, "client: put: persist record in region %d shard %d", c.region, shard)
	}

	memNode := memtable.NewMemNode(keyBytes, tag, ptr, height)
	if !mt.Insert(memNode, c.compare(), skiplist.AllocSize(height)) {
		// The key is already in this MemTable: repoint its node at the
		// newer redo record so the latest Put or Delete wins.
		if existing := mt.Find(keyBytes, c.compare()); existing != nil {
			atomic.StoreUint64((*uint64)(&existing.Value), uint64(ptr))
		}
	}

	if c.hash != nil {
		if op == skiplist.OpDeletion {
			c.hash.Invalidate(keyBytes)
		} else {
			c.hash.Put(keyBytes, value)
		}
	}

	return nil
}

// PutItem is one record in a PutBatch call.
type PutItem struct {
	Key   key.Key
	Value uint64
}

// PutBatch buffers up to config.BatchLogSize Put records destined for
// the same shard into a single contiguous log extent, persists the
// whole extent once, then installs their MemNodes in MemTable order
//. All items must hash to the
// same shard; callers group by shard before calling. Get visibility of
// a batched item occurs only once its MemNode insert completes, same
// as the unbatched path.
func (c *Client) PutBatch(items []PutItem) error {
	if len(items) == 0 {
		return nil
	}
	if len(items) > config.BatchLogSize {
		return errors.Errorf("client: put batch: %d items exceeds BatchLogSize %d", len(items), config.BatchLogSize)
	}
	shard := shardFor(items[0].Key)
	for _, it := range items[1:] {
		if shardFor(it.Key) != shard {
			return errors.Errorf("client: put batch: item for key sharding to %d mixed into batch for shard %d", shardFor(it.Key), shard)
		}
	}

	s := c.db.Shard(shard)
	mt := s.GetWritableMemTable()
	for !mt.AcquireWrite() {
		mt = s.GetWritableMemTable()
	}
	defer s.MaybeSeal(mt) // runs after ReleaseWrite, which Seal waits on
	defer mt.ReleaseWrite()

	arena := s.Arena(c.region)
	heights := make([]int, len(items))
	sizes := make([]int, len(items))
	total := 0
	for i := range items {
		heights[i] = memtable.RandomHeight(c.rng)
		sizes[i] = skiplist.AllocSize(heights[i])
		total += sizes[i]
	}

	base, err := arena.Allocate(total)
	if err != nil {
		return errors.Wrapf(err, "client: put batch: allocate %d bytes in region %d shard %d", total, c.region, shard)
	}
	buf := arena.Bytes(base, total)
	_, baseOffset := base.Decode()

	memNodes := make([]*memtable.MemNode, len(items))
	offset := 0
	for i, it := range items {
		node := skiplist.PlaceAt(buf[offset:offset+sizes[i]], heights[i])
		tag := skiplist.MakeTag(c.nextSeq(), skiplist.OpValue, heights[i])
		keyBytes := it.Key.Encode()
		node.CommitRecord(keyBytes, tag, it.Value)
		ptr := pmem.Encode(base.PoolID(), baseOffset+uint64(offset))
		memNodes[i] = memtable.NewMemNode(keyBytes, tag, ptr, heights[i])
		offset += sizes[i]
	}

	if err := arena.Persist(base, total); err != nil {
		return errors.Wrapf(err, "client: put batch: persist extent in region %d shard %d", c.region, shard)
	}

	for i, n := range memNodes {
		mt.Insert(n, c.compare(), sizes[i])
		if c.hash != nil {
			c.hash.Put(n.KeyBytes, items[i].Value)
		}
	}

	return nil
}

// Get returns key's current value, searching the shard's L0 Table
// List front-to-back (MemTables, then zero-or-more flushed
// PmemTables), falling back to L1 with the LRU predecessor hint.
func (c *Client) Get(k key.Key) (uint64, bool) {
	keyBytes := k.Encode()
	shard := shardFor(k)
	s := c.db.Shard(shard)

	if c.hash != nil {
		if v, ok := c.hash.Get(keyBytes); ok {
			return v, true
		}
	}

	for _, t := range s.L0.Snapshot() {
		if t.Kind == engine.KindMemTable {
			node := t.Mem.Find(keyBytes, c.compare())
			if node == nil {
				continue
			}
			return c.resolveMemNode(node)
		}
		// PmemTable: once the L0 scan reaches the first persistent
		// table, switch to PM skip-list search. Several PmemTables may
		// exist before compaction catches up; LookupChecked's abort
		// signal ("this key was promoted past this table") is how the
		// search knows to keep walking instead of stopping at the first
		// one.
		ptr, aborted := t.Pmem.List.LookupChecked(keyBytes, c.region, c.sample)
		if aborted {
			continue
		}
		node := t.Pmem.List.Resolve(ptr)
		if node == nil || c.compare()(node.KeyBytes, keyBytes) != 0 {
			continue
		}
		return valueOrTombstone(node)
	}

	return c.getFromL1(s, keyBytes)
}

func (c *Client) getFromL1(s *engine.Shard, keyBytes [config.FixedKeyLen]byte) (uint64, bool) {
	for _, t := range s.L1.Snapshot() {
		if t.Kind != engine.KindPmemTable {
			continue // L1 holds only PmemTables
		}
		var ptr pmem.PPtr
		if c.lru != nil {
			if hint := c.lru.FindLessThan(s.Index(), c.region, keyBytes); !hint.IsNull() {
				ptr = t.Pmem.List.LookupFromHint(hint, c.region, keyBytes)
			} else {
				ptr = t.Pmem.List.Lookup(keyBytes, c.region)
			}
		} else {
			ptr = t.Pmem.List.Lookup(keyBytes, c.region)
		}
		node := t.Pmem.List.Resolve(ptr)
		if node == nil || c.compare()(node.KeyBytes, keyBytes) != 0 {
			continue
		}
		if c.lru != nil {
			c.lru.Warm(s.Index(), c.region, keyBytes, ptr)
		}
		return valueOrTombstone(node)
	}
	return 0, false
}

func (c *Client) resolveMemNode(n *memtable.MemNode) (uint64, bool) {
	pmNode := (*skiplist.Node)(pmem.Resolve(c.db.Registry, n.Value))
	if pmNode == nil {
		return 0, false
	}
	return valueOrTombstone(pmNode)
}

func valueOrTombstone(n *skiplist.Node) (uint64, bool) {
	if n.Op() == skiplist.OpDeletion {
		return 0, false
	}
	return n.Value, true
}
