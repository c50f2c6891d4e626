package engine_test

import (
	"context"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/require"

	"github.com/plistdb/plistdb/engine"
	"github.com/plistdb/plistdb/internal/config"
	"github.com/plistdb/plistdb/internal/key"
	"github.com/plistdb/plistdb/memtable"
	"github.com/plistdb/plistdb/pmem"
	"github.com/plistdb/plistdb/skiplist"
)

// fakeFlushWorker stands in for the external flush worker named in the
// FlushTarget contract: it claims a shard's oldest Immutable MemTable,
// links each of its already-persisted records into a fresh PmemTable's
// braided skip list, publishes that table at the front of L0, then
// retires the MemTable it replaced. Records are linked rather than
// copied: a Put already wrote the redo record into a region-affine
// arena, so flushing only has to make it reachable from the PM search
// structure.
func fakeFlushWorker(t *testing.T, db *engine.DB, shardIdx int) *engine.PmemTable {
	t.Helper()
	mt := db.AcquireImmutable(shardIdx)
	if mt == nil {
		return nil
	}

	shard := db.Shard(shardIdx)
	arenas := make(map[int]*pmem.Log, config.NumRegions)
	for region := 0; region < config.NumRegions; region++ {
		arenas[region] = shard.Arena(region)
	}
	pt, err := engine.NewPmemTable(db.Registry, db.PrimaryRegion, db.Compare, arenas)
	require.NoError(t, err)

	for n := mt.Head().Next(0); n != nil; n = n.Next(0) {
		require.NoError(t, pt.List.Insert(n.Value))
	}

	db.PublishL0(shardIdx, pt)
	require.True(t, db.RetireMemTable(shardIdx, mt), "flushed MemTable must still be in L0")
	return pt
}

// fakeCompactionWorker stands in for the external L0->L1 compactor: it
// snapshots a shard's flushed PmemTable chain, merges their global
// level-0 chains (newest table wins on a key collision), copies the
// winning records into one freshly allocated PmemTable, installs it as
// the shard's entire L1, then retires every merged L0 table.
func fakeCompactionWorker(t *testing.T, db *engine.DB, shardIdx int) *engine.PmemTable {
	t.Helper()
	sources := db.SnapshotL0(shardIdx)
	if len(sources) == 0 {
		return nil
	}

	type winner struct {
		keyBytes [config.FixedKeyLen]byte
		tag      uint64
		value    uint64
	}
	merged := map[[config.FixedKeyLen]byte]winner{}
	// sources is newest-first; only record a key the first time it is
	// seen so the newest table's version wins.
	for _, src := range sources {
		for n := src.Pmem.List.Head(db.PrimaryRegion).Next(0); !n.IsNull(); {
			node := src.Pmem.List.Resolve(n)
			if node == nil {
				break
			}
			if _, ok := merged[node.KeyBytes]; !ok {
				merged[node.KeyBytes] = winner{keyBytes: node.KeyBytes, tag: node.Tag, value: node.Value}
			}
			n = node.Next(0)
		}
	}

	shard := db.Shard(shardIdx)
	arenas := make(map[int]*pmem.Log, config.NumRegions)
	for region := 0; region < config.NumRegions; region++ {
		arenas[region] = shard.Arena(region)
	}
	l1, err := engine.NewPmemTable(db.Registry, db.PrimaryRegion, db.Compare, arenas)
	require.NoError(t, err)

	writeRegion := db.PrimaryRegion
	for _, w := range merged {
		h := int(w.tag & 0xf)
		ptr, node, err := skiplist.Alloc(arenas[writeRegion], h)
		require.NoError(t, err)
		node.CommitRecord(w.keyBytes, w.tag, w.value)
		require.NoError(t, arenas[writeRegion].Persist(ptr, skiplist.AllocSize(h)))
		require.NoError(t, l1.List.Insert(ptr))
	}

	db.ReplaceL1(shardIdx, l1)
	for _, src := range sources {
		require.True(t, db.RetireL0(shardIdx, src), "compacted L0 table must still be present")
	}
	return l1
}

func openFakeWorkerDB(t *testing.T) *engine.DB {
	t.Helper()
	dir, cleanup := testutil.TempDir(t, "", "")
	t.Cleanup(cleanup)
	db, err := engine.Open(context.Background(), dir, 1<<16, "", 0, key.CompareBytes(key.KindInt64))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

// Exercises skiplist.List.Insert against the engine's real, combined
// (region,shard) pool ids -- the path newTestListWithArenas's
// region-as-pool-id registration in skiplist_test.go never exercises.
func putDirect(t *testing.T, db *engine.DB, shardIdx int, region int, k uint64, v uint64, seq *uint64) {
	t.Helper()
	shard := db.Shard(shardIdx)
	mt := shard.GetWritableMemTable()
	require.True(t, mt.AcquireWrite())
	defer mt.ReleaseWrite()

	arena := shard.Arena(region)
	height := 3
	ptr, node, err := skiplist.Alloc(arena, height)
	require.NoError(t, err)
	*seq++
	tag := skiplist.MakeTag(*seq, skiplist.OpValue, height)
	keyBytes := key.Int64Key(k).Encode()
	node.CommitRecord(keyBytes, tag, v)
	require.NoError(t, arena.Persist(ptr, skiplist.AllocSize(height)))

	memNode := memtable.NewMemNode(keyBytes, tag, ptr, height)
	require.True(t, mt.Insert(memNode, key.CompareBytes(key.KindInt64), skiplist.AllocSize(height)))
}

// S3: flushing an Immutable MemTable makes every one of its records
// reachable through the freshly published PmemTable's braided skip
// list, for a shard whose combined pool id is well past the first two
// small values 0 and 1.
func TestFlushWorkerPublishesRecords(t *testing.T) {
	db := openFakeWorkerDB(t)
	const shardIdx = 5 // poolID(region, 5) = region*128+6, nowhere near {0,1}
	var seq uint64

	want := map[uint64]uint64{10: 100, 20: 200, 30: 300}
	for k, v := range want {
		putDirect(t, db, shardIdx, 0, k, v, &seq)
	}

	sealed := db.Shard(shardIdx).SealActive()
	require.NotNil(t, sealed)

	pt := fakeFlushWorker(t, db, shardIdx)
	require.NotNil(t, pt)

	for k, v := range want {
		keyBytes := key.Int64Key(k).Encode()
		ptr := pt.List.Lookup(keyBytes, 0)
		node := pt.List.Resolve(ptr)
		require.NotNil(t, node, "key %d missing after flush", k)
		require.Equal(t, keyBytes, node.KeyBytes)
		require.Equal(t, v, node.Value)
	}
}

// S4: compacting two flushed L0 PmemTables produces one L1 table
// whose records equal the union of its sources, newest write winning
// on key collision.
func TestCompactionWorkerMergesL0IntoL1(t *testing.T) {
	db := openFakeWorkerDB(t)
	const shardIdx = 9
	var seq uint64

	putDirect(t, db, shardIdx, 0, 1, 10, &seq)
	putDirect(t, db, shardIdx, 0, 2, 20, &seq)
	require.NotNil(t, db.Shard(shardIdx).SealActive())
	require.NotNil(t, fakeFlushWorker(t, db, shardIdx))

	putDirect(t, db, shardIdx, 0, 2, 2000, &seq) // overwrites key 2
	putDirect(t, db, shardIdx, 0, 3, 30, &seq)
	require.NotNil(t, db.Shard(shardIdx).SealActive())
	require.NotNil(t, fakeFlushWorker(t, db, shardIdx))

	l1 := fakeCompactionWorker(t, db, shardIdx)
	require.NotNil(t, l1)
	require.Empty(t, db.SnapshotL0(shardIdx), "compacted sources must be retired from L0")

	want := map[uint64]uint64{1: 10, 2: 2000, 3: 30}
	for k, v := range want {
		keyBytes := key.Int64Key(k).Encode()
		ptr := l1.List.Lookup(keyBytes, 0)
		node := l1.List.Resolve(ptr)
		require.NotNil(t, node, "key %d missing after compaction", k)
		require.Equal(t, v, node.Value)
	}
}
