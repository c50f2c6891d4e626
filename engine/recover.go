package engine

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"v.io/x/lib/vlog"

	"github.com/plistdb/plistdb/internal/config"
	"github.com/plistdb/plistdb/memtable"
	"github.com/plistdb/plistdb/pmem"
	"github.com/plistdb/plistdb/skiplist"
)

// anchorOp is the op nibble skiplist.Init stamps on a head node; kept
// as a local untyped constant mirroring skiplist.OpAnchor so this file
// doesn't need to decode a full skiplist.Node to classify a record.
const anchorOp = 0x0

// scanArena walks pool's mapped bytes from offset 0, decoding one
// PmNode header at a time, and reports every anchor (head) record it
// finds, in file order. A client's raw Put records share the same
// arena as whatever PmemTable head a later flush allocates there — the
// arena has no reserved "offset 0 is special" slot — so an anchor is
// identified by its op nibble (skiplist.OpAnchor), not by position: an
// anchor's own key is legitimately all-zero, but a Value/Deletion
// record with an all-zero key means the key word of its commit marker
// never landed, and scanning stops there, since it is either unused
// tail space or exactly the one torn record a crash can leave
// mid-write. This implementation does not attempt to recover records
// written past a torn one by a different producer, since nothing on
// disk records a separate per-producer high-water mark to resume from
// (see DESIGN.md).
func scanArena(pool *pmem.Pool) (tail uint64, anchors []pmem.PPtr, count int, err error) {
	data := pool.Bytes()
	offset := uint64(0)
	for {
		if offset+uint64(skiplist.HeaderSize) > uint64(len(data)) {
			break
		}
		var keyBytes [config.FixedKeyLen]byte
		copy(keyBytes[:], data[offset:offset+config.FixedKeyLen])
		tagOff := offset + config.FixedKeyLen
		tag := binary.LittleEndian.Uint64(data[tagOff : tagOff+8])
		height := int(tag & 0xf)
		op := (tag >> 4) & 0xf

		if height < 1 || height > config.MaxHeight {
			break
		}
		isZeroKey := keyBytes == [config.FixedKeyLen]byte{}
		if op != anchorOp && isZeroKey {
			break // CorruptRecord: uncommitted/torn record, stop here.
		}

		size := skiplist.HeaderSize + (height-1)*8
		if offset+uint64(size) > uint64(len(data)) {
			break
		}
		if op == anchorOp {
			anchors = append(anchors, pmem.Encode(pool.ID(), offset))
		}
		offset += uint64(size)
		count++
	}
	return offset, anchors, count, nil
}

// PoolSpec names the on-disk file for one (region, shard) arena, for
// Recover to reopen.
type PoolSpec struct {
	Region int
	Shard  int
	Path   string
	Size   int64
}

// Recover reopens a previously-populated set of pools and reconstructs
// each shard's Table List: one recovered PmemTable per flush
// generation found on disk (wrapping the already-linked on-disk skip
// list rooted at that generation's anchor), oldest at the back of L0,
// newest just behind a fresh empty Active MemTable installed at the
// front for new writes. A generation is only reconstructed if every
// region's arena for that shard shows an anchor at the same position
// in file order; a region whose flush hadn't finished writing all of
// its regions' heads before the crash contributes a dangling extra
// anchor that is dropped rather than adopted, since a partially
// published generation was never visible to a reader before the crash
// either.
func Recover(ctx context.Context, specs []PoolSpec, manifestPath string, primaryRegion int, compare skiplist.CompareFunc) (*DB, error) {
	registry, err := pmem.NewRegistry(manifestPath)
	if err != nil {
		return nil, err
	}
	db := &DB{Registry: registry, PrimaryRegion: primaryRegion, Compare: compare}

	byShard := map[int]*Shard{}
	arenasByShard := map[int]map[int]*pmem.Log{}
	anchorsByShard := map[int]map[int][]pmem.PPtr{}

	for _, spec := range specs {
		id := poolID(spec.Region, spec.Shard)
		pool, err := registry.RegisterFile(ctx, id, spec.Path, spec.Size)
		if err != nil {
			return nil, errors.Wrapf(err, "engine: recover: register pool region=%d shard=%d", spec.Region, spec.Shard)
		}
		arena := pmem.NewLog(pool)

		tail, anchors, count, err := scanArena(pool)
		if err != nil {
			return nil, errors.Wrapf(err, "engine: recover: scan region=%d shard=%d", spec.Region, spec.Shard)
		}
		arena.RestoreTail(tail)
		vlog.Infof("engine: recovered region=%d shard=%d: %d records, %d generations, tail=%d",
			spec.Region, spec.Shard, count, len(anchors), tail)

		shard, ok := byShard[spec.Shard]
		if !ok {
			shard = newShard(spec.Shard)
			byShard[spec.Shard] = shard
			arenasByShard[spec.Shard] = map[int]*pmem.Log{}
			anchorsByShard[spec.Shard] = map[int][]pmem.PPtr{}
		}
		shard.arenas[spec.Region] = arena
		arenasByShard[spec.Shard][spec.Region] = arena
		anchorsByShard[spec.Shard][spec.Region] = anchors
	}

	for shardIdx := 0; shardIdx < config.NumShards; shardIdx++ {
		shard, ok := byShard[shardIdx]
		if !ok {
			return nil, errors.Errorf("engine: recover: missing pools for shard %d", shardIdx)
		}
		arenas := arenasByShard[shardIdx]
		anchors := anchorsByShard[shardIdx]

		generations := -1
		for _, a := range anchors {
			if generations == -1 || len(a) < generations {
				generations = len(a)
			}
		}
		if generations < 0 {
			generations = 0
		}

		for gen := 0; gen < generations; gen++ {
			list := skiplist.New(registry, primaryRegion, compare)
			for region, arena := range arenas {
				list.BindArena(region, arena)
			}
			for region := range arenas {
				if err := list.AdoptHead(region, anchors[region][gen]); err != nil {
					return nil, errors.Wrapf(err, "engine: recover: adopt head shard=%d region=%d generation=%d", shardIdx, region, gen)
				}
			}
			shard.L0.PushFront(NewPmemTableEntry(&PmemTable{List: list}))
		}
		shard.L0.PushFront(NewMemTableEntry(memtable.New()))
		db.shards[shardIdx] = shard
	}

	return db, nil
}

// PoolPath is a small convenience for building PoolSpec slices from a
// base directory in the same layout Open uses.
func PoolPath(baseDir string, region, shard int) string {
	return fmt.Sprintf("%s/pool-%d-%d.pm", baseDir, region, shard)
}
