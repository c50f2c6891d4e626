package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"v.io/x/lib/vlog"

	"github.com/plistdb/plistdb/internal/config"
	"github.com/plistdb/plistdb/memtable"
	"github.com/plistdb/plistdb/pmem"
	"github.com/plistdb/plistdb/skiplist"
)

// poolID packs (region, shard) into the 16-bit pool identifier a PPtr
// carries. One arena, and therefore one pmem.Pool, exists per (region,
// shard) pair. Ids start at 1: with a pool 0, the record at offset 0 of
// that arena would encode as the null PPtr.
func poolID(region, shard int) int16 {
	return int16(region*config.NumShards + shard + 1)
}

// Shard bundles one shard's per-region arenas and its L0/L1 Table
// Lists.
type Shard struct {
	index int

	mu     sync.Mutex // guards Active-MemTable installation only
	arenas [config.NumRegions]*pmem.Log

	L0 *TableList
	L1 *TableList

	activeCond *sync.Cond
}

func newShard(index int) *Shard {
	s := &Shard{index: index, L0: NewTableList(), L1: NewTableList()}
	s.activeCond = sync.NewCond(&s.mu)
	return s
}

// Arena returns the shard's PM log for region.
func (s *Shard) Arena(region int) *pmem.Log { return s.arenas[region] }

// Index returns the shard's own index, for callers (client.Client)
// that need it to address a per-shard hint cache.
func (s *Shard) Index() int { return s.index }

// GetWritableMemTable returns the current Active MemTable for this
// shard, blocking the caller if every slot is Immutable or Flushing.
// It never blocks past a concurrent Seal waking it.
func (s *Shard) GetWritableMemTable() *memtable.MemTable {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		front := s.L0.Front()
		if front != nil && front.Kind == KindMemTable && front.Mem.State() == memtable.StateActive {
			return front.Mem
		}
		if s.L0.MemTableCount() < config.MaxMemTables {
			mt := memtable.New()
			s.L0.PushFront(NewMemTableEntry(mt))
			return mt
		}
		s.activeCond.Wait()
	}
}

// SealActive transitions the shard's current Active MemTable to
// Immutable and, while fewer than config.MaxMemTables MemTables sit at
// the front of L0, installs a fresh Active MemTable there. It
// wakes any writer blocked in GetWritableMemTable.
func (s *Shard) SealActive() *memtable.MemTable {
	s.mu.Lock()
	defer s.mu.Unlock()
	front := s.L0.Front()
	if front == nil || front.Kind != KindMemTable {
		return nil
	}
	sealed := front.Mem
	sealed.Seal()
	if s.L0.MemTableCount() < config.MaxMemTables {
		s.L0.PushFront(NewMemTableEntry(memtable.New()))
	}
	s.activeCond.Broadcast()
	return sealed
}

// MaybeSeal seals the Active MemTable if it has reached capacity,
// returning the sealed table (or nil if no seal was needed). Clients
// call this after a Put that may have crossed the threshold.
func (s *Shard) MaybeSeal(mt *memtable.MemTable) *memtable.MemTable {
	if mt.BytesUsed() < config.MemTableCapacity {
		return nil
	}
	s.mu.Lock()
	front := s.L0.Front()
	alreadySealed := front == nil || front.Kind != KindMemTable || front.Mem != mt
	s.mu.Unlock()
	if alreadySealed {
		return nil
	}
	return s.SealActive()
}

// DB is the top-level handle: every shard's arenas, table lists, and
// the shared Pool Registry. It does not itself implement Put/Get —
// that is the Client's job (client package) — but it is the
// handle a Client is built against.
type DB struct {
	Registry      *pmem.Registry
	PrimaryRegion int
	Compare       skiplist.CompareFunc

	shards [config.NumShards]*Shard
}

// Open creates a fresh DB, registering one pmem.Pool per (region,
// shard) pair under baseDir/pool-<region>-<shard>.pm, each sized
// poolBytes. manifestPath may be empty to disable the reopen manifest.
func Open(ctx context.Context, baseDir string, poolBytes int64, manifestPath string, primaryRegion int, compare skiplist.CompareFunc) (*DB, error) {
	registry, err := pmem.NewRegistry(manifestPath)
	if err != nil {
		return nil, err
	}
	db := &DB{Registry: registry, PrimaryRegion: primaryRegion, Compare: compare}

	for shardIdx := 0; shardIdx < config.NumShards; shardIdx++ {
		shard := newShard(shardIdx)
		for region := 0; region < config.NumRegions; region++ {
			id := poolID(region, shardIdx)
			path := fmt.Sprintf("%s/pool-%d-%d.pm", baseDir, region, shardIdx)
			pool, err := registry.RegisterFile(ctx, id, path, poolBytes)
			if err != nil {
				return nil, errors.Wrapf(err, "engine: register pool for region %d shard %d", region, shardIdx)
			}
			shard.arenas[region] = pmem.NewLog(pool)
		}
		db.shards[shardIdx] = shard
		mt := memtable.New()
		shard.L0.PushFront(NewMemTableEntry(mt))
	}
	vlog.Infof("engine: opened db at %s: %d shards x %d regions", baseDir, config.NumShards, config.NumRegions)
	return db, nil
}

// Shard returns shard index's Shard handle.
func (db *DB) Shard(index int) *Shard { return db.shards[index] }

// Close releases the registry's mapped pools.
func (db *DB) Close() error { return db.Registry.Close() }
