package engine

import "github.com/plistdb/plistdb/memtable"

// FlushTarget is the core's contract with the external MemTable flush
// worker. The worker claims a sealed MemTable, writes its contents
// into a fresh PmemTable, and publishes that PmemTable at the front
// of L0 before retiring the MemTable it replaced.
type FlushTarget interface {
	// AcquireImmutable returns shard's oldest Immutable MemTable not
	// already claimed by a flush, or nil if none is waiting.
	AcquireImmutable(shard int) *memtable.MemTable
	// PublishL0 pushes pt to the front of shard's L0 Table List.
	PublishL0(shard int, pt *PmemTable)
	// RetireMemTable unlinks mt from shard's L0 Table List once every
	// record it held has been durably installed into an L0 PmemTable.
	RetireMemTable(shard int, mt *memtable.MemTable) bool
}

// CompactionTarget is the core's contract with the external L0→L1
// compactor.
type CompactionTarget interface {
	// SnapshotL0 returns shard's current PmemTable chain (MemTables
	// excluded; a compactor only merges already-flushed tables).
	SnapshotL0(shard int) []*PmemTable
	// ReplaceL1 atomically installs newL1 as shard's entire L1 chain.
	ReplaceL1(shard int, newL1 *PmemTable)
	// RetireL0 unlinks pt from shard's L0 Table List once it has been
	// folded into the new L1 table.
	RetireL0(shard int, pt *PmemTable) bool
}

// AcquireImmutable implements FlushTarget.
func (db *DB) AcquireImmutable(shardIdx int) *memtable.MemTable {
	shard := db.shards[shardIdx]
	var oldest *memtable.MemTable
	// Snapshot is newest-first, so the last Immutable entry seen is the oldest.
	for _, t := range shard.L0.Snapshot() {
		if t.Kind == KindMemTable && t.Mem.State() == memtable.StateImmutable {
			oldest = t.Mem
		}
	}
	if oldest != nil {
		oldest.MarkFlushing()
	}
	return oldest
}

// PublishL0 implements FlushTarget.
func (db *DB) PublishL0(shardIdx int, pt *PmemTable) {
	db.shards[shardIdx].L0.PushFront(NewPmemTableEntry(pt))
}

// RetireMemTable implements FlushTarget.
func (db *DB) RetireMemTable(shardIdx int, mt *memtable.MemTable) bool {
	shard := db.shards[shardIdx]
	for _, t := range shard.L0.Snapshot() {
		if t.Kind == KindMemTable && t.Mem == mt {
			mt.MarkFlushed()
			return shard.L0.Retire(t)
		}
	}
	return false
}

// SnapshotL0 implements CompactionTarget.
func (db *DB) SnapshotL0(shardIdx int) []*PmemTable {
	var out []*PmemTable
	for _, t := range db.shards[shardIdx].L0.Snapshot() {
		if t.Kind == KindPmemTable {
			out = append(out, t.Pmem)
		}
	}
	return out
}

// ReplaceL1 implements CompactionTarget.
func (db *DB) ReplaceL1(shardIdx int, newL1 *PmemTable) {
	db.shards[shardIdx].L1.ReplaceL1(NewPmemTableEntry(newL1))
}

// RetireL0 implements CompactionTarget.
func (db *DB) RetireL0(shardIdx int, pt *PmemTable) bool {
	shard := db.shards[shardIdx]
	for _, t := range shard.L0.Snapshot() {
		if t.Kind == KindPmemTable && t.Pmem == pt {
			return shard.L0.Retire(t)
		}
	}
	return false
}

var _ FlushTarget = (*DB)(nil)
var _ CompactionTarget = (*DB)(nil)
