// Package engine wires the Pool Registry, PM arenas, MemTables, and
// braided PM skip lists into the per-shard Table List hierarchy and
// exposes the external collaborator contracts that a flush worker and
// an L0→L1 compactor need.
package engine

import (
	"sync/atomic"

	"github.com/plistdb/plistdb/memtable"
	"github.com/plistdb/plistdb/pmem"
	"github.com/plistdb/plistdb/skiplist"
)

// TableKind discriminates a Table List entry: a tagged variant with
// explicit handler paths per Kind, rather than a Table interface with
// two implementations and polymorphic dispatch.
type TableKind int

const (
	KindMemTable TableKind = iota
	KindPmemTable
)

// PmemTable wraps one braided skip list instance together with the
// per-region head PPtrs a reopened process needs to re-attach to it.
type PmemTable struct {
	List *skiplist.List
}

// NewPmemTable builds a fresh, empty PmemTable bound to arenas (one
// per region) and initializes its head nodes.
func NewPmemTable(registry *pmem.Registry, primaryRegion int, compare skiplist.CompareFunc, arenas map[int]*pmem.Log) (*PmemTable, error) {
	list := skiplist.New(registry, primaryRegion, compare)
	for region, arena := range arenas {
		list.BindArena(region, arena)
	}
	if err := list.Init(); err != nil {
		return nil, err
	}
	return &PmemTable{List: list}, nil
}

// Table is one Table List entry: either a volatile MemTable or a
// persistent PmemTable, chained newest-first.
type Table struct {
	Kind TableKind
	Mem  *memtable.MemTable
	Pmem *PmemTable

	next atomic.Pointer[Table]
}

// NewMemTableEntry wraps mt as a Table List entry.
func NewMemTableEntry(mt *memtable.MemTable) *Table {
	return &Table{Kind: KindMemTable, Mem: mt}
}

// NewPmemTableEntry wraps pt as a Table List entry.
func NewPmemTableEntry(pt *PmemTable) *Table {
	return &Table{Kind: KindPmemTable, Pmem: pt}
}

// Next returns the next-older Table in its list.
func (t *Table) Next() *Table { return t.next.Load() }

// TableList is the singly linked, newest-first chain for one (level,
// shard) pair. Both L0 (MemTables followed by PmemTables)
// and L1 (PmemTables only) use this same structure; the invariant on
// which Kinds may appear where is enforced by callers (engine.Shard),
// not by TableList itself.
type TableList struct {
	front atomic.Pointer[Table]
}

// NewTableList returns an empty Table List.
func NewTableList() *TableList { return &TableList{} }

// Front returns the newest table, or nil.
func (l *TableList) Front() *Table { return l.front.Load() }

// PushFront links t in as the newest table.
func (l *TableList) PushFront(t *Table) {
	for {
		old := l.front.Load()
		t.next.Store(old)
		if l.front.CompareAndSwap(old, t) {
			return
		}
	}
}

// Retire unlinks t, the epoch-reclamation hand-off point. This
// implementation relies on Go's garbage collector as the reclaimer:
// once Retire unlinks t, it becomes unreachable from the list and is
// collected after the last holder of a direct reference drops it,
// rather than after a fixed grace period.
func (l *TableList) Retire(t *Table) bool {
	front := l.front.Load()
	if front == nil {
		return false
	}
	if front == t {
		return l.front.CompareAndSwap(front, t.Next())
	}
	pred := front
	for {
		curr := pred.next.Load()
		if curr == nil {
			return false
		}
		if curr == t {
			pred.next.Store(curr.Next())
			return true
		}
		pred = curr
	}
}

// ReplaceL1 atomically swaps the entire L1 chain for newL1, used by
// the compactor publishing a freshly merged L1 PmemTable.
func (l *TableList) ReplaceL1(newL1 *Table) {
	l.front.Store(newL1)
}

// Snapshot returns the chain as a slice, newest first.
func (l *TableList) Snapshot() []*Table {
	var out []*Table
	for t := l.Front(); t != nil; t = t.Next() {
		out = append(out, t)
	}
	return out
}

// MemTableCount reports how many MemTable entries are at the front of
// the list before the first PmemTable — the count the backpressure
// check in GetWritableMemTable compares against config.MaxMemTables.
func (l *TableList) MemTableCount() int {
	n := 0
	for t := l.Front(); t != nil && t.Kind == KindMemTable; t = t.Next() {
		n++
	}
	return n
}
