package memtable

import (
	"math/rand"
	"sync/atomic"

	"github.com/plistdb/plistdb/internal/config"
)

// State is a MemTable's position in its Active -> Immutable ->
// Flushing -> Flushed lifecycle.
type State int32

const (
	StateActive State = iota
	StateImmutable
	StateFlushing
	StateFlushed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateImmutable:
		return "immutable"
	case StateFlushing:
		return "flushing"
	case StateFlushed:
		return "flushed"
	default:
		return "unknown"
	}
}

// MemTable is one volatile skip list plus the bookkeeping a Table List
// needs to seal and retire it safely under concurrent writers.
type MemTable struct {
	head      *MemNode
	bytesUsed atomic.Int64
	writeRefs atomic.Int32
	state     atomic.Int32

	next atomic.Pointer[MemTable] // read by Next; engine.TableList does not use it
}

// New returns an empty Active MemTable.
func New() *MemTable {
	t := &MemTable{
		head: NewMemNode([config.FixedKeyLen]byte{}, 0, 0, config.MaxHeight),
	}
	t.state.Store(int32(StateActive))
	return t
}

// State reports the MemTable's current lifecycle state.
func (t *MemTable) State() State { return State(t.state.Load()) }

// BytesUsed reports the approximate number of bytes this MemTable's
// records occupy, the threshold the engine compares against
// config.MemTableCapacity to decide when to seal it.
func (t *MemTable) BytesUsed() int64 { return t.bytesUsed.Load() }

// AcquireWrite registers an in-flight writer, refusing if the table is
// no longer Active.
func (t *MemTable) AcquireWrite() bool {
	if t.State() != StateActive {
		return false
	}
	t.writeRefs.Add(1)
	if t.State() != StateActive {
		// Sealed between the state check and the increment; back out.
		t.writeRefs.Add(-1)
		return false
	}
	return true
}

// ReleaseWrite unregisters an in-flight writer.
func (t *MemTable) ReleaseWrite() { t.writeRefs.Add(-1) }

// Seal transitions Active -> Immutable, then spin-waits for any writer
// that had already acquired a ref to finish.
func (t *MemTable) Seal() {
	t.state.Store(int32(StateImmutable))
	for t.writeRefs.Load() != 0 {
		// Bounded spin: writers hold their ref only for the duration of a
		// single Insert call, never across a blocking operation.
	}
}

// MarkFlushing transitions Immutable -> Flushing.
func (t *MemTable) MarkFlushing() { t.state.Store(int32(StateFlushing)) }

// MarkFlushed transitions Flushing -> Flushed.
func (t *MemTable) MarkFlushed() { t.state.Store(int32(StateFlushed)) }

// Next returns the MemTable held in t's own next link. Nothing in this
// module sets that link (engine.TableList chains its own Table
// entries), so Next returns nil.
func (t *MemTable) Next() *MemTable { return t.next.Load() }

// Head returns the MemTable's sentinel node. A flush worker walks
// Head().Next(0) to visit every record in key order when copying a
// sealed MemTable into a PmemTable.
func (t *MemTable) Head() *MemNode { return t.head }

// RandomHeight draws a skip-list height from the geometric
// distribution with parameter config.Branching. The first promotion
// (height 1 -> 2) alone is scaled by config.NumRegions, so that,
// averaged across regions, each region's upper layers see the same
// expected node density as a non-braided single-region list would;
// every promotion after that uses the plain config.Branching odds.
func RandomHeight(rng *rand.Rand) int {
	height := 1
	firstBranching := config.Branching / config.NumRegions
	if firstBranching < 1 {
		firstBranching = 1
	}
	if rng.Intn(firstBranching) == 0 {
		height++
		for height < config.MaxHeight && rng.Intn(config.Branching) == 0 {
			height++
		}
	}
	return height
}

// Insert links node into the skip list, returning false if a node with
// an equal key is already present (MemTable keys are unique within one
// table; a caller overwriting a key that is already present repoints
// the existing node's Value at its newer record instead).
func (t *MemTable) Insert(node *MemNode, compare func(a, b [config.FixedKeyLen]byte) int, byteCost int) bool {
	height := node.Height()
	preds := make([]*MemNode, config.MaxHeight)
	succs := make([]*MemNode, config.MaxHeight)

	for {
		t.findPosition(node.KeyBytes, compare, preds, succs)
		if succs[0] != nil && compare(succs[0].KeyBytes, node.KeyBytes) == 0 {
			return false
		}

		for i := 0; i < height; i++ {
			node.SetNextRaw(i, succs[i])
		}
		if !preds[0].CASNext(0, succs[0], node) {
			continue
		}
		for i := 1; i < height; i++ {
			for !preds[i].CASNext(i, succs[i], node) {
				t.findPosition(node.KeyBytes, compare, preds, succs)
			}
		}
		break
	}

	t.bytesUsed.Add(int64(byteCost))
	return true
}

func (t *MemTable) findPosition(keyBytes [config.FixedKeyLen]byte, compare func(a, b [config.FixedKeyLen]byte) int, preds, succs []*MemNode) {
	pred := t.head
	for i := config.MaxHeight - 1; i >= 0; i-- {
		curr := pred.Next(i)
		for curr != nil && compare(curr.KeyBytes, keyBytes) < 0 {
			pred = curr
			curr = pred.Next(i)
		}
		preds[i] = pred
		succs[i] = curr
	}
}

// Find returns the node with an exact key match, or nil.
func (t *MemTable) Find(keyBytes [config.FixedKeyLen]byte, compare func(a, b [config.FixedKeyLen]byte) int) *MemNode {
	pred := t.head
	for i := config.MaxHeight - 1; i >= 0; i-- {
		curr := pred.Next(i)
		for curr != nil && compare(curr.KeyBytes, keyBytes) < 0 {
			pred = curr
			curr = pred.Next(i)
		}
		if curr != nil && compare(curr.KeyBytes, keyBytes) == 0 {
			return curr
		}
	}
	return nil
}

// FindLessThan returns the last node strictly less than keyBytes, or
// nil if none exists — the predecessor-hint query the LRU cache serves.
func (t *MemTable) FindLessThan(keyBytes [config.FixedKeyLen]byte, compare func(a, b [config.FixedKeyLen]byte) int) *MemNode {
	pred := t.head
	var last *MemNode
	for i := config.MaxHeight - 1; i >= 0; i-- {
		curr := pred.Next(i)
		for curr != nil && compare(curr.KeyBytes, keyBytes) < 0 {
			pred = curr
			last = curr
			curr = pred.Next(i)
		}
	}
	return last
}
