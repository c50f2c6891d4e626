// Package memtable implements the volatile MemTable: an in-memory
// lock-free skip list plus its Active/Immutable/Flushing/Flushed
// lifecycle. The per-shard Table List that chains MemTables
// newest-first lives in package engine.
package memtable

import (
	"sync/atomic"

	"github.com/plistdb/plistdb/internal/config"
	"github.com/plistdb/plistdb/pmem"
)

// MemNode is the volatile counterpart of skiplist.Node. Its header
// layout mirrors the on-PM node (KeyBytes/Tag/Value) so the same key
// comparison and tag packing helpers apply to both, but its forward
// links are real Go pointers: a raw PPtr-only link would be invisible
// to the garbage collector, so MemNode next[] uses atomic.Pointer[MemNode]
// instead of the flexible-array-member trick skiplist.Node uses for PM
// storage (see DESIGN.md's memtable section).
type MemNode struct {
	KeyBytes [config.FixedKeyLen]byte
	Tag      uint64 // seq:56 | op:4 | height:4, same packing as skiplist.MakeTag
	Value    pmem.PPtr
	next     []atomic.Pointer[MemNode]
}

// NewMemNode allocates a height-tall volatile node.
func NewMemNode(keyBytes [config.FixedKeyLen]byte, tag uint64, value pmem.PPtr, height int) *MemNode {
	return &MemNode{
		KeyBytes: keyBytes,
		Tag:      tag,
		Value:    value,
		next:     make([]atomic.Pointer[MemNode], height),
	}
}

// Height returns the node's outgoing link count.
func (n *MemNode) Height() int { return len(n.next) }

// Op returns the node's op nibble.
func (n *MemNode) Op() uint8 { return uint8((n.Tag >> 4) & 0xf) }

// Next reads the i'th forward link.
func (n *MemNode) Next(i int) *MemNode { return n.next[i].Load() }

// SetNextRaw unconditionally stores the i'th forward link; used only
// while building a node not yet reachable from the skip list.
func (n *MemNode) SetNextRaw(i int, v *MemNode) { n.next[i].Store(v) }

// CASNext compares-and-swaps the i'th forward link.
func (n *MemNode) CASNext(i int, old, new *MemNode) bool {
	return n.next[i].CompareAndSwap(old, new)
}
