// Package skiplist implements the braided persistent skip list: a single logical skip list shared across NUMA regions, whose
// upper layers are region-local and whose level-0 chain is globally
// shared and anchored at the primary region's head. Node storage lives
// in pmem.Pool-backed arenas; links are pmem.PPtr words mutated with
// CAS, never plain writes.
package skiplist

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/plistdb/plistdb/internal/config"
	"github.com/plistdb/plistdb/pmem"
)

// Op values for Node.Tag's op nibble.
const (
	OpAnchor   uint8 = 0x0
	OpShortcut uint8 = 0x1
	OpValue    uint8 = 0x2
	OpDeletion uint8 = 0x3
)

// Node is the on-PM representation of a braided skip-list entry. Its
// height-many forward pointers trail the fixed header in the same
// arena allocation rather than living in a Go slice field: a node's
// allocation is exactly HeaderSize+(height-1)*8 bytes, a flexible
// array member emulated through unsafe.Add instead of a trailing
// slice field.
type Node struct {
	KeyBytes [config.FixedKeyLen]byte
	Tag      uint64 // seq:56 | op:4 | height:4
	Value    uint64
}

// HeaderSize is sizeof(Node) — the fixed portion of every node allocation.
const HeaderSize = int(unsafe.Sizeof(Node{}))

// AllocSize returns the arena allocation size, in bytes, for a node
// with the given height (height in [1, MaxHeight]).
func AllocSize(height int) int {
	return HeaderSize + (height-1)*8
}

// MakeTag packs seq/op/height into the Tag field's layout.
func MakeTag(seq uint64, op uint8, height int) uint64 {
	return (seq << 8) | (uint64(op&0xf) << 4) | uint64(height&0xf)
}

// Height returns the number of valid outgoing links.
func (n *Node) Height() int { return int(n.Tag & 0xf) }

// Op returns the node's op nibble (Anchor/Shortcut/Value/Deletion).
func (n *Node) Op() uint8 { return uint8((n.Tag >> 4) & 0xf) }

// Seq returns the node's sequence number.
func (n *Node) Seq() uint64 { return n.Tag >> 8 }

// nextWord returns a pointer to the i'th trailing next[] word. Callers
// must ensure i < n.Height(); the arena guarantees that many words
// were allocated.
func (n *Node) nextWord(i int) *uint64 {
	base := unsafe.Add(unsafe.Pointer(n), HeaderSize)
	return (*uint64)(unsafe.Add(base, i*8))
}

// Next reads the i'th forward link.
func (n *Node) Next(i int) pmem.PPtr {
	return pmem.PPtr(atomic.LoadUint64(n.nextWord(i)))
}

// SetNextRaw unconditionally stores the i'th forward link. Used only
// during node construction, before the node is reachable from any
// other node.
func (n *Node) SetNextRaw(i int, v pmem.PPtr) {
	atomic.StoreUint64(n.nextWord(i), uint64(v))
}

// CASNext compares-and-swaps the i'th forward link.
func (n *Node) CASNext(i int, old, new pmem.PPtr) bool {
	return atomic.CompareAndSwapUint64(n.nextWord(i), uint64(old), uint64(new))
}

// Alloc reserves space for a height-tall node in arena and returns its
// PPtr together with a live pointer to its header. The caller is
// responsible for populating KeyBytes/Tag/Value (in the crash-safe
// order CommitRecord uses for redo records — head nodes, which are
// never a redo record, may set fields in any order) and for zeroing
// or populating next[0..height) before the node becomes reachable.
func Alloc(arena *pmem.Log, height int) (pmem.PPtr, *Node, error) {
	ptr, err := arena.Allocate(AllocSize(height))
	if err != nil {
		return 0, nil, err
	}
	buf := arena.Bytes(ptr, AllocSize(height))
	node := (*Node)(unsafe.Pointer(&buf[0]))
	return ptr, node, nil
}

// PlaceAt casts a height-tall node's header onto the front of buf, an
// already-reserved sub-range of a larger arena allocation. It is the
// batched-logging counterpart of Alloc: the client reserves one contiguous extent for several
// records with a single arena.Allocate call, then places each record
// at its own offset within that extent with PlaceAt instead of paying
// for a separate allocation (and a separate persist barrier) per key.
func PlaceAt(buf []byte, height int) *Node {
	return (*Node)(unsafe.Pointer(&buf[0]))
}

// CommitRecord writes a redo record's three scalar fields in
// crash-consistent order: tag and value become visible first, the key
// last, so that a recovery scan observing a non-default key also
// observes a fully-written tag/value pair. Each field is written with
// a sync/atomic store rather than a plain assignment — not because any
// other goroutine reads a not-yet-linked node concurrently, but because
// the Go memory model only promises this store ordering survives
// compiler and CPU reordering when every store in the sequence is
// atomic. KeyBytes is two 8-byte words; the high word (bytes 8:16)
// carries an Int64Key's entire value and is written last, making it
// the true commit marker for that key kind. A BytesKey deployment can
// still tear between the two key words on a crash; see DESIGN.md.
func (n *Node) CommitRecord(keyBytes [config.FixedKeyLen]byte, tag, value uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&n.Tag)), tag)
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&n.Value)), value)
	// Decode with NativeEndian, matching the layout atomic.StoreUint64
	// writes back: BigEndian here would byte-swap each half on
	// little-endian hardware, corrupting every non-palindromic key.
	low := binary.NativeEndian.Uint64(keyBytes[0:8])
	high := binary.NativeEndian.Uint64(keyBytes[8:16])
	lowPtr := (*uint64)(unsafe.Pointer(&n.KeyBytes[0]))
	highPtr := (*uint64)(unsafe.Pointer(&n.KeyBytes[8]))
	atomic.StoreUint64(lowPtr, low)
	atomic.StoreUint64(highPtr, high)
}
