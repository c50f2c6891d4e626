package skiplist

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/plistdb/plistdb/internal/config"
	"github.com/plistdb/plistdb/pmem"
)

// CompareFunc orders two encoded keys, mirroring the functional
// comparator style of the zerocopyskiplist reference implementation
// (cmpKey func(K, K) int) rather than requiring Node to carry a boxed
// Key interface — Node stays a flat, arena-castable struct.
type CompareFunc func(a, b [config.FixedKeyLen]byte) int

// List is one braided persistent skip list: logically a single skip
// list, but whose upper-layer traversal topology is region-local while
// its level-0 chain is global.
type List struct {
	primaryRegion int
	registry      *pmem.Registry
	compare       CompareFunc

	mu    sync.Mutex // guards arenas/heads during BindArena/Init (setup only; not on the hot path)
	arena map[int]*pmem.Log
	head  map[int]*Node
	hPtr  map[int]pmem.PPtr

	// poolRegion maps a bound arena's pool id back to its region. A
	// PPtr's pool id is whatever id the Pool Registry assigned that
	// arena (region*NumShards+shard+1 in the engine's wiring, not bare
	// region), so Insert cannot treat PoolID() as a region index
	// directly; it must look it up here instead.
	poolRegion map[int16]int
}

// New constructs a List rooted at primaryRegion.
func New(registry *pmem.Registry, primaryRegion int, compare CompareFunc) *List {
	return &List{
		primaryRegion: primaryRegion,
		registry:      registry,
		compare:       compare,
		arena:         map[int]*pmem.Log{},
		head:          map[int]*Node{},
		hPtr:          map[int]pmem.PPtr{},
		poolRegion:    map[int16]int{},
	}
}

// BindArena associates a region with the arena its per-region head and
// inserted nodes live in.
func (l *List) BindArena(region int, arena *pmem.Log) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.arena[region] = arena
	l.poolRegion[arena.Pool().ID()] = region
}

// Init allocates a head node (tag.height == MaxHeight) in each bound
// region's arena.
func (l *List) Init() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for region, arena := range l.arena {
		ptr, node, err := Alloc(arena, config.MaxHeight)
		if err != nil {
			return errors.Wrapf(err, "skiplist: allocate head for region %d", region)
		}
		node.KeyBytes = [config.FixedKeyLen]byte{}
		node.Tag = MakeTag(0, OpAnchor, config.MaxHeight)
		node.Value = 0
		for i := 0; i < config.MaxHeight; i++ {
			node.SetNextRaw(i, 0)
		}
		if err := arena.Persist(ptr, AllocSize(config.MaxHeight)); err != nil {
			return errors.Wrapf(err, "skiplist: persist head for region %d", region)
		}
		l.head[region] = node
		l.hPtr[region] = ptr
	}
	return nil
}

// Head returns the head node for region.
func (l *List) Head(region int) *Node { return l.head[region] }

// AdoptHead attaches an already-existing, already-linked head node
// (found at a known PPtr, typically an anchor record a recovery scan located)
// instead of allocating a fresh one. Used by recovery: the head's
// next[] links were already persisted before the crash, so nothing
// about the structure needs rebuilding, only re-attaching.
func (l *List) AdoptHead(region int, ptr pmem.PPtr) error {
	node := l.resolve(ptr)
	if node == nil {
		return errors.Errorf("skiplist: adopt head: %x does not resolve", uint64(ptr))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head[region] = node
	l.hPtr[region] = ptr
	return nil
}

// HeadPPtr returns the PPtr of region's head node.
func (l *List) HeadPPtr(region int) pmem.PPtr { return l.hPtr[region] }

func (l *List) resolve(p pmem.PPtr) *Node {
	if p.IsNull() {
		return nil
	}
	return (*Node)(pmem.Resolve(l.registry, p))
}

// Insert links a fully-populated node (its key/tag/value already set,
// its next[] not yet meaningful) into the list.
func (l *List) Insert(nodePaddr pmem.PPtr) error {
	region, ok := l.poolRegion[nodePaddr.PoolID()]
	if !ok {
		return errors.Errorf("skiplist: insert: node %x belongs to an unbound pool %d", uint64(nodePaddr), nodePaddr.PoolID())
	}
	node := l.resolve(nodePaddr)
	if node == nil {
		return errors.Errorf("skiplist: insert: node %x does not resolve", uint64(nodePaddr))
	}
	height := node.Height()

	var preds [config.MaxHeight]*Node
	var succs [config.MaxHeight]pmem.PPtr

	for {
		preds[config.MaxHeight-1] = l.head[region]
		l.findPosition(region, node.KeyBytes, preds[:], succs[:])

		for i := 0; i < height; i++ {
			node.SetNextRaw(i, succs[i])
		}

		if !preds[0].CASNext(0, succs[0], nodePaddr) {
			continue // TransientCASFailure: someone else linked at level 0 first; restart.
		}

		for i := 1; i < height; i++ {
			for !preds[i].CASNext(i, succs[i], nodePaddr) {
				preds[config.MaxHeight-1] = l.head[region]
				l.findPosition(region, node.KeyBytes, preds[:], succs[:])
				// Retry the CAS against the freshly found predecessor.
				if preds[i].CASNext(i, succs[i], nodePaddr) {
					break
				}
			}
		}
		break
	}

	arena := l.arena[region]
	if arena != nil {
		if err := arena.Persist(nodePaddr, AllocSize(height)); err != nil {
			return err
		}
	}
	return nil
}

// findPosition locates, for each level, the predecessor/successor pair
// a node with key keyBytes would be inserted between. preds[MaxHeight-1]
// must be set by the caller to the traversal's starting head.
func (l *List) findPosition(region int, keyBytes [config.FixedKeyLen]byte, preds []*Node, succs []pmem.PPtr) {
	pred := preds[config.MaxHeight-1]
	height := pred.Height()

	for i := height - 1; i >= 1; i-- {
		succ := pred.Next(i)
		curr := l.resolve(succ)
		for curr != nil && l.compare(curr.KeyBytes, keyBytes) < 0 {
			pred = curr
			succ = pred.Next(i)
			curr = l.resolve(succ)
		}
		preds[i] = pred
		succs[i] = succ
	}

	// Braided bottom layer: a region-local descent that never left its
	// own head falls through to the primary region's head, since only
	// head[primary] anchors the globally-shared level-0 chain.
	if pred == l.head[region] {
		pred = l.head[l.primaryRegion]
	}
	succ := pred.Next(0)
	curr := l.resolve(succ)
	for curr != nil && l.compare(curr.KeyBytes, keyBytes) < 0 {
		pred = curr
		succ = pred.Next(0)
		curr = l.resolve(succ)
	}
	preds[0] = pred
	succs[0] = succ
}

// Lookup returns the tagged successor pointer a region-r search for
// key settles on; the caller compares its key against the target to
// decide between a hit, a miss, and a tombstone.
func (l *List) Lookup(keyBytes [config.FixedKeyLen]byte, region int) pmem.PPtr {
	return l.lookupFrom(l.head[region], region, keyBytes)
}

// LookupFromHint behaves like Lookup but starts the descent at the
// node hintPtr resolves to instead of region's head — the L1 LRU-hint
// fast path. Any predecessor in the
// total order is a legal starting point, so a miss (hintPtr.IsNull())
// or a hint whose key is not strictly less than keyBytes just falls
// back to a full Lookup.
func (l *List) LookupFromHint(hintPtr pmem.PPtr, region int, keyBytes [config.FixedKeyLen]byte) pmem.PPtr {
	hint := l.resolve(hintPtr)
	if hint == nil || l.compare(hint.KeyBytes, keyBytes) >= 0 {
		return l.Lookup(keyBytes, region)
	}
	return l.lookupFrom(hint, region, keyBytes)
}

func (l *List) lookupFrom(pred *Node, region int, keyBytes [config.FixedKeyLen]byte) pmem.PPtr {
	height := pred.Height()

	for i := height - 1; i >= 1; i-- {
		succ := pred.Next(i)
		curr := l.resolve(succ)
		for curr != nil && l.compare(curr.KeyBytes, keyBytes) < 0 {
			pred = curr
			succ = pred.Next(i)
			curr = l.resolve(succ)
		}
	}

	if pred == l.head[region] {
		pred = l.head[l.primaryRegion]
	}
	succ := pred.Next(0)
	curr := l.resolve(succ)
	for curr != nil && l.compare(curr.KeyBytes, keyBytes) < 0 {
		pred = curr
		succ = pred.Next(0)
		curr = l.resolve(succ)
	}
	return succ
}

// Resolve exposes pmem.Resolve for callers (e.g. client.Client) that
// need to dereference a PPtr this List returned.
func (l *List) Resolve(p pmem.PPtr) *Node {
	return l.resolve(p)
}

// LookupChecked behaves like Lookup, but at every visited node samples
// (per period 1/periodFactor) whether that node carries the
// early-skip "promoted beyond this table" marker. Op()==OpShortcut is reused as that marker, since
// Tag's 64 bits leave no room for a separate level field once
// seq:56|op:4|height:4 are packed. When the sampler
// fires on a promoted node, the search aborts so the caller can retry
// against the next table in its table list; this is a tuning fast
// path, never a correctness requirement.
func (l *List) LookupChecked(keyBytes [config.FixedKeyLen]byte, region int, sample func() bool) (found pmem.PPtr, aborted bool) {
	pred := l.head[region]
	height := pred.Height()

	for i := height - 1; i >= 1; i-- {
		succ := pred.Next(i)
		curr := l.resolve(succ)
		for curr != nil {
			if sample() && curr.Op() == OpShortcut {
				return 0, true
			}
			if l.compare(curr.KeyBytes, keyBytes) >= 0 {
				break
			}
			pred = curr
			succ = pred.Next(i)
			curr = l.resolve(succ)
		}
	}

	if pred == l.head[region] {
		pred = l.head[l.primaryRegion]
	}
	succ := pred.Next(0)
	curr := l.resolve(succ)
	for curr != nil {
		if sample() && curr.Op() == OpShortcut {
			return 0, true
		}
		if l.compare(curr.KeyBytes, keyBytes) >= 0 {
			break
		}
		pred = curr
		succ = pred.Next(0)
		curr = l.resolve(succ)
	}
	return succ, false
}
