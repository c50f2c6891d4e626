package pmem

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"v.io/x/lib/vlog"
)

// align8 rounds n up to the next multiple of 8: the next allocation
// from the arena lands on an 8-byte boundary, sufficient for every
// scalar and pointer field the core stores.
func align8(n int) int {
	const w = 8
	return ((n + w - 1) / w) * w
}

// Log is a bump allocator over one Pool. One Log exists per (region,
// shard) pair on the fast path, but the tail is CAS-updated so other
// producers (a compactor, for instance) can share it safely.
type Log struct {
	pool *Pool
	tail atomic.Uint64 // next free byte offset within pool.data
}

// NewLog wraps pool in a bump allocator starting at offset 0.
func NewLog(pool *Pool) *Log {
	return &Log{pool: pool}
}

// RestoreTail sets the arena's next-free-byte offset directly, used
// by recovery after a scan has found the true high-water mark of
// valid records on reopen (NewLog otherwise assumes an empty pool).
func (l *Log) RestoreTail(offset uint64) {
	l.tail.Store(offset)
}

// Pool returns the arena's backing pool.
func (l *Log) Pool() *Pool { return l.pool }

// Allocate reserves n bytes (rounded up to an 8-byte boundary) and
// returns a PPtr to the start of the reservation. Multiple goroutines
// may call Allocate concurrently; the tail is advanced with a CAS
// loop so both the shard-affine client log and a compactor can append
// to the same arena without a lock.
func (l *Log) Allocate(n int) (PPtr, error) {
	size := align8(n)
	for {
		old := l.tail.Load()
		next := old + uint64(size)
		if next > uint64(len(l.pool.data)) {
			return 0, New(ErrFull, "arena: pool %d exhausted (want %d bytes at offset %d, capacity %d)",
				l.pool.id, size, old, len(l.pool.data))
		}
		if l.tail.CompareAndSwap(old, next) {
			return Encode(l.pool.id, old), nil
		}
		// TransientCASFailure: another producer raced us; retry.
	}
}

// Bytes returns the raw byte slice backing a prior allocation of n
// bytes at ptr, for populating a node's fields before it is linked in.
func (l *Log) Bytes(ptr PPtr, n int) []byte {
	_, offset := ptr.Decode()
	return l.pool.data[offset : offset+uint64(n)]
}

// Persist flushes the byte range [ptr, ptr+n) so that, after Persist
// returns, a power loss followed by replay observes the entire range
//. On real PM hardware this is CLWB+SFENCE per cache
// line; emulated over an mmap'd file it is msync, the platform
// substitute implemented in persist_linux.go/persist_other.go.
func (l *Log) Persist(ptr PPtr, n int) error {
	_, offset := ptr.Decode()
	if offset+uint64(n) > uint64(len(l.pool.data)) {
		return errors.Errorf("arena: persist range [%d,%d) exceeds pool size %d", offset, offset+uint64(n), len(l.pool.data))
	}
	if err := msync(l.pool.data[offset : offset+uint64(n)]); err != nil {
		vlog.Errorf("arena: msync pool %d range [%d,%d): %v", l.pool.id, offset, offset+uint64(n), err)
		return err
	}
	return nil
}
