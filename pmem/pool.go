// Package pmem implements the Pool Registry, the Tagged Pointer
// (PPtr), and the PM Log/Arena — the three leaf components the
// braided skip list is built on. On hardware without real
// byte-addressable persistent memory, a pool is emulated the way
// PM-emulation libraries commonly do it: a regular file, mmap'd, with
// msync standing in for the platform's cache-line writeback.
package pmem

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"v.io/x/lib/vlog"
)

// Pool is one region of byte-addressable (emulated) persistent memory,
// registered under a small integer pool id.
type Pool struct {
	id   int16
	path string
	data []byte // mmap'd region; data[0] is offset 0
	fd   *os.File
}

// ID returns the pool's registered id.
func (p *Pool) ID() int16 { return p.id }

// Base returns the virtual address (as a Go pointer) of offset 0 in
// the pool's mapped region.
func (p *Pool) Base() unsafe.Pointer {
	if len(p.data) == 0 {
		return nil
	}
	return unsafe.Pointer(&p.data[0])
}

// Bytes exposes the raw mapped region, e.g. for an arena bump
// allocator to hand out sub-slices.
func (p *Pool) Bytes() []byte { return p.data }

// Size returns the pool's mapped size in bytes.
func (p *Pool) Size() int64 { return int64(len(p.data)) }

// Registry is the process-wide, append-only mapping from pool id to
// base virtual address. Lookups (Resolve, Pool) are lock-free after a
// pool has been registered; RegisterFile itself is serialized by mu — no
// pool is ever evicted once registered.
type Registry struct {
	mu      sync.Mutex
	table    atomic.Pointer[map[int16]*Pool]
	manifest manifestFile
}

// NewRegistry returns an empty, ready-to-use Registry. If manifestPath
// is non-empty, every RegisterFile call also appends a checksummed
// record there (see ReadManifest); an empty path disables the manifest
// entirely, which is fine for tests that never reopen a pool.
func NewRegistry(manifestPath string) (*Registry, error) {
	r := &Registry{}
	empty := map[int16]*Pool{}
	r.table.Store(&empty)
	if manifestPath != "" {
		if err := r.manifest.Open(manifestPath); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// RegisterFile opens (creating if necessary) a regular file at path,
// maps sizeBytes of it, and registers it under poolID. It is the PM
// emulation analogue of a real pool-manager's "open this PM device and
// give me its base VA" step.
func (r *Registry) RegisterFile(ctx context.Context, poolID int16, path string, sizeBytes int64) (*Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p := r.base(poolID); p != nil {
		return nil, errors.Errorf("pmem: pool %d already registered", poolID)
	}

	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "pmem: open %s", path)
	}
	if err := fd.Truncate(sizeBytes); err != nil {
		fd.Close() // nolint: errcheck
		return nil, errors.Wrapf(err, "pmem: truncate %s to %d", path, sizeBytes)
	}
	data, err := unix.Mmap(int(fd.Fd()), 0, int(sizeBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		fd.Close() // nolint: errcheck
		return nil, errors.Wrapf(err, "pmem: mmap %s", path)
	}

	pool := &Pool{id: poolID, path: path, data: data, fd: fd}

	old := *r.table.Load()
	next := make(map[int16]*Pool, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[poolID] = pool
	r.table.Store(&next)

	if err := r.manifest.append(ctx, poolID, path, sizeBytes); err != nil {
		vlog.Errorf("pmem: manifest append for pool %d: %v (registration still succeeds in-memory)", poolID, err)
	}
	vlog.VI(1).Infof("pmem: registered pool %d -> %s (%d bytes)", poolID, path, sizeBytes)
	return pool, nil
}

// base is the lock-free, post-initialization read path. It returns nil
// for an unregistered pool; callers map that to resolve()'s nullptr
// contract rather than treating it as always-fatal (debug builds of
// resolve() escalate; base() itself never panics).
func (r *Registry) base(poolID int16) *Pool {
	m := *r.table.Load()
	return m[poolID]
}

// Pool returns the registered Pool for poolID, or nil.
func (r *Registry) Pool(poolID int16) *Pool {
	return r.base(poolID)
}

// Resolve decodes a PPtr into a live virtual address. It returns nil
// for the null PPtr. For a non-zero PPtr whose pool is unknown it
// returns nil in "release" mode and panics in Strict mode — the
// PoolNotRegistered policy, shared with affinity.Strict.
var Strict = false

func Resolve(r *Registry, p PPtr) unsafe.Pointer {
	if p.IsNull() {
		return nil
	}
	poolID, offset := p.Decode()
	pool := r.base(poolID)
	if pool == nil {
		if Strict {
			panic(errors.Errorf("pmem: PoolNotRegistered: pool %d", poolID))
		}
		return nil
	}
	if offset > uint64(len(pool.data)) {
		if Strict {
			panic(errors.Errorf("pmem: offset %d out of range for pool %d (%d bytes)", offset, poolID, len(pool.data)))
		}
		return nil
	}
	return unsafe.Pointer(&pool.data[offset])
}

// Close unmaps and closes every registered pool. The core itself has
// no shutdown sequence; Close exists so tests and long-running
// processes don't leak file descriptors and mappings.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := *r.table.Load()
	var firstErr error
	for _, p := range m {
		if err := unix.Munmap(p.data); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := p.fd.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	empty := map[int16]*Pool{}
	r.table.Store(&empty)
	return firstErr
}
