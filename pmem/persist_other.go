//go:build !linux

package pmem

import "v.io/x/lib/vlog"

var warnedOnce bool

// msync on non-Linux unix-likes falls back to a no-op plus a one-time
// warning: durability emulation here is best-effort outside Linux, the
// only platform the rest of the pool-registration path (unix.Mmap,
// unix.SchedSetaffinity) is exercised against in this repo's tests.
func msync(b []byte) error {
	if !warnedOnce {
		vlog.Error("pmem: msync is a no-op on this platform; persistence is not emulated")
		warnedOnce = true
	}
	return nil
}
