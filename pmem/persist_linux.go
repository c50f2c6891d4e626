//go:build linux

package pmem

import "golang.org/x/sys/unix"

// msync flushes an mmap'd range to its backing file, the real
// substitute for CLWB+SFENCE available on hardware without a PM
// intrinsic. unix.MS_SYNC blocks until the flush completes, so a
// Persist call's durability guarantee holds by the time it returns.
func msync(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Msync(b, unix.MS_SYNC)
}
