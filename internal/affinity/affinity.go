// Package affinity pins the calling OS thread to a CPU core so a
// worker's allocations land on its NUMA-local PM arena. It is the Go
// analogue of listdb/common.h's SetAffinity/GetChip pair, built on
// golang.org/x/sys/unix instead of raw sched_setaffinity/rdtscp asm.
package affinity

import (
	"runtime"

	"golang.org/x/sys/unix"
	"v.io/x/lib/vlog"
)

// Strict, when true, makes Pin panic on failure instead of logging and
// continuing. Debug/test builds should set it; pinning is an
// optimization hint, not a correctness requirement, so release builds
// default to false — the same debug/release split pmem.Strict uses for
// PoolNotRegistered.
var Strict = false

// Pin locks the calling goroutine to its current OS thread and sets
// that thread's CPU affinity to core (wrapped modulo NumCPU).
func Pin(core int) error {
	runtime.LockOSThread()
	n := runtime.NumCPU()
	if n <= 0 {
		n = 1
	}
	core = core % n

	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		if Strict {
			panic(err)
		}
		vlog.Errorf("affinity: SchedSetaffinity(core=%d): %v", core, err)
		return err
	}
	return nil
}

// Unpin releases the calling goroutine's OS-thread lock. Callers that
// called Pin for the lifetime of a worker goroutine typically never
// call Unpin; it exists for tests that pin transiently.
func Unpin() {
	runtime.UnlockOSThread()
}
