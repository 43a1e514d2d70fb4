package testutils

import (
	"errors"
	"runtime"
	"syscall"
	"testing"
)

// SkipIfUnsupported skips the test when err says userfaultfd cannot be used in this environment.
func SkipIfUnsupported(t *testing.T, err error) {
	t.Helper()

	for _, errno := range []syscall.Errno{syscall.EPERM, syscall.EACCES, syscall.ENOSYS, syscall.EINVAL} {
		if errors.Is(err, errno) {
			t.Skipf("userfaultfd is not available: %v", err)
		}
	}
}

// EnsureParallelism raises GOMAXPROCS for the test so a thread blocked on a fault leaves a
// processor for the handler.
func EnsureParallelism(t *testing.T) {
	t.Helper()

	if procs := runtime.GOMAXPROCS(0); procs < 2 {
		runtime.GOMAXPROCS(2)
		t.Cleanup(func() {
			runtime.GOMAXPROCS(procs)
		})
	}
}
