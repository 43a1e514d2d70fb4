package testutils

import (
	"runtime/debug"
	"testing"
	"unsafe"

	"github.com/tklauser/go-sysconf"
	"golang.org/x/sys/unix"
)

// PageSize is queried the same way the loader records it in Start.
func PageSize() uintptr {
	ps, err := sysconf.Sysconf(sysconf.SC_PAGESIZE)
	if err != nil {
		panic(err)
	}

	return uintptr(ps)
}

// NewReservedRange maps an inaccessible anonymous range that is unmapped when the test ends.
func NewReservedRange(t *testing.T, pages uintptr) uintptr {
	t.Helper()

	size := pages * PageSize()

	ptr, err := unix.MmapPtr(-1, 0, nil, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		t.Fatalf("failed to mmap: %v", err)
	}

	t.Cleanup(func() {
		if err := unix.MunmapPtr(ptr, size); err != nil {
			t.Errorf("failed to munmap: %v", err)
		}
	})

	return uintptr(ptr)
}

// Bytes exposes memory outside of the Go heap.
func Bytes(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size) //nolint:govet // address outside of the Go heap
}

// Faults runs fn and reports whether it raised a memory fault.
func Faults(fn func()) (faulted bool) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))

	defer func() {
		r := recover()
		if r == nil {
			return
		}

		if _, ok := r.(interface{ Addr() uintptr }); ok {
			faulted = true

			return
		}

		panic(r)
	}()

	fn()

	return false
}
