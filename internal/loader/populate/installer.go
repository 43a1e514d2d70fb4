package populate

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Installer places a fresh page at pageAddr. The first len(data) bytes of the page are data,
// the rest reads as zero. The final prot is applied only after the data is in place.
type Installer interface {
	Install(pageAddr uintptr, data []byte, prot int) error
}

// MmapInstaller replaces the page with a private anonymous mapping and copies the data into it.
type MmapInstaller struct {
	pageSize uintptr
}

func NewMmapInstaller(pageSize uintptr) *MmapInstaller {
	return &MmapInstaller{pageSize: pageSize}
}

func (i *MmapInstaller) Install(pageAddr uintptr, data []byte, prot int) error {
	// Anonymous pages are zero filled, only the file part has to be copied.
	ptr, err := unix.MmapPtr(
		-1,
		0,
		unsafe.Pointer(pageAddr), //nolint:govet // address outside of the Go heap
		i.pageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_FIXED|unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
	)
	if err != nil {
		return &OpError{Op: "mmap", Addr: pageAddr, Err: err}
	}

	if uintptr(ptr) != pageAddr {
		return &OpError{Op: "mmap", Addr: pageAddr, Err: fmt.Errorf("mapped at %#x", uintptr(ptr))}
	}

	page := unsafe.Slice((*byte)(ptr), i.pageSize)

	if n := copy(page, data); n != len(data) {
		return &OpError{Op: "copy", Addr: pageAddr, Err: fmt.Errorf("copied %d bytes, expected %d", n, len(data))}
	}

	if err := unix.Mprotect(page, prot); err != nil {
		return &OpError{Op: "mprotect", Addr: pageAddr, Err: err}
	}

	return nil
}
