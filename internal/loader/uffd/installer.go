package uffd

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/e2b-dev/lazyload/internal/loader/populate"
)

// Installer resolves a pending missing fault by copying a whole page into the registered range.
// The faulting thread stays blocked until the final protection is applied.
type Installer struct {
	fd       Fd
	pageSize uintptr

	// buf is reused for every page, installs are serialized by the serve loop.
	buf       []byte
	installed *pageSet
	eagain    *eagainCounter
}

var _ populate.Installer = (*Installer)(nil)

func (i *Installer) Install(pageAddr uintptr, data []byte, prot int) error {
	if uintptr(len(data)) > i.pageSize {
		return &populate.OpError{Op: "copy", Addr: pageAddr, Err: fmt.Errorf("%d bytes do not fit a page of %d", len(data), i.pageSize)}
	}

	n := copy(i.buf, data)
	clear(i.buf[n:])

	for {
		err := i.fd.copy(pageAddr, i.pageSize, i.buf, UFFDIO_COPY_MODE_DONTWAKE)
		if errors.Is(err, unix.EAGAIN) {
			// The address space is changing, the copy has to be retried.
			i.eagain.Increase()

			continue
		}

		if err != nil {
			return &populate.OpError{Op: "copy", Addr: pageAddr, Err: err}
		}

		break
	}

	runtime.KeepAlive(i.buf)
	i.eagain.Flush()

	page := unsafe.Slice((*byte)(unsafe.Pointer(pageAddr)), i.pageSize) //nolint:govet // address outside of the Go heap
	if err := unix.Mprotect(page, prot); err != nil {
		return &populate.OpError{Op: "mprotect", Addr: pageAddr, Err: err}
	}

	i.installed.Add(pageAddr)

	if err := i.fd.wake(pageAddr, i.pageSize); err != nil {
		return &populate.OpError{Op: "wake", Addr: pageAddr, Err: err}
	}

	return nil
}
