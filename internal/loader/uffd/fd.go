package uffd

// https://docs.kernel.org/admin-guide/mm/userfaultfd.html
// https://man7.org/linux/man-pages/man2/userfaultfd.2.html
// https://man7.org/linux/man-pages/man2/UFFDIO_COPY.2const.html

/*
#include <sys/syscall.h>
#include <fcntl.h>
#include <linux/userfaultfd.h>
#include <sys/ioctl.h>

#ifndef UFFD_USER_MODE_ONLY
#define UFFD_USER_MODE_ONLY 1
#endif

struct uffd_pagefault {
	__u64	flags;
	__u64	address;
	__u32 ptid;
};
*/
import "C"

import (
	"errors"
	"fmt"
	"syscall"
	"unsafe"
)

const (
	NR_userfaultfd = C.__NR_userfaultfd

	UFFD_API             = C.UFFD_API
	UFFD_EVENT_PAGEFAULT = C.UFFD_EVENT_PAGEFAULT
	UFFD_USER_MODE_ONLY  = C.UFFD_USER_MODE_ONLY

	UFFDIO_REGISTER_MODE_MISSING = C.UFFDIO_REGISTER_MODE_MISSING
	UFFDIO_COPY_MODE_DONTWAKE    = C.UFFDIO_COPY_MODE_DONTWAKE

	UFFDIO_API        = C.UFFDIO_API
	UFFDIO_REGISTER   = C.UFFDIO_REGISTER
	UFFDIO_UNREGISTER = C.UFFDIO_UNREGISTER
	UFFDIO_COPY       = C.UFFDIO_COPY
	UFFDIO_WAKE       = C.UFFDIO_WAKE

	UFFD_PAGEFAULT_FLAG_WRITE = C.UFFD_PAGEFAULT_FLAG_WRITE
)

type (
	CULong = C.ulonglong
	CUChar = C.uchar
	CLong  = C.longlong

	UffdMsg       = C.struct_uffd_msg
	UffdPagefault = C.struct_uffd_pagefault

	UffdioAPI      = C.struct_uffdio_api
	UffdioRegister = C.struct_uffdio_register
	UffdioRange    = C.struct_uffdio_range
	UffdioCopy     = C.struct_uffdio_copy
)

func newUffdioAPI(api, features CULong) UffdioAPI {
	return UffdioAPI{
		api:      api,
		features: features,
	}
}

func newUffdioRange(start, length CULong) UffdioRange {
	return UffdioRange{
		start: start,
		len:   length,
	}
}

func newUffdioRegister(start, length, mode CULong) UffdioRegister {
	return UffdioRegister{
		_range: newUffdioRange(start, length),
		mode:   mode,
	}
}

func newUffdioCopy(b []byte, address CULong, pagesize CULong, mode CULong) UffdioCopy {
	return UffdioCopy{
		src:  CULong(uintptr(unsafe.Pointer(&b[0]))),
		dst:  address,
		len:  pagesize,
		mode: mode,
		copy: 0,
	}
}

func getMsgEvent(msg *UffdMsg) uint8 {
	return uint8(msg.event)
}

func getMsgArg(msg *UffdMsg) [24]byte {
	return msg.arg
}

func getPagefaultAddress(pagefault *UffdPagefault) uintptr {
	return uintptr(pagefault.address)
}

func isWritePageFault(pagefault *UffdPagefault) bool {
	return pagefault.flags&UFFD_PAGEFAULT_FLAG_WRITE != 0
}

// Fd is a helper type that wraps uffd fd.
type Fd uintptr

// newFd opens a userfaultfd. It asks for user mode faults only, which unprivileged processes
// are allowed to handle, and falls back to a full descriptor on kernels without the flag.
func newFd() (Fd, error) {
	flags := uintptr(syscall.O_CLOEXEC | syscall.O_NONBLOCK)

	uffd, _, errno := syscall.Syscall(NR_userfaultfd, flags|UFFD_USER_MODE_ONLY, 0, 0)
	if errors.Is(errno, syscall.EINVAL) {
		uffd, _, errno = syscall.Syscall(NR_userfaultfd, flags, 0, 0)
	}

	if errno != 0 {
		return 0, fmt.Errorf("userfaultfd syscall failed: %w", errno)
	}

	return Fd(uffd), nil
}

func (f Fd) configureApi() error {
	api := newUffdioAPI(UFFD_API, 0)

	ret, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(f), UFFDIO_API, uintptr(unsafe.Pointer(&api)))
	if errno != 0 {
		return fmt.Errorf("UFFDIO_API ioctl failed: %w (ret=%d)", errno, ret)
	}

	return nil
}

func (f Fd) register(addr, size uintptr, mode CULong) error {
	register := newUffdioRegister(CULong(addr), CULong(size), mode)

	ret, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(f), UFFDIO_REGISTER, uintptr(unsafe.Pointer(&register)))
	if errno != 0 {
		return fmt.Errorf("UFFDIO_REGISTER ioctl failed: %w (ret=%d)", errno, ret)
	}

	return nil
}

func (f Fd) unregister(addr, size uintptr) error {
	r := newUffdioRange(CULong(addr), CULong(size))

	ret, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(f), UFFDIO_UNREGISTER, uintptr(unsafe.Pointer(&r)))
	if errno != 0 {
		return fmt.Errorf("UFFDIO_UNREGISTER ioctl failed: %w (ret=%d)", errno, ret)
	}

	return nil
}

// copy installs a full page at addr. With UFFDIO_COPY_MODE_DONTWAKE the faulting thread keeps
// waiting until wake is called.
func (f Fd) copy(addr, pagesize uintptr, data []byte, mode CULong) error {
	cpy := newUffdioCopy(data, CULong(addr)&^CULong(pagesize-1), CULong(pagesize), mode)

	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(f), UFFDIO_COPY, uintptr(unsafe.Pointer(&cpy))); errno != 0 {
		return errno
	}

	// Check if the copied size matches the requested pagesize
	if cpy.copy != CLong(pagesize) {
		return fmt.Errorf("UFFDIO_COPY copied %d bytes, expected %d", cpy.copy, pagesize)
	}

	return nil
}

func (f Fd) wake(addr, size uintptr) error {
	r := newUffdioRange(CULong(addr), CULong(size))

	ret, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(f), UFFDIO_WAKE, uintptr(unsafe.Pointer(&r)))
	if errno != 0 {
		return fmt.Errorf("UFFDIO_WAKE ioctl failed: %w (ret=%d)", errno, ret)
	}

	return nil
}

func (f Fd) close() error {
	return syscall.Close(int(f))
}

func (f Fd) fd() int32 {
	return int32(f)
}
