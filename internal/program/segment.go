package program

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/e2b-dev/lazyload/internal/loader/pagemap"
)

// Perm is the set of access permissions a segment receives once populated.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

// Prot converts the permission bits to mmap/mprotect PROT_* flags.
func (p Perm) Prot() int {
	prot := unix.PROT_NONE

	if p&PermRead != 0 {
		prot |= unix.PROT_READ
	}

	if p&PermWrite != 0 {
		prot |= unix.PROT_WRITE
	}

	if p&PermExec != 0 {
		prot |= unix.PROT_EXEC
	}

	return prot
}

func (p Perm) String() string {
	var b strings.Builder

	for _, bit := range []struct {
		p Perm
		c byte
	}{{PermRead, 'r'}, {PermWrite, 'w'}, {PermExec, 'x'}} {
		if p&bit.p != 0 {
			b.WriteByte(bit.c)
		} else {
			b.WriteByte('-')
		}
	}

	return b.String()
}

// Segment is one contiguous region of the program's address space.
type Segment struct {
	// Vaddr is the page aligned start address.
	Vaddr uintptr
	// MemSize is the size the segment occupies in memory, FileSize <= MemSize.
	MemSize uintptr
	// FileSize is the number of bytes backed by the file, the rest reads as zero.
	FileSize uintptr
	// Offset of the segment data in the backing file.
	Offset int64
	Perm   Perm

	// Pages is the page map, allocated once before the execution starts.
	Pages *pagemap.Tracker
}

// End returns the end address of the segment.
// The end address is exclusive.
func (s *Segment) End() uintptr {
	return s.Vaddr + s.MemSize
}

func (s *Segment) Contains(addr uintptr) bool {
	return addr >= s.Vaddr && addr < s.End()
}

// PageIndex returns the index of the page inside the segment that contains addr.
func (s *Segment) PageIndex(addr, pageSize uintptr) uint {
	return uint((addr - s.Vaddr) / pageSize)
}

// PageCount returns the number of pages needed to cover MemSize.
func (s *Segment) PageCount(pageSize uintptr) uint {
	return uint((s.MemSize + pageSize - 1) / pageSize)
}

func (s *Segment) String() string {
	return fmt.Sprintf("[%#x-%#x %s file=%#x@%#x]", s.Vaddr, s.End(), s.Perm, s.FileSize, s.Offset)
}
