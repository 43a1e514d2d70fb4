package memory

import (
	"errors"
	"fmt"

	"github.com/e2b-dev/lazyload/internal/program"
)

var ErrNotMapped = errors.New("address not in any segment")

// Mapping resolves faulting addresses to the segments of one executable.
type Mapping struct {
	Segments []*program.Segment
}

func NewMapping(exe *program.Executable) *Mapping {
	return &Mapping{Segments: exe.Segments}
}

// Resolve returns the first segment whose [vaddr, vaddr+mem_size) range contains addr.
func (m *Mapping) Resolve(addr uintptr) (*program.Segment, error) {
	for _, s := range m.Segments {
		if s.Contains(addr) {
			return s, nil
		}
	}

	return nil, fmt.Errorf("%w: %#x", ErrNotMapped, addr)
}
