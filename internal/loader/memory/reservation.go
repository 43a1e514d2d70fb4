package memory

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/e2b-dev/lazyload/internal/program"
)

var ErrRangeOccupied = errors.New("address range already in use")

// Reservation is the PROT_NONE address range that holds every segment of an executable.
// Segment pages are populated inside it on demand; everything else keeps faulting like unmapped memory.
type Reservation struct {
	Start uintptr
	Size  uintptr
	// Bias is the distance the segments were moved from their link addresses.
	Bias uintptr

	releaseOnce sync.Once
	releaseErr  error
}

// Reserve maps the span of the executable. Fixed executables get their link addresses,
// relocatable ones are placed by the kernel and relocated.
func Reserve(exe *program.Executable, pageSize uintptr, logger *zap.Logger) (*Reservation, error) {
	low, high, err := exe.Span(pageSize)
	if err != nil {
		return nil, err
	}

	size := high - low
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_NORESERVE

	var hint unsafe.Pointer
	if exe.Type == program.Fixed {
		hint = unsafe.Pointer(low) //nolint:govet // address outside of the Go heap
		flags |= unix.MAP_FIXED_NOREPLACE
	}

	ptr, err := unix.MmapPtr(-1, 0, hint, size, unix.PROT_NONE, flags)
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("%w: [%#x-%#x)", ErrRangeOccupied, low, high)
		}

		return nil, fmt.Errorf("failed to reserve [%#x-%#x): %w", low, high, err)
	}

	start := uintptr(ptr)

	// Kernels before 4.17 ignore MAP_FIXED_NOREPLACE and treat the address as a hint.
	if exe.Type == program.Fixed && start != low {
		unmapErr := unix.MunmapPtr(ptr, size)

		return nil, errors.Join(fmt.Errorf("%w: [%#x-%#x) mapped at %#x", ErrRangeOccupied, low, high, start), unmapErr)
	}

	r := &Reservation{
		Start: start,
		Size:  size,
	}

	if exe.Type == program.Relocatable {
		r.Bias = start - low
		exe.Relocate(r.Bias)
	}

	logger.Debug("reserved address space",
		zap.String("range", fmt.Sprintf("[%#x-%#x)", r.Start, r.End())),
		zap.String("bias", fmt.Sprintf("%#x", r.Bias)),
		zap.Stringer("type", exe.Type),
	)

	return r, nil
}

// End returns the end address of the reservation.
// The end address is exclusive.
func (r *Reservation) End() uintptr {
	return r.Start + r.Size
}

// Release unmaps the whole range, including every populated page. It is safe to call multiple times.
func (r *Reservation) Release() error {
	r.releaseOnce.Do(func() {
		if err := unix.MunmapPtr(unsafe.Pointer(r.Start), r.Size); err != nil { //nolint:govet // address outside of the Go heap
			r.releaseErr = fmt.Errorf("failed to release [%#x-%#x): %w", r.Start, r.End(), err)
		}
	})

	return r.releaseErr
}
