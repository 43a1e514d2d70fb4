package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/e2b-dev/lazyload/internal/loader/testutils"
	"github.com/e2b-dev/lazyload/internal/program"
)

func TestMappingResolve(t *testing.T) {
	first := &program.Segment{Vaddr: 0x1000, MemSize: 0x2000}
	overlapping := &program.Segment{Vaddr: 0x2000, MemSize: 0x2000}
	separate := &program.Segment{Vaddr: 0x8000, MemSize: 0x1000}

	m := &Mapping{Segments: []*program.Segment{first, overlapping, separate}}

	tests := []struct {
		name string
		addr uintptr
		want *program.Segment
	}{
		{"segment start", 0x1000, first},
		{"inside first", 0x1fff, first},
		{"overlap resolves to first in order", 0x2800, first},
		{"after first end", 0x3000, overlapping},
		{"last byte of overlapping", 0x3fff, overlapping},
		{"separate", 0x8abc, separate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Resolve(tt.addr)
			require.NoError(t, err)
			assert.Same(t, tt.want, got)
		})
	}
}

func TestMappingResolveNotFound(t *testing.T) {
	m := &Mapping{Segments: []*program.Segment{{Vaddr: 0x1000, MemSize: 0x1000}}}

	for _, addr := range []uintptr{0, 0xfff, 0x2000, 0x7000} {
		got, err := m.Resolve(addr)
		require.ErrorIs(t, err, ErrNotMapped)
		assert.Nil(t, got)
	}
}

func TestReserveRelocatable(t *testing.T) {
	pageSize := testutils.PageSize()

	exe := &program.Executable{
		Type:  program.Relocatable,
		Entry: 0x1000 + 8,
		Segments: []*program.Segment{
			{Vaddr: 0x1000, MemSize: pageSize},
			{Vaddr: 0x1000 + 3*pageSize, MemSize: 2 * pageSize},
		},
	}

	r, err := Reserve(exe, pageSize, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, r.Release())
	})

	assert.Equal(t, 5*pageSize, r.Size)
	assert.Equal(t, r.Start, exe.Segments[0].Vaddr)
	assert.Equal(t, r.Start+3*pageSize, exe.Segments[1].Vaddr)
	assert.Equal(t, exe.Segments[1].End(), r.End())
	assert.Equal(t, r.Start+8, exe.Entry)
	assert.Equal(t, r.Start-0x1000, r.Bias)
}

func TestReserveFixedOccupied(t *testing.T) {
	pageSize := testutils.PageSize()

	relocatable := &program.Executable{
		Type:     program.Relocatable,
		Segments: []*program.Segment{{Vaddr: 0, MemSize: 2 * pageSize}},
	}

	r, err := Reserve(relocatable, pageSize, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, r.Release())
	})

	fixed := &program.Executable{
		Type:     program.Fixed,
		Segments: []*program.Segment{{Vaddr: r.Start, MemSize: pageSize}},
	}

	_, err = Reserve(fixed, pageSize, zap.NewNop())
	require.ErrorIs(t, err, ErrRangeOccupied)
	assert.Equal(t, r.Start, fixed.Segments[0].Vaddr)
}

func TestReleaseTwice(t *testing.T) {
	pageSize := testutils.PageSize()

	exe := &program.Executable{
		Type:     program.Relocatable,
		Segments: []*program.Segment{{Vaddr: 0, MemSize: pageSize}},
	}

	r, err := Reserve(exe, pageSize, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, r.Release())
	require.NoError(t, r.Release())
}
