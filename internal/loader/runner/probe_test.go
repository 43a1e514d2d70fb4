package runner

import (
	"context"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/e2b-dev/lazyload/internal/loader/testutils"
	"github.com/e2b-dev/lazyload/internal/program"
)

// loadedExecutable lays out a file backed read-only segment followed by an inaccessible one,
// with memory already populated the way the loader would.
func loadedExecutable(t *testing.T) (*program.Executable, []byte) {
	t.Helper()

	ps := testutils.PageSize()
	path, content := testutils.GenerateTestFile(t, int(2*ps))

	base := testutils.NewReservedRange(t, 3)
	mem := testutils.Bytes(base, 3*ps)
	require.NoError(t, unix.Mprotect(mem[:2*ps], unix.PROT_READ|unix.PROT_WRITE))

	fileSize := ps + ps/2
	copy(mem, content[:fileSize])

	exe := &program.Executable{
		Path: path,
		Type: program.Relocatable,
		Segments: []*program.Segment{
			{Vaddr: base, MemSize: 2 * ps, FileSize: fileSize, Perm: program.PermRead},
			{Vaddr: base + 2*ps, MemSize: ps},
		},
	}
	exe.AllocatePages(ps)

	return exe, mem
}

func TestFuncAdapter(t *testing.T) {
	var got []string

	r := Func(func(_ context.Context, _ *program.Executable, args []string) error {
		got = args

		return nil
	})

	require.NoError(t, r.Run(t.Context(), &program.Executable{}, []string{"a", "b"}))
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestProbeVerifiesEveryPage(t *testing.T) {
	ps := testutils.PageSize()
	exe, mem := loadedExecutable(t)

	p := NewProbe(ps, testutils.NewTestLogger(t), WithVerify(true))
	require.NoError(t, p.Run(t.Context(), exe, nil))

	report := p.Report()
	require.NotNil(t, report)
	assert.Equal(t, uint(2), report.Touched)
	assert.Equal(t, uint(1), report.Skipped, "the segment without read permission is not touched")
	assert.Equal(t, 0, report.Mismatches())

	require.Len(t, report.Segments, 2)
	assert.Equal(t, uint(2), report.Segments[0].Touched)
	assert.Equal(t, xxhash.Sum64(mem[:2*ps]), report.Segments[0].Digest)
	assert.Equal(t, uint(0), report.Segments[1].Touched)
}

func TestProbeReportsMismatch(t *testing.T) {
	ps := testutils.PageSize()
	exe, mem := loadedExecutable(t)

	// The zero fill tail of the second page.
	mem[2*ps-1] = 0xff

	p := NewProbe(ps, testutils.NewTestLogger(t), WithVerify(true))
	require.NoError(t, p.Run(t.Context(), exe, nil))

	assert.Equal(t, []uintptr{exe.Segments[0].Vaddr + ps}, p.Report().Segments[0].Mismatches)
}

func TestProbeWithoutVerifyOnlyReads(t *testing.T) {
	ps := testutils.PageSize()
	exe, mem := loadedExecutable(t)
	mem[0] ^= 0xff

	p := NewProbe(ps, testutils.NewTestLogger(t))
	require.NoError(t, p.Run(t.Context(), exe, nil))

	assert.Equal(t, 0, p.Report().Mismatches())
	assert.Equal(t, uint(2), p.Report().Touched)
}

func TestProbeSelectedAddresses(t *testing.T) {
	ps := testutils.PageSize()
	exe, mem := loadedExecutable(t)

	const link = uintptr(0x400000)
	exe.Bias = exe.Segments[0].Vaddr - link

	p := NewProbe(ps, testutils.NewTestLogger(t), WithVerify(true), WithAddrs(link+ps+7))
	require.NoError(t, p.Run(t.Context(), exe, nil))

	report := p.Report()
	assert.Equal(t, uint(1), report.Touched)
	assert.Equal(t, xxhash.Sum64(mem[ps:2*ps]), report.Segments[0].Digest)

	p = NewProbe(ps, testutils.NewTestLogger(t), WithAddrs(link+16*ps))
	require.ErrorIs(t, p.Run(t.Context(), exe, nil), ErrNoSegment)
}

func TestProbeStopsOnCancel(t *testing.T) {
	exe, _ := loadedExecutable(t)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	p := NewProbe(testutils.PageSize(), testutils.NewTestLogger(t))
	require.ErrorIs(t, p.Run(ctx, exe, nil), context.Canceled)
	assert.Nil(t, p.Report())
}
