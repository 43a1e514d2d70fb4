package populate

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/lazyload/internal/loader/testutils"
	"github.com/e2b-dev/lazyload/internal/program"
)

var sink byte

func TestBytesFromFile(t *testing.T) {
	const pageSize = 4096

	tests := []struct {
		name            string
		fileSize        uintptr
		offsetInSegment uintptr
		want            uintptr
	}{
		{"page fully inside file", 3 * pageSize, pageSize, pageSize},
		{"page straddling the file end", pageSize + 100, pageSize, 100},
		{"page starting at file end", pageSize, pageSize, 0},
		{"page beyond file", pageSize / 2, 2 * pageSize, 0},
		{"empty file part", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BytesFromFile(tt.fileSize, tt.offsetInSegment, pageSize))
		})
	}
}

func newTestPopulator(t *testing.T, path string) *Populator {
	t.Helper()

	p := New(testutils.PageSize(), NewMmapInstaller(testutils.PageSize()))
	p.SetPath(path)

	return p
}

func TestPopulatePartialFileThenZero(t *testing.T) {
	pageSize := testutils.PageSize()
	path, content := testutils.GenerateTestFile(t, int(pageSize))
	base := testutils.NewReservedRange(t, 2)

	seg := &program.Segment{
		Vaddr:    base,
		MemSize:  2 * pageSize,
		FileSize: pageSize / 2,
		Offset:   0,
		Perm:     program.PermRead | program.PermWrite,
	}

	p := newTestPopulator(t, path)

	require.NoError(t, p.Populate(t.Context(), seg, base))

	page := testutils.Bytes(base, pageSize)
	assert.Equal(t, content[:pageSize/2], page[:pageSize/2])
	assert.Equal(t, make([]byte, pageSize/2), page[pageSize/2:])

	// The neighbouring page must not be populated as a side effect.
	assert.True(t, testutils.Faults(func() {
		sink = testutils.Bytes(base+pageSize, 1)[0]
	}))

	require.NoError(t, p.Populate(t.Context(), seg, base+pageSize+123))
	assert.Equal(t, make([]byte, pageSize), testutils.Bytes(base+pageSize, pageSize))
}

func TestPopulateStraddlingPageWithOffset(t *testing.T) {
	pageSize := testutils.PageSize()
	path, content := testutils.GenerateTestFile(t, int(4*pageSize))
	base := testutils.NewReservedRange(t, 3)

	seg := &program.Segment{
		Vaddr:    base,
		MemSize:  3 * pageSize,
		FileSize: pageSize + pageSize/4,
		Offset:   int64(2 * pageSize),
		Perm:     program.PermRead,
	}

	p := newTestPopulator(t, path)

	require.NoError(t, p.Populate(t.Context(), seg, base+pageSize+1))

	page := testutils.Bytes(base+pageSize, pageSize)
	fileStart := 3 * pageSize

	if !bytes.Equal(content[fileStart:fileStart+pageSize/4], page[:pageSize/4]) {
		idx, want, got := testutils.FirstDifferentByte(page[:pageSize/4], content[fileStart:fileStart+pageSize/4])
		t.Fatalf("content mismatch: want %x, got %x at index %d", want, got, idx)
	}

	assert.Equal(t, make([]byte, pageSize-pageSize/4), page[pageSize/4:])
}

func TestPopulateUnalignedFileOffset(t *testing.T) {
	pageSize := testutils.PageSize()
	path, content := testutils.GenerateTestFile(t, int(2*pageSize))
	base := testutils.NewReservedRange(t, 1)

	seg := &program.Segment{
		Vaddr:    base,
		MemSize:  pageSize,
		FileSize: pageSize,
		Offset:   100,
		Perm:     program.PermRead,
	}

	p := newTestPopulator(t, path)

	require.NoError(t, p.Populate(t.Context(), seg, base))
	assert.Equal(t, content[100:100+pageSize], testutils.Bytes(base, pageSize))
}

func TestPopulateAppliesPermissions(t *testing.T) {
	pageSize := testutils.PageSize()
	path, _ := testutils.GenerateTestFile(t, int(pageSize))
	base := testutils.NewReservedRange(t, 2)

	readOnly := &program.Segment{Vaddr: base, MemSize: pageSize, FileSize: pageSize, Perm: program.PermRead}
	readWrite := &program.Segment{Vaddr: base + pageSize, MemSize: pageSize, FileSize: pageSize, Perm: program.PermRead | program.PermWrite}

	p := newTestPopulator(t, path)

	require.NoError(t, p.Populate(t.Context(), readOnly, readOnly.Vaddr))
	require.NoError(t, p.Populate(t.Context(), readWrite, readWrite.Vaddr))

	assert.False(t, testutils.Faults(func() {
		sink = testutils.Bytes(readOnly.Vaddr, 1)[0]
	}), "read of a read-only page")

	assert.True(t, testutils.Faults(func() {
		testutils.Bytes(readOnly.Vaddr, 1)[0] = 'A'
	}), "write to a read-only page")

	assert.False(t, testutils.Faults(func() {
		testutils.Bytes(readWrite.Vaddr, 1)[0] = 'A'
	}), "write to a writable page")
	assert.Equal(t, byte('A'), testutils.Bytes(readWrite.Vaddr, 1)[0])
}

func TestPopulateZeroFillSkipsFile(t *testing.T) {
	pageSize := testutils.PageSize()
	base := testutils.NewReservedRange(t, 1)

	seg := &program.Segment{Vaddr: base, MemSize: pageSize, FileSize: 0, Perm: program.PermRead}

	p := newTestPopulator(t, filepath.Join(t.TempDir(), "does-not-exist"))

	require.NoError(t, p.Populate(t.Context(), seg, base))
	assert.Equal(t, make([]byte, pageSize), testutils.Bytes(base, pageSize))
}

func TestPopulateErrors(t *testing.T) {
	pageSize := testutils.PageSize()

	t.Run("missing backing file", func(t *testing.T) {
		base := testutils.NewReservedRange(t, 1)
		seg := &program.Segment{Vaddr: base, MemSize: pageSize, FileSize: pageSize, Perm: program.PermRead}
		path := filepath.Join(t.TempDir(), "does-not-exist")

		err := newTestPopulator(t, path).Populate(t.Context(), seg, base)

		var opErr *OpError
		require.ErrorAs(t, err, &opErr)
		assert.Equal(t, "open", opErr.Op)
		assert.Equal(t, path, opErr.Path)
		assert.Equal(t, base, opErr.Addr)
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("truncated backing file", func(t *testing.T) {
		base := testutils.NewReservedRange(t, 1)
		path, _ := testutils.GenerateTestFile(t, int(pageSize/2))
		seg := &program.Segment{Vaddr: base, MemSize: pageSize, FileSize: pageSize, Perm: program.PermRead}

		err := newTestPopulator(t, path).Populate(t.Context(), seg, base)

		var opErr *OpError
		require.ErrorAs(t, err, &opErr)
		assert.Equal(t, "stat", opErr.Op)
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}
