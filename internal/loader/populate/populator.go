package populate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/e2b-dev/lazyload/internal/program"
)

var tracer = otel.Tracer("github.com/e2b-dev/lazyload/internal/loader/populate")

// Populator materializes single pages of a segment from the backing file.
type Populator struct {
	pageSize  uintptr
	installer Installer

	// path is fixed for the whole execution.
	path string
}

func New(pageSize uintptr, installer Installer) *Populator {
	return &Populator{
		pageSize:  pageSize,
		installer: installer,
	}
}

// SetPath records the backing file of the current execution.
func (p *Populator) SetPath(path string) {
	p.path = path
}

func (p *Populator) Path() string {
	return p.path
}

func (p *Populator) PageSize() uintptr {
	return p.pageSize
}

// BytesFromFile returns how many bytes of the page at offsetInSegment come from the file.
// The rest of the page is zero fill.
func BytesFromFile(fileSize, offsetInSegment, pageSize uintptr) uintptr {
	if offsetInSegment >= fileSize {
		return 0
	}

	return min(fileSize-offsetInSegment, pageSize)
}

// Populate maps the page containing addr with its final permissions.
// The backing file is opened and closed on every call.
func (p *Populator) Populate(ctx context.Context, seg *program.Segment, addr uintptr) error {
	_, span := tracer.Start(ctx, "populate-page")
	defer span.End()

	pageAddr := addr &^ (p.pageSize - 1)
	offsetInSegment := pageAddr - seg.Vaddr
	n := BytesFromFile(seg.FileSize, offsetInSegment, p.pageSize)

	span.SetAttributes(
		attribute.Int64("page.addr", int64(pageAddr)),
		attribute.Int64("page.file_bytes", int64(n)),
	)

	// A page fully beyond the file data needs no file access at all.
	if n == 0 {
		err := p.install(pageAddr, nil, seg.Perm)
		if err != nil {
			span.RecordError(err)
		}

		return err
	}

	err := p.populateFromFile(pageAddr, seg.Offset+int64(offsetInSegment), n, seg.Perm)
	if err != nil {
		span.RecordError(err)
	}

	return err
}

func (p *Populator) populateFromFile(pageAddr uintptr, fileOffset int64, n uintptr, perm program.Perm) (e error) {
	f, err := os.Open(p.path)
	if err != nil {
		return p.opError("open", pageAddr, err)
	}

	defer func() {
		if err := f.Close(); err != nil {
			e = errors.Join(e, p.opError("close", pageAddr, err))
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return p.opError("stat", pageAddr, err)
	}

	if fileOffset+int64(n) > info.Size() {
		return p.opError("stat", pageAddr, fmt.Errorf("%w: need %#x bytes at %#x, file has %#x", io.ErrUnexpectedEOF, n, fileOffset, info.Size()))
	}

	// The mapping offset has to be page aligned.
	alignedOffset := fileOffset &^ int64(p.pageSize-1)
	delta := int(fileOffset - alignedOffset)

	view, err := mmap.MapRegion(f, delta+int(n), mmap.RDONLY, 0, alignedOffset)
	if err != nil {
		return p.opError("mmap", pageAddr, err)
	}

	defer func() {
		if err := view.Unmap(); err != nil {
			e = errors.Join(e, p.opError("munmap", pageAddr, err))
		}
	}()

	return p.install(pageAddr, view[delta:delta+int(n)], perm)
}

func (p *Populator) install(pageAddr uintptr, data []byte, perm program.Perm) error {
	err := p.installer.Install(pageAddr, data, perm.Prot())
	if err == nil {
		return nil
	}

	var opErr *OpError
	if errors.As(err, &opErr) {
		if opErr.Path == "" {
			opErr.Path = p.path
		}

		return opErr
	}

	return p.opError("install", pageAddr, err)
}

func (p *Populator) opError(op string, addr uintptr, err error) *OpError {
	return &OpError{Op: op, Path: p.path, Addr: addr, Err: err}
}
