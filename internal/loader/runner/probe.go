package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/e2b-dev/lazyload/internal/loader/populate"
	"github.com/e2b-dev/lazyload/internal/program"
)

var ErrNoSegment = errors.New("address is not in any readable segment")

// SegmentReport summarizes the pages the probe read from one segment.
type SegmentReport struct {
	Vaddr   uintptr
	MemSize uintptr
	Perm    program.Perm
	// Touched is the number of pages read, in probe order.
	Touched uint
	// Digest is the xxhash of the touched pages, concatenated in probe order.
	Digest uint64
	// Mismatches are the page addresses whose contents differ from the backing file.
	Mismatches []uintptr
}

type Report struct {
	Segments []SegmentReport
	Touched  uint
	Skipped  uint
}

// Mismatches returns the number of pages that did not match the backing file.
func (r *Report) Mismatches() int {
	n := 0
	for _, s := range r.Segments {
		n += len(s.Mismatches)
	}

	return n
}

// Probe stands in for a program: it reads the loaded memory, which faults every page in
// through the installed interceptor, and optionally checks each page against the backing file.
type Probe struct {
	pageSize uintptr
	// addrs are link time addresses. Every page of every readable segment is read when empty.
	addrs  []uintptr
	verify bool
	logger *zap.Logger

	last *Report
}

type ProbeOption func(*Probe)

// WithAddrs limits the probe to the pages containing the given link time addresses.
func WithAddrs(addrs ...uintptr) ProbeOption {
	return func(p *Probe) {
		p.addrs = addrs
	}
}

func WithVerify(verify bool) ProbeOption {
	return func(p *Probe) {
		p.verify = verify
	}
}

func NewProbe(pageSize uintptr, logger *zap.Logger, opts ...ProbeOption) *Probe {
	p := &Probe{
		pageSize: pageSize,
		logger:   logger,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Report returns the report of the last run.
func (p *Probe) Report() *Report {
	return p.last
}

func (p *Probe) Run(ctx context.Context, exe *program.Executable, _ []string) error {
	var file *os.File
	if p.verify {
		f, err := os.Open(exe.Path)
		if err != nil {
			return fmt.Errorf("failed to open %s for verification: %w", exe.Path, err)
		}
		defer f.Close()

		file = f
	}

	report := &Report{Segments: make([]SegmentReport, len(exe.Segments))}
	digests := make([]*xxhash.Digest, len(exe.Segments))

	for i, seg := range exe.Segments {
		report.Segments[i] = SegmentReport{Vaddr: seg.Vaddr, MemSize: seg.MemSize, Perm: seg.Perm}
		digests[i] = xxhash.New()
	}

	touch := func(idx int, pageAddr uintptr) error {
		seg := exe.Segments[idx]
		sr := &report.Segments[idx]

		// Reading a page without read permission would be a legitimate segfault.
		if seg.Perm&program.PermRead == 0 {
			report.Skipped++

			return nil
		}

		page := unsafe.Slice((*byte)(unsafe.Pointer(pageAddr)), p.pageSize) //nolint:govet // address outside of the Go heap

		_, _ = digests[idx].Write(page)
		sr.Touched++
		report.Touched++

		if file == nil {
			return nil
		}

		want, err := p.expected(file, seg, pageAddr)
		if err != nil {
			return err
		}

		if !bytes.Equal(page, want) {
			p.logger.Warn("page does not match the backing file",
				zap.String("page", fmt.Sprintf("%#x", pageAddr)),
				zap.String("segment", fmt.Sprintf("%#x", seg.Vaddr)),
			)

			sr.Mismatches = append(sr.Mismatches, pageAddr)
		}

		return nil
	}

	if len(p.addrs) == 0 {
		for i, seg := range exe.Segments {
			for page := range seg.PageCount(p.pageSize) {
				if err := ctx.Err(); err != nil {
					return err
				}

				if err := touch(i, seg.Vaddr+uintptr(page)*p.pageSize); err != nil {
					return err
				}
			}
		}
	}

	for _, link := range p.addrs {
		if err := ctx.Err(); err != nil {
			return err
		}

		addr := link + exe.Bias

		idx := segmentIndex(exe, addr)
		if idx < 0 {
			return fmt.Errorf("%w: %#x", ErrNoSegment, link)
		}

		if err := touch(idx, addr&^(p.pageSize-1)); err != nil {
			return err
		}
	}

	for i := range report.Segments {
		report.Segments[i].Digest = digests[i].Sum64()
	}

	p.last = report

	p.logger.Debug("probe finished",
		zap.Uint("touched", report.Touched),
		zap.Uint("skipped", report.Skipped),
		zap.Int("mismatches", report.Mismatches()),
	)

	return nil
}

// expected builds the page as it should read: file bytes followed by zero fill.
func (p *Probe) expected(f *os.File, seg *program.Segment, pageAddr uintptr) ([]byte, error) {
	want := make([]byte, p.pageSize)

	offsetInSegment := pageAddr - seg.Vaddr
	n := populate.BytesFromFile(seg.FileSize, offsetInSegment, p.pageSize)
	if n == 0 {
		return want, nil
	}

	if _, err := f.ReadAt(want[:n], seg.Offset+int64(offsetInSegment)); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read expected page %#x: %w", pageAddr, err)
	}

	return want, nil
}

func segmentIndex(exe *program.Executable, addr uintptr) int {
	for i, seg := range exe.Segments {
		if seg.Contains(addr) {
			return i
		}
	}

	return -1
}
