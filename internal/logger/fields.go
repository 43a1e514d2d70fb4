package logger

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/e2b-dev/lazyload/internal/program"
)

func WithExecutionID(executionID uuid.UUID) zap.Field {
	return zap.String("execution.id", executionID.String())
}

func WithPath(path string) zap.Field {
	return zap.String("executable.path", path)
}

func WithAddr(addr uintptr) zap.Field {
	return zap.String("addr", fmt.Sprintf("%#x", addr))
}

// WithSegment describes a segment by its range, permissions and sizes.
func WithSegment(seg *program.Segment) zap.Field {
	return zap.Dict("segment",
		zap.String("range", fmt.Sprintf("[%#x-%#x)", seg.Vaddr, seg.End())),
		zap.Stringer("perm", seg.Perm),
		zap.String("mem_size", humanize.IBytes(uint64(seg.MemSize))),
		zap.String("file_size", humanize.IBytes(uint64(seg.FileSize))),
	)
}
