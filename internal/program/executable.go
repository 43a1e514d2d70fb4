package program

import (
	"errors"
	"fmt"

	"github.com/e2b-dev/lazyload/internal/loader/pagemap"
)

// ErrParse is wrapped by every error a Parser returns for an unusable file.
var ErrParse = errors.New("parse failed")

// Type tells whether the segments must be loaded at their link addresses.
type Type int

const (
	// Fixed executables are loaded exactly at their segment addresses.
	Fixed Type = iota
	// Relocatable executables can be loaded at any page aligned base.
	Relocatable
)

func (t Type) String() string {
	switch t {
	case Fixed:
		return "fixed"
	case Relocatable:
		return "relocatable"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Executable owns the ordered segment table for the lifetime of one execution.
type Executable struct {
	Path     string
	Type     Type
	Entry    uintptr
	Segments []*Segment
	// Bias is how far Relocate moved the segments from their link addresses.
	Bias uintptr
}

// Parser produces the segment table of a binary file.
type Parser interface {
	Parse(path string) (*Executable, error)
}

// ParserFunc adapts a function to the Parser interface.
type ParserFunc func(path string) (*Executable, error)

func (f ParserFunc) Parse(path string) (*Executable, error) {
	return f(path)
}

// Span returns the page aligned range covering every segment.
func (e *Executable) Span(pageSize uintptr) (low, high uintptr, err error) {
	if len(e.Segments) == 0 {
		return 0, 0, fmt.Errorf("%w: no segments", ErrParse)
	}

	low = ^uintptr(0)
	for _, s := range e.Segments {
		low = min(low, s.Vaddr)
		high = max(high, s.End())
	}

	low &^= pageSize - 1
	high = (high + pageSize - 1) &^ (pageSize - 1)

	return low, high, nil
}

// Relocate shifts the segments and the entry point by bias.
func (e *Executable) Relocate(bias uintptr) {
	for _, s := range e.Segments {
		s.Vaddr += bias
	}

	e.Bias += bias

	if e.Entry != 0 {
		e.Entry += bias
	}
}

// AllocatePages sizes the page map of every segment. It is done once, before any fault.
func (e *Executable) AllocatePages(pageSize uintptr) {
	for _, s := range e.Segments {
		s.Pages = pagemap.New(s.PageCount(pageSize))
	}
}
