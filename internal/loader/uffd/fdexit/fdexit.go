// Package fdexit provides a pollable descriptor that tells a serve loop to return.
package fdexit

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// Pipe becomes readable once Signal is called. It is meant to be polled next to the descriptor being served.
type Pipe struct {
	r *os.File
	w *os.File

	signal func() error

	closeOnce sync.Once
	closeErr  error
}

func New() (*Pipe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create exit pipe: %w", err)
	}

	return &Pipe{
		r: r,
		w: w,
		signal: sync.OnceValue(func() error {
			if _, err := w.Write([]byte{0}); err != nil {
				return fmt.Errorf("failed to write exit byte: %w", err)
			}

			return nil
		}),
	}, nil
}

// Signal makes the read end readable. Only the first call writes.
func (p *Pipe) Signal() error {
	return p.signal()
}

// Fd returns the read end for polling.
func (p *Pipe) Fd() int32 {
	return int32(p.r.Fd())
}

// Close signals and closes both ends. It is safe to call multiple times.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = errors.Join(p.Signal(), p.r.Close(), p.w.Close())
	})

	return p.closeErr
}
