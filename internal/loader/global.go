package loader

import (
	"context"
	"sync"
)

// The fault handler slot is process wide, so is the loader that chains into it. The default
// instance is the single owner of that state for callers that do not manage a Loader themselves.
var (
	defaultMu     sync.Mutex
	defaultLoader *Loader
)

// Initialize creates and starts the default loader. It must be called once, before Execute.
func Initialize(ctx context.Context, opts ...Option) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultLoader != nil {
		return ErrAlreadyStarted
	}

	l := New(opts...)
	if err := l.Start(ctx); err != nil {
		return err
	}

	defaultLoader = l

	return nil
}

// Execute runs path on the default loader.
func Execute(ctx context.Context, path string, args []string) error {
	l := Default()
	if l == nil {
		return ErrNotStarted
	}

	return l.Execute(ctx, path, args)
}

// Default returns the loader created by Initialize, nil before.
func Default() *Loader {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	return defaultLoader
}

// Shutdown closes the default loader. Initialize may be called again afterwards.
func Shutdown() error {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultLoader == nil {
		return nil
	}

	err := defaultLoader.Close()
	defaultLoader = nil

	return err
}
