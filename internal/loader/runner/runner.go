// Package runner hands control to the loaded program.
package runner

import (
	"context"

	"github.com/e2b-dev/lazyload/internal/program"
)

// Runner transfers control into a loaded executable and returns once its execution ended.
type Runner interface {
	Run(ctx context.Context, exe *program.Executable, args []string) error
}

// Func adapts a function to the Runner interface.
type Func func(ctx context.Context, exe *program.Executable, args []string) error

func (f Func) Run(ctx context.Context, exe *program.Executable, args []string) error {
	return f(ctx, exe, args)
}
