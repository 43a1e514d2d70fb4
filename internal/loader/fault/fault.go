// Package fault holds the process-wide fault handler slot and the demand paging interceptor.
//
// A fault source (userfaultfd) hands every trapped fault to Dispatch, which calls whatever
// handler is currently installed. Installing a handler returns the previous one, so the
// new handler can forward the faults it does not own, the same way a signal handler chains
// to the action it replaced.
package fault

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
)

// Kind is the kind of trapped condition.
type Kind int

const (
	// KindPageFault is a fault on a missing page.
	KindPageFault Kind = iota
	// KindOther is any other event the fault source reports.
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindPageFault:
		return "page-fault"
	case KindOther:
		return "other"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Fault is the ephemeral context of one trapped fault.
type Fault struct {
	Kind  Kind
	Addr  uintptr
	Write bool
	// Event is the raw event code of the fault source.
	Event uint8
}

type Handler interface {
	HandleFault(ctx context.Context, f Fault)
}

type HandlerFunc func(ctx context.Context, f Fault)

func (fn HandlerFunc) HandleFault(ctx context.Context, f Fault) {
	fn(ctx, f)
}

// segfaultExitCode is the exit status of a process killed by SIGSEGV.
const segfaultExitCode = 128 + 11

// Terminate is the behaviour without any interception: a diagnostic and process termination.
type Terminate struct {
	exit func(code int)
}

func (t *Terminate) HandleFault(_ context.Context, f Fault) {
	fmt.Fprintf(os.Stderr, "unhandled fault: %s at %#x (write=%t, event=%#x)\n", f.Kind, f.Addr, f.Write, f.Event)
	zap.L().Error("unhandled fault, terminating",
		zap.Stringer("kind", f.Kind),
		zap.String("addr", fmt.Sprintf("%#x", f.Addr)),
		zap.Bool("write", f.Write),
	)
	_ = zap.L().Sync()

	t.exit(segfaultExitCode)
}

// Default is the handler installed before anything else.
var Default Handler = &Terminate{exit: os.Exit}

type slot struct {
	h Handler
}

var current atomic.Pointer[slot]

func init() {
	current.Store(&slot{h: Default})
}

// Install makes h the current handler and returns the handler it replaced.
func Install(h Handler) (previous Handler) {
	return current.Swap(&slot{h: h}).h
}

// Current returns the installed handler.
func Current() Handler {
	return current.Load().h
}

// Dispatch hands the fault to the installed handler.
func Dispatch(ctx context.Context, f Fault) {
	Current().HandleFault(ctx, f)
}
