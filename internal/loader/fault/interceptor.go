package fault

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/e2b-dev/lazyload/internal/loader/pagemap"
	"github.com/e2b-dev/lazyload/internal/loader/trace"
	"github.com/e2b-dev/lazyload/internal/program"
	"github.com/e2b-dev/lazyload/internal/telemetry"
)

var (
	ErrAlreadyInstalled = errors.New("interceptor already installed")
	ErrNotInstalled     = errors.New("interceptor not installed")
)

type Resolver interface {
	Resolve(addr uintptr) (*program.Segment, error)
}

type Populator interface {
	Populate(ctx context.Context, seg *program.Segment, addr uintptr) error
}

type State int32

const (
	StateUninstalled State = iota
	StateInstalled
	StateDelegating
	StatePopulating
)

func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateInstalled:
		return "installed"
	case StateDelegating:
		return "delegating"
	case StatePopulating:
		return "populating"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Delegation reasons, used as the metric attribute.
const (
	reasonKind      = "kind"
	reasonUnmapped  = "unmapped"
	reasonPopulated = "populated"
)

// Interceptor satisfies first-touch page faults of the armed executable and forwards
// everything else to the handler that was installed before it.
type Interceptor struct {
	pageSize  uintptr
	populator Populator
	// resolver is nil while no execution is armed.
	resolver Resolver

	// fallback is captured once at installation and used for every delegation.
	fallback Handler
	state    atomic.Int32

	fatal    func(ctx context.Context, err error)
	recorder *trace.EventRecorder
	logger   *zap.Logger

	populated metric.Int64Counter
	delegated metric.Int64Counter
}

type Option func(*Interceptor)

// WithFatal replaces the handling of failed page population, which by default logs and exits the process.
func WithFatal(fn func(ctx context.Context, err error)) Option {
	return func(i *Interceptor) {
		i.fatal = fn
	}
}

func WithRecorder(r *trace.EventRecorder) Option {
	return func(i *Interceptor) {
		i.recorder = r
	}
}

func NewInterceptor(pageSize uintptr, populator Populator, meter metric.Meter, logger *zap.Logger, opts ...Option) (*Interceptor, error) {
	populated, err := telemetry.GetCounter(meter, telemetry.FaultPopulatedMeterName)
	if err != nil {
		return nil, fmt.Errorf("failed to create populated counter: %w", err)
	}

	delegated, err := telemetry.GetCounter(meter, telemetry.FaultDelegatedMeterName)
	if err != nil {
		return nil, fmt.Errorf("failed to create delegated counter: %w", err)
	}

	i := &Interceptor{
		pageSize:  pageSize,
		populator: populator,
		logger:    logger,
		populated: populated,
		delegated: delegated,
	}

	i.fatal = func(_ context.Context, err error) {
		i.logger.Fatal("page population failed, program memory is not consistent", zap.Error(err))
	}

	for _, opt := range opts {
		opt(i)
	}

	return i, nil
}

// enter switches to a handling state and returns the function restoring the previous one.
func (i *Interceptor) enter(s State) func() {
	prev := i.state.Swap(int32(s))

	return func() {
		i.state.Store(prev)
	}
}

func (i *Interceptor) State() State {
	return State(i.state.Load())
}

// Install makes the interceptor the current fault handler and captures the previous one.
func (i *Interceptor) Install() error {
	if !i.state.CompareAndSwap(int32(StateUninstalled), int32(StateInstalled)) {
		return ErrAlreadyInstalled
	}

	i.fallback = Install(i)

	return nil
}

// Uninstall restores the handler captured by Install.
func (i *Interceptor) Uninstall() error {
	if !i.state.CompareAndSwap(int32(StateInstalled), int32(StateUninstalled)) {
		return ErrNotInstalled
	}

	Install(i.fallback)
	i.fallback = nil

	return nil
}

// Fallback returns the handler the interceptor delegates to.
func (i *Interceptor) Fallback() Handler {
	return i.fallback
}

// Arm sets the segments whose faults are satisfied. Passing nil disarms the interceptor.
func (i *Interceptor) Arm(r Resolver) {
	i.resolver = r
}

func (i *Interceptor) HandleFault(ctx context.Context, f Fault) {
	start := time.Now()

	if f.Kind != KindPageFault {
		i.delegate(ctx, f, reasonKind, start, nil, -1)

		return
	}

	if i.resolver == nil {
		i.delegate(ctx, f, reasonUnmapped, start, nil, -1)

		return
	}

	seg, err := i.resolver.Resolve(f.Addr)
	if err != nil {
		i.delegate(ctx, f, reasonUnmapped, start, nil, -1)

		return
	}

	page := seg.PageIndex(f.Addr, i.pageSize)

	faultType := pagemap.FaultTypeRead
	if f.Write {
		faultType = pagemap.FaultTypeWrite
	}

	// A fault on a populated page violates its enforced permissions, it is not a demand paging event.
	if !seg.Pages.TryAdd(page, faultType) {
		i.delegate(ctx, f, reasonPopulated, start, seg, int64(page))

		return
	}

	defer i.enter(StatePopulating)()

	if err := i.populator.Populate(ctx, seg, f.Addr); err != nil {
		i.fatal(ctx, err)

		return
	}

	i.populated.Add(ctx, 1, metric.WithAttributes(attribute.String("fault.type", string(faultType))))
	i.recorder.Record(start, f.Addr, seg.Vaddr, int64(page), trace.TypePopulate)
}

func (i *Interceptor) delegate(ctx context.Context, f Fault, reason string, start time.Time, seg *program.Segment, page int64) {
	defer i.enter(StateDelegating)()

	i.logger.Debug("forwarding fault",
		zap.String("reason", reason),
		zap.Stringer("kind", f.Kind),
		zap.String("addr", fmt.Sprintf("%#x", f.Addr)),
		zap.Bool("write", f.Write),
	)

	i.delegated.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))

	var segAddr uintptr
	if seg != nil {
		segAddr = seg.Vaddr
	}
	i.recorder.Record(start, f.Addr, segAddr, page, trace.TypeDelegate)

	fallback := i.fallback
	if fallback == nil {
		fallback = Default
	}

	fallback.HandleFault(ctx, f)
}
