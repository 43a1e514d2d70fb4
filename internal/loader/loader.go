// Package loader runs executables whose segments are populated page by page on first touch.
//
// A Loader owns the whole demand paging context of the process: the page size, the fault
// source, the populator recording the backing file and the interceptor chained in front of
// the fault handler that was installed before it.
package loader

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/tklauser/go-sysconf"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/e2b-dev/lazyload/internal/loader/fault"
	"github.com/e2b-dev/lazyload/internal/loader/memory"
	"github.com/e2b-dev/lazyload/internal/loader/populate"
	"github.com/e2b-dev/lazyload/internal/loader/runner"
	faulttrace "github.com/e2b-dev/lazyload/internal/loader/trace"
	"github.com/e2b-dev/lazyload/internal/loader/uffd"
	"github.com/e2b-dev/lazyload/internal/logger"
	"github.com/e2b-dev/lazyload/internal/program"
	"github.com/e2b-dev/lazyload/internal/telemetry"
)

const instrumentationName = "github.com/e2b-dev/lazyload/internal/loader"

// minProcs keeps a processor free for the fault source while the runner's thread is blocked
// on a fault inside the kernel.
const minProcs = 2

var tracer = otel.Tracer(instrumentationName)

var (
	ErrAlreadyStarted = errors.New("loader already started")
	ErrNotStarted     = errors.New("loader not started")
)

// Source traps the faults of attached ranges and dispatches them through fault.Dispatch.
type Source interface {
	// Installer places populated pages into attached ranges.
	Installer() populate.Installer
	Attach(start, size uintptr) error
	Detach(start uintptr) error
	// Serve dispatches faults until ctx is done.
	Serve(ctx context.Context) error
	Close() error
}

// SourceFunc opens the fault source once the page size is known.
type SourceFunc func(pageSize uintptr, meter metric.Meter, logger *zap.Logger, recorder *faulttrace.EventRecorder) (Source, error)

// OpenUserfaultfd is the default fault source.
func OpenUserfaultfd(pageSize uintptr, meter metric.Meter, logger *zap.Logger, recorder *faulttrace.EventRecorder) (Source, error) {
	return uffd.New(pageSize, meter, logger, uffd.WithRecorder(recorder))
}

type Loader struct {
	mu sync.Mutex

	pageSize uintptr
	started  bool
	// procs is the GOMAXPROCS value replaced by Start, 0 if it was left alone.
	procs int

	parser      program.Parser
	runner      runner.Runner
	openSource  SourceFunc
	source      Source
	populator   *populate.Populator
	interceptor *fault.Interceptor
	fatal       func(ctx context.Context, err error)

	recorder   *faulttrace.EventRecorder
	meter      metric.Meter
	logger     *zap.Logger
	executions metric.Int64Counter
}

type Option func(*Loader)

// WithParser replaces the ELF parser.
func WithParser(p program.Parser) Option {
	return func(l *Loader) {
		l.parser = p
	}
}

// WithRunner replaces the probe that reads every page of the loaded program.
func WithRunner(r runner.Runner) Option {
	return func(l *Loader) {
		l.runner = r
	}
}

func WithSource(fn SourceFunc) Option {
	return func(l *Loader) {
		l.openSource = fn
	}
}

func WithMeter(m metric.Meter) Option {
	return func(l *Loader) {
		l.meter = m
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

func WithRecorder(r *faulttrace.EventRecorder) Option {
	return func(l *Loader) {
		l.recorder = r
	}
}

// WithFatal replaces the handling of failed page population.
func WithFatal(fn func(ctx context.Context, err error)) Option {
	return func(l *Loader) {
		l.fatal = fn
	}
}

func New(opts ...Option) *Loader {
	l := &Loader{
		openSource: OpenUserfaultfd,
		meter:      otel.GetMeterProvider().Meter(instrumentationName),
		logger:     zap.L(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// PageSize returns the system page size recorded by Start.
func (l *Loader) PageSize() uintptr {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.pageSize
}

// State returns the state of the interceptor, uninstalled before Start.
func (l *Loader) State() fault.State {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.interceptor == nil {
		return fault.StateUninstalled
	}

	return l.interceptor.State()
}

// Start records the page size, opens the fault source and installs the interceptor in front
// of the currently installed fault handler.
func (l *Loader) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return ErrAlreadyStarted
	}

	_, span := tracer.Start(ctx, "start-loader")
	defer span.End()

	ps, err := sysconf.Sysconf(sysconf.SC_PAGESIZE)
	if err != nil {
		return fmt.Errorf("failed to get page size: %w", err)
	}

	pageSize := uintptr(ps)

	executions, err := telemetry.GetCounter(l.meter, telemetry.ExecutionStartedMeterName)
	if err != nil {
		return fmt.Errorf("failed to create executions counter: %w", err)
	}

	source, err := l.openSource(pageSize, l.meter, l.logger, l.recorder)
	if err != nil {
		return fmt.Errorf("failed to open fault source: %w", err)
	}

	populator := populate.New(pageSize, source.Installer())

	opts := []fault.Option{fault.WithRecorder(l.recorder)}
	if l.fatal != nil {
		opts = append(opts, fault.WithFatal(l.fatal))
	}

	interceptor, err := fault.NewInterceptor(pageSize, populator, l.meter, l.logger, opts...)
	if err != nil {
		return errors.Join(err, source.Close())
	}

	if err := interceptor.Install(); err != nil {
		return errors.Join(err, source.Close())
	}

	if l.parser == nil {
		l.parser = program.NewELFParser(pageSize)
	}

	if l.runner == nil {
		l.runner = runner.NewProbe(pageSize, l.logger)
	}

	if procs := runtime.GOMAXPROCS(0); procs < minProcs {
		runtime.GOMAXPROCS(minProcs)
		l.procs = procs
	}

	l.pageSize = pageSize
	l.source = source
	l.populator = populator
	l.interceptor = interceptor
	l.executions = executions
	l.started = true

	l.logger.Debug("loader started",
		zap.Uint64("page_size", uint64(pageSize)),
		zap.Int("procs", runtime.GOMAXPROCS(0)),
		zap.Stringer("fallback", handlerName{interceptor.Fallback()}),
	)

	return nil
}

// Stop restores the fault handler captured when the interceptor was installed.
func (l *Loader) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.stop()
}

func (l *Loader) stop() error {
	if l.interceptor == nil {
		return fault.ErrNotInstalled
	}

	return l.interceptor.Uninstall()
}

// Close uninstalls the interceptor if needed, closes the fault source and puts back the
// GOMAXPROCS value replaced by Start.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started {
		return nil
	}

	var errs []error
	if l.interceptor.State() != fault.StateUninstalled {
		errs = append(errs, l.stop())
	}

	errs = append(errs, l.source.Close())
	l.started = false

	if l.procs != 0 {
		runtime.GOMAXPROCS(l.procs)
		l.procs = 0
	}

	return errors.Join(errs...)
}

// Execute loads the executable at path and hands it to the runner. Every page is populated on
// first touch. When the runner returns, the memory is released and the fault handler that was
// installed before the loader is restored.
func (l *Loader) Execute(ctx context.Context, path string, args []string) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started {
		return ErrNotStarted
	}

	// A previous execution restored the previous handler.
	if l.interceptor.State() == fault.StateUninstalled {
		if err := l.interceptor.Install(); err != nil {
			return err
		}
	}

	defer func() {
		if stopErr := l.stop(); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to restore fault handler: %w", stopErr))
		}
	}()

	id := uuid.New()
	log := l.logger.With(logger.WithExecutionID(id), logger.WithPath(path))

	ctx, span := tracer.Start(ctx, "execute", trace.WithAttributes(
		attribute.String("execution.id", id.String()),
		attribute.String("executable.path", path),
	))
	defer span.End()

	err = l.execute(ctx, log, path, args)
	if err != nil {
		span.RecordError(err)
		log.Error("execution failed", zap.Error(err))
	}

	return err
}

func (l *Loader) execute(ctx context.Context, log *zap.Logger, path string, args []string) (err error) {
	exe, err := l.parser.Parse(path)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	exe.Path = path
	exe.AllocatePages(l.pageSize)

	reservation, err := memory.Reserve(exe, l.pageSize, log)
	if err != nil {
		return err
	}

	defer func() {
		if releaseErr := reservation.Release(); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
	}()

	if err := l.source.Attach(reservation.Start, reservation.Size); err != nil {
		return fmt.Errorf("failed to attach fault source: %w", err)
	}

	defer func() {
		if detachErr := l.source.Detach(reservation.Start); detachErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to detach fault source: %w", detachErr))
		}
	}()

	l.populator.SetPath(path)
	l.interceptor.Arm(memory.NewMapping(exe))
	defer l.interceptor.Arm(nil)

	for _, seg := range exe.Segments {
		log.Debug("segment", logger.WithSegment(seg))
	}

	log.Info("executing",
		zap.Stringer("type", exe.Type),
		zap.Int("segments", len(exe.Segments)),
		zap.String("reserved", humanize.IBytes(uint64(reservation.Size))),
		logger.WithAddr(exe.Entry),
	)

	l.executions.Add(ctx, 1, metric.WithAttributes(attribute.String("type", exe.Type.String())))

	eg, egCtx := errgroup.WithContext(ctx)
	serveCtx, stopServe := context.WithCancel(egCtx)
	defer stopServe()

	eg.Go(func() error {
		return l.source.Serve(serveCtx)
	})

	eg.Go(func() error {
		defer stopServe()

		return l.runner.Run(egCtx, exe, args)
	})

	if err := eg.Wait(); err != nil {
		return err
	}

	var populated uint
	for _, seg := range exe.Segments {
		populated += seg.Pages.Count()
	}

	log.Info("execution finished", zap.Uint("populated_pages", populated))

	return nil
}

type handlerName struct {
	h fault.Handler
}

func (n handlerName) String() string {
	return fmt.Sprintf("%T", n.h)
}
