// Package uffd traps first-touch faults of registered memory with userfaultfd and hands them
// to the process-wide fault handler.
package uffd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/e2b-dev/lazyload/internal/loader/fault"
	"github.com/e2b-dev/lazyload/internal/loader/populate"
	"github.com/e2b-dev/lazyload/internal/loader/trace"
	"github.com/e2b-dev/lazyload/internal/loader/uffd/fdexit"
	"github.com/e2b-dev/lazyload/internal/telemetry"
)

var (
	ErrClosed        = errors.New("userfaultfd is closed")
	ErrNotRegistered = errors.New("range is not registered")
)

// Userfaultfd is a fault source. Registered ranges have no pages installed, every first access
// blocks the accessing thread and is reported to Serve.
type Userfaultfd struct {
	fd       Fd
	pageSize uintptr

	installed *pageSet
	installer *Installer

	mu      sync.Mutex
	regions map[uintptr]uintptr
	closed  bool
	// exit belongs to the running Serve call, nil otherwise.
	exit *fdexit.Pipe

	recorder *trace.EventRecorder
	stale    metric.Int64Counter
	logger   *zap.Logger
}

type Option func(*Userfaultfd)

func WithRecorder(r *trace.EventRecorder) Option {
	return func(u *Userfaultfd) {
		u.recorder = r
	}
}

// New opens the descriptor and negotiates the API.
func New(pageSize uintptr, meter metric.Meter, logger *zap.Logger, opts ...Option) (*Userfaultfd, error) {
	stale, err := telemetry.GetCounter(meter, telemetry.FaultStaleMeterName)
	if err != nil {
		return nil, fmt.Errorf("failed to create stale counter: %w", err)
	}

	fd, err := newFd()
	if err != nil {
		return nil, err
	}

	if err := fd.configureApi(); err != nil {
		return nil, errors.Join(err, fd.close())
	}

	installed := newPageSet()

	u := &Userfaultfd{
		fd:        fd,
		pageSize:  pageSize,
		installed: installed,
		installer: &Installer{
			fd:        fd,
			pageSize:  pageSize,
			buf:       make([]byte, pageSize),
			installed: installed,
			eagain:    newEagainCounter(logger, "uffd: eagain during page copy"),
		},
		regions: map[uintptr]uintptr{},
		stale:   stale,
		logger:  logger,
	}

	for _, opt := range opts {
		opt(u)
	}

	return u, nil
}

// Installer satisfies faults reported by this descriptor.
func (u *Userfaultfd) Installer() populate.Installer {
	return u.installer
}

// Attach makes the reserved range accessible and registers it for missing faults.
func (u *Userfaultfd) Attach(start, size uintptr) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return ErrClosed
	}

	region := unsafe.Slice((*byte)(unsafe.Pointer(start)), size) //nolint:govet // address outside of the Go heap
	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("failed to mprotect %#x-%#x: %w", start, start+size, err)
	}

	if err := u.fd.register(start, size, UFFDIO_REGISTER_MODE_MISSING); err != nil {
		return err
	}

	u.regions[start] = size

	return nil
}

// Detach unregisters a range registered with Attach.
func (u *Userfaultfd) Detach(start uintptr) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	size, ok := u.regions[start]
	if !ok {
		return fmt.Errorf("%w: %#x", ErrNotRegistered, start)
	}

	delete(u.regions, start)
	u.installed.RemoveRange(start, size)

	if u.closed {
		return nil
	}

	return u.fd.unregister(start, size)
}

// Serve reads fault messages and dispatches them one at a time until ctx is done.
func (u *Userfaultfd) Serve(ctx context.Context) error {
	exit, err := fdexit.New()
	if err != nil {
		return err
	}
	defer exit.Close()

	u.mu.Lock()
	u.exit = exit
	u.mu.Unlock()

	defer func() {
		u.mu.Lock()
		u.exit = nil
		u.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() {
		if err := exit.Signal(); err != nil {
			u.logger.Error("uffd: failed to signal exit", zap.Error(err))
		}
	})
	defer stop()

	pollFds := []unix.PollFd{
		{Fd: u.fd.fd(), Events: unix.POLLIN},
		{Fd: exit.Fd(), Events: unix.POLLIN},
	}

	eagain := newEagainCounter(u.logger, "uffd: eagain during fd read")
	defer eagain.Flush()

	buf := make([]byte, unsafe.Sizeof(UffdMsg{}))

outerLoop:
	for {
		if _, err := unix.Poll(pollFds, -1); err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}

			u.logger.Error("uffd: polling error", zap.Error(err))

			return fmt.Errorf("failed polling: %w", err)
		}

		if pollFds[1].Revents&unix.POLLIN != 0 {
			return nil
		}

		uffdFd := pollFds[0]
		if uffdFd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return fmt.Errorf("uffd poll revents %#x", uffdFd.Revents)
		}

		if uffdFd.Revents&unix.POLLIN == 0 {
			continue
		}

		for {
			_, err := syscall.Read(int(u.fd), buf)
			if errors.Is(err, syscall.EINTR) {
				continue
			}

			if err == nil {
				break
			}

			if errors.Is(err, syscall.EAGAIN) {
				// Another reader or a woken thread already consumed the message.
				eagain.Increase()

				continue outerLoop
			}

			u.logger.Error("uffd: read error", zap.Error(err))

			return fmt.Errorf("failed to read: %w", err)
		}

		eagain.Flush()

		msg := *(*UffdMsg)(unsafe.Pointer(&buf[0]))
		u.handle(ctx, &msg)
	}
}

func (u *Userfaultfd) handle(ctx context.Context, msg *UffdMsg) {
	event := getMsgEvent(msg)
	if event != UFFD_EVENT_PAGEFAULT {
		fault.Dispatch(ctx, fault.Fault{Kind: fault.KindOther, Event: event})

		return
	}

	arg := getMsgArg(msg)
	pagefault := (*UffdPagefault)(unsafe.Pointer(&arg[0]))

	addr := getPagefaultAddress(pagefault)
	pageAddr := addr &^ (u.pageSize - 1)

	if u.installed.Has(pageAddr) {
		u.wakeStale(ctx, addr, pageAddr)

		return
	}

	fault.Dispatch(ctx, fault.Fault{
		Kind:  fault.KindPageFault,
		Addr:  addr,
		Write: isWritePageFault(pagefault),
		Event: event,
	})
}

// wakeStale releases a thread that refaulted on a page installed by this descriptor.
func (u *Userfaultfd) wakeStale(ctx context.Context, addr, pageAddr uintptr) {
	start := time.Now()

	if err := u.fd.wake(pageAddr, u.pageSize); err != nil {
		u.logger.Warn("uffd: failed to wake stale fault", zap.String("addr", fmt.Sprintf("%#x", addr)), zap.Error(err))
	}

	u.stale.Add(ctx, 1)
	u.recorder.Record(start, addr, 0, -1, trace.TypeStale)
}

// Stop makes the running Serve call return. It does nothing when Serve is not running.
func (u *Userfaultfd) Stop() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.exit == nil {
		return nil
	}

	return u.exit.Signal()
}

// Close closes the descriptor. Registered ranges are unregistered by the kernel.
func (u *Userfaultfd) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return nil
	}

	u.closed = true

	return u.fd.close()
}
