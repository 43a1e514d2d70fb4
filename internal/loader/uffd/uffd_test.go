package uffd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sys/unix"

	"github.com/e2b-dev/lazyload/internal/loader/fault"
	"github.com/e2b-dev/lazyload/internal/loader/testutils"
)

func newTestUffd(t *testing.T) *Userfaultfd {
	t.Helper()

	testutils.EnsureParallelism(t)

	u, err := New(testutils.PageSize(), noop.NewMeterProvider().Meter("test"), testutils.NewTestLogger(t))
	testutils.SkipIfUnsupported(t, err)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, u.Close())
	})

	return u
}

type faultLog struct {
	mu     sync.Mutex
	faults []fault.Fault
}

func (l *faultLog) add(f fault.Fault) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.faults = append(l.faults, f)
}

func (l *faultLog) get() []fault.Fault {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]fault.Fault(nil), l.faults...)
}

// serve runs Serve until the returned function is called.
func serve(t *testing.T, u *Userfaultfd) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)

	go func() {
		done <- u.Serve(ctx)
	}()

	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func TestServeInstallsTouchedPage(t *testing.T) {
	u := newTestUffd(t)
	ps := testutils.PageSize()

	start := testutils.NewReservedRange(t, 2)
	require.NoError(t, u.Attach(start, 2*ps))
	t.Cleanup(func() {
		_ = u.Detach(start)
	})

	content := []byte("lazily loaded")

	var log faultLog
	previous := fault.Install(fault.HandlerFunc(func(_ context.Context, f fault.Fault) {
		log.add(f)

		if err := u.Installer().Install(f.Addr&^(ps-1), content, unix.PROT_READ); err != nil {
			t.Errorf("install failed: %v", err)
		}
	}))
	t.Cleanup(func() {
		fault.Install(previous)
	})

	stop := serve(t, u)

	mem := testutils.Bytes(start, 2*ps)
	got := append([]byte(nil), mem[ps:ps+uintptr(len(content))]...)
	tail := mem[2*ps-1]

	writeFaulted := testutils.Faults(func() {
		mem[ps] = 'x'
	})

	stop()

	assert.Equal(t, content, got)
	assert.Equal(t, byte(0), tail)
	assert.True(t, writeFaulted, "installed page must keep the requested protection")

	faults := log.get()
	require.Len(t, faults, 1)
	assert.Equal(t, fault.KindPageFault, faults[0].Kind)
	assert.Equal(t, start+ps, faults[0].Addr&^(ps-1))
	assert.False(t, faults[0].Write)

	assert.True(t, u.installed.Has(start+ps))
	assert.False(t, u.installed.Has(start))
}

func TestStopEndsServe(t *testing.T) {
	u := newTestUffd(t)

	require.NoError(t, u.Stop(), "stop without a running serve is a no-op")

	done := make(chan error, 1)
	go func() {
		done <- u.Serve(t.Context())
	}()

	require.Eventually(t, func() bool {
		u.mu.Lock()
		defer u.mu.Unlock()

		return u.exit != nil
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, u.Stop())
	require.NoError(t, <-done)
}

func TestDetachForgetsInstalledPages(t *testing.T) {
	u := newTestUffd(t)
	ps := testutils.PageSize()

	start := testutils.NewReservedRange(t, 1)
	require.NoError(t, u.Attach(start, ps))

	u.installed.Add(start)
	require.NoError(t, u.Detach(start))
	assert.Equal(t, 0, u.installed.Len())

	require.ErrorIs(t, u.Detach(start), ErrNotRegistered)
}

func TestAttachAfterClose(t *testing.T) {
	u := newTestUffd(t)

	require.NoError(t, u.Close())
	require.ErrorIs(t, u.Attach(testutils.NewReservedRange(t, 1), testutils.PageSize()), ErrClosed)
}

func TestInstallRejectsOversizedData(t *testing.T) {
	u := newTestUffd(t)
	ps := testutils.PageSize()

	err := u.Installer().Install(0, make([]byte, ps+1), unix.PROT_READ)
	require.Error(t, err)
}

func TestPageSetRemoveRange(t *testing.T) {
	s := newPageSet()
	for _, addr := range []uintptr{0x1000, 0x2000, 0x3000, 0x4000} {
		s.Add(addr)
	}

	s.RemoveRange(0x2000, 0x2000)

	assert.True(t, s.Has(0x1000))
	assert.False(t, s.Has(0x2000))
	assert.False(t, s.Has(0x3000))
	assert.True(t, s.Has(0x4000))
	assert.Equal(t, 2, s.Len())
}
