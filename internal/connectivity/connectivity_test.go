package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qashsolutions/healthguide-sub003/internal/clock"
)

type fakeProber struct {
	mu  sync.Mutex
	err error
}

func (f *fakeProber) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeProber) set(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func waitTransition(t *testing.T, m *Monitor, mc *clock.Manual, interval time.Duration) Transition {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case tr := <-m.Transitions():
			return tr
		case <-deadline:
			t.Fatal("timed out waiting for transition")
		default:
			// nudge the probe loop's timer, then yield
			mc.Advance(2 * interval)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestMonitorEmitsEdgesNotLevels(t *testing.T) {
	start := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	mc := clock.NewManual(start)
	p := &fakeProber{}
	m := New(p, nil,
		WithClock(mc),
		WithInterval(time.Second),
		WithRand(func() float64 { return 0 }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()

	tr := waitTransition(t, m, mc, time.Second)
	assert.True(t, tr.Online)
	assert.True(t, m.Online())

	// repeated successful probes produce no further edges
	select {
	case tr := <-m.Transitions():
		t.Fatalf("unexpected transition %+v", tr)
	case <-time.After(50 * time.Millisecond):
	}

	p.set(errors.New("dial tcp: no route to host"))
	tr = waitTransition(t, m, mc, time.Second)
	assert.False(t, tr.Online)
	assert.False(t, m.Online())

	p.set(nil)
	tr = waitTransition(t, m, mc, time.Second)
	assert.True(t, tr.Online)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestMonitorStartsOfflineAndReportsIt(t *testing.T) {
	start := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	mc := clock.NewManual(start)
	p := &fakeProber{err: errors.New("unreachable")}
	m := New(p, nil, WithClock(mc), WithInterval(time.Second))

	require.False(t, m.Online())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	// the very first probe still reports a definite offline edge
	tr := waitTransition(t, m, mc, time.Second)
	assert.False(t, tr.Online)
}

func TestNextDelayJitteredOffline(t *testing.T) {
	p := &fakeProber{}
	m := New(p, nil,
		WithInterval(10*time.Second),
		WithRand(func() float64 { return 1 }),
	)

	// online keeps the fixed cadence
	m.online = true
	assert.Equal(t, 10*time.Second, m.nextDelay())

	// offline stretches by up to the jitter fraction
	m.online = false
	assert.Equal(t, 15*time.Second, m.nextDelay())
}
