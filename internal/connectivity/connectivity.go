// Package connectivity tracks backend reachability for the sync engine.
//
// Reachability is actively probed rather than inferred from OS network
// state: a route to the internet does not mean the backend is reachable.
// State changes are edge-triggered; the engine reacts to transitions, not
// to every probe.
package connectivity

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qashsolutions/healthguide-sub003/internal/clock"
)

// Prober is the reachability check, normally the gateway's Ping.
type Prober interface {
	Ping(ctx context.Context) error
}

// Transition is one edge of the connectivity state.
type Transition struct {
	Online bool
	At     time.Time
}

// Monitor probes the backend on an interval and publishes state edges.
type Monitor struct {
	prober       Prober
	clock        clock.Clock
	logger       *zap.Logger
	interval     time.Duration
	probeTimeout time.Duration
	// jitterFrac spreads offline re-probe delays so a fleet of devices
	// regaining a network does not hammer the backend in lockstep.
	jitterFrac float64
	rand       func() float64

	transitions chan Transition

	mu     sync.RWMutex
	online bool
	since  time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock injects the probe scheduling clock.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithInterval sets the probe interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithProbeTimeout bounds each individual probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.probeTimeout = d }
}

// WithRand injects the jitter source.
func WithRand(r func() float64) Option {
	return func(m *Monitor) { m.rand = r }
}

// New creates a Monitor. The initial state is offline until the first probe
// succeeds; work queues locally in the meantime, which is always safe.
func New(prober Prober, logger *zap.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		prober:       prober,
		clock:        clock.Real{},
		logger:       logger,
		interval:     30 * time.Second,
		probeTimeout: 10 * time.Second,
		jitterFrac:   0.5,
		rand:         rand.Float64,
		transitions:  make(chan Transition, 8),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Since reports when the current state was entered.
func (m *Monitor) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transitions returns the edge stream. A slow consumer drops edges rather
// than blocking the probe loop; Online always reflects the latest state.
func (m *Monitor) Transitions() <-chan Transition {
	return m.transitions
}

// Run probes until ctx is cancelled. The first probe fires immediately.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		m.probe(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(m.nextDelay()):
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	err := m.prober.Ping(pctx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	online := err == nil
	m.mu.Lock()
	changed := online != m.online || m.since.IsZero()
	if changed {
		m.online = online
		m.since = m.clock.Now()
	}
	m.mu.Unlock()
	if !changed {
		return
	}

	if online {
		m.logger.Info("backend reachable")
	} else {
		m.logger.Info("backend unreachable", zap.Error(err))
	}

	t := Transition{Online: online, At: m.clock.Now()}
	select {
	case m.transitions <- t:
	default:
		m.logger.Warn("dropping connectivity transition, consumer is slow")
	}
}

// nextDelay returns the wait before the next probe. Offline waits are
// jittered; online re-probes keep the fixed cadence.
func (m *Monitor) nextDelay() time.Duration {
	m.mu.RLock()
	online := m.online
	m.mu.RUnlock()
	if online || m.jitterFrac <= 0 {
		return m.interval
	}
	return time.Duration(float64(m.interval) * (1 + m.jitterFrac*m.rand()))
}
