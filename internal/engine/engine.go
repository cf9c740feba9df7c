// Package engine drains the outbox to the remote gateway whenever the
// backend is reachable.
//
// The engine is the only component that talks to the gateway for mutations.
// It wakes on three triggers: a connectivity edge to online, a new local
// mutation, and the earliest scheduled retry coming due. Deliveries within a
// cycle run concurrently across entities (the outbox guarantees at most one
// record per entity per batch) and are rate limited so a large backlog after
// a long offline stretch does not flood the backend.
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/qashsolutions/healthguide-sub003/internal/clock"
	"github.com/qashsolutions/healthguide-sub003/internal/connectivity"
	"github.com/qashsolutions/healthguide-sub003/internal/gateway"
	"github.com/qashsolutions/healthguide-sub003/internal/outbox"
	"github.com/qashsolutions/healthguide-sub003/internal/store"
)

// State is the engine's externally visible mode.
type State string

const (
	StateOffline State = "offline"
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateBackoff State = "backoff"
)

// EventKind classifies engine notifications for the UI layer.
type EventKind string

const (
	// EventSynced reports a mutation confirmed by the backend.
	EventSynced EventKind = "synced"
	// EventDiscarded reports local work dropped because the server
	// revoked the entity; the UI must tell the caregiver.
	EventDiscarded EventKind = "discarded"
	// EventFailed reports a mutation that needs manual resolution.
	EventFailed EventKind = "failed"
	// EventConflict reports a merge the resolver could not decide.
	EventConflict EventKind = "conflict"
)

// Event is one engine notification.
type Event struct {
	Kind       EventKind
	EntityType string
	EntityID   string
	MutationID string
	Message    string
	At         time.Time
}

// Monitor is the connectivity surface the engine consumes.
type Monitor interface {
	Online() bool
	Transitions() <-chan connectivity.Transition
}

// Engine coordinates outbox drains.
type Engine struct {
	store   *store.Store
	outbox  *outbox.Outbox
	gateway gateway.Gateway
	monitor Monitor
	clock   clock.Clock
	logger  *zap.Logger

	limiter        *rate.Limiter
	maxConcurrency int
	batchSize      int

	events chan Event

	mu    sync.RWMutex
	state State
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects the scheduling clock.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithRateLimit caps deliveries per second during a drain.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(e *Engine) { e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithMaxConcurrency bounds in-flight deliveries within a cycle.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) { e.maxConcurrency = n }
}

// WithBatchSize bounds records fetched per cycle.
func WithBatchSize(n int) Option {
	return func(e *Engine) { e.batchSize = n }
}

// New creates an Engine over the shared store, its outbox, the gateway and
// the connectivity monitor.
func New(st *store.Store, ob *outbox.Outbox, gw gateway.Gateway, mon Monitor, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:          st,
		outbox:         ob,
		gateway:        gw,
		monitor:        mon,
		clock:          clock.Real{},
		logger:         logger,
		limiter:        rate.NewLimiter(rate.Limit(10), 5),
		maxConcurrency: 4,
		batchSize:      16,
		events:         make(chan Event, 32),
		state:          StateOffline,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State reports the engine's current mode.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	changed := e.state != s
	e.state = s
	e.mu.Unlock()
	if changed {
		e.logger.Debug("engine state", zap.String("state", string(s)))
	}
}

// Events returns the notification stream. A slow consumer drops events;
// everything they describe is also durably visible in the store and outbox.
func (e *Engine) Events() <-chan Event {
	return e.events
}

func (e *Engine) emit(ev Event) {
	ev.At = e.clock.Now()
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("dropping engine event, consumer is slow",
			zap.String("kind", string(ev.Kind)),
			zap.String("entity_id", ev.EntityID))
	}
}

// Run drains until ctx is cancelled. Offline, it parks until a connectivity
// edge; online, it drains then sleeps until the next trigger.
func (e *Engine) Run(ctx context.Context) error {
	online := e.monitor.Online()
	for {
		if !online {
			e.setState(StateOffline)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case tr := <-e.monitor.Transitions():
				online = tr.Online
			}
			continue
		}

		delivered, err := e.RunCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Error("sync cycle failed", zap.Error(err))
		}
		if delivered > 0 {
			// drain the backlog before sleeping
			continue
		}

		wait, reason := e.nextWake(ctx)
		e.setState(reason)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tr := <-e.monitor.Transitions():
			online = tr.Online
		case <-e.store.Enqueued():
		case <-wait:
		}
	}
}

// nextWake returns a channel that fires when scheduled work becomes ready,
// and the state to report while parked.
func (e *Engine) nextWake(ctx context.Context) (<-chan time.Time, State) {
	at, ok, err := e.outbox.EarliestRetry(ctx)
	if err != nil {
		e.logger.Error("failed to query retry schedule", zap.Error(err))
		return e.clock.After(time.Minute), StateIdle
	}
	if !ok {
		// nothing queued; park until an external trigger
		return nil, StateIdle
	}
	d := at.Sub(e.clock.Now())
	if d < 0 {
		d = 0
	}
	if d == 0 {
		return e.clock.After(time.Millisecond), StateSyncing
	}
	return e.clock.After(d), StateBackoff
}
