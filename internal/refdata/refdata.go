// Package refdata pulls the caregiver's schedule from the backend and
// reconciles it into the local store.
//
// The pull is the only way server-side changes that never touch a local
// mutation (new visits, reassignments, profile edits) reach the device, so
// it runs on reconnect and periodically while online. Server state is
// merged through the same resolution policy the sync engine uses; a pull
// can never clobber pending local work.
package refdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/qashsolutions/healthguide-sub003/internal/clock"
	"github.com/qashsolutions/healthguide-sub003/internal/gateway"
	"github.com/qashsolutions/healthguide-sub003/internal/model"
	"github.com/qashsolutions/healthguide-sub003/internal/outbox"
	"github.com/qashsolutions/healthguide-sub003/internal/resolver"
	"github.com/qashsolutions/healthguide-sub003/internal/store"
)

// Refresher reconciles reference data pulls into the store.
type Refresher struct {
	store   *store.Store
	outbox  *outbox.Outbox
	gateway gateway.Gateway
	clock   clock.Clock
	logger  *zap.Logger

	// elders caches profile lookups between pulls; the store stays the
	// durable copy.
	elders *cache.Cache
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithClock injects the clock used for merge timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Refresher) { r.clock = c }
}

// WithElderTTL sets the in-memory elder cache lifetime.
func WithElderTTL(ttl time.Duration) Option {
	return func(r *Refresher) { r.elders = cache.New(ttl, 2*ttl) }
}

// New creates a Refresher.
func New(st *store.Store, ob *outbox.Outbox, gw gateway.Gateway, logger *zap.Logger, opts ...Option) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Refresher{
		store:   st,
		outbox:  ob,
		gateway: gw,
		clock:   clock.Real{},
		logger:  logger,
		elders:  cache.New(15*time.Minute, 30*time.Minute),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Refresh pulls the caregiver's schedule for one day and reconciles it.
// Date is YYYY-MM-DD.
func (r *Refresher) Refresh(ctx context.Context, caregiverID, date string) error {
	snap, err := r.gateway.FetchReferenceData(ctx, gateway.ReferenceScope{
		CaregiverID: caregiverID,
		Date:        date,
	})
	if err != nil {
		return fmt.Errorf("failed to pull reference data: %w", err)
	}

	for i := range snap.Elders {
		e := snap.Elders[i]
		if err := r.store.UpsertElder(ctx, &e); err != nil {
			return err
		}
		r.elders.Set(e.ID, &e, cache.DefaultExpiration)
	}

	for i := range snap.Assignments {
		if err := r.reconcileAssignment(ctx, &snap.Assignments[i]); err != nil {
			return err
		}
	}

	for _, serverID := range snap.Revoked {
		if err := r.revoke(ctx, serverID); err != nil {
			return err
		}
	}

	r.logger.Info("reference data refreshed",
		zap.String("caregiver_id", caregiverID),
		zap.String("date", date),
		zap.Int("assignments", len(snap.Assignments)),
		zap.Int("elders", len(snap.Elders)),
		zap.Int("revoked", len(snap.Revoked)))
	return nil
}

// Elder returns a cached profile, falling back to the store.
func (r *Refresher) Elder(ctx context.Context, id string) (*model.Elder, error) {
	if v, ok := r.elders.Get(id); ok {
		return v.(*model.Elder), nil
	}
	e, err := r.store.GetElder(ctx, id)
	if err != nil {
		return nil, err
	}
	r.elders.Set(id, e, cache.DefaultExpiration)
	return e, nil
}

func (r *Refresher) reconcileAssignment(ctx context.Context, ra *gateway.RemoteAssignment) error {
	server := ra.ToModel()

	local, err := r.store.FindAssignmentByServerID(ctx, ra.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// brand new visit
		server.LocalID = r.store.NewLocalID()
		server.SyncState = model.SyncSynced
		if err := r.store.MergeAssignment(ctx, server); err != nil {
			return err
		}
		return r.reconcileTasks(ctx, server.LocalID, ra.Tasks)

	case err != nil:
		return err
	}

	// pending local work outranks a pull: merge through the resolver using
	// the oldest queued mutation's time as the local clock
	pendingAt := local.UpdatedAt
	pending, err := r.outbox.PendingForEntity(ctx, model.EntityAssignment, local.LocalID)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		pendingAt = pending[0].CreatedAt
	}

	merged, decision := resolver.ResolveAssignment(local, pendingAt, server, resolver.ServerMeta{
		UpdatedAt: ra.UpdatedAt,
	})
	if decision.Outcome == resolver.OutcomeConflict {
		// leave it for the sync engine's delivery path to surface
		r.logger.Warn("pull skipped conflicting assignment",
			zap.String("local_id", local.LocalID),
			zap.String("reason", decision.Reason))
		return nil
	}
	if len(pending) == 0 {
		merged.SyncState = model.SyncSynced
	}
	if err := r.store.MergeAssignment(ctx, merged); err != nil {
		return err
	}
	return r.reconcileTasks(ctx, local.LocalID, ra.Tasks)
}

func (r *Refresher) reconcileTasks(ctx context.Context, assignmentID string, tasks []gateway.RemoteTask) error {
	for i := range tasks {
		rt := &tasks[i]
		server := rt.ToModel()
		server.AssignmentID = assignmentID

		local, err := r.store.FindTaskByServerID(ctx, rt.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			server.LocalID = r.store.NewLocalID()
			server.SyncState = model.SyncSynced
			if err := r.store.MergeTask(ctx, server); err != nil {
				return err
			}
			continue
		case err != nil:
			return err
		}

		pending, err := r.outbox.PendingForEntity(ctx, model.EntityTask, local.LocalID)
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			// local work in flight; the delivery path will reconcile
			continue
		}

		merged, _ := resolver.ResolveTask(local, local.UpdatedAt, server, resolver.ServerMeta{
			UpdatedAt: rt.UpdatedAt,
		})
		merged.SyncState = model.SyncSynced
		if err := r.store.MergeTask(ctx, merged); err != nil {
			return err
		}
	}
	return nil
}

// revoke archives a visit taken away from this caregiver and drops its
// queued mutations.
func (r *Refresher) revoke(ctx context.Context, serverID string) error {
	local, err := r.store.FindAssignmentByServerID(ctx, serverID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if local.Archived {
		return nil
	}

	reason := fmt.Sprintf("visit %s revoked by server", serverID)
	if _, err := r.outbox.DiscardPendingForEntity(ctx, model.EntityAssignment, local.LocalID, reason); err != nil {
		return err
	}
	tasks, err := r.store.FindTasks(ctx, store.TaskFilter{AssignmentID: local.LocalID})
	if err != nil {
		return err
	}
	for _, tk := range tasks {
		if _, err := r.outbox.DiscardPendingForEntity(ctx, model.EntityTask, tk.LocalID, reason); err != nil {
			return err
		}
	}
	if err := r.store.ArchiveAssignment(ctx, local.LocalID); err != nil {
		return err
	}
	r.logger.Info("archived revoked visit",
		zap.String("local_id", local.LocalID),
		zap.String("server_id", serverID))
	return nil
}
