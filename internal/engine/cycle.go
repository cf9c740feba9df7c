package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/qashsolutions/healthguide-sub003/internal/gateway"
	"github.com/qashsolutions/healthguide-sub003/internal/model"
	"github.com/qashsolutions/healthguide-sub003/internal/resolver"
	"github.com/qashsolutions/healthguide-sub003/internal/store"
)

// RunCycle fetches one batch of ready records and delivers them. Returns
// the number of records attempted. Exposed so tests and the CLI can drive
// drains without the Run loop.
func (e *Engine) RunCycle(ctx context.Context) (int, error) {
	batch, err := e.outbox.NextBatch(ctx, e.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch batch: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	e.setState(StateSyncing)
	e.logger.Info("draining outbox", zap.Int("batch", len(batch)))

	p := pool.New().WithMaxGoroutines(e.maxConcurrency)
	for _, rec := range batch {
		if err := e.limiter.Wait(ctx); err != nil {
			break
		}
		p.Go(func() {
			e.deliver(ctx, rec)
		})
	}
	p.Wait()
	return len(batch), ctx.Err()
}

// deliver pushes one record through the gateway and settles its outcome.
func (e *Engine) deliver(ctx context.Context, rec *model.MutationRecord) {
	if err := e.outbox.MarkInFlight(ctx, rec.ID); err != nil {
		// another drain already took it
		e.logger.Debug("skipping record", zap.String("mutation_id", rec.ID), zap.Error(err))
		return
	}
	if err := e.store.SetSyncState(ctx, rec.EntityType, rec.EntityID, model.SyncSyncing, ""); err != nil {
		e.logger.Warn("failed to mark entity syncing", zap.String("entity_id", rec.EntityID), zap.Error(err))
	}

	req := gateway.MutationRequest{
		IdempotencyKey:  rec.ID,
		EntityType:      rec.EntityType,
		Operation:       rec.Op,
		LocalID:         rec.EntityID,
		ServerID:        e.serverID(ctx, rec.EntityType, rec.EntityID),
		Payload:         rec.Payload,
		ClientTimestamp: rec.CreatedAt,
	}

	state, err := e.gateway.ApplyMutation(ctx, req)
	switch {
	case err == nil:
		e.settle(ctx, rec, state, true)

	case isConflict(err):
		ce, _ := gateway.AsConflict(err)
		e.settle(ctx, rec, ce.Server, false)

	case gateway.IsRetryable(err):
		e.settleTransient(ctx, rec, err)

	default:
		e.settlePermanent(ctx, rec, err)
	}
}

func isConflict(err error) bool {
	_, ok := gateway.AsConflict(err)
	return ok
}

// settle reconciles the server's authoritative state with the local record.
// accepted is true when the backend applied our mutation (2xx) and false
// when it rejected it with its own state (409); either way the resolver
// decides what the local store ends up holding.
func (e *Engine) settle(ctx context.Context, rec *model.MutationRecord, state *gateway.ServerState, accepted bool) {
	var err error
	switch rec.EntityType {
	case model.EntityAssignment:
		err = e.settleAssignment(ctx, rec, state, accepted)
	case model.EntityTask:
		err = e.settleTask(ctx, rec, state, accepted)
	case model.EntityObservation:
		err = e.settleObservation(ctx, rec, state, accepted)
	default:
		err = fmt.Errorf("unknown entity type %q", rec.EntityType)
	}
	if err != nil {
		// local bookkeeping failed after the remote call; the idempotency
		// key makes the redelivery safe
		e.logger.Error("failed to settle delivery",
			zap.String("mutation_id", rec.ID),
			zap.String("entity_id", rec.EntityID),
			zap.Error(err))
		if _, _, terr := e.outbox.MarkFailedTransient(ctx, rec.ID, err); terr != nil {
			e.logger.Error("failed to reschedule record", zap.String("mutation_id", rec.ID), zap.Error(terr))
		}
	}
}

func (e *Engine) settleAssignment(ctx context.Context, rec *model.MutationRecord, state *gateway.ServerState, accepted bool) error {
	local, err := e.store.GetAssignment(ctx, rec.EntityID)
	if err != nil {
		return err
	}
	server, err := state.Assignment()
	if err != nil {
		return err
	}

	merged, decision := resolver.ResolveAssignment(local, rec.CreatedAt, server, resolverMeta(state))
	e.logDecision(rec, decision, accepted)

	switch decision.Outcome {
	case resolver.OutcomeServerWins:
		return e.discardEntity(ctx, rec, state, decision, accepted)

	case resolver.OutcomeConflict:
		if err := e.outbox.MarkFailedPermanent(ctx, rec.ID, errors.New(decision.Reason)); err != nil {
			return err
		}
		if err := e.store.SetSyncState(ctx, rec.EntityType, rec.EntityID, model.SyncFailed, state.ServerID); err != nil {
			return err
		}
		e.emit(Event{
			Kind:       EventConflict,
			EntityType: string(rec.EntityType),
			EntityID:   rec.EntityID,
			MutationID: rec.ID,
			Message:    decision.Reason,
		})
		return nil
	}

	merged.ServerID = state.ServerID
	if accepted {
		merged.SyncState = model.SyncSynced
		if err := e.store.MergeAssignment(ctx, merged); err != nil {
			return err
		}
		if err := e.outbox.MarkSynced(ctx, rec.ID); err != nil {
			return err
		}
		e.emit(Event{
			Kind:       EventSynced,
			EntityType: string(rec.EntityType),
			EntityID:   rec.EntityID,
			MutationID: rec.ID,
		})
		return nil
	}

	// rejected but mergeable: the record's payload is stale, supersede it
	// with a fresh mutation carrying the merged end state
	if err := e.outbox.MarkDiscarded(ctx, rec.ID, "superseded by conflict merge"); err != nil {
		return err
	}
	_, err = e.store.ResyncAssignment(ctx, merged)
	return err
}

func (e *Engine) settleTask(ctx context.Context, rec *model.MutationRecord, state *gateway.ServerState, accepted bool) error {
	local, err := e.store.GetTask(ctx, rec.EntityID)
	if err != nil {
		return err
	}
	server, err := state.Task()
	if err != nil {
		return err
	}

	merged, decision := resolver.ResolveTask(local, rec.CreatedAt, server, resolverMeta(state))
	e.logDecision(rec, decision, accepted)

	if decision.Outcome == resolver.OutcomeServerWins {
		return e.discardEntity(ctx, rec, state, decision, accepted)
	}

	merged.ServerID = state.ServerID
	if accepted {
		merged.SyncState = model.SyncSynced
		if err := e.store.MergeTask(ctx, merged); err != nil {
			return err
		}
		if err := e.outbox.MarkSynced(ctx, rec.ID); err != nil {
			return err
		}
		e.emit(Event{
			Kind:       EventSynced,
			EntityType: string(rec.EntityType),
			EntityID:   rec.EntityID,
			MutationID: rec.ID,
		})
		return nil
	}

	if err := e.outbox.MarkDiscarded(ctx, rec.ID, "superseded by conflict merge"); err != nil {
		return err
	}
	_, err = e.store.ResyncTask(ctx, merged)
	return err
}

func (e *Engine) settleObservation(ctx context.Context, rec *model.MutationRecord, state *gateway.ServerState, accepted bool) error {
	local, err := e.store.GetObservation(ctx, rec.EntityID)
	if err != nil {
		return err
	}
	server, err := state.Observation()
	if err != nil {
		return err
	}

	merged, decision := resolver.ResolveObservation(local, server, resolverMeta(state))
	e.logDecision(rec, decision, accepted)

	if decision.Outcome == resolver.OutcomeServerWins {
		return e.discardEntity(ctx, rec, state, decision, accepted)
	}

	merged.SyncState = model.SyncSynced
	if err := e.store.MergeObservation(ctx, merged); err != nil {
		return err
	}
	if err := e.outbox.MarkSynced(ctx, rec.ID); err != nil {
		return err
	}
	e.emit(Event{
		Kind:       EventSynced,
		EntityType: string(rec.EntityType),
		EntityID:   rec.EntityID,
		MutationID: rec.ID,
	})
	return nil
}

// discardEntity drops every queued mutation for an entity the server
// revoked, archives the assignment if there is one, and tells the UI.
func (e *Engine) discardEntity(ctx context.Context, rec *model.MutationRecord, state *gateway.ServerState, decision resolver.Decision, accepted bool) error {
	if accepted {
		if err := e.outbox.MarkSynced(ctx, rec.ID); err != nil {
			return err
		}
	}
	if _, err := e.outbox.DiscardPendingForEntity(ctx, rec.EntityType, rec.EntityID, decision.Reason); err != nil {
		return err
	}
	if rec.EntityType == model.EntityAssignment {
		if err := e.store.ArchiveAssignment(ctx, rec.EntityID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	if err := e.store.SetSyncState(ctx, rec.EntityType, rec.EntityID, model.SyncSynced, state.ServerID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	e.emit(Event{
		Kind:       EventDiscarded,
		EntityType: string(rec.EntityType),
		EntityID:   rec.EntityID,
		MutationID: rec.ID,
		Message:    decision.Reason,
	})
	return nil
}

func (e *Engine) settleTransient(ctx context.Context, rec *model.MutationRecord, cause error) {
	retryAt, gaveUp, err := e.outbox.MarkFailedTransient(ctx, rec.ID, cause)
	if err != nil {
		e.logger.Error("failed to reschedule record", zap.String("mutation_id", rec.ID), zap.Error(err))
		return
	}
	if gaveUp {
		if err := e.store.SetSyncState(ctx, rec.EntityType, rec.EntityID, model.SyncFailed, ""); err != nil {
			e.logger.Warn("failed to mark entity failed", zap.String("entity_id", rec.EntityID), zap.Error(err))
		}
		e.emit(Event{
			Kind:       EventFailed,
			EntityType: string(rec.EntityType),
			EntityID:   rec.EntityID,
			MutationID: rec.ID,
			Message:    cause.Error(),
		})
		return
	}
	if err := e.store.SetSyncState(ctx, rec.EntityType, rec.EntityID, model.SyncPending, ""); err != nil {
		e.logger.Warn("failed to mark entity pending", zap.String("entity_id", rec.EntityID), zap.Error(err))
	}
	e.logger.Info("delivery failed, retry scheduled",
		zap.String("mutation_id", rec.ID),
		zap.Time("retry_at", retryAt),
		zap.Error(cause))
}

func (e *Engine) settlePermanent(ctx context.Context, rec *model.MutationRecord, cause error) {
	if err := e.outbox.MarkFailedPermanent(ctx, rec.ID, cause); err != nil {
		e.logger.Error("failed to mark record failed", zap.String("mutation_id", rec.ID), zap.Error(err))
		return
	}
	if err := e.store.SetSyncState(ctx, rec.EntityType, rec.EntityID, model.SyncFailed, ""); err != nil {
		e.logger.Warn("failed to mark entity failed", zap.String("entity_id", rec.EntityID), zap.Error(err))
	}
	e.logger.Warn("delivery rejected",
		zap.String("mutation_id", rec.ID),
		zap.String("entity_id", rec.EntityID),
		zap.Error(cause))
	e.emit(Event{
		Kind:       EventFailed,
		EntityType: string(rec.EntityType),
		EntityID:   rec.EntityID,
		MutationID: rec.ID,
		Message:    cause.Error(),
	})
}

// serverID looks up the entity's server id for request routing; empty when
// the entity has never been confirmed.
func (e *Engine) serverID(ctx context.Context, et model.EntityType, localID string) string {
	switch et {
	case model.EntityAssignment:
		if a, err := e.store.GetAssignment(ctx, localID); err == nil {
			return a.ServerID
		}
	case model.EntityTask:
		if t, err := e.store.GetTask(ctx, localID); err == nil {
			return t.ServerID
		}
	case model.EntityObservation:
		if o, err := e.store.GetObservation(ctx, localID); err == nil {
			return o.ServerID
		}
	}
	return ""
}

func (e *Engine) logDecision(rec *model.MutationRecord, d resolver.Decision, accepted bool) {
	fields := []zap.Field{
		zap.String("mutation_id", rec.ID),
		zap.String("entity_type", string(d.EntityType)),
		zap.String("entity_id", d.EntityID),
		zap.String("outcome", string(d.Outcome)),
		zap.Bool("accepted", accepted),
	}
	if d.Reason != "" {
		fields = append(fields, zap.String("reason", d.Reason))
	}
	for _, f := range d.Fields {
		fields = append(fields, zap.String("field_"+f.Field, f.Chose+": "+f.Reason))
	}
	e.logger.Info("resolved server state", fields...)
}

func resolverMeta(state *gateway.ServerState) resolver.ServerMeta {
	m := state.Meta()
	return resolver.ServerMeta{
		Deleted:      m.Deleted,
		ReassignedTo: m.ReassignedTo,
		UpdatedAt:    m.UpdatedAt,
	}
}
