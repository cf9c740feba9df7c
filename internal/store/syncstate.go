package store

import (
	"context"
	"fmt"

	"github.com/qashsolutions/healthguide-sub003/internal/model"
)

// SetSyncState updates an entity's sync state (and server id, once known)
// and publishes the refreshed snapshot so the UI can show pending, syncing
// and failed indicators. The outbox record itself is bookkept separately by
// the outbox package; this touches only the entity row.
func (s *Store) SetSyncState(ctx context.Context, et model.EntityType, localID string, state model.SyncState, serverID string) error {
	unlock := s.lock(et, localID)
	defer unlock()

	var table string
	switch et {
	case model.EntityAssignment:
		table = "assignments"
	case model.EntityTask:
		table = "assignment_tasks"
	case model.EntityObservation:
		table = "observations"
	default:
		return fmt.Errorf("unknown entity type %q", et)
	}

	query := fmt.Sprintf(
		`UPDATE %s SET sync_state = ?, server_id = COALESCE(NULLIF(?, ''), server_id) WHERE local_id = ?`,
		table)
	res, err := s.conn.ExecContext(ctx, query, string(state), serverID, localID)
	if err != nil {
		return &StorageError{Op: "set sync state", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", et, localID, ErrNotFound)
	}

	switch et {
	case model.EntityAssignment:
		if a, err := s.GetAssignment(ctx, localID); err == nil {
			s.publishSnapshot(et, a)
		}
	case model.EntityTask:
		if t, err := s.GetTask(ctx, localID); err == nil {
			s.publishSnapshot(et, t)
		}
	case model.EntityObservation:
		if o, err := s.GetObservation(ctx, localID); err == nil {
			s.publishSnapshot(et, o)
		}
	}
	return nil
}
