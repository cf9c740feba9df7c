package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/qashsolutions/healthguide-sub003/internal/model"
	"github.com/qashsolutions/healthguide-sub003/internal/outbox"
)

const taskColumns = `local_id, server_id, assignment_id, task_def_id,
	status, note, skip_reason, revision, sync_state, updated_at`

// ApplyTaskChange applies a caregiver edit to a task line and enqueues the
// matching mutation in the same transaction. Task completion and skipping
// are only valid while the owning assignment is checked in or in progress.
func (s *Store) ApplyTaskChange(ctx context.Context, localID string, change model.TaskChange) (*model.MutationRecord, error) {
	unlock := s.lock(model.EntityTask, localID)
	defer unlock()

	t, err := s.GetTask(ctx, localID)
	if err != nil {
		return nil, err
	}
	owner, err := s.GetAssignment(ctx, t.AssignmentID)
	if err != nil {
		return nil, fmt.Errorf("owning assignment for task %s: %w", localID, err)
	}
	if owner.Archived {
		return nil, fmt.Errorf("%w: %s", ErrArchived, owner.LocalID)
	}

	if err := change.ApplyTo(t, owner.Status); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	t.Revision++
	t.SyncState = model.SyncPending
	t.UpdatedAt = now

	payload, err := json.Marshal(change)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal change: %w", err)
	}
	rec := &model.MutationRecord{
		ID:          s.NewLocalID(),
		EntityType:  model.EntityTask,
		EntityID:    localID,
		Op:          model.OpUpdate,
		Payload:     payload,
		CreatedAt:   now,
		NextRetryAt: now,
		Status:      model.MutationPending,
	}

	err = s.inTx(ctx, "apply task change", func(tx *sql.Tx) error {
		if err := upsertTaskTx(ctx, tx, t); err != nil {
			return &StorageError{Op: "upsert task", Err: err}
		}
		if err := outbox.InsertTx(ctx, tx, rec); err != nil {
			return &StorageError{Op: "enqueue mutation", Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishSnapshot(model.EntityTask, t)
	s.notifyEnqueued()
	return rec, nil
}

// CompleteTask marks a task done with an optional note.
func (s *Store) CompleteTask(ctx context.Context, localID, note string) (*model.MutationRecord, error) {
	status := model.TaskCompleted
	change := model.TaskChange{Status: &status}
	if note != "" {
		change.Note = &note
	}
	return s.ApplyTaskChange(ctx, localID, change)
}

// SkipTask marks a task skipped with the given reason.
func (s *Store) SkipTask(ctx context.Context, localID, reason string) (*model.MutationRecord, error) {
	status := model.TaskSkipped
	return s.ApplyTaskChange(ctx, localID, model.TaskChange{Status: &status, SkipReason: &reason})
}

// MergeTask writes server-originated task state without enqueueing.
func (s *Store) MergeTask(ctx context.Context, t *model.AssignmentTask) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	unlock := s.lock(model.EntityTask, t.LocalID)
	defer unlock()

	err := s.inTx(ctx, "merge task", func(tx *sql.Tx) error {
		if err := upsertTaskTx(ctx, tx, t); err != nil {
			return &StorageError{Op: "merge task", Err: err}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.publishSnapshot(model.EntityTask, t)
	return nil
}

// ResyncTask persists a conflict-merged task and enqueues a fresh mutation
// carrying its full end state, in one transaction.
func (s *Store) ResyncTask(ctx context.Context, t *model.AssignmentTask) (*model.MutationRecord, error) {
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}

	unlock := s.lock(model.EntityTask, t.LocalID)
	defer unlock()

	now := s.clock.Now()
	t.Revision++
	t.SyncState = model.SyncPending
	t.UpdatedAt = now

	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	rec := &model.MutationRecord{
		ID:          s.NewLocalID(),
		EntityType:  model.EntityTask,
		EntityID:    t.LocalID,
		Op:          model.OpUpdate,
		Payload:     payload,
		CreatedAt:   now,
		NextRetryAt: now,
		Status:      model.MutationPending,
	}

	err = s.inTx(ctx, "resync task", func(tx *sql.Tx) error {
		if err := upsertTaskTx(ctx, tx, t); err != nil {
			return &StorageError{Op: "upsert task", Err: err}
		}
		if err := outbox.InsertTx(ctx, tx, rec); err != nil {
			return &StorageError{Op: "enqueue mutation", Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishSnapshot(model.EntityTask, t)
	s.notifyEnqueued()
	return rec, nil
}

// GetTask retrieves a single task by local id.
func (s *Store) GetTask(ctx context.Context, localID string) (*model.AssignmentTask, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM assignment_tasks WHERE local_id = ?`, localID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", localID, ErrNotFound)
	}
	return t, err
}

// FindTaskByServerID retrieves the local task mirroring a server record.
func (s *Store) FindTaskByServerID(ctx context.Context, serverID string) (*model.AssignmentTask, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM assignment_tasks WHERE server_id = ?`, serverID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task with server id %s: %w", serverID, ErrNotFound)
	}
	return t, err
}

// TaskFilter configures FindTasks.
type TaskFilter struct {
	AssignmentID string
	Status       model.TaskStatus
	Limit        int
}

// FindTasks retrieves tasks matching the filter, ordered by local id so the
// listing is stable across refreshes.
func (s *Store) FindTasks(ctx context.Context, filter TaskFilter) ([]*model.AssignmentTask, error) {
	var conditions []string
	var args []any

	if filter.AssignmentID != "" {
		conditions = append(conditions, "assignment_id = ?")
		args = append(args, filter.AssignmentID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + taskColumns + ` FROM assignment_tasks`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY local_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var out []*model.AssignmentTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return out, nil
}

func upsertTaskTx(ctx context.Context, tx *sql.Tx, t *model.AssignmentTask) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO assignment_tasks (
		local_id, server_id, assignment_id, task_def_id,
		status, note, skip_reason, revision, sync_state, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		server_id = excluded.server_id,
		status = excluded.status,
		note = excluded.note,
		skip_reason = excluded.skip_reason,
		revision = excluded.revision,
		sync_state = excluded.sync_state,
		updated_at = excluded.updated_at
	`,
		t.LocalID,
		nullString(t.ServerID),
		t.AssignmentID,
		t.TaskDefID,
		string(t.Status),
		t.Note,
		t.SkipReason,
		t.Revision,
		string(t.SyncState),
		timeToString(t.UpdatedAt),
	)
	return err
}

func scanTask(row rowScanner) (*model.AssignmentTask, error) {
	var t model.AssignmentTask
	var serverID sql.NullString
	var status, syncState, updatedAt string

	err := row.Scan(
		&t.LocalID, &serverID, &t.AssignmentID, &t.TaskDefID,
		&status, &t.Note, &t.SkipReason, &t.Revision, &syncState, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	var perr error
	t.ServerID = nullStringToString(serverID)
	t.Status = model.TaskStatus(status)
	t.SyncState = model.SyncState(syncState)
	t.UpdatedAt = parseTime(updatedAt, &perr)
	if perr != nil {
		return nil, perr
	}
	return &t, nil
}
