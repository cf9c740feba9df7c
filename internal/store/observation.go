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

const observationColumns = `local_id, server_id, assignment_id, elder_id, caregiver_id,
	category, value, note, flagged, retracts, created_at, sync_state`

// CreateObservation records a new care note and enqueues its create
// mutation in the same transaction. Observations are append-only; there is
// no update path. CreatedAt is client-assigned and immutable.
func (s *Store) CreateObservation(ctx context.Context, o *model.Observation) (*model.MutationRecord, error) {
	if o.LocalID == "" {
		o.LocalID = s.NewLocalID()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.clock.Now()
	}
	o.SyncState = model.SyncPending
	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("invalid observation: %w", err)
	}

	unlock := s.lock(model.EntityObservation, o.LocalID)
	defer unlock()

	payload, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal observation: %w", err)
	}
	now := s.clock.Now()
	rec := &model.MutationRecord{
		ID:          s.NewLocalID(),
		EntityType:  model.EntityObservation,
		EntityID:    o.LocalID,
		Op:          model.OpCreate,
		Payload:     payload,
		CreatedAt:   now,
		NextRetryAt: now,
		Status:      model.MutationPending,
	}

	err = s.inTx(ctx, "create observation", func(tx *sql.Tx) error {
		if err := insertObservationTx(ctx, tx, o); err != nil {
			return &StorageError{Op: "insert observation", Err: err}
		}
		if err := outbox.InsertTx(ctx, tx, rec); err != nil {
			return &StorageError{Op: "enqueue mutation", Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishSnapshot(model.EntityObservation, o)
	s.notifyEnqueued()
	return rec, nil
}

// RetractObservation appends the compensating record for an existing
// observation. The original row is untouched.
func (s *Store) RetractObservation(ctx context.Context, localID string) (*model.MutationRecord, error) {
	orig, err := s.GetObservation(ctx, localID)
	if err != nil {
		return nil, err
	}
	r := orig.Retraction(s.NewLocalID(), s.clock.Now())
	return s.CreateObservation(ctx, r)
}

// MergeObservation writes server-confirmed observation state (sync state and
// server id only; content is immutable) without enqueueing.
func (s *Store) MergeObservation(ctx context.Context, o *model.Observation) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("invalid observation: %w", err)
	}

	unlock := s.lock(model.EntityObservation, o.LocalID)
	defer unlock()

	err := s.inTx(ctx, "merge observation", func(tx *sql.Tx) error {
		if err := insertObservationTx(ctx, tx, o); err != nil {
			return &StorageError{Op: "merge observation", Err: err}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.publishSnapshot(model.EntityObservation, o)
	return nil
}

// GetObservation retrieves a single observation by local id.
func (s *Store) GetObservation(ctx context.Context, localID string) (*model.Observation, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+observationColumns+` FROM observations WHERE local_id = ?`, localID)
	o, err := scanObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("observation %s: %w", localID, ErrNotFound)
	}
	return o, err
}

// ObservationFilter configures FindObservations.
type ObservationFilter struct {
	AssignmentID string
	ElderID      string
	Category     string
	// Flagged filters by the flagged bit; nil returns both.
	Flagged *bool
	Limit   int
}

// FindObservations retrieves observations matching the filter in creation
// order.
func (s *Store) FindObservations(ctx context.Context, filter ObservationFilter) ([]*model.Observation, error) {
	var conditions []string
	var args []any

	if filter.AssignmentID != "" {
		conditions = append(conditions, "assignment_id = ?")
		args = append(args, filter.AssignmentID)
	}
	if filter.ElderID != "" {
		conditions = append(conditions, "elder_id = ?")
		args = append(args, filter.ElderID)
	}
	if filter.Category != "" {
		conditions = append(conditions, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.Flagged != nil {
		conditions = append(conditions, "flagged = ?")
		args = append(args, boolToInt(*filter.Flagged))
	}

	query := `SELECT ` + observationColumns + ` FROM observations`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC, local_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}
	defer rows.Close()

	var out []*model.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating observations: %w", err)
	}
	return out, nil
}

func insertObservationTx(ctx context.Context, tx *sql.Tx, o *model.Observation) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO observations (
		local_id, server_id, assignment_id, elder_id, caregiver_id,
		category, value, note, flagged, retracts, created_at, sync_state
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		server_id = excluded.server_id,
		sync_state = excluded.sync_state
	`,
		o.LocalID,
		nullString(o.ServerID),
		o.AssignmentID,
		o.ElderID,
		o.CaregiverID,
		o.Category,
		o.Value,
		o.Note,
		boolToInt(o.Flagged),
		o.Retracts,
		timeToString(o.CreatedAt),
		string(o.SyncState),
	)
	return err
}

func scanObservation(row rowScanner) (*model.Observation, error) {
	var o model.Observation
	var serverID sql.NullString
	var flagged int
	var createdAt, syncState string

	err := row.Scan(
		&o.LocalID, &serverID, &o.AssignmentID, &o.ElderID, &o.CaregiverID,
		&o.Category, &o.Value, &o.Note, &flagged, &o.Retracts, &createdAt, &syncState,
	)
	if err != nil {
		return nil, err
	}

	var perr error
	o.ServerID = nullStringToString(serverID)
	o.Flagged = flagged != 0
	o.CreatedAt = parseTime(createdAt, &perr)
	o.SyncState = model.SyncState(syncState)
	if perr != nil {
		return nil, perr
	}
	return &o, nil
}
