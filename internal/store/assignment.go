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

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrArchived is returned when a write targets an archived assignment.
var ErrArchived = errors.New("assignment is archived")

const assignmentColumns = `local_id, server_id, caregiver_id, elder_id,
	window_start, window_end, status,
	check_in_lat, check_in_lon, check_in_at,
	check_out_lat, check_out_lon, check_out_at,
	revision, sync_state, archived, updated_at`

// ApplyAssignmentChange applies a caregiver action to an assignment and, in
// the same transaction, enqueues the matching mutation record. The change is
// validated against the status state machine before anything is written, so
// an invalid transition never reaches the outbox.
func (s *Store) ApplyAssignmentChange(ctx context.Context, localID string, change model.AssignmentChange) (*model.MutationRecord, error) {
	unlock := s.lock(model.EntityAssignment, localID)
	defer unlock()

	a, err := s.GetAssignment(ctx, localID)
	if err != nil {
		return nil, err
	}
	if a.Archived {
		return nil, fmt.Errorf("%w: %s", ErrArchived, localID)
	}

	if err := change.ApplyTo(a); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	a.Revision++
	a.SyncState = model.SyncPending
	a.UpdatedAt = now

	payload, err := json.Marshal(change)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal change: %w", err)
	}
	rec := &model.MutationRecord{
		ID:          s.NewLocalID(),
		EntityType:  model.EntityAssignment,
		EntityID:    localID,
		Op:          model.OpUpdate,
		Payload:     payload,
		CreatedAt:   now,
		NextRetryAt: now,
		Status:      model.MutationPending,
	}

	err = s.inTx(ctx, "apply assignment change", func(tx *sql.Tx) error {
		if err := upsertAssignmentTx(ctx, tx, a); err != nil {
			return &StorageError{Op: "upsert assignment", Err: err}
		}
		if err := outbox.InsertTx(ctx, tx, rec); err != nil {
			return &StorageError{Op: "enqueue mutation", Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishSnapshot(model.EntityAssignment, a)
	s.notifyEnqueued()
	return rec, nil
}

// CheckIn records the caregiver's arrival. The timestamp and coordinates are
// compliance-critical: immutable once set.
func (s *Store) CheckIn(ctx context.Context, localID string, stamp model.GeoStamp) (*model.MutationRecord, error) {
	status := model.AssignmentCheckedIn
	return s.ApplyAssignmentChange(ctx, localID, model.AssignmentChange{
		Status:  &status,
		CheckIn: &stamp,
	})
}

// CheckOut records the caregiver's departure and completes the visit.
func (s *Store) CheckOut(ctx context.Context, localID string, stamp model.GeoStamp) (*model.MutationRecord, error) {
	status := model.AssignmentCompleted
	return s.ApplyAssignmentChange(ctx, localID, model.AssignmentChange{
		Status:   &status,
		CheckOut: &stamp,
	})
}

// Cancel marks a non-terminal assignment cancelled.
func (s *Store) Cancel(ctx context.Context, localID string) (*model.MutationRecord, error) {
	status := model.AssignmentCancelled
	return s.ApplyAssignmentChange(ctx, localID, model.AssignmentChange{Status: &status})
}

// MergeAssignment writes server-originated state without enqueueing a
// mutation. Used when seeding from the reference-data pull and when the sync
// engine merges resolved server state back in.
func (s *Store) MergeAssignment(ctx context.Context, a *model.Assignment) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid assignment: %w", err)
	}

	unlock := s.lock(model.EntityAssignment, a.LocalID)
	defer unlock()

	err := s.inTx(ctx, "merge assignment", func(tx *sql.Tx) error {
		if err := upsertAssignmentTx(ctx, tx, a); err != nil {
			return &StorageError{Op: "merge assignment", Err: err}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.publishSnapshot(model.EntityAssignment, a)
	return nil
}

// ResyncAssignment persists a conflict-merged assignment and enqueues a
// fresh mutation carrying its full end state, in one transaction. Used by
// the sync engine when resolution produces a state the backend has not seen.
func (s *Store) ResyncAssignment(ctx context.Context, a *model.Assignment) (*model.MutationRecord, error) {
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("invalid assignment: %w", err)
	}

	unlock := s.lock(model.EntityAssignment, a.LocalID)
	defer unlock()

	now := s.clock.Now()
	a.Revision++
	a.SyncState = model.SyncPending
	a.UpdatedAt = now

	payload, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal assignment: %w", err)
	}
	rec := &model.MutationRecord{
		ID:          s.NewLocalID(),
		EntityType:  model.EntityAssignment,
		EntityID:    a.LocalID,
		Op:          model.OpUpdate,
		Payload:     payload,
		CreatedAt:   now,
		NextRetryAt: now,
		Status:      model.MutationPending,
	}

	err = s.inTx(ctx, "resync assignment", func(tx *sql.Tx) error {
		if err := upsertAssignmentTx(ctx, tx, a); err != nil {
			return &StorageError{Op: "upsert assignment", Err: err}
		}
		if err := outbox.InsertTx(ctx, tx, rec); err != nil {
			return &StorageError{Op: "enqueue mutation", Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishSnapshot(model.EntityAssignment, a)
	s.notifyEnqueued()
	return rec, nil
}

// ArchiveAssignment flags an assignment superseded (e.g. reassigned away
// from this device). The row is kept for the audit trail, never deleted.
func (s *Store) ArchiveAssignment(ctx context.Context, localID string) error {
	unlock := s.lock(model.EntityAssignment, localID)
	defer unlock()

	a, err := s.GetAssignment(ctx, localID)
	if err != nil {
		return err
	}
	a.Archived = true
	a.UpdatedAt = s.clock.Now()

	err = s.inTx(ctx, "archive assignment", func(tx *sql.Tx) error {
		if err := upsertAssignmentTx(ctx, tx, a); err != nil {
			return &StorageError{Op: "archive assignment", Err: err}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.publishSnapshot(model.EntityAssignment, a)
	return nil
}

// GetAssignment retrieves a single assignment by local id.
func (s *Store) GetAssignment(ctx context.Context, localID string) (*model.Assignment, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE local_id = ?`, localID)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assignment %s: %w", localID, ErrNotFound)
	}
	return a, err
}

// FindAssignmentByServerID retrieves the local assignment mirroring a server
// record, if any. Used by the reference-data reconciliation.
func (s *Store) FindAssignmentByServerID(ctx context.Context, serverID string) (*model.Assignment, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE server_id = ?`, serverID)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assignment with server id %s: %w", serverID, ErrNotFound)
	}
	return a, err
}

// AssignmentFilter configures FindAssignments.
type AssignmentFilter struct {
	CaregiverID string
	ElderID     string
	Status      model.AssignmentStatus
	SyncState   model.SyncState
	// Archived filters by the archived flag; nil returns both.
	Archived *bool
	Limit    int
	Offset   int
}

// FindAssignments retrieves assignments matching the filter, ordered by
// scheduled window start then local id.
func (s *Store) FindAssignments(ctx context.Context, filter AssignmentFilter) ([]*model.Assignment, error) {
	var conditions []string
	var args []any

	if filter.CaregiverID != "" {
		conditions = append(conditions, "caregiver_id = ?")
		args = append(args, filter.CaregiverID)
	}
	if filter.ElderID != "" {
		conditions = append(conditions, "elder_id = ?")
		args = append(args, filter.ElderID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.SyncState != "" {
		conditions = append(conditions, "sync_state = ?")
		args = append(args, string(filter.SyncState))
	}
	if filter.Archived != nil {
		conditions = append(conditions, "archived = ?")
		args = append(args, boolToInt(*filter.Archived))
	}

	query := `SELECT ` + assignmentColumns + ` FROM assignments`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY window_start ASC, local_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	defer rows.Close()

	var out []*model.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assignments: %w", err)
	}
	return out, nil
}

func upsertAssignmentTx(ctx context.Context, tx *sql.Tx, a *model.Assignment) error {
	inLat, inLon, inAt := geoStampToCols(a.CheckIn)
	outLat, outLon, outAt := geoStampToCols(a.CheckOut)

	_, err := tx.ExecContext(ctx, `
	INSERT INTO assignments (
		local_id, server_id, caregiver_id, elder_id,
		window_start, window_end, status,
		check_in_lat, check_in_lon, check_in_at,
		check_out_lat, check_out_lon, check_out_at,
		revision, sync_state, archived, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		server_id = excluded.server_id,
		caregiver_id = excluded.caregiver_id,
		elder_id = excluded.elder_id,
		window_start = excluded.window_start,
		window_end = excluded.window_end,
		status = excluded.status,
		check_in_lat = excluded.check_in_lat,
		check_in_lon = excluded.check_in_lon,
		check_in_at = excluded.check_in_at,
		check_out_lat = excluded.check_out_lat,
		check_out_lon = excluded.check_out_lon,
		check_out_at = excluded.check_out_at,
		revision = excluded.revision,
		sync_state = excluded.sync_state,
		archived = excluded.archived,
		updated_at = excluded.updated_at
	`,
		a.LocalID,
		nullString(a.ServerID),
		a.CaregiverID,
		a.ElderID,
		timeToString(a.WindowStart),
		timeToString(a.WindowEnd),
		string(a.Status),
		inLat, inLon, inAt,
		outLat, outLon, outAt,
		a.Revision,
		string(a.SyncState),
		boolToInt(a.Archived),
		timeToString(a.UpdatedAt),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssignment(row rowScanner) (*model.Assignment, error) {
	var a model.Assignment
	var serverID sql.NullString
	var windowStart, windowEnd, updatedAt string
	var status, syncState string
	var inLat, inLon, outLat, outLon sql.NullFloat64
	var inAt, outAt sql.NullString
	var archived int

	err := row.Scan(
		&a.LocalID, &serverID, &a.CaregiverID, &a.ElderID,
		&windowStart, &windowEnd, &status,
		&inLat, &inLon, &inAt,
		&outLat, &outLon, &outAt,
		&a.Revision, &syncState, &archived, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	var perr error
	a.ServerID = nullStringToString(serverID)
	a.WindowStart = parseTime(windowStart, &perr)
	a.WindowEnd = parseTime(windowEnd, &perr)
	a.Status = model.AssignmentStatus(status)
	a.SyncState = model.SyncState(syncState)
	a.Archived = archived != 0
	a.UpdatedAt = parseTime(updatedAt, &perr)
	a.CheckIn = colsToGeoStamp(inLat, inLon, inAt, &perr)
	a.CheckOut = colsToGeoStamp(outLat, outLon, outAt, &perr)
	if perr != nil {
		return nil, perr
	}
	return &a, nil
}

func geoStampToCols(gs *model.GeoStamp) (lat, lon sql.NullFloat64, at sql.NullString) {
	if gs == nil {
		return
	}
	return sql.NullFloat64{Float64: gs.Lat, Valid: true},
		sql.NullFloat64{Float64: gs.Lon, Valid: true},
		sql.NullString{String: timeToString(gs.At), Valid: true}
}

func colsToGeoStamp(lat, lon sql.NullFloat64, at sql.NullString, errp *error) *model.GeoStamp {
	if !at.Valid {
		return nil
	}
	return &model.GeoStamp{Lat: lat.Float64, Lon: lon.Float64, At: parseTime(at.String, errp)}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
