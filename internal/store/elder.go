package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/qashsolutions/healthguide-sub003/internal/model"
)

// UpsertElder refreshes the cached elder projection. Elder rows are
// read-only reference data: no revision, no outbox, no observers.
func (s *Store) UpsertElder(ctx context.Context, e *model.Elder) error {
	if e.ID == "" {
		return fmt.Errorf("elder id is required")
	}

	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO elders (id, name, address, lat, lon, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		address = excluded.address,
		lat = excluded.lat,
		lon = excluded.lon,
		updated_at = excluded.updated_at
	`,
		e.ID, e.Name, e.Address, e.Lat, e.Lon, timeToString(e.UpdatedAt),
	)
	if err != nil {
		return &StorageError{Op: "upsert elder", Err: err}
	}
	return nil
}

// GetElder retrieves a cached elder profile.
func (s *Store) GetElder(ctx context.Context, id string) (*model.Elder, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT id, name, address, lat, lon, updated_at FROM elders WHERE id = ?`, id)

	var e model.Elder
	var updatedAt string
	err := row.Scan(&e.ID, &e.Name, &e.Address, &e.Lat, &e.Lon, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("elder %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var perr error
	e.UpdatedAt = parseTime(updatedAt, &perr)
	if perr != nil {
		return nil, perr
	}
	return &e, nil
}
