package store

import (
	"context"
	"fmt"
)

// migrations is the ordered list of schema steps. Each entry is applied once
// and recorded in schema_version, so upgrades on devices in the field are
// explicit and additive.
var migrations = []string{
	// v1: initial schema
	`
	CREATE TABLE IF NOT EXISTS assignments (
		local_id TEXT PRIMARY KEY,
		server_id TEXT,
		caregiver_id TEXT NOT NULL,
		elder_id TEXT NOT NULL,
		window_start TEXT NOT NULL,
		window_end TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'scheduled',
		check_in_lat REAL,
		check_in_lon REAL,
		check_in_at TEXT,
		check_out_lat REAL,
		check_out_lon REAL,
		check_out_at TEXT,
		revision INTEGER NOT NULL DEFAULT 0,
		sync_state TEXT NOT NULL DEFAULT 'pending',
		archived INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS assignment_tasks (
		local_id TEXT PRIMARY KEY,
		server_id TEXT,
		assignment_id TEXT NOT NULL,
		task_def_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		note TEXT NOT NULL DEFAULT '',
		skip_reason TEXT NOT NULL DEFAULT '',
		revision INTEGER NOT NULL DEFAULT 0,
		sync_state TEXT NOT NULL DEFAULT 'pending',
		updated_at TEXT NOT NULL,
		FOREIGN KEY (assignment_id) REFERENCES assignments(local_id)
	);

	CREATE TABLE IF NOT EXISTS observations (
		local_id TEXT PRIMARY KEY,
		server_id TEXT,
		assignment_id TEXT NOT NULL,
		elder_id TEXT NOT NULL,
		caregiver_id TEXT NOT NULL,
		category TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		flagged INTEGER NOT NULL DEFAULT 0,
		retracts TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		sync_state TEXT NOT NULL DEFAULT 'pending',
		FOREIGN KEY (assignment_id) REFERENCES assignments(local_id)
	);

	CREATE TABLE IF NOT EXISTS elders (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		lat REAL NOT NULL DEFAULT 0,
		lon REAL NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		op TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		next_retry_at TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		acknowledged INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_assignments_caregiver ON assignments(caregiver_id);
	CREATE INDEX IF NOT EXISTS idx_assignments_status ON assignments(status);
	CREATE INDEX IF NOT EXISTS idx_assignments_server ON assignments(server_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_assignment ON assignment_tasks(assignment_id);
	CREATE INDEX IF NOT EXISTS idx_observations_assignment ON observations(assignment_id);
	CREATE INDEX IF NOT EXISTS idx_outbox_ready ON outbox(status, next_retry_at);
	CREATE INDEX IF NOT EXISTS idx_outbox_entity ON outbox(entity_type, entity_id, created_at);
	`,
}

// InitSchema creates or upgrades the database schema. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}

	var version int
	err := s.conn.QueryRowContext(ctx, `SELECT version FROM schema_version`).Scan(&version)
	if err != nil {
		// No row yet: fresh database.
		if _, err := s.conn.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("failed to seed schema_version: %w", err)
		}
		version = 0
	}

	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than this build supports (%d)",
			version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		if _, err := s.conn.ExecContext(ctx, migrations[i]); err != nil {
			return fmt.Errorf("failed to apply schema migration %d: %w", i+1, err)
		}
		if _, err := s.conn.ExecContext(ctx, `UPDATE schema_version SET version = ?`, i+1); err != nil {
			return fmt.Errorf("failed to record schema version %d: %w", i+1, err)
		}
	}

	return nil
}
