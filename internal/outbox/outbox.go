// Package outbox implements the durable mutation log: an append-only,
// ordered record of every local change not yet confirmed by the backend.
//
// Records are inserted in the same SQLite transaction as the entity write
// they describe (see the store package), so neither can exist without the
// other. The sync engine drains records oldest-first with at most one
// record in flight per entity, which preserves per-entity causal ordering
// across arbitrary retry and backoff interleavings. Each record's ID is the
// idempotency key for its remote call.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/qashsolutions/healthguide-sub003/internal/clock"
	"github.com/qashsolutions/healthguide-sub003/internal/model"
)

// ErrNotFound is returned when a record id matches no row.
var ErrNotFound = errors.New("mutation record not found")

const columns = `id, entity_type, entity_id, op, payload, created_at,
	attempts, last_error, next_retry_at, status, acknowledged`

// Outbox manages mutation records on the shared store database.
type Outbox struct {
	conn        *sql.DB
	clock       clock.Clock
	backoff     BackoffPolicy
	maxAttempts int
	logger      *zap.Logger
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithClock injects the clock used for retry scheduling.
func WithClock(c clock.Clock) Option {
	return func(o *Outbox) { o.clock = c }
}

// WithBackoff overrides the retry schedule.
func WithBackoff(p BackoffPolicy) Option {
	return func(o *Outbox) { o.backoff = p }
}

// WithMaxAttempts bounds transient retries; past the bound a record moves to
// failed and is surfaced for manual resolution instead of retrying forever.
func WithMaxAttempts(n int) Option {
	return func(o *Outbox) { o.maxAttempts = n }
}

// New creates an Outbox over the store's database connection.
func New(conn *sql.DB, logger *zap.Logger, opts ...Option) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Outbox{
		conn:        conn,
		clock:       clock.Real{},
		backoff:     DefaultBackoff(),
		maxAttempts: 8,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// InsertTx appends a record inside an existing transaction. The store calls
// this from the same transaction that writes the entity, which is the single
// invariant the whole sync design rests on.
func InsertTx(ctx context.Context, tx *sql.Tx, rec *model.MutationRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid mutation record: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
	INSERT INTO outbox (
		id, entity_type, entity_id, op, payload, created_at,
		attempts, last_error, next_retry_at, status, acknowledged
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		string(rec.EntityType),
		rec.EntityID,
		string(rec.Op),
		string(rec.Payload),
		formatTime(rec.CreatedAt),
		rec.Attempts,
		rec.LastError,
		formatTime(rec.NextRetryAt),
		string(rec.Status),
		boolToInt(rec.Acknowledged),
	)
	if err != nil {
		return fmt.Errorf("failed to insert mutation record: %w", err)
	}
	return nil
}

// NextBatch returns up to n records ready to send, oldest first, with at
// most one record per entity. An entity with a record already in flight, or
// with an older record still pending or failed-unacknowledged, contributes
// nothing to the batch; sending a newer record ahead of an older one would
// break causal ordering.
func (o *Outbox) NextBatch(ctx context.Context, n int) ([]*model.MutationRecord, error) {
	now := formatTime(o.clock.Now())
	rows, err := o.conn.QueryContext(ctx, `
	SELECT `+columns+` FROM outbox o
	WHERE o.status = 'pending'
	  AND o.next_retry_at <= ?
	  AND NOT EXISTS (
		SELECT 1 FROM outbox x
		WHERE x.entity_type = o.entity_type
		  AND x.entity_id = o.entity_id
		  AND (
			x.status = 'in_flight'
			OR (x.status = 'failed' AND x.acknowledged = 0)
			OR (x.status = 'pending'
				AND (x.created_at < o.created_at
					 OR (x.created_at = o.created_at AND x.id < o.id)))
		  )
	  )
	ORDER BY o.created_at ASC, o.id ASC
	LIMIT ?
	`, now, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query next batch: %w", err)
	}
	defer rows.Close()

	var out []*model.MutationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batch: %w", err)
	}
	return out, nil
}

// MarkInFlight transitions a pending record to in_flight.
func (o *Outbox) MarkInFlight(ctx context.Context, id string) error {
	return o.update(ctx, id,
		`UPDATE outbox SET status = 'in_flight' WHERE id = ? AND status = 'pending'`)
}

// RecoverInFlight re-queues every in_flight record. Called at process
// startup: a record can only be in flight while a delivery goroutine owns
// it, so after a restart any such row is an interrupted call whose outcome
// was never confirmed. Re-sending is safe because the record id doubles as
// the idempotency key. Returns the number of records recovered.
func (o *Outbox) RecoverInFlight(ctx context.Context) (int64, error) {
	res, err := o.conn.ExecContext(ctx, `
	UPDATE outbox SET status = 'pending', next_retry_at = ?,
		last_error = 'interrupted mid-delivery'
	WHERE status = 'in_flight'`, formatTime(o.clock.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.logger.Warn("re-queued mutations left in flight by a previous run",
			zap.Int64("count", n))
	}
	return n, nil
}

// MarkSynced records a confirmed delivery. Synced records are retained until
// Prune so the audit trail of what was sent survives on-device for a while.
func (o *Outbox) MarkSynced(ctx context.Context, id string) error {
	return o.update(ctx, id,
		`UPDATE outbox SET status = 'synced', last_error = '' WHERE id = ?`)
}

// MarkFailedTransient schedules a retry after a transient failure. The
// attempt count increments and the next retry time follows the backoff
// schedule; past the max-attempts bound the record moves to failed instead.
// Returns the scheduled retry time and whether the record gave up.
func (o *Outbox) MarkFailedTransient(ctx context.Context, id string, cause error) (time.Time, bool, error) {
	rec, err := o.Get(ctx, id)
	if err != nil {
		return time.Time{}, false, err
	}

	attempts := rec.Attempts + 1
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if attempts >= o.maxAttempts {
		_, err := o.conn.ExecContext(ctx, `
		UPDATE outbox SET status = 'failed', attempts = ?, last_error = ? WHERE id = ?`,
			attempts, msg, id)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("failed to mark record failed: %w", err)
		}
		o.logger.Warn("mutation exhausted retries",
			zap.String("mutation_id", id),
			zap.Int("attempts", attempts),
			zap.String("last_error", msg))
		return time.Time{}, true, nil
	}

	retryAt := o.clock.Now().Add(o.backoff.Delay(attempts))
	_, err = o.conn.ExecContext(ctx, `
	UPDATE outbox SET status = 'pending', attempts = ?, last_error = ?, next_retry_at = ?
	WHERE id = ?`,
		attempts, msg, formatTime(retryAt), id)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to schedule retry: %w", err)
	}
	return retryAt, false, nil
}

// MarkFailedPermanent records a non-retryable failure (validation or
// authorization). The record is surfaced for manual resolution.
func (o *Outbox) MarkFailedPermanent(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := o.conn.ExecContext(ctx, `
	UPDATE outbox SET status = 'failed', attempts = attempts + 1, last_error = ? WHERE id = ?`,
		msg, id)
	if err != nil {
		return fmt.Errorf("failed to mark record failed: %w", err)
	}
	return nil
}

// MarkDiscarded records a mutation deliberately dropped by conflict
// resolution (e.g. the visit was reassigned away from this device). The
// record is failed but pre-acknowledged: it is not actionable for a human.
func (o *Outbox) MarkDiscarded(ctx context.Context, id, reason string) error {
	return o.update(ctx, id, `
	UPDATE outbox SET status = 'failed', acknowledged = 1, last_error = ?
	WHERE id = ?`, reason)
}

// Retry re-queues a failed record for immediate delivery, keeping its
// attempt history.
func (o *Outbox) Retry(ctx context.Context, id string) error {
	return o.update(ctx, id, `
	UPDATE outbox SET status = 'pending', acknowledged = 0, next_retry_at = ?
	WHERE id = ? AND status = 'failed'`, formatTime(o.clock.Now()))
}

// Acknowledge marks a failed record as humanly resolved, unblocking younger
// mutations queued behind it.
func (o *Outbox) Acknowledge(ctx context.Context, id string) error {
	return o.update(ctx, id,
		`UPDATE outbox SET acknowledged = 1 WHERE id = ? AND status = 'failed'`)
}

// Get retrieves a record by id.
func (o *Outbox) Get(ctx context.Context, id string) (*model.MutationRecord, error) {
	row := o.conn.QueryRowContext(ctx, `SELECT `+columns+` FROM outbox WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// ListFailed returns failed, unacknowledged records oldest first: the queue
// a human works through.
func (o *Outbox) ListFailed(ctx context.Context) ([]*model.MutationRecord, error) {
	rows, err := o.conn.QueryContext(ctx, `
	SELECT `+columns+` FROM outbox
	WHERE status = 'failed' AND acknowledged = 0
	ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// PendingForEntity returns the queued (pending or in-flight) records for one
// entity in creation order.
func (o *Outbox) PendingForEntity(ctx context.Context, et model.EntityType, entityID string) ([]*model.MutationRecord, error) {
	rows, err := o.conn.QueryContext(ctx, `
	SELECT `+columns+` FROM outbox
	WHERE entity_type = ? AND entity_id = ? AND status IN ('pending', 'in_flight')
	ORDER BY created_at ASC, id ASC`, string(et), entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// DiscardPendingForEntity drops every queued mutation for an entity the
// server has taken away from this device. Returns the number discarded.
func (o *Outbox) DiscardPendingForEntity(ctx context.Context, et model.EntityType, entityID, reason string) (int64, error) {
	res, err := o.conn.ExecContext(ctx, `
	UPDATE outbox SET status = 'failed', acknowledged = 1, last_error = ?
	WHERE entity_type = ? AND entity_id = ? AND status IN ('pending', 'in_flight')`,
		reason, string(et), entityID)
	if err != nil {
		return 0, fmt.Errorf("failed to discard pending records: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		o.logger.Info("discarded pending mutations",
			zap.String("entity_type", string(et)),
			zap.String("entity_id", entityID),
			zap.Int64("count", n),
			zap.String("reason", reason))
	}
	return n, nil
}

// EarliestRetry returns the soonest next_retry_at among pending records, so
// the sync engine can sleep exactly until work becomes ready.
func (o *Outbox) EarliestRetry(ctx context.Context) (time.Time, bool, error) {
	var s sql.NullString
	err := o.conn.QueryRowContext(ctx,
		`SELECT MIN(next_retry_at) FROM outbox WHERE status = 'pending'`).Scan(&s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query earliest retry: %w", err)
	}
	if !s.Valid {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse retry time: %w", err)
	}
	return t, true, nil
}

// Stats summarizes the queue for the status surface.
type Stats struct {
	Pending  int
	InFlight int
	Synced   int
	Failed   int
}

// Stats counts records by status.
func (o *Outbox) Stats(ctx context.Context) (Stats, error) {
	rows, err := o.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query outbox stats: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, err
		}
		switch model.MutationStatus(status) {
		case model.MutationPending:
			st.Pending = count
		case model.MutationInFlight:
			st.InFlight = count
		case model.MutationSynced:
			st.Synced = count
		case model.MutationFailed:
			st.Failed = count
		}
	}
	return st, rows.Err()
}

// Prune deletes synced records older than the retention window, keeping
// queue growth bounded on a constrained device.
func (o *Outbox) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := formatTime(o.clock.Now().Add(-retention))
	res, err := o.conn.ExecContext(ctx,
		`DELETE FROM outbox WHERE status = 'synced' AND created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune outbox: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (o *Outbox) update(ctx context.Context, id, query string, extraArgs ...any) error {
	args := append(extraArgs, id)
	res, err := o.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update mutation record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func scanRecord(row interface{ Scan(...any) error }) (*model.MutationRecord, error) {
	var rec model.MutationRecord
	var entityType, op, status, payload string
	var createdAt, nextRetryAt string
	var acknowledged int

	err := row.Scan(
		&rec.ID, &entityType, &rec.EntityID, &op, &payload, &createdAt,
		&rec.Attempts, &rec.LastError, &nextRetryAt, &status, &acknowledged,
	)
	if err != nil {
		return nil, err
	}

	rec.EntityType = model.EntityType(entityType)
	rec.Op = model.MutationOp(op)
	rec.Payload = []byte(payload)
	rec.Status = model.MutationStatus(status)
	rec.Acknowledged = acknowledged != 0
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("corrupt created_at on record %s: %w", rec.ID, err)
	}
	if rec.NextRetryAt, err = time.Parse(time.RFC3339Nano, nextRetryAt); err != nil {
		return nil, fmt.Errorf("corrupt next_retry_at on record %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]*model.MutationRecord, error) {
	var out []*model.MutationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
