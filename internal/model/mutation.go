package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType identifies which local table a mutation targets.
type EntityType string

const (
	EntityAssignment  EntityType = "assignment"
	EntityTask        EntityType = "assignment_task"
	EntityObservation EntityType = "observation"
)

// MutationOp is the kind of change a mutation encodes.
type MutationOp string

const (
	OpCreate MutationOp = "create"
	OpUpdate MutationOp = "update"
)

// MutationStatus is the delivery state of an outbox record.
type MutationStatus string

const (
	MutationPending  MutationStatus = "pending"
	MutationInFlight MutationStatus = "in_flight"
	MutationSynced   MutationStatus = "synced"
	MutationFailed   MutationStatus = "failed"
)

// MutationRecord is one entry in the outbox: a durable, replayable record of
// a local change not yet confirmed by the backend. The record ID doubles as
// the idempotency key for the remote call, so a retried delivery can never
// double-apply. Payload holds the intended end state of the changed fields.
type MutationRecord struct {
	ID          string          `json:"id"`
	EntityType  EntityType      `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Op          MutationOp      `json:"op"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	NextRetryAt time.Time       `json:"next_retry_at"`
	Status      MutationStatus  `json:"status"`
	// Acknowledged marks a failed record a human has resolved (or the
	// resolver has discarded); acknowledged failures are no longer
	// surfaced as actionable.
	Acknowledged bool `json:"acknowledged,omitempty"`
}

// Validate checks required fields.
func (m *MutationRecord) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	switch m.EntityType {
	case EntityAssignment, EntityTask, EntityObservation:
	default:
		return fmt.Errorf("unknown entity type %q", m.EntityType)
	}
	if m.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if m.Op != OpCreate && m.Op != OpUpdate {
		return fmt.Errorf("unknown op %q", m.Op)
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}
