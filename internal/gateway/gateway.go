// Package gateway defines the remote backend boundary the sync core
// consumes. The core depends only on this contract; the backend guarantees
// that repeated calls with the same idempotency key produce the same effect
// exactly once.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/qashsolutions/healthguide-sub003/internal/model"
)

// Gateway is the capability set the sync engine and the reference-data
// refresher require from the backend.
type Gateway interface {
	// ApplyMutation delivers one mutation record. The returned state is
	// the authoritative post-apply entity. Errors are classified by the
	// taxonomy in this package: RetryableError, PermanentError, or
	// ConflictError carrying the server's current state.
	ApplyMutation(ctx context.Context, req MutationRequest) (*ServerState, error)

	// FetchReferenceData returns the current assignment/task/elder
	// snapshot for a caregiver and date, used to seed the local store and
	// to reconcile server-side reassignments that produce no local
	// mutation.
	FetchReferenceData(ctx context.Context, scope ReferenceScope) (*ReferenceSnapshot, error)

	// Ping is a cheap reachability probe for the connectivity monitor.
	Ping(ctx context.Context) error
}

// MutationRequest is the wire form of one outbox record.
type MutationRequest struct {
	IdempotencyKey  string           `json:"idempotency_key"`
	EntityType      model.EntityType `json:"entity_type"`
	Operation       model.MutationOp `json:"operation"`
	LocalID         string           `json:"local_id"`
	ServerID        string           `json:"server_id,omitempty"`
	Payload         json.RawMessage  `json:"payload"`
	ClientTimestamp time.Time        `json:"client_timestamp"`
}

// ServerState is the authoritative post-apply entity state.
type ServerState struct {
	EntityType   model.EntityType `json:"entity_type"`
	ServerID     string           `json:"server_id"`
	Deleted      bool             `json:"deleted,omitempty"`
	ReassignedTo string           `json:"reassigned_to,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
	Entity       json.RawMessage  `json:"entity,omitempty"`
}

// Assignment decodes the embedded entity as an assignment. The returned
// value carries only server-known fields; local id and revision belong to
// the device.
func (s *ServerState) Assignment() (*model.Assignment, error) {
	var ra RemoteAssignment
	if len(s.Entity) > 0 {
		if err := json.Unmarshal(s.Entity, &ra); err != nil {
			return nil, fmt.Errorf("failed to decode server assignment: %w", err)
		}
	}
	a := ra.toModel()
	if a.ServerID == "" {
		a.ServerID = s.ServerID
	}
	return a, nil
}

// Task decodes the embedded entity as an assignment task.
func (s *ServerState) Task() (*model.AssignmentTask, error) {
	var rt RemoteTask
	if len(s.Entity) > 0 {
		if err := json.Unmarshal(s.Entity, &rt); err != nil {
			return nil, fmt.Errorf("failed to decode server task: %w", err)
		}
	}
	t := rt.toModel()
	if t.ServerID == "" {
		t.ServerID = s.ServerID
	}
	return t, nil
}

// Observation decodes the embedded entity as an observation.
func (s *ServerState) Observation() (*model.Observation, error) {
	var o model.Observation
	if len(s.Entity) > 0 {
		if err := json.Unmarshal(s.Entity, &o); err != nil {
			return nil, fmt.Errorf("failed to decode server observation: %w", err)
		}
	}
	if o.ServerID == "" {
		o.ServerID = s.ServerID
	}
	return &o, nil
}

// Meta extracts the resolver envelope from the server state.
func (s *ServerState) Meta() ServerMeta {
	return ServerMeta{
		Deleted:      s.Deleted,
		ReassignedTo: s.ReassignedTo,
		UpdatedAt:    s.UpdatedAt,
	}
}

// ServerMeta mirrors resolver.ServerMeta without importing it; the engine
// converts between the two.
type ServerMeta struct {
	Deleted      bool
	ReassignedTo string
	UpdatedAt    time.Time
}

// ReferenceScope selects one caregiver's schedule for one day.
type ReferenceScope struct {
	CaregiverID string
	// Date in YYYY-MM-DD form.
	Date string
}

// ReferenceSnapshot is the server's current view of a scope.
type ReferenceSnapshot struct {
	Assignments []RemoteAssignment `json:"assignments"`
	Elders      []model.Elder      `json:"elders"`
	// Revoked lists server ids of assignments taken away from this
	// caregiver since the last pull (reassigned or deleted).
	Revoked []string `json:"revoked,omitempty"`
}

// RemoteAssignment is the server's wire form of an assignment, including
// its task lines.
type RemoteAssignment struct {
	ID          string                 `json:"id"`
	CaregiverID string                 `json:"caregiver_id"`
	ElderID     string                 `json:"elder_id"`
	WindowStart time.Time              `json:"window_start"`
	WindowEnd   time.Time              `json:"window_end"`
	Status      model.AssignmentStatus `json:"status"`
	CheckIn     *model.GeoStamp        `json:"check_in,omitempty"`
	CheckOut    *model.GeoStamp        `json:"check_out,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
	Tasks       []RemoteTask           `json:"tasks,omitempty"`
}

func (ra *RemoteAssignment) toModel() *model.Assignment {
	return &model.Assignment{
		ServerID:    ra.ID,
		CaregiverID: ra.CaregiverID,
		ElderID:     ra.ElderID,
		WindowStart: ra.WindowStart,
		WindowEnd:   ra.WindowEnd,
		Status:      ra.Status,
		CheckIn:     ra.CheckIn,
		CheckOut:    ra.CheckOut,
		UpdatedAt:   ra.UpdatedAt,
	}
}

// ToModel exposes the conversion for the reference-data refresher.
func (ra *RemoteAssignment) ToModel() *model.Assignment { return ra.toModel() }

// RemoteTask is the server's wire form of a task line.
type RemoteTask struct {
	ID         string           `json:"id"`
	TaskDefID  string           `json:"task_def_id"`
	Status     model.TaskStatus `json:"status"`
	Note       string           `json:"note,omitempty"`
	SkipReason string           `json:"skip_reason,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

func (rt *RemoteTask) toModel() *model.AssignmentTask {
	return &model.AssignmentTask{
		ServerID:   rt.ID,
		TaskDefID:  rt.TaskDefID,
		Status:     rt.Status,
		Note:       rt.Note,
		SkipReason: rt.SkipReason,
		UpdatedAt:  rt.UpdatedAt,
	}
}

// ToModel exposes the conversion for the reference-data refresher.
func (rt *RemoteTask) ToModel() *model.AssignmentTask { return rt.toModel() }
