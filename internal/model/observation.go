package model

import (
	"fmt"
	"time"
)

// Observation is a care note recorded during a visit. Observations are
// append-only: once created they are never edited or deleted, only retracted
// by a later compensating record that references the original.
type Observation struct {
	LocalID      string    `json:"local_id"`
	ServerID     string    `json:"server_id,omitempty"`
	AssignmentID string    `json:"assignment_id"`
	ElderID      string    `json:"elder_id"`
	CaregiverID  string    `json:"caregiver_id"`
	Category     string    `json:"category"`
	Value        string    `json:"value"`
	Note         string    `json:"note,omitempty"`
	Flagged      bool      `json:"flagged,omitempty"`
	Retracts     string    `json:"retracts,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	SyncState    SyncState `json:"sync_state"`
}

// Validate checks required fields.
func (o *Observation) Validate() error {
	if o.LocalID == "" {
		return fmt.Errorf("local_id is required")
	}
	if o.AssignmentID == "" {
		return fmt.Errorf("assignment_id is required")
	}
	if o.ElderID == "" {
		return fmt.Errorf("elder_id is required")
	}
	if o.CaregiverID == "" {
		return fmt.Errorf("caregiver_id is required")
	}
	if o.Category == "" {
		return fmt.Errorf("category is required")
	}
	if o.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// Retraction builds the compensating record for this observation. The
// original row stays in place; downstream consumers treat the pair as
// cancelling out.
func (o *Observation) Retraction(localID string, at time.Time) *Observation {
	return &Observation{
		LocalID:      localID,
		AssignmentID: o.AssignmentID,
		ElderID:      o.ElderID,
		CaregiverID:  o.CaregiverID,
		Category:     o.Category,
		Value:        "retracted",
		Retracts:     o.LocalID,
		CreatedAt:    at,
		SyncState:    SyncPending,
	}
}
