package model

import (
	"fmt"
	"time"
)

// GeoStamp is a time- and location-stamped event, the unit of visit
// verification. Once set on a synced record it is never overwritten.
type GeoStamp struct {
	Lat float64   `json:"lat"`
	Lon float64   `json:"lon"`
	At  time.Time `json:"at"`
}

// Assignment represents one scheduled visit for a caregiver at an elder's
// location. The local record is the source of truth for the device; ServerID
// stays empty until the first successful create sync confirms the record.
type Assignment struct {
	LocalID     string           `json:"local_id"`
	ServerID    string           `json:"server_id,omitempty"`
	CaregiverID string           `json:"caregiver_id"`
	ElderID     string           `json:"elder_id"`
	WindowStart time.Time        `json:"window_start"`
	WindowEnd   time.Time        `json:"window_end"`
	Status      AssignmentStatus `json:"status"`
	CheckIn     *GeoStamp        `json:"check_in,omitempty"`
	CheckOut    *GeoStamp        `json:"check_out,omitempty"`
	Revision    int64            `json:"revision"`
	SyncState   SyncState        `json:"sync_state"`
	Archived    bool             `json:"archived,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Validate checks required fields and status validity.
func (a *Assignment) Validate() error {
	if a.LocalID == "" {
		return fmt.Errorf("local_id is required")
	}
	if a.CaregiverID == "" {
		return fmt.Errorf("caregiver_id is required")
	}
	if a.ElderID == "" {
		return fmt.Errorf("elder_id is required")
	}
	if !a.Status.Valid() {
		return fmt.Errorf("unknown status %q", a.Status)
	}
	if a.WindowStart.IsZero() || a.WindowEnd.IsZero() {
		return fmt.Errorf("scheduled window is required")
	}
	if a.WindowEnd.Before(a.WindowStart) {
		return fmt.Errorf("window_end precedes window_start")
	}
	return nil
}

// AssignmentChange is the intended end state of the fields touched by one
// caregiver action. It is serialized as an outbox payload, so replays carry
// the target values rather than a diff against whatever the server holds.
type AssignmentChange struct {
	Status   *AssignmentStatus `json:"status,omitempty"`
	CheckIn  *GeoStamp         `json:"check_in,omitempty"`
	CheckOut *GeoStamp         `json:"check_out,omitempty"`
}

// ApplyTo validates the change against the state machine and writes it onto
// the assignment. The caller holds the entity write lock.
func (c *AssignmentChange) ApplyTo(a *Assignment) error {
	if c.Status != nil {
		if !ValidTransition(a.Status, *c.Status) {
			return &InvalidTransitionError{
				EntityType: EntityAssignment,
				EntityID:   a.LocalID,
				From:       string(a.Status),
				To:         string(*c.Status),
			}
		}
		a.Status = *c.Status
	}
	if c.CheckIn != nil {
		if a.CheckIn != nil && !a.CheckIn.At.Equal(c.CheckIn.At) {
			return fmt.Errorf("check-in already recorded for %s", a.LocalID)
		}
		a.CheckIn = c.CheckIn
	}
	if c.CheckOut != nil {
		if a.CheckOut != nil && !a.CheckOut.At.Equal(c.CheckOut.At) {
			return fmt.Errorf("check-out already recorded for %s", a.LocalID)
		}
		a.CheckOut = c.CheckOut
	}
	return nil
}
