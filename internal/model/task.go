package model

import (
	"fmt"
	"time"
)

// AssignmentTask is one task line on an assignment (e.g. "administer
// medication", "prepare lunch"). Tasks arrive with the assignment from the
// reference-data pull and are completed or skipped by the caregiver.
type AssignmentTask struct {
	LocalID      string     `json:"local_id"`
	ServerID     string     `json:"server_id,omitempty"`
	AssignmentID string     `json:"assignment_id"`
	TaskDefID    string     `json:"task_def_id"`
	Status       TaskStatus `json:"status"`
	Note         string     `json:"note,omitempty"`
	SkipReason   string     `json:"skip_reason,omitempty"`
	Revision     int64      `json:"revision"`
	SyncState    SyncState  `json:"sync_state"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Validate checks required fields.
func (t *AssignmentTask) Validate() error {
	if t.LocalID == "" {
		return fmt.Errorf("local_id is required")
	}
	if t.AssignmentID == "" {
		return fmt.Errorf("assignment_id is required")
	}
	if t.TaskDefID == "" {
		return fmt.Errorf("task_def_id is required")
	}
	switch t.Status {
	case TaskPending, TaskCompleted, TaskSkipped:
	default:
		return fmt.Errorf("unknown status %q", t.Status)
	}
	return nil
}

// TaskChange is the intended end state of a task edit, serialized as an
// outbox payload.
type TaskChange struct {
	Status     *TaskStatus `json:"status,omitempty"`
	Note       *string     `json:"note,omitempty"`
	SkipReason *string     `json:"skip_reason,omitempty"`
}

// ApplyTo validates and applies the change. A task cannot move to completed
// or skipped unless its owning assignment is checked in or in progress; the
// store enforces that by passing the owner's status here.
func (c *TaskChange) ApplyTo(t *AssignmentTask, owner AssignmentStatus) error {
	if c.Status != nil && *c.Status != t.Status {
		if owner != AssignmentCheckedIn && owner != AssignmentInProgress {
			return fmt.Errorf("task %s cannot change status while assignment is %s", t.LocalID, owner)
		}
		if !ValidTaskTransition(t.Status, *c.Status) {
			return &InvalidTransitionError{
				EntityType: EntityTask,
				EntityID:   t.LocalID,
				From:       string(t.Status),
				To:         string(*c.Status),
			}
		}
		t.Status = *c.Status
	}
	if c.Note != nil {
		t.Note = *c.Note
	}
	if c.SkipReason != nil {
		t.SkipReason = *c.SkipReason
	}
	return nil
}
