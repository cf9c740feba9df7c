// Package model provides the entity structures for the offline visit store.
//
// Entities are flat, explicitly-defined structs with last-write-wins friendly
// fields: every record carries its own timestamps and a revision counter so
// concurrent edits can be reconciled without runtime reflection or
// tag-driven schema discovery.
package model

import "fmt"

// AssignmentStatus is the lifecycle state of a scheduled visit.
type AssignmentStatus string

const (
	AssignmentScheduled  AssignmentStatus = "scheduled"
	AssignmentCheckedIn  AssignmentStatus = "checked_in"
	AssignmentInProgress AssignmentStatus = "in_progress"
	AssignmentCompleted  AssignmentStatus = "completed"
	AssignmentMissed     AssignmentStatus = "missed"
	AssignmentCancelled  AssignmentStatus = "cancelled"
)

// TaskStatus is the state of a single task line on an assignment.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskSkipped   TaskStatus = "skipped"
)

// SyncState tracks whether a local record has been confirmed by the backend.
type SyncState string

const (
	SyncPending SyncState = "pending"
	SyncSyncing SyncState = "syncing"
	SyncSynced  SyncState = "synced"
	SyncFailed  SyncState = "failed"
)

// statusRank orders assignment statuses along the visit lifecycle.
// The three terminal states share the highest rank.
var statusRank = map[AssignmentStatus]int{
	AssignmentScheduled:  0,
	AssignmentCheckedIn:  1,
	AssignmentInProgress: 2,
	AssignmentCompleted:  3,
	AssignmentMissed:     3,
	AssignmentCancelled:  3,
}

// assignmentTransitions is the forward edge set of the visit state machine:
//
//	scheduled -> checked_in -> in_progress -> {completed | missed}
//
// checked_in also steps straight to completed: a check-out is valid whether
// or not any task work moved the visit to in_progress first. missed is
// reachable directly from scheduled (the visit window lapsed with no
// check-in), and cancelled is reachable from any non-terminal state.
var assignmentTransitions = map[AssignmentStatus][]AssignmentStatus{
	AssignmentScheduled:  {AssignmentCheckedIn, AssignmentMissed, AssignmentCancelled},
	AssignmentCheckedIn:  {AssignmentInProgress, AssignmentCompleted, AssignmentCancelled},
	AssignmentInProgress: {AssignmentCompleted, AssignmentMissed, AssignmentCancelled},
}

// IsTerminal reports whether s ends the visit lifecycle.
func (s AssignmentStatus) IsTerminal() bool {
	return s == AssignmentCompleted || s == AssignmentMissed || s == AssignmentCancelled
}

// Valid reports whether s is a known assignment status.
func (s AssignmentStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// ValidTransition reports whether moving an assignment from one status
// directly to another is allowed by the state machine. Self transitions are
// allowed so idempotent replays of the same change are not rejected.
func ValidTransition(from, to AssignmentStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range assignmentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Reachable reports whether the state machine permits any path from one
// status to another, not just a single step.
func Reachable(from, to AssignmentStatus) bool {
	if from == to {
		return true
	}
	for _, next := range assignmentTransitions[from] {
		if Reachable(next, to) {
			return true
		}
	}
	return false
}

// MostAdvanced merges two assignment statuses by selecting the further one
// along the state machine, provided it is reachable from the other. Two
// distinct terminal states (e.g. completed vs cancelled) cannot be merged;
// ok is false in that case and the caller must surface the conflict.
func MostAdvanced(a, b AssignmentStatus) (AssignmentStatus, bool) {
	if a == b {
		return a, true
	}
	if statusRank[a] > statusRank[b] {
		a, b = b, a
	}
	if Reachable(a, b) {
		return b, true
	}
	return "", false
}

// ValidTaskTransition reports whether a task status change is allowed.
// Tasks only move forward out of pending; completed and skipped are terminal.
func ValidTaskTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	return from == TaskPending && (to == TaskCompleted || to == TaskSkipped)
}

// InvalidTransitionError reports a status change rejected by the state
// machine before it ever reached the outbox.
type InvalidTransitionError struct {
	EntityType EntityType
	EntityID   string
	From, To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s for %s", e.EntityType, e.From, e.To, e.EntityID)
}
