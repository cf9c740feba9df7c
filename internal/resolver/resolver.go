// Package resolver implements the conflict resolution policy applied to
// every piece of server-originated state before it is merged into the local
// store.
//
// Resolution is a pure function: no I/O, no logging, no clock. Each call
// returns the merged entity together with a Decision describing both inputs
// and every per-field choice, which the caller logs for audit.
//
// Policy, in priority order:
//
//  1. The server is authoritative for existence. A deletion or a
//     reassignment away from this device discards the local pending
//     mutation; the caller archives the row and notifies the UI.
//  2. Check-in and check-out stamps are compliance-critical and immutable
//     once set: whichever side recorded the earlier real-time value wins,
//     permanently.
//  3. All other fields merge last-write-wins, comparing the local mutation's
//     creation time against the server's field update time.
//  4. Status merges to the most advanced state validly reachable from both
//     inputs; a regression is never produced. When no valid merge exists
//     (two different terminal states) the decision reports a conflict for
//     the engine to surface.
package resolver

import (
	"fmt"
	"time"

	"github.com/qashsolutions/healthguide-sub003/internal/model"
)

// Outcome classifies a resolution.
type Outcome string

const (
	// OutcomeMerged means local and server state combined cleanly.
	OutcomeMerged Outcome = "merged"
	// OutcomeServerWins means the server revoked the entity from this
	// device; the local pending mutation must be discarded.
	OutcomeServerWins Outcome = "server_wins"
	// OutcomeConflict means no valid state machine transition could merge
	// the two statuses; the record must be surfaced.
	OutcomeConflict Outcome = "conflict"
)

// ServerMeta carries the server-side envelope for rule 1 and the LWW clock
// for rule 3.
type ServerMeta struct {
	// Deleted reports the entity no longer exists server-side.
	Deleted bool
	// ReassignedTo is the caregiver now owning the visit, when different
	// from the device's caregiver.
	ReassignedTo string
	// UpdatedAt is the server's last field update time.
	UpdatedAt time.Time
}

// FieldChoice records which side won one field and why.
type FieldChoice struct {
	Field  string
	Chose  string // "local" or "server"
	Reason string
}

// Decision is the audit record of one resolution.
type Decision struct {
	Outcome    Outcome
	EntityType model.EntityType
	EntityID   string
	Reason     string
	Fields     []FieldChoice
}

func (d *Decision) choose(field, side, reason string) {
	d.Fields = append(d.Fields, FieldChoice{Field: field, Chose: side, Reason: reason})
}

// ResolveAssignment merges a server-confirmed assignment with the local
// record carrying a pending mutation created at pendingAt.
func ResolveAssignment(local *model.Assignment, pendingAt time.Time, server *model.Assignment, meta ServerMeta) (*model.Assignment, Decision) {
	d := Decision{
		Outcome:    OutcomeMerged,
		EntityType: model.EntityAssignment,
		EntityID:   local.LocalID,
	}

	if meta.Deleted || (meta.ReassignedTo != "" && meta.ReassignedTo != local.CaregiverID) {
		merged := *server
		merged.LocalID = local.LocalID
		merged.Archived = true
		d.Outcome = OutcomeServerWins
		if meta.Deleted {
			d.Reason = "server reports entity deleted"
		} else {
			d.Reason = fmt.Sprintf("visit reassigned to caregiver %s", meta.ReassignedTo)
		}
		return &merged, d
	}

	merged := *local
	merged.ServerID = server.ServerID

	// Rule 2: first-set-in-real-time wins, never overwritten.
	merged.CheckIn = resolveStamp(&d, "check_in", local.CheckIn, server.CheckIn)
	merged.CheckOut = resolveStamp(&d, "check_out", local.CheckOut, server.CheckOut)

	// Rule 3: the scheduled window and references belong to whoever wrote
	// last; in practice the server, since the device never edits them.
	if meta.UpdatedAt.After(pendingAt) {
		merged.WindowStart = server.WindowStart
		merged.WindowEnd = server.WindowEnd
		merged.ElderID = server.ElderID
		d.choose("window", "server", "server update is newer")
	} else {
		d.choose("window", "local", "local mutation is newer")
	}

	// Rule 4: most advanced valid status, never a regression.
	status, ok := model.MostAdvanced(local.Status, server.Status)
	if !ok {
		d.Outcome = OutcomeConflict
		d.Reason = fmt.Sprintf("no valid merge of statuses %s and %s", local.Status, server.Status)
		return &merged, d
	}
	side := "local"
	if status == server.Status && status != local.Status {
		side = "server"
	}
	d.choose("status", side, fmt.Sprintf("most advanced valid state is %s", status))
	merged.Status = status

	return &merged, d
}

func resolveStamp(d *Decision, field string, local, server *model.GeoStamp) *model.GeoStamp {
	switch {
	case local == nil && server == nil:
		return nil
	case local == nil:
		d.choose(field, "server", "only server has a value")
		return server
	case server == nil:
		d.choose(field, "local", "only local has a value")
		return local
	case server.At.Before(local.At):
		d.choose(field, "server", "server stamp is earlier in real time")
		return server
	default:
		d.choose(field, "local", "local stamp is earlier in real time")
		return local
	}
}

// ResolveTask merges a server-confirmed task line with the local record.
func ResolveTask(local *model.AssignmentTask, pendingAt time.Time, server *model.AssignmentTask, meta ServerMeta) (*model.AssignmentTask, Decision) {
	d := Decision{
		Outcome:    OutcomeMerged,
		EntityType: model.EntityTask,
		EntityID:   local.LocalID,
	}

	if meta.Deleted {
		merged := *server
		merged.LocalID = local.LocalID
		d.Outcome = OutcomeServerWins
		d.Reason = "server reports entity deleted"
		return &merged, d
	}

	merged := *local
	merged.ServerID = server.ServerID

	// Task status only moves forward out of pending; a side that reached a
	// terminal state holds it.
	if local.Status == model.TaskPending && server.Status != model.TaskPending {
		merged.Status = server.Status
		d.choose("status", "server", "server state is further along")
	} else {
		d.choose("status", "local", "local state is terminal or equal")
	}

	if meta.UpdatedAt.After(pendingAt) {
		merged.Note = server.Note
		merged.SkipReason = server.SkipReason
		d.choose("note", "server", "server update is newer")
	} else {
		d.choose("note", "local", "local mutation is newer")
	}

	return &merged, d
}

// ResolveObservation reconciles a server echo of an append-only record.
// Content is immutable, so the merge only adopts the server id; a deletion
// on the server still wins existence.
func ResolveObservation(local *model.Observation, server *model.Observation, meta ServerMeta) (*model.Observation, Decision) {
	d := Decision{
		Outcome:    OutcomeMerged,
		EntityType: model.EntityObservation,
		EntityID:   local.LocalID,
	}

	if meta.Deleted {
		merged := *local
		d.Outcome = OutcomeServerWins
		d.Reason = "server reports entity deleted"
		return &merged, d
	}

	merged := *local
	if server != nil {
		merged.ServerID = server.ServerID
	}
	d.choose("content", "local", "observations are append-only")
	return &merged, d
}
