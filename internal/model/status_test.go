package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidTransition(t *testing.T) {
	tests := []struct {
		name string
		from AssignmentStatus
		to   AssignmentStatus
		want bool
	}{
		{"scheduled to checked_in", AssignmentScheduled, AssignmentCheckedIn, true},
		{"checked_in to in_progress", AssignmentCheckedIn, AssignmentInProgress, true},
		{"checked_in to completed", AssignmentCheckedIn, AssignmentCompleted, true},
		{"in_progress to completed", AssignmentInProgress, AssignmentCompleted, true},
		{"in_progress to missed", AssignmentInProgress, AssignmentMissed, true},
		{"scheduled to missed", AssignmentScheduled, AssignmentMissed, true},
		{"scheduled to cancelled", AssignmentScheduled, AssignmentCancelled, true},
		{"checked_in to cancelled", AssignmentCheckedIn, AssignmentCancelled, true},
		{"in_progress to cancelled", AssignmentInProgress, AssignmentCancelled, true},
		{"self transition allowed", AssignmentCheckedIn, AssignmentCheckedIn, true},

		{"no regression to scheduled", AssignmentCompleted, AssignmentScheduled, false},
		{"no regression from checked_in", AssignmentCheckedIn, AssignmentScheduled, false},
		{"no skip to completed", AssignmentScheduled, AssignmentCompleted, false},
		{"completed is terminal", AssignmentCompleted, AssignmentCancelled, false},
		{"missed is terminal", AssignmentMissed, AssignmentCheckedIn, false},
		{"cancelled is terminal", AssignmentCancelled, AssignmentCheckedIn, false},
		{"unknown status", AssignmentStatus("bogus"), AssignmentCheckedIn, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidTransition(tt.from, tt.to))
		})
	}
}

func TestMostAdvanced(t *testing.T) {
	tests := []struct {
		name   string
		a, b   AssignmentStatus
		want   AssignmentStatus
		wantOK bool
	}{
		{"equal", AssignmentCheckedIn, AssignmentCheckedIn, AssignmentCheckedIn, true},
		{"forward wins", AssignmentScheduled, AssignmentInProgress, AssignmentInProgress, true},
		{"order independent", AssignmentInProgress, AssignmentScheduled, AssignmentInProgress, true},
		{"completed beats checked_in", AssignmentCheckedIn, AssignmentCompleted, AssignmentCompleted, true},
		{"terminal vs terminal has no merge", AssignmentCompleted, AssignmentCancelled, "", false},
		{"completed vs missed has no merge", AssignmentCompleted, AssignmentMissed, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := MostAdvanced(tt.a, tt.b)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAssignmentChangeApplyTo(t *testing.T) {
	t.Run("rejects invalid transition before outbox", func(t *testing.T) {
		a := validAssignment()
		a.Status = AssignmentCompleted

		to := AssignmentScheduled
		change := AssignmentChange{Status: &to}
		err := change.ApplyTo(a)
		require.Error(t, err)

		var ite *InvalidTransitionError
		require.ErrorAs(t, err, &ite)
		assert.Equal(t, string(AssignmentCompleted), ite.From)
	})

	t.Run("check-in is immutable once set", func(t *testing.T) {
		a := validAssignment()
		a.Status = AssignmentCheckedIn
		first := &GeoStamp{Lat: 40.0, Lon: -73.9, At: a.WindowStart}
		a.CheckIn = first

		later := a.WindowStart.Add(5 * time.Minute)
		change := AssignmentChange{CheckIn: &GeoStamp{Lat: 41.0, Lon: -74.0, At: later}}
		err := change.ApplyTo(a)
		require.Error(t, err)
		assert.Equal(t, first, a.CheckIn)
	})

	t.Run("applies status and checkout together", func(t *testing.T) {
		a := validAssignment()
		a.Status = AssignmentInProgress

		done := AssignmentCompleted
		out := &GeoStamp{Lat: 40.0, Lon: -73.9, At: a.WindowEnd}
		change := AssignmentChange{Status: &done, CheckOut: out}
		require.NoError(t, change.ApplyTo(a))
		assert.Equal(t, AssignmentCompleted, a.Status)
		assert.Equal(t, out, a.CheckOut)
	})
}

func TestTaskChangeApplyTo(t *testing.T) {
	task := &AssignmentTask{
		LocalID:      "t1",
		AssignmentID: "a1",
		TaskDefID:    "def1",
		Status:       TaskPending,
	}

	t.Run("blocked while assignment is scheduled", func(t *testing.T) {
		done := TaskCompleted
		change := TaskChange{Status: &done}
		err := change.ApplyTo(task, AssignmentScheduled)
		require.Error(t, err)
		assert.Equal(t, TaskPending, task.Status)
	})

	t.Run("allowed once checked in", func(t *testing.T) {
		done := TaskCompleted
		note := "given with breakfast"
		change := TaskChange{Status: &done, Note: &note}
		require.NoError(t, change.ApplyTo(task, AssignmentCheckedIn))
		assert.Equal(t, TaskCompleted, task.Status)
		assert.Equal(t, note, task.Note)
	})

	t.Run("terminal task status cannot move", func(t *testing.T) {
		skipped := TaskSkipped
		change := TaskChange{Status: &skipped}
		err := change.ApplyTo(task, AssignmentInProgress)
		require.Error(t, err)
	})
}
