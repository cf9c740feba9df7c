package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validAssignment() *Assignment {
	start := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	return &Assignment{
		LocalID:     "01HXAMPLEASSIGNMENT0000000",
		CaregiverID: "cg-1",
		ElderID:     "el-1",
		WindowStart: start,
		WindowEnd:   start.Add(2 * time.Hour),
		Status:      AssignmentScheduled,
		SyncState:   SyncPending,
		UpdatedAt:   start,
	}
}

func TestAssignmentValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		require.NoError(t, validAssignment().Validate())
	})

	t.Run("missing caregiver", func(t *testing.T) {
		a := validAssignment()
		a.CaregiverID = ""
		assert.Error(t, a.Validate())
	})

	t.Run("inverted window", func(t *testing.T) {
		a := validAssignment()
		a.WindowEnd = a.WindowStart.Add(-time.Hour)
		assert.Error(t, a.Validate())
	})

	t.Run("unknown status", func(t *testing.T) {
		a := validAssignment()
		a.Status = "paused"
		assert.Error(t, a.Validate())
	})
}

func TestObservationRetraction(t *testing.T) {
	now := time.Date(2026, 3, 9, 10, 30, 0, 0, time.UTC)
	orig := &Observation{
		LocalID:      "obs-1",
		AssignmentID: "a1",
		ElderID:      "el-1",
		CaregiverID:  "cg-1",
		Category:     "vitals",
		Value:        "bp 120/80",
		CreatedAt:    now,
		SyncState:    SyncSynced,
	}

	r := orig.Retraction("obs-2", now.Add(time.Minute))
	require.NoError(t, r.Validate())
	assert.Equal(t, "obs-1", r.Retracts)
	assert.Equal(t, SyncPending, r.SyncState)
	assert.Equal(t, orig.AssignmentID, r.AssignmentID)
}

func TestMutationRecordValidate(t *testing.T) {
	rec := &MutationRecord{
		ID:         "01HKEY000000000000000000000",
		EntityType: EntityAssignment,
		EntityID:   "a1",
		Op:         OpUpdate,
		Payload:    []byte(`{"status":"checked_in"}`),
		CreatedAt:  time.Now(),
		Status:     MutationPending,
	}
	require.NoError(t, rec.Validate())

	bad := *rec
	bad.EntityType = "visit"
	assert.Error(t, bad.Validate())

	bad = *rec
	bad.Payload = nil
	assert.Error(t, bad.Validate())
}
