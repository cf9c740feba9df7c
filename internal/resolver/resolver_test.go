package resolver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qashsolutions/healthguide-sub003/internal/model"
)

var (
	t0 = time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
)

func localAssignment() *model.Assignment {
	return &model.Assignment{
		LocalID:     "loc-1",
		ServerID:    "srv-1",
		CaregiverID: "cg-1",
		ElderID:     "e-1",
		WindowStart: t0,
		WindowEnd:   t0.Add(2 * time.Hour),
		Status:      model.AssignmentCheckedIn,
		CheckIn:     &model.GeoStamp{Lat: 1, Lon: 2, At: t0.Add(5 * time.Minute)},
		Revision:    2,
		SyncState:   model.SyncPending,
		UpdatedAt:   t0.Add(5 * time.Minute),
	}
}

func serverAssignment() *model.Assignment {
	return &model.Assignment{
		ServerID:    "srv-1",
		CaregiverID: "cg-1",
		ElderID:     "e-1",
		WindowStart: t0,
		WindowEnd:   t0.Add(2 * time.Hour),
		Status:      model.AssignmentScheduled,
		UpdatedAt:   t0,
	}
}

func TestResolveAssignmentServerWinsOnDeletion(t *testing.T) {
	local := localAssignment()
	server := serverAssignment()

	merged, d := ResolveAssignment(local, t0.Add(5*time.Minute), server, ServerMeta{Deleted: true, UpdatedAt: t0.Add(time.Hour)})

	assert.Equal(t, OutcomeServerWins, d.Outcome)
	assert.Equal(t, "loc-1", merged.LocalID)
	assert.True(t, merged.Archived)
}

func TestResolveAssignmentServerWinsOnReassignment(t *testing.T) {
	local := localAssignment()
	server := serverAssignment()

	merged, d := ResolveAssignment(local, t0.Add(5*time.Minute), server, ServerMeta{ReassignedTo: "cg-other", UpdatedAt: t0.Add(time.Hour)})

	assert.Equal(t, OutcomeServerWins, d.Outcome)
	assert.True(t, merged.Archived)
	assert.Contains(t, d.Reason, "cg-other")

	// reassignment to the same caregiver is not a revocation
	_, d = ResolveAssignment(local, t0.Add(5*time.Minute), server, ServerMeta{ReassignedTo: "cg-1", UpdatedAt: t0})
	assert.Equal(t, OutcomeMerged, d.Outcome)
}

func TestResolveAssignmentEarlierCheckInWins(t *testing.T) {
	local := localAssignment()
	server := serverAssignment()
	server.Status = model.AssignmentCheckedIn
	server.CheckIn = &model.GeoStamp{Lat: 9, Lon: 9, At: t0.Add(2 * time.Minute)}

	merged, d := ResolveAssignment(local, t0.Add(5*time.Minute), server, ServerMeta{UpdatedAt: t0.Add(2 * time.Minute)})

	require.NotNil(t, merged.CheckIn)
	assert.Equal(t, t0.Add(2*time.Minute), merged.CheckIn.At, "server stamp recorded earlier in real time must win")
	assert.Equal(t, OutcomeMerged, d.Outcome)

	// flipped: local recorded earlier
	server.CheckIn = &model.GeoStamp{Lat: 9, Lon: 9, At: t0.Add(30 * time.Minute)}
	merged, _ = ResolveAssignment(local, t0.Add(5*time.Minute), server, ServerMeta{UpdatedAt: t0.Add(30 * time.Minute)})
	assert.Equal(t, t0.Add(5*time.Minute), merged.CheckIn.At)
}

func TestResolveAssignmentStampNeverCleared(t *testing.T) {
	local := localAssignment()
	server := serverAssignment()
	server.CheckIn = nil

	merged, _ := ResolveAssignment(local, t0.Add(5*time.Minute), server, ServerMeta{UpdatedAt: t0.Add(time.Hour)})
	require.NotNil(t, merged.CheckIn, "a set stamp is immutable even when the server lacks it")
}

func TestResolveAssignmentWindowLWW(t *testing.T) {
	local := localAssignment()
	server := serverAssignment()
	server.WindowStart = t0.Add(time.Hour)
	server.WindowEnd = t0.Add(3 * time.Hour)

	// server updated after the local mutation was created
	merged, _ := ResolveAssignment(local, t0.Add(5*time.Minute), server, ServerMeta{UpdatedAt: t0.Add(10 * time.Minute)})
	assert.Equal(t, t0.Add(time.Hour), merged.WindowStart)

	// local mutation is newer
	merged, _ = ResolveAssignment(local, t0.Add(20*time.Minute), server, ServerMeta{UpdatedAt: t0.Add(10 * time.Minute)})
	assert.Equal(t, t0, merged.WindowStart)
}

func TestResolveAssignmentStatusMostAdvanced(t *testing.T) {
	tests := []struct {
		name    string
		local   model.AssignmentStatus
		server  model.AssignmentStatus
		want    model.AssignmentStatus
		outcome Outcome
	}{
		{name: "local ahead", local: model.AssignmentInProgress, server: model.AssignmentCheckedIn, want: model.AssignmentInProgress, outcome: OutcomeMerged},
		{name: "server ahead", local: model.AssignmentCheckedIn, server: model.AssignmentCompleted, want: model.AssignmentCompleted, outcome: OutcomeMerged},
		{name: "equal", local: model.AssignmentInProgress, server: model.AssignmentInProgress, want: model.AssignmentInProgress, outcome: OutcomeMerged},
		{name: "divergent terminals", local: model.AssignmentCompleted, server: model.AssignmentMissed, outcome: OutcomeConflict},
		{name: "cancelled vs completed", local: model.AssignmentCompleted, server: model.AssignmentCancelled, outcome: OutcomeConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := localAssignment()
			local.Status = tt.local
			server := serverAssignment()
			server.Status = tt.server

			merged, d := ResolveAssignment(local, t0.Add(5*time.Minute), server, ServerMeta{UpdatedAt: t0})
			assert.Equal(t, tt.outcome, d.Outcome)
			if tt.outcome == OutcomeMerged {
				assert.Equal(t, tt.want, merged.Status)
			}
		})
	}
}

func TestResolveAssignmentNeverRegresses(t *testing.T) {
	local := localAssignment()
	local.Status = model.AssignmentCompleted
	server := serverAssignment()
	server.Status = model.AssignmentCheckedIn

	merged, d := ResolveAssignment(local, t0.Add(5*time.Minute), server, ServerMeta{UpdatedAt: t0.Add(time.Hour)})
	assert.Equal(t, OutcomeMerged, d.Outcome)
	assert.Equal(t, model.AssignmentCompleted, merged.Status, "a newer server write must not roll the status back")
}

func TestResolveAssignmentDecisionAudit(t *testing.T) {
	local := localAssignment()
	server := serverAssignment()

	_, d := ResolveAssignment(local, t0.Add(5*time.Minute), server, ServerMeta{UpdatedAt: t0})
	assert.Equal(t, model.EntityAssignment, d.EntityType)
	assert.Equal(t, "loc-1", d.EntityID)
	require.NotEmpty(t, d.Fields)
	for _, f := range d.Fields {
		assert.NotEmpty(t, f.Field)
		assert.Contains(t, []string{"local", "server"}, f.Chose)
		assert.NotEmpty(t, f.Reason)
	}
}

func TestResolveTask(t *testing.T) {
	local := &model.AssignmentTask{
		LocalID:      "lt-1",
		AssignmentID: "loc-1",
		TaskDefID:    "meds",
		Status:       model.TaskCompleted,
		Note:         "given at 9am",
		UpdatedAt:    t0.Add(5 * time.Minute),
	}
	server := &model.AssignmentTask{ServerID: "st-1", TaskDefID: "meds", Status: model.TaskPending, UpdatedAt: t0}

	merged, d := ResolveTask(local, t0.Add(5*time.Minute), server, ServerMeta{UpdatedAt: t0})
	assert.Equal(t, OutcomeMerged, d.Outcome)
	assert.Equal(t, model.TaskCompleted, merged.Status, "terminal local state holds")
	assert.Equal(t, "st-1", merged.ServerID)
	assert.Equal(t, "given at 9am", merged.Note)

	// pending local adopts server's further state
	local.Status = model.TaskPending
	server.Status = model.TaskSkipped
	merged, _ = ResolveTask(local, t0.Add(5*time.Minute), server, ServerMeta{UpdatedAt: t0})
	assert.Equal(t, model.TaskSkipped, merged.Status)
}

func TestResolveObservation(t *testing.T) {
	local := &model.Observation{
		LocalID:      "lo-1",
		AssignmentID: "loc-1",
		Category:     "meal",
		Value:        "ate well",
		CreatedAt:    t0,
	}
	server := &model.Observation{ServerID: "so-1", Category: "meal", Value: "server copy"}

	merged, d := ResolveObservation(local, server, ServerMeta{UpdatedAt: t0.Add(time.Hour)})
	assert.Equal(t, OutcomeMerged, d.Outcome)
	assert.Equal(t, "so-1", merged.ServerID)
	assert.Equal(t, "ate well", merged.Value, "observation content is append-only")

	_, d = ResolveObservation(local, nil, ServerMeta{Deleted: true})
	assert.Equal(t, OutcomeServerWins, d.Outcome)
}
