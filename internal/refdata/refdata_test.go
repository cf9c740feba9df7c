package refdata

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qashsolutions/healthguide-sub003/internal/clock"
	"github.com/qashsolutions/healthguide-sub003/internal/gateway"
	"github.com/qashsolutions/healthguide-sub003/internal/model"
	"github.com/qashsolutions/healthguide-sub003/internal/outbox"
	"github.com/qashsolutions/healthguide-sub003/internal/store"
)

var start = time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

type fakeGateway struct {
	snap *gateway.ReferenceSnapshot
}

func (f *fakeGateway) ApplyMutation(ctx context.Context, req gateway.MutationRequest) (*gateway.ServerState, error) {
	panic("not used")
}

func (f *fakeGateway) FetchReferenceData(ctx context.Context, scope gateway.ReferenceScope) (*gateway.ReferenceSnapshot, error) {
	return f.snap, nil
}

func (f *fakeGateway) Ping(ctx context.Context) error { return nil }

func newRefresher(t *testing.T, snap *gateway.ReferenceSnapshot) (*Refresher, *store.Store, *outbox.Outbox) {
	t.Helper()
	mc := clock.NewManual(start)
	st, err := store.Open(filepath.Join(t.TempDir(), "hg.db"), nil, store.WithClock(mc))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.InitSchema(context.Background()))
	ob := outbox.New(st.RawDB(), nil, outbox.WithClock(mc))
	r := New(st, ob, &fakeGateway{snap: snap}, nil, WithClock(mc))
	return r, st, ob
}

func remoteVisit(serverID string, status model.AssignmentStatus) gateway.RemoteAssignment {
	return gateway.RemoteAssignment{
		ID:          serverID,
		CaregiverID: "cg-1",
		ElderID:     "e-1",
		WindowStart: start,
		WindowEnd:   start.Add(2 * time.Hour),
		Status:      status,
		UpdatedAt:   start,
		Tasks: []gateway.RemoteTask{
			{ID: serverID + "-t1", TaskDefID: "meds", Status: model.TaskPending, UpdatedAt: start},
		},
	}
}

func TestRefreshSeedsNewVisits(t *testing.T) {
	r, st, _ := newRefresher(t, &gateway.ReferenceSnapshot{
		Assignments: []gateway.RemoteAssignment{remoteVisit("srv-1", model.AssignmentScheduled)},
		Elders:      []model.Elder{{ID: "e-1", Name: "Rosa Diaz", UpdatedAt: start}},
	})
	ctx := context.Background()

	require.NoError(t, r.Refresh(ctx, "cg-1", "2026-09-01"))

	a, err := st.FindAssignmentByServerID(ctx, "srv-1")
	require.NoError(t, err)
	assert.NotEmpty(t, a.LocalID)
	assert.Equal(t, model.AssignmentScheduled, a.Status)
	assert.Equal(t, model.SyncSynced, a.SyncState)

	tasks, err := st.FindTasks(ctx, store.TaskFilter{AssignmentID: a.LocalID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "meds", tasks[0].TaskDefID)

	e, err := r.Elder(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, "Rosa Diaz", e.Name)
}

func TestRefreshIsIdempotent(t *testing.T) {
	snap := &gateway.ReferenceSnapshot{
		Assignments: []gateway.RemoteAssignment{remoteVisit("srv-1", model.AssignmentScheduled)},
	}
	r, st, _ := newRefresher(t, snap)
	ctx := context.Background()

	require.NoError(t, r.Refresh(ctx, "cg-1", "2026-09-01"))
	require.NoError(t, r.Refresh(ctx, "cg-1", "2026-09-01"))

	all, err := st.FindAssignments(ctx, store.AssignmentFilter{CaregiverID: "cg-1"})
	require.NoError(t, err)
	assert.Len(t, all, 1, "re-pulling must not duplicate rows")
}

func TestRefreshNeverClobbersPendingWork(t *testing.T) {
	snap := &gateway.ReferenceSnapshot{
		Assignments: []gateway.RemoteAssignment{remoteVisit("srv-1", model.AssignmentScheduled)},
	}
	r, st, ob := newRefresher(t, snap)
	ctx := context.Background()

	require.NoError(t, r.Refresh(ctx, "cg-1", "2026-09-01"))
	a, err := st.FindAssignmentByServerID(ctx, "srv-1")
	require.NoError(t, err)

	// caregiver checks in while offline
	_, err = st.CheckIn(ctx, a.LocalID, model.GeoStamp{Lat: 1, Lon: 2, At: start.Add(5 * time.Minute)})
	require.NoError(t, err)

	// a second pull still reports the visit as scheduled
	require.NoError(t, r.Refresh(ctx, "cg-1", "2026-09-01"))

	got, err := st.GetAssignment(ctx, a.LocalID)
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentCheckedIn, got.Status, "the pull must not roll back local progress")
	assert.Equal(t, model.SyncPending, got.SyncState)
	require.NotNil(t, got.CheckIn)

	pending, err := ob.PendingForEntity(ctx, model.EntityAssignment, a.LocalID)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "queued mutations survive the pull")
}

func TestRefreshAdoptsServerProgress(t *testing.T) {
	snap := &gateway.ReferenceSnapshot{
		Assignments: []gateway.RemoteAssignment{remoteVisit("srv-1", model.AssignmentScheduled)},
	}
	r, st, _ := newRefresher(t, snap)
	ctx := context.Background()
	require.NoError(t, r.Refresh(ctx, "cg-1", "2026-09-01"))

	// the server cancelled the visit; no local work pending
	visit := remoteVisit("srv-1", model.AssignmentCancelled)
	visit.UpdatedAt = start.Add(time.Hour)
	snap.Assignments = []gateway.RemoteAssignment{visit}
	require.NoError(t, r.Refresh(ctx, "cg-1", "2026-09-01"))

	a, err := st.FindAssignmentByServerID(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentCancelled, a.Status)
	assert.Equal(t, model.SyncSynced, a.SyncState)
}

func TestRefreshRevokesVisits(t *testing.T) {
	snap := &gateway.ReferenceSnapshot{
		Assignments: []gateway.RemoteAssignment{remoteVisit("srv-1", model.AssignmentScheduled)},
	}
	r, st, ob := newRefresher(t, snap)
	ctx := context.Background()
	require.NoError(t, r.Refresh(ctx, "cg-1", "2026-09-01"))

	a, err := st.FindAssignmentByServerID(ctx, "srv-1")
	require.NoError(t, err)
	_, err = st.CheckIn(ctx, a.LocalID, model.GeoStamp{Lat: 1, Lon: 2, At: start})
	require.NoError(t, err)

	snap.Assignments = nil
	snap.Revoked = []string{"srv-1", "srv-unknown"}
	require.NoError(t, r.Refresh(ctx, "cg-1", "2026-09-01"))

	got, err := st.GetAssignment(ctx, a.LocalID)
	require.NoError(t, err)
	assert.True(t, got.Archived)

	pending, err := ob.PendingForEntity(ctx, model.EntityAssignment, a.LocalID)
	require.NoError(t, err)
	assert.Empty(t, pending, "revocation drops queued work")
}

func TestElderFallsBackToStore(t *testing.T) {
	r, st, _ := newRefresher(t, &gateway.ReferenceSnapshot{})
	ctx := context.Background()

	require.NoError(t, st.UpsertElder(ctx, &model.Elder{ID: "e-9", Name: "Miriam Okafor", UpdatedAt: start}))

	e, err := r.Elder(ctx, "e-9")
	require.NoError(t, err)
	assert.Equal(t, "Miriam Okafor", e.Name)

	_, err = r.Elder(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
