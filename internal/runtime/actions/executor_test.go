package actions_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/crowdwatch/internal/runtime/actions"
	"github.com/user/crowdwatch/internal/state"
	"github.com/user/crowdwatch/internal/testutil"
	"github.com/user/crowdwatch/internal/types"
)

func setup(t *testing.T) (*actions.Executor, *state.Domain, *state.Store) {
	t.Helper()
	store := testutil.OpenTestStore(t)
	testutil.Seed(t, store, state.Zones,
		types.Record{"id": "zone_a", "name": "Zone A", "status": "open", "currentOccupancy": 10, "maxOccupancy": 500},
		types.Record{"id": "zone_b", "name": "Zone B", "status": "open"},
	)
	testutil.Seed(t, store, state.Responders,
		types.Record{"id": "R1", "name": "Medic 1", "type": "medical", "status": "available"},
		types.Record{"id": "R2", "name": "Engine 2", "type": "fire", "status": "available"},
		types.Record{"id": "R3", "name": "Guard 3", "type": "security", "status": "available"},
	)
	domain := state.NewDomain(store)
	return actions.New(domain, zap.NewNop()), domain, store
}

func createIncident(t *testing.T, d *state.Domain, id, kind, zone string) {
	t.Helper()
	_, err := d.CreateIncident(context.Background(), &types.Incident{ID: id, Type: kind, ZoneID: zone})
	require.NoError(t, err)
}

func env() actions.Env {
	return actions.Env{ZoneID: "zone_a", SessionID: "s1"}
}

func TestCloseReleasesAssignedResponders(t *testing.T) {
	ex, d, _ := setup(t)
	ctx := context.Background()
	createIncident(t, d, "I1", "fire", "zone_a")
	createIncident(t, d, "I2", "medical", "zone_b")

	rep := ex.Execute(ctx, env(), []actions.Action{
		{Type: actions.AssignResponder, Params: actions.Params{IncidentIDs: actions.StringList{"I1"}, ResponderIDs: actions.StringList{"R1", "R2"}}},
		{Type: actions.AssignResponder, Params: actions.Params{IncidentIDs: actions.StringList{"I2"}, ResponderIDs: actions.StringList{"R3"}}},
	})
	require.NoError(t, rep.Err())

	before := map[string]*types.StatusUpdate{}
	for _, rid := range []string{"R1", "R2"} {
		cur, err := d.CurrentStatus(ctx, rid)
		require.NoError(t, err)
		before[rid] = cur
	}

	rep = ex.Execute(ctx, env(), []actions.Action{
		{Type: actions.Close, Params: actions.Params{IncidentIDs: actions.StringList{"I1"}}, Reason: "fire out"},
	})
	require.NoError(t, rep.Err())
	res := rep.Results[0]
	assert.Equal(t, []string{"R1", "R2"}, res.Released)
	assert.Len(t, res.Created, 2, "exactly one available record per released responder")

	inc, err := d.GetIncident(ctx, "I1")
	require.NoError(t, err)
	assert.Equal(t, types.IncidentClosed, inc.Status)

	for _, rid := range []string{"R1", "R2"} {
		cur, err := d.CurrentStatus(ctx, rid)
		require.NoError(t, err)
		assert.Equal(t, types.ResponderAvailable, cur.Status)
		assert.Equal(t, actions.ActionReleasedClosed, cur.Action)
		assert.True(t, cur.Timestamp.After(before[rid].Timestamp), "release must be strictly newer than the assignment")

		hist, err := d.StatusHistory(ctx, rid, 0)
		require.NoError(t, err)
		assert.Len(t, hist, 2, "history is append-only")
	}

	// R3 is on another incident and keeps its assignment.
	cur, err := d.CurrentStatus(ctx, "R3")
	require.NoError(t, err)
	assert.Equal(t, types.ResponderAssigned, cur.Status)
	assert.Equal(t, "I2", cur.IncidentID)

	// The responder documents carry the projection.
	rs, err := d.ListResponders(ctx)
	require.NoError(t, err)
	for _, r := range rs {
		switch r.ID {
		case "R1", "R2":
			assert.Equal(t, types.ResponderAvailable, r.Status)
			assert.Empty(t, r.AssignedIncident)
		case "R3":
			assert.Equal(t, "I2", r.AssignedIncident)
		}
	}
}

func TestAssignTwiceAppends(t *testing.T) {
	ex, d, _ := setup(t)
	ctx := context.Background()
	createIncident(t, d, "I1", "fire", "zone_a")

	assign := actions.Action{Type: actions.AssignResponder, Params: actions.Params{IncidentIDs: actions.StringList{"I1"}, ResponderIDs: actions.StringList{"R1"}}}
	rep := ex.Execute(ctx, env(), []actions.Action{assign})
	require.NoError(t, rep.Err())
	first, err := d.CurrentStatus(ctx, "R1")
	require.NoError(t, err)

	rep = ex.Execute(ctx, env(), []actions.Action{assign})
	require.NoError(t, rep.Err())
	second, err := d.CurrentStatus(ctx, "R1")
	require.NoError(t, err)

	hist, err := d.StatusHistory(ctx, "R1", 0)
	require.NoError(t, err)
	assert.Len(t, hist, 2)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.IncidentID, second.IncidentID)
	assert.Equal(t, "zone_a", second.ZoneID, "zone defaults to the incident's zone")
}

func TestAssignUnknownIncident(t *testing.T) {
	ex, d, _ := setup(t)
	rep := ex.Execute(context.Background(), env(), []actions.Action{
		{Type: actions.AssignResponder, Params: actions.Params{IncidentIDs: actions.StringList{"nope"}, ResponderIDs: actions.StringList{"R1"}}},
	})
	require.Error(t, rep.Err())
	assert.True(t, types.IsNotFound(rep.Results[0].Err))

	hist, err := d.StatusHistory(context.Background(), "R1", 0)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestCreateOneOpenIncidentPerTypeAndZone(t *testing.T) {
	ex, d, _ := setup(t)
	ctx := context.Background()

	create := actions.Action{Type: actions.Create, Params: actions.Params{IncidentTypes: actions.StringList{"fire"}, Priority: "high", Notes: "flames at stage"}}
	rep := ex.Execute(ctx, env(), []actions.Action{create, create})
	require.NoError(t, rep.Err())
	require.Len(t, rep.Results[0].Created, 1)
	assert.Empty(t, rep.Results[1].Created)
	assert.Equal(t, rep.Results[0].Created, rep.Results[1].Existing)

	open, err := d.ActiveIncidentsInZone(ctx, "zone_a")
	require.NoError(t, err)
	require.Len(t, open, 1)
	inc := open[0]
	assert.Equal(t, "fire", inc.Type)
	assert.Equal(t, types.PriorityHigh, inc.Priority)
	assert.Equal(t, types.IncidentActive, inc.Status)
	assert.Equal(t, actions.DefaultSource, inc.Source)
	assert.Equal(t, "flames at stage", inc.Notes)
}

func TestCreateDefaults(t *testing.T) {
	ex, d, _ := setup(t)
	ctx := context.Background()

	rep := ex.Execute(ctx, actions.Env{ZoneID: "zone_b"}, []actions.Action{{Type: actions.Create}})
	require.NoError(t, rep.Err())
	inc, err := d.GetIncident(ctx, rep.Results[0].Created[0])
	require.NoError(t, err)
	assert.Equal(t, "unknown", inc.Type)
	assert.Equal(t, types.PriorityMedium, inc.Priority)
	assert.Equal(t, "zone_b", inc.ZoneID)
}

func TestValidationStopsActionButNotBatch(t *testing.T) {
	ex, d, _ := setup(t)
	ctx := context.Background()
	createIncident(t, d, "I1", "fire", "zone_a")

	rep := ex.Execute(ctx, env(), []actions.Action{
		{Type: actions.Update, Params: actions.Params{IncidentIDs: actions.StringList{"I1"}, Priority: "urgent", Notes: "should not land"}},
		{Type: actions.Update, Params: actions.Params{IncidentIDs: actions.StringList{"I1"}, Status: "paused"}},
		{Type: actions.Escalate, Params: actions.Params{IncidentIDs: actions.StringList{"I1"}}},
	})
	assert.True(t, types.IsValidation(rep.Results[0].Err))
	assert.True(t, types.IsValidation(rep.Results[1].Err))
	assert.NoError(t, rep.Results[2].Err)
	assert.NoError(t, rep.TransientErr())

	inc, err := d.GetIncident(ctx, "I1")
	require.NoError(t, err)
	assert.Equal(t, types.PriorityCritical, inc.Priority)
	assert.Equal(t, types.IncidentActive, inc.Status)
	assert.Empty(t, inc.Notes)
}

func TestUpdatePatchesStatusAndNotes(t *testing.T) {
	ex, d, _ := setup(t)
	ctx := context.Background()
	createIncident(t, d, "I1", "medical", "zone_a")

	rep := ex.Execute(ctx, env(), []actions.Action{
		{Type: actions.Update, Params: actions.Params{IncidentIDs: actions.StringList{"I1"}, Status: "investigating", Priority: "low", Notes: "crew checking"}},
	})
	require.NoError(t, rep.Err())
	inc, err := d.GetIncident(ctx, "I1")
	require.NoError(t, err)
	assert.Equal(t, types.IncidentInvestigating, inc.Status)
	assert.Equal(t, types.PriorityLow, inc.Priority)
	assert.Equal(t, "crew checking", inc.Notes)
	assert.True(t, rep.Mutated())
}

func TestUnknownTypesSkippedAndEveryActionLogged(t *testing.T) {
	ex, _, store := setup(t)
	ctx := context.Background()

	rep := ex.Execute(ctx, env(), []actions.Action{
		{Type: "summon_dragons"},
		{Type: actions.None},
		{Type: actions.SendAlert, Params: actions.Params{AlertType: "null", Notes: "Keep exits clear"}},
		{Type: actions.LockdownZone, Params: actions.Params{ZoneID: "zone_b"}},
	})
	require.NoError(t, rep.Err())
	assert.True(t, rep.Results[0].Skipped)
	assert.False(t, rep.Results[1].Skipped)

	logs, err := store.List(ctx, state.ToolCallLogs, types.Query{})
	require.NoError(t, err)
	assert.Len(t, logs, 4)
	for _, l := range logs {
		assert.Equal(t, "s1", l.String("session_id"))
		assert.NotEmpty(t, l.String("timestamp"))
	}

	alerts, err := state.NewDomain(store).RecentAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "general", alerts[0].AlertType)
	assert.Equal(t, "zone_a", alerts[0].ZoneID)
	assert.Equal(t, "Keep exits clear", alerts[0].Message)

	zone, err := store.Get(ctx, state.Zones, "zone_b")
	require.NoError(t, err)
	assert.Equal(t, "lockdown", zone.String("status"))
	assert.NotEmpty(t, zone.String("lastUpdated"))
}

func TestDispatchRequiresZone(t *testing.T) {
	ex, d, _ := setup(t)
	ctx := context.Background()

	rep := ex.Execute(ctx, actions.Env{}, []actions.Action{
		{Type: actions.DispatchResponder, Params: actions.Params{ResponderIDs: actions.StringList{"R1"}}},
	})
	assert.True(t, types.IsValidation(rep.Results[0].Err))

	rep = ex.Execute(ctx, env(), []actions.Action{
		{Type: actions.DispatchResponder, Params: actions.Params{ResponderIDs: actions.StringList{"R1"}}},
	})
	require.NoError(t, rep.Err())
	cur, err := d.CurrentStatus(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, types.ResponderEnRoute, cur.Status)
	assert.Equal(t, actions.ActionDispatched, cur.Action)
	assert.Equal(t, "zone_a", cur.ZoneID)
}

// failingLogs fails every tool-call log write.
type failingLogs struct {
	types.DocumentStore
}

func (f failingLogs) Create(ctx context.Context, collection string, data types.Record) (string, error) {
	if collection == state.ToolCallLogs {
		return "", errors.New("disk full")
	}
	return f.DocumentStore.Create(ctx, collection, data)
}

func TestLogFailureDoesNotFailMutation(t *testing.T) {
	_, _, store := setup(t)
	d := state.NewDomain(failingLogs{store})
	ex := actions.New(d, zap.NewNop())

	rep := ex.Execute(context.Background(), env(), []actions.Action{
		{Type: actions.Create, Params: actions.Params{IncidentTypes: actions.StringList{"smoke"}}},
	})
	require.NoError(t, rep.Err())
	assert.Len(t, rep.Results[0].Created, 1)
}

func TestActionDecoding(t *testing.T) {
	var flat actions.Action
	require.NoError(t, json.Unmarshal([]byte(`{"type":"Assign_Responder","incidentIds":"I1","responderIds":["R1","R2"],"alertType":null,"reason":"nearest"}`), &flat))
	assert.Equal(t, actions.AssignResponder, flat.Type)
	assert.Equal(t, actions.StringList{"I1"}, flat.IncidentIDs)
	assert.Equal(t, actions.StringList{"R1", "R2"}, flat.ResponderIDs)
	assert.Equal(t, "nearest", flat.Reason)

	var nested actions.Action
	require.NoError(t, json.Unmarshal([]byte(`{"type":"create","priority":"low","parameters":{"incidentTypes":["fire"],"priority":"high","zoneId":"zone_c"}}`), &nested))
	assert.Equal(t, actions.StringList{"fire"}, nested.IncidentTypes)
	assert.Equal(t, "high", nested.Priority, "nested parameters win")
	assert.Equal(t, "zone_c", nested.ZoneID)
}

func TestPlanFromKeepsValidActions(t *testing.T) {
	plan, err := actions.PlanFrom(map[string]any{
		"actions": []any{
			map[string]any{"type": "create", "incidentTypes": []any{"fire"}},
			map[string]any{"type": "close", "incidentIds": 42},
			map[string]any{"type": "none"},
		},
	})
	require.Error(t, err)
	require.Len(t, plan.Actions, 2)
	assert.Equal(t, actions.Create, plan.Actions[0].Type)
	assert.Equal(t, actions.None, plan.Actions[1].Type)

	empty, err := actions.PlanFrom(map[string]any{"actions": []any{}})
	require.NoError(t, err)
	assert.Empty(t, empty.Actions)
}

func TestReportSummary(t *testing.T) {
	rep := &actions.Report{Results: []actions.Result{
		{Type: actions.Create, Created: []string{"I9"}},
		{Type: actions.Close, Touched: []string{"I1"}, Released: []string{"R1"}},
		{Type: "bogus", Skipped: true},
		{Type: actions.Update, Error: "priority invalid", Err: errors.New("priority invalid")},
	}}
	want := "create; created I9\nclose; touched I1; released R1\nbogus skipped\nupdate failed: priority invalid"
	assert.Equal(t, want, rep.Summary())
	assert.True(t, rep.Mutated())
}
