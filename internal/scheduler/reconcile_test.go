package scheduler

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/user/crowdwatch/internal/state"
	"github.com/user/crowdwatch/internal/testutil"
	"github.com/user/crowdwatch/internal/types"
)

func TestSweepReleasesRespondersOfFinishedIncidents(t *testing.T) {
	ctx := context.Background()
	d := state.NewDomain(testutil.OpenTestStore(t))
	for _, inc := range []*types.Incident{
		{ID: "I1", Type: "fire", ZoneID: "zone_a"},
		{ID: "I2", Type: "medical", ZoneID: "zone_b"},
		{ID: "I3", Type: "security", ZoneID: "zone_c"},
	} {
		if _, err := d.CreateIncident(ctx, inc); err != nil {
			t.Fatal(err)
		}
	}
	for _, u := range []*types.StatusUpdate{
		{ResponderID: "R1", IncidentID: "I1", Status: types.ResponderAssigned, Action: "assigned_to_incident"},
		{ResponderID: "R2", IncidentID: "I1", Status: types.ResponderOnScene, Action: "arrived"},
		{ResponderID: "R3", IncidentID: "I2", Status: types.ResponderEnRoute, Action: "dispatched_to_zone"},
		{ResponderID: "R4", IncidentID: "I3", Status: types.ResponderAssigned, Action: "assigned_to_incident"},
		{ResponderID: "R5", IncidentID: "I9", Status: types.ResponderAssigned, Action: "assigned_to_incident"},
	} {
		if _, err := d.AppendStatusUpdate(ctx, u); err != nil {
			t.Fatal(err)
		}
	}
	// Closed without the release step, as after a crash between the writes.
	if err := d.PatchIncident(ctx, "I1", types.Record{"status": "closed"}); err != nil {
		t.Fatal(err)
	}
	if err := d.PatchIncident(ctx, "I2", types.Record{"status": "resolved"}); err != nil {
		t.Fatal(err)
	}

	r := NewReconciler(d, nil)
	released, err := r.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"R1", "R2", "R3"}, released); diff != "" {
		t.Fatalf("released mismatch (-want +got):\n%s", diff)
	}

	for _, rid := range []string{"R1", "R2", "R3"} {
		cur, err := d.CurrentStatus(ctx, rid)
		if err != nil {
			t.Fatal(err)
		}
		if cur.Status != types.ResponderAvailable || cur.Action != ActionReconciled {
			t.Errorf("%s: got %s/%s", rid, cur.Status, cur.Action)
		}
	}
	for _, rid := range []string{"R4", "R5"} {
		cur, err := d.CurrentStatus(ctx, rid)
		if err != nil {
			t.Fatal(err)
		}
		if cur.Status != types.ResponderAssigned {
			t.Errorf("%s should stay assigned, got %s", rid, cur.Status)
		}
	}

	// A second sweep finds nothing left to release.
	released, err = r.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(released) != 0 {
		t.Errorf("second sweep released %v", released)
	}
}
