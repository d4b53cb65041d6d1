package agents

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/user/crowdwatch/internal/state"
	"github.com/user/crowdwatch/internal/types"
)

// Snapshot is the slice of domain state a prompt is built from. Empty parts
// were not requested.
type Snapshot struct {
	Incidents  []*types.Incident  `json:"incidents,omitempty"`
	Zones      []types.Record     `json:"zones,omitempty"`
	Responders []*types.Responder `json:"responders,omitempty"`
	Alerts     []*types.Alert     `json:"alerts,omitempty"`
	Contacts   []types.Record     `json:"contacts,omitempty"`
	Stats      *state.Stats       `json:"stats,omitempty"`
}

// Needs selects what LoadSnapshot fetches.
type Needs struct {
	Incidents      bool
	IncidentFilter state.IncidentFilter
	Zones          bool
	Responders     bool
	Alerts         int
	Contacts       bool
	Stats          bool
}

// AllNeeds is what the report agents load.
var AllNeeds = Needs{
	Incidents:      true,
	IncidentFilter: state.IncidentFilter{Limit: 50},
	Zones:          true,
	Responders:     true,
	Alerts:         10,
	Stats:          true,
}

// LoadSnapshot fetches the requested parts concurrently.
func LoadSnapshot(ctx context.Context, d *state.Domain, need Needs) (*Snapshot, error) {
	snap := &Snapshot{}
	g, ctx := errgroup.WithContext(ctx)
	if need.Incidents {
		g.Go(func() (err error) {
			snap.Incidents, err = d.ListIncidents(ctx, need.IncidentFilter)
			return err
		})
	}
	if need.Zones {
		g.Go(func() (err error) {
			snap.Zones, err = d.ListZones(ctx)
			return err
		})
	}
	if need.Responders {
		g.Go(func() (err error) {
			snap.Responders, err = d.ListResponders(ctx)
			return err
		})
	}
	if need.Alerts > 0 {
		g.Go(func() (err error) {
			snap.Alerts, err = d.RecentAlerts(ctx, need.Alerts)
			return err
		})
	}
	if need.Contacts {
		g.Go(func() (err error) {
			snap.Contacts, err = d.ListContacts(ctx)
			return err
		})
	}
	if need.Stats {
		g.Go(func() (err error) {
			snap.Stats, err = d.IncidentStats(ctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}
