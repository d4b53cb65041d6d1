// internal/state/domain.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/user/crowdwatch/internal/types"
)

// Collection names are part of the store contract shared with other consumers.
const (
	Incidents         = "incidents"
	Zones             = "zones"
	Responders        = "responders"
	Alerts            = "alerts"
	Media             = "media"
	StatusUpdates     = "responder_status_updates"
	ToolCallLogs      = "tool_call_logs"
	LLMLogs           = "gemini_logs"
	Schedules         = "schedules"
	EmergencyContacts = "emergency_contacts"
)

// Domain exposes typed accessors over a DocumentStore.
type Domain struct {
	store  types.DocumentStore
	logger *zap.Logger
}

// DomainOption configures a Domain.
type DomainOption func(*Domain)

// WithLogger sets the logger that reports records skipped by list accessors.
func WithLogger(l *zap.Logger) DomainOption {
	return func(d *Domain) {
		if l != nil {
			d.logger = l.With(zap.String("component", "state.domain"))
		}
	}
}

// NewDomain wraps store.
func NewDomain(store types.DocumentStore, opts ...DomainOption) *Domain {
	d := &Domain{store: store, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Store returns the underlying document store.
func (d *Domain) Store() types.DocumentStore { return d.store }

// IncidentFilter narrows ListIncidents. Empty fields match everything.
type IncidentFilter struct {
	Status   types.IncidentStatus
	Priority types.Priority
	ZoneID   string
	Type     string
	Limit    int
}

// CreateIncident validates inc and writes it. Timestamp and LastUpdated are
// set by the store clock.
func (d *Domain) CreateIncident(ctx context.Context, inc *types.Incident) (string, error) {
	if inc.Priority == "" {
		inc.Priority = types.PriorityMedium
	}
	if inc.Status == "" {
		inc.Status = types.IncidentActive
	}
	if err := inc.Validate(); err != nil {
		return "", err
	}
	rec := types.Record{
		"type":        inc.Type,
		"zoneId":      inc.ZoneID,
		"description": inc.Description,
		"priority":    string(inc.Priority),
		"status":      string(inc.Status),
		"timestamp":   types.ServerTimestamp,
		"lastUpdated": types.ServerTimestamp,
	}
	if inc.ID != "" {
		rec["id"] = inc.ID
	}
	if inc.Notes != "" {
		rec["notes"] = inc.Notes
	}
	if inc.Source != "" {
		rec["source"] = inc.Source
	}
	id, err := d.store.Create(ctx, Incidents, rec)
	if err != nil {
		return "", fmt.Errorf("create incident: %w", err)
	}
	inc.ID = id
	return id, nil
}

// PatchIncident validates any priority/status in patch and merges it into the
// incident, stamping lastUpdated.
func (d *Domain) PatchIncident(ctx context.Context, id string, patch types.Record) error {
	if v, ok := patch["priority"]; ok {
		if _, err := types.ParsePriority(fmt.Sprint(v)); err != nil {
			return err
		}
	}
	if v, ok := patch["status"]; ok {
		if _, err := types.ParseIncidentStatus(fmt.Sprint(v)); err != nil {
			return err
		}
	}
	p := patch.Clone()
	p["lastUpdated"] = types.ServerTimestamp
	if err := d.store.Update(ctx, Incidents, id, p); err != nil {
		return fmt.Errorf("patch incident %s: %w", id, err)
	}
	return nil
}

func (d *Domain) GetIncident(ctx context.Context, id string) (*types.Incident, error) {
	rec, err := d.store.Get(ctx, Incidents, id)
	if err != nil {
		return nil, err
	}
	return decodeAs[types.Incident](rec)
}

// ListIncidents returns incidents newest first.
func (d *Domain) ListIncidents(ctx context.Context, f IncidentFilter) ([]*types.Incident, error) {
	q := types.Query{OrderBy: "timestamp", Desc: true, Limit: f.Limit}
	if f.Status != "" {
		q = q.Where("status", types.OpEq, string(f.Status))
	}
	if f.Priority != "" {
		q = q.Where("priority", types.OpEq, string(f.Priority))
	}
	if f.ZoneID != "" {
		q = q.Where("zoneId", types.OpEq, f.ZoneID)
	}
	if f.Type != "" {
		q = q.Where("type", types.OpEq, f.Type)
	}
	recs, err := d.store.List(ctx, Incidents, q)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	return decodeAll[types.Incident](d.logger, Incidents, recs), nil
}

// ActiveIncidentsInZone returns incidents in the zone whose status is still open.
func (d *Domain) ActiveIncidentsInZone(ctx context.Context, zoneID string) ([]*types.Incident, error) {
	all, err := d.ListIncidents(ctx, IncidentFilter{ZoneID: zoneID})
	if err != nil {
		return nil, err
	}
	var out []*types.Incident
	for _, inc := range all {
		if inc.Status.Open() {
			out = append(out, inc)
		}
	}
	return out, nil
}

func (d *Domain) Zone(ctx context.Context, id string) (types.Record, error) {
	return d.store.Get(ctx, Zones, id)
}

func (d *Domain) ListZones(ctx context.Context) ([]types.Record, error) {
	recs, err := d.store.List(ctx, Zones, types.Query{})
	if err != nil {
		return nil, fmt.Errorf("list zones: %w", err)
	}
	return recs, nil
}

// PatchZone merges patch into the zone document, stamping lastUpdated.
func (d *Domain) PatchZone(ctx context.Context, id string, patch types.Record) error {
	p := patch.Clone()
	p["lastUpdated"] = types.ServerTimestamp
	if err := d.store.Update(ctx, Zones, id, p); err != nil {
		return fmt.Errorf("patch zone %s: %w", id, err)
	}
	return nil
}

// AppendStatusUpdate validates u and appends it to the status history, then
// projects the new status onto the responder document. The record's
// timestamp comes from the store clock so later appends are strictly newer.
func (d *Domain) AppendStatusUpdate(ctx context.Context, u *types.StatusUpdate) (string, error) {
	if err := u.Validate(); err != nil {
		return "", err
	}
	rec := types.Record{
		"responderId": u.ResponderID,
		"status":      string(u.Status),
		"action":      u.Action,
		"timestamp":   types.ServerTimestamp,
	}
	if u.IncidentID != "" {
		rec["incidentId"] = u.IncidentID
	}
	if u.ZoneID != "" {
		rec["zoneId"] = u.ZoneID
	}
	if u.Notes != "" {
		rec["notes"] = u.Notes
	}
	id, err := d.store.Create(ctx, StatusUpdates, rec)
	if err != nil {
		return "", fmt.Errorf("append status update: %w", err)
	}
	u.ID = id

	proj := types.Record{
		"status":           string(u.Status),
		"assignedIncident": nil,
		"lastUpdate":       types.ServerTimestamp,
	}
	if u.Status != types.ResponderAvailable && u.IncidentID != "" {
		proj["assignedIncident"] = u.IncidentID
	}
	if err := d.store.Update(ctx, Responders, u.ResponderID, proj); err != nil && !types.IsNotFound(err) {
		return id, fmt.Errorf("project responder %s: %w", u.ResponderID, err)
	}
	return id, nil
}

// CurrentStatus returns the most recent status update for the responder, or
// nil when it has none.
func (d *Domain) CurrentStatus(ctx context.Context, responderID string) (*types.StatusUpdate, error) {
	recs, err := d.store.List(ctx, StatusUpdates, types.Query{
		Filters: []types.Filter{{Field: "responderId", Op: types.OpEq, Value: responderID}},
		OrderBy: "timestamp",
		Desc:    true,
		Limit:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("current status %s: %w", responderID, err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return decodeAs[types.StatusUpdate](recs[0])
}

// StatusHistory returns the responder's status updates newest first.
func (d *Domain) StatusHistory(ctx context.Context, responderID string, limit int) ([]*types.StatusUpdate, error) {
	recs, err := d.store.List(ctx, StatusUpdates, types.Query{
		Filters: []types.Filter{{Field: "responderId", Op: types.OpEq, Value: responderID}},
		OrderBy: "timestamp",
		Desc:    true,
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("status history %s: %w", responderID, err)
	}
	return decodeAll[types.StatusUpdate](d.logger, StatusUpdates, recs), nil
}

// RespondersAssignedTo returns the current status update of every responder
// whose latest record engages it with incidentID.
func (d *Domain) RespondersAssignedTo(ctx context.Context, incidentID string) ([]*types.StatusUpdate, error) {
	recs, err := d.store.List(ctx, StatusUpdates, types.Query{
		Filters: []types.Filter{{Field: "incidentId", Op: types.OpEq, Value: incidentID}},
	})
	if err != nil {
		return nil, fmt.Errorf("responders for %s: %w", incidentID, err)
	}
	seen := make(map[string]bool)
	var out []*types.StatusUpdate
	for _, rec := range recs {
		rid := rec.String("responderId")
		if rid == "" || seen[rid] {
			continue
		}
		seen[rid] = true
		cur, err := d.CurrentStatus(ctx, rid)
		if err != nil {
			return nil, err
		}
		if cur != nil && cur.IncidentID == incidentID && cur.Status.Engaged() {
			out = append(out, cur)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResponderID < out[j].ResponderID })
	return out, nil
}

// EngagedIncidents returns, per responder, the incident its current status
// engages it with. Used by the reconciliation sweep.
func (d *Domain) EngagedIncidents(ctx context.Context) (map[string]string, error) {
	recs, err := d.store.List(ctx, StatusUpdates, types.Query{
		Filters: []types.Filter{{Field: "incidentId", Op: types.OpNe, Value: nil}},
	})
	if err != nil {
		return nil, fmt.Errorf("engaged incidents: %w", err)
	}
	out := make(map[string]string)
	checked := make(map[string]bool)
	for _, rec := range recs {
		rid := rec.String("responderId")
		if rid == "" || checked[rid] {
			continue
		}
		checked[rid] = true
		cur, err := d.CurrentStatus(ctx, rid)
		if err != nil {
			return nil, err
		}
		if cur != nil && cur.IncidentID != "" && cur.Status.Engaged() {
			out[rid] = cur.IncidentID
		}
	}
	return out, nil
}

// ListResponders returns every responder with its status derived from the
// latest status update, falling back to the document status, then available.
func (d *Domain) ListResponders(ctx context.Context) ([]*types.Responder, error) {
	recs, err := d.store.List(ctx, Responders, types.Query{})
	if err != nil {
		return nil, fmt.Errorf("list responders: %w", err)
	}
	out := make([]*types.Responder, 0, len(recs))
	for _, rec := range recs {
		r := &types.Responder{
			ID:               rec.ID(),
			Name:             rec.String("name"),
			Type:             rec.String("type"),
			Status:           types.ResponderStatus(rec.String("status")),
			AssignedIncident: rec.String("assignedIncident"),
			ZoneID:           rec.String("zoneId"),
		}
		if t, err := ParseTime(rec.String("lastUpdate")); err == nil {
			r.LastUpdate = t
		}
		cur, err := d.CurrentStatus(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		switch {
		case cur != nil:
			r.Status = cur.Status
			r.AssignedIncident = ""
			if cur.Status != types.ResponderAvailable {
				r.AssignedIncident = cur.IncidentID
			}
			r.LastUpdate = cur.Timestamp
		case !r.Status.Valid():
			r.Status = types.ResponderAvailable
		}
		out = append(out, r)
	}
	return out, nil
}

// AvailableResponders returns responders whose derived status is available.
func (d *Domain) AvailableResponders(ctx context.Context) ([]*types.Responder, error) {
	all, err := d.ListResponders(ctx)
	if err != nil {
		return nil, err
	}
	var out []*types.Responder
	for _, r := range all {
		if r.Status == types.ResponderAvailable {
			out = append(out, r)
		}
	}
	return out, nil
}

// CreateAlert appends an alert. AlertType defaults to "general".
func (d *Domain) CreateAlert(ctx context.Context, a *types.Alert) (string, error) {
	if a.AlertType == "" {
		a.AlertType = "general"
	}
	id, err := d.store.Create(ctx, Alerts, types.Record{
		"alertType": a.AlertType,
		"zoneId":    a.ZoneID,
		"message":   a.Message,
		"source":    a.Source,
		"timestamp": types.ServerTimestamp,
	})
	if err != nil {
		return "", fmt.Errorf("create alert: %w", err)
	}
	a.ID = id
	return id, nil
}

// RecentAlerts returns up to limit alerts newest first.
func (d *Domain) RecentAlerts(ctx context.Context, limit int) ([]*types.Alert, error) {
	recs, err := d.store.List(ctx, Alerts, types.Query{OrderBy: "timestamp", Desc: true, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("recent alerts: %w", err)
	}
	return decodeAll[types.Alert](d.logger, Alerts, recs), nil
}

func (d *Domain) ListContacts(ctx context.Context) ([]types.Record, error) {
	recs, err := d.store.List(ctx, EmergencyContacts, types.Query{})
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	return recs, nil
}

// CreateMedia records an uploaded media item awaiting analysis.
func (d *Domain) CreateMedia(ctx context.Context, rec types.Record) (string, error) {
	r := rec.Clone()
	r["processed"] = false
	r["timestamp"] = types.ServerTimestamp
	id, err := d.store.Create(ctx, Media, r)
	if err != nil {
		return "", fmt.Errorf("create media: %w", err)
	}
	return id, nil
}

func (d *Domain) PatchMedia(ctx context.Context, id string, patch types.Record) error {
	if err := d.store.Update(ctx, Media, id, patch); err != nil {
		return fmt.Errorf("patch media %s: %w", id, err)
	}
	return nil
}

// Stats summarizes open incidents.
type Stats struct {
	Total      int            `json:"total"`
	Active     int            `json:"active"`
	ByType     map[string]int `json:"byType"`
	ByZone     map[string]int `json:"byZone"`
	ByPriority map[string]int `json:"byPriority"`
	At         time.Time      `json:"at"`
}

// IncidentStats counts incidents. Active means active, ongoing or
// investigating; the breakdowns cover active incidents only.
func (d *Domain) IncidentStats(ctx context.Context) (*Stats, error) {
	all, err := d.ListIncidents(ctx, IncidentFilter{})
	if err != nil {
		return nil, err
	}
	st := &Stats{
		Total:      len(all),
		ByType:     map[string]int{},
		ByZone:     map[string]int{},
		ByPriority: map[string]int{},
		At:         time.Now().UTC(),
	}
	for _, inc := range all {
		switch inc.Status {
		case types.IncidentActive, types.IncidentOngoing, types.IncidentInvestigating:
		default:
			continue
		}
		st.Active++
		st.ByType[inc.Type]++
		st.ByZone[inc.ZoneID]++
		st.ByPriority[string(inc.Priority)]++
	}
	return st, nil
}

func decodeAs[T any](rec types.Record) (*T, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", rec.ID(), err)
	}
	return &v, nil
}

// decodeAll decodes recs, skipping the ones that do not fit T so one
// malformed document cannot hide the rest of the collection.
func decodeAll[T any](logger *zap.Logger, collection string, recs []types.Record) []*T {
	out := make([]*T, 0, len(recs))
	for _, rec := range recs {
		v, err := decodeAs[T](rec)
		if err != nil {
			logger.Warn("skipping malformed record",
				zap.String("collection", collection),
				zap.String("id", rec.ID()),
				zap.Error(err))
			continue
		}
		out = append(out, v)
	}
	return out
}
