package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/user/crowdwatch/internal/state"
	"github.com/user/crowdwatch/internal/types"
)

// DefaultSource tags incidents and alerts created without an explicit source.
const DefaultSource = "incident_agent"

// Env is the event context a batch runs in.
type Env struct {
	// ZoneID is used when an action names no zone.
	ZoneID    string
	Source    string
	SessionID types.SessionID
}

func (e Env) source() string {
	if e.Source == "" {
		return DefaultSource
	}
	return e.Source
}

// Result is the outcome of one action.
type Result struct {
	Index int  `json:"index"`
	Type  Type `json:"type"`
	// Created holds ids of new incidents, alerts and status updates.
	Created []string `json:"created,omitempty"`
	// Touched holds ids of patched incidents, zones and responders.
	Touched []string `json:"touched,omitempty"`
	// Released holds responders freed by a close.
	Released []string `json:"released,omitempty"`
	// Existing holds open incidents that made a create a no-op.
	Existing []string `json:"existing,omitempty"`
	Skipped  bool     `json:"skipped,omitempty"`
	Error    string   `json:"error,omitempty"`
	Err      error    `json:"-"`
}

// Report collects the results of one batch in action order.
type Report struct {
	Results []Result `json:"results"`
}

// Mutated reports whether any action changed the store.
func (r *Report) Mutated() bool {
	for _, res := range r.Results {
		if len(res.Created) > 0 || len(res.Touched) > 0 {
			return true
		}
	}
	return false
}

// Err joins the errors of every failed action.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("action %d (%s): %w", res.Index, res.Type, res.Err))
		}
	}
	return errors.Join(errs...)
}

// TransientErr joins only the failures worth retrying.
func (r *Report) TransientErr() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil && types.IsTransient(res.Err) {
			errs = append(errs, fmt.Errorf("action %d (%s): %w", res.Index, res.Type, res.Err))
		}
	}
	return errors.Join(errs...)
}

// Summary renders the report as one line per action.
func (r *Report) Summary() string {
	var b strings.Builder
	for i, res := range r.Results {
		if i > 0 {
			b.WriteByte('\n')
		}
		switch {
		case res.Err != nil:
			fmt.Fprintf(&b, "%s failed: %s", res.Type, res.Error)
		case res.Skipped:
			fmt.Fprintf(&b, "%s skipped", res.Type)
		default:
			b.WriteString(string(res.Type))
			writeIDs(&b, "created", res.Created)
			writeIDs(&b, "touched", res.Touched)
			writeIDs(&b, "released", res.Released)
			writeIDs(&b, "already open", res.Existing)
		}
	}
	return b.String()
}

func writeIDs(b *strings.Builder, label string, ids []string) {
	if len(ids) > 0 {
		fmt.Fprintf(b, "; %s %s", label, strings.Join(ids, ", "))
	}
}

type handler func(ctx context.Context, env Env, a *Action, res *Result) error

// Executor runs action batches sequentially against the domain store.
type Executor struct {
	domain   *state.Domain
	logs     types.DocumentStore
	logger   *zap.Logger
	handlers map[Type]handler
}

// New creates an Executor. Tool-call logs go to the domain's store.
func New(domain *state.Domain, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		domain: domain,
		logs:   domain.Store(),
		logger: logger.With(zap.String("component", "actions")),
	}
	e.handlers = map[Type]handler{
		Create:            e.create,
		Update:            e.update,
		Escalate:          e.escalate,
		Close:             e.close,
		AssignResponder:   e.assign,
		DispatchResponder: e.dispatch,
		SendAlert:         e.sendAlert,
		LockdownZone:      e.lockdown,
		None:              func(context.Context, Env, *Action, *Result) error { return nil },
	}
	return e
}

// Known reports whether t has a handler.
func (e *Executor) Known(t Type) bool {
	_, ok := e.handlers[t]
	return ok
}

// Execute runs actions in order. A failing action is recorded and the batch
// continues; unknown types are skipped.
func (e *Executor) Execute(ctx context.Context, env Env, actions []Action) *Report {
	report := &Report{Results: make([]Result, 0, len(actions))}
	for i := range actions {
		a := &actions[i]
		res := Result{Index: i, Type: a.Type}
		if h, ok := e.handlers[a.Type]; ok {
			if err := h(ctx, env, a, &res); err != nil {
				res.Err = err
				res.Error = err.Error()
				e.logger.Warn("action failed", zap.Int("index", i), zap.String("type", string(a.Type)), zap.Error(err))
			}
		} else {
			res.Skipped = true
			e.logger.Warn("unknown action type skipped", zap.Int("index", i), zap.String("type", string(a.Type)))
		}
		e.writeLog(ctx, env, a, &res)
		report.Results = append(report.Results, res)
	}
	return report
}

// writeLog records one action in tool_call_logs. Failures are logged only.
func (e *Executor) writeLog(ctx context.Context, env Env, a *Action, res *Result) {
	var args map[string]any
	if data, err := json.Marshal(a); err == nil {
		_ = json.Unmarshal(data, &args)
	}
	rec := types.Record{
		"tool":       string(a.Type),
		"args":       args,
		"result":     res,
		"source":     env.source(),
		"session_id": string(env.SessionID),
		"timestamp":  types.ServerTimestamp,
	}
	if res.Err != nil {
		rec["error"] = res.Error
	}
	if _, err := e.logs.Create(ctx, state.ToolCallLogs, rec); err != nil {
		e.logger.Warn("tool call log failed", zap.String("type", string(a.Type)), zap.Error(err))
	}
}

func zoneOf(env Env, a *Action) string {
	if a.ZoneID != "" {
		return a.ZoneID
	}
	return env.ZoneID
}

func required(field string, ok bool) error {
	if ok {
		return nil
	}
	return &types.ValidationError{Field: field, Reason: "required"}
}

func (e *Executor) create(ctx context.Context, env Env, a *Action, res *Result) error {
	priority := types.PriorityMedium
	if a.Priority != "" {
		p, err := types.ParsePriority(a.Priority)
		if err != nil {
			return err
		}
		priority = p
	}
	zone := zoneOf(env, a)
	kinds := []string(a.IncidentTypes)
	if len(kinds) == 0 {
		kinds = []string{"unknown"}
	}

	// One open incident per type and zone.
	open := map[string]string{}
	if zone != "" {
		active, err := e.domain.ActiveIncidentsInZone(ctx, zone)
		if err != nil {
			return err
		}
		for _, inc := range active {
			key := strings.ToLower(inc.Type)
			if _, seen := open[key]; !seen {
				open[key] = inc.ID
			}
		}
	}

	for _, kind := range kinds {
		kind = strings.TrimSpace(kind)
		if kind == "" {
			kind = "unknown"
		}
		if id, ok := open[strings.ToLower(kind)]; ok {
			res.Existing = append(res.Existing, id)
			continue
		}
		inc := &types.Incident{
			Type:        kind,
			ZoneID:      zone,
			Description: a.Reason,
			Priority:    priority,
			Status:      types.IncidentActive,
			Notes:       a.Notes,
			Source:      env.source(),
		}
		id, err := e.domain.CreateIncident(ctx, inc)
		if err != nil {
			return err
		}
		open[strings.ToLower(kind)] = id
		res.Created = append(res.Created, id)
	}
	return nil
}

func (e *Executor) update(ctx context.Context, _ Env, a *Action, res *Result) error {
	return e.patchIncidents(ctx, a, a.Priority, res)
}

func (e *Executor) escalate(ctx context.Context, _ Env, a *Action, res *Result) error {
	return e.patchIncidents(ctx, a, string(types.PriorityCritical), res)
}

// patchIncidents validates the whole patch before touching any incident.
func (e *Executor) patchIncidents(ctx context.Context, a *Action, priority string, res *Result) error {
	if err := required("incidentIds", len(a.IncidentIDs) > 0); err != nil {
		return err
	}
	patch := types.Record{}
	if priority != "" {
		p, err := types.ParsePriority(priority)
		if err != nil {
			return err
		}
		patch["priority"] = string(p)
	}
	if a.Status != "" {
		s, err := types.ParseIncidentStatus(a.Status)
		if err != nil {
			return err
		}
		patch["status"] = string(s)
	}
	if a.Notes != "" {
		patch["notes"] = a.Notes
	}
	for _, id := range a.IncidentIDs {
		if err := e.domain.PatchIncident(ctx, id, patch); err != nil {
			return err
		}
		res.Touched = append(res.Touched, id)
	}
	return nil
}

// close marks each incident closed, then frees every responder whose current
// status still engages it. The two writes are not atomic; the reconciliation
// sweep repairs a crash between them.
func (e *Executor) close(ctx context.Context, _ Env, a *Action, res *Result) error {
	if err := required("incidentIds", len(a.IncidentIDs) > 0); err != nil {
		return err
	}
	for _, id := range a.IncidentIDs {
		patch := types.Record{
			"status":   string(types.IncidentClosed),
			"closedAt": types.ServerTimestamp,
		}
		if a.Notes != "" {
			patch["notes"] = a.Notes
		}
		if err := e.domain.PatchIncident(ctx, id, patch); err != nil {
			return err
		}
		res.Touched = append(res.Touched, id)

		assigned, err := e.domain.RespondersAssignedTo(ctx, id)
		if err != nil {
			return err
		}
		for _, cur := range assigned {
			upd := &types.StatusUpdate{
				ResponderID: cur.ResponderID,
				IncidentID:  id,
				ZoneID:      cur.ZoneID,
				Status:      types.ResponderAvailable,
				Action:      ActionReleasedClosed,
				Notes:       a.Reason,
			}
			uid, err := e.domain.AppendStatusUpdate(ctx, upd)
			if err != nil {
				return err
			}
			res.Created = append(res.Created, uid)
			res.Released = append(res.Released, cur.ResponderID)
		}
	}
	return nil
}

func (e *Executor) assign(ctx context.Context, _ Env, a *Action, res *Result) error {
	if err := required("responderIds", len(a.ResponderIDs) > 0); err != nil {
		return err
	}
	if err := required("incidentIds", len(a.IncidentIDs) > 0); err != nil {
		return err
	}
	incidentID := a.IncidentIDs[0]
	inc, err := e.domain.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	zone := a.ZoneID
	if zone == "" {
		zone = inc.ZoneID
	}
	for _, rid := range a.ResponderIDs {
		uid, err := e.domain.AppendStatusUpdate(ctx, &types.StatusUpdate{
			ResponderID: rid,
			IncidentID:  incidentID,
			ZoneID:      zone,
			Status:      types.ResponderAssigned,
			Action:      ActionAssigned,
			Notes:       a.Notes,
		})
		if err != nil {
			return err
		}
		res.Created = append(res.Created, uid)
		res.Touched = append(res.Touched, rid)
	}
	return nil
}

func (e *Executor) dispatch(ctx context.Context, env Env, a *Action, res *Result) error {
	if err := required("responderIds", len(a.ResponderIDs) > 0); err != nil {
		return err
	}
	zone := zoneOf(env, a)
	if err := required("zoneId", zone != ""); err != nil {
		return err
	}
	var incidentID string
	if len(a.IncidentIDs) > 0 {
		incidentID = a.IncidentIDs[0]
	}
	for _, rid := range a.ResponderIDs {
		uid, err := e.domain.AppendStatusUpdate(ctx, &types.StatusUpdate{
			ResponderID: rid,
			IncidentID:  incidentID,
			ZoneID:      zone,
			Status:      types.ResponderEnRoute,
			Action:      ActionDispatched,
			Notes:       a.Notes,
		})
		if err != nil {
			return err
		}
		res.Created = append(res.Created, uid)
		res.Touched = append(res.Touched, rid)
	}
	return nil
}

func (e *Executor) sendAlert(ctx context.Context, env Env, a *Action, res *Result) error {
	alertType := a.AlertType
	if strings.EqualFold(alertType, "null") {
		alertType = ""
	}
	msg := a.Notes
	if msg == "" {
		msg = a.Reason
	}
	id, err := e.domain.CreateAlert(ctx, &types.Alert{
		AlertType: alertType,
		ZoneID:    zoneOf(env, a),
		Message:   msg,
		Source:    env.source(),
	})
	if err != nil {
		return err
	}
	res.Created = append(res.Created, id)
	return nil
}

func (e *Executor) lockdown(ctx context.Context, env Env, a *Action, res *Result) error {
	zone := zoneOf(env, a)
	if err := required("zoneId", zone != ""); err != nil {
		return err
	}
	patch := types.Record{"status": "lockdown"}
	if a.Notes != "" {
		patch["notes"] = a.Notes
	}
	if err := e.domain.PatchZone(ctx, zone, patch); err != nil {
		return err
	}
	res.Touched = append(res.Touched, zone)
	return nil
}
