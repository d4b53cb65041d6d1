package agents

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	ctxengine "github.com/user/crowdwatch/internal/context"
	"github.com/user/crowdwatch/internal/runtime"
	"github.com/user/crowdwatch/internal/runtime/actions"
	"github.com/user/crowdwatch/internal/state"
	"github.com/user/crowdwatch/internal/types"
)

// RecentAlertLimit is how many alerts the incident prompt sees.
const RecentAlertLimit = 10

// detector maps an analysis flag to the incident it implies.
type detector struct {
	flag         string
	incidentType string
	priority     types.Priority
}

var detectors = []detector{
	{"fireDetected", "fire", types.PriorityCritical},
	{"smokeDetected", "smoke", types.PriorityCritical},
	{"stampedeDetected", "stampede", types.PriorityCritical},
	{"medicalEmergency", "medical", types.PriorityHigh},
}

// IncidentContext is what the incident prompt is built from.
type IncidentContext struct {
	ZoneID     string             `json:"zoneId"`
	Zone       types.Record       `json:"zone"`
	Incidents  []*types.Incident  `json:"incidents"`
	Responders []*types.Responder `json:"responders"`
	Alerts     []*types.Alert     `json:"alerts"`
}

// Incident turns analysed media into incident, responder and alert actions.
type Incident struct {
	domain   *state.Domain
	executor *actions.Executor
	topic    string
	fallback bool
	logger   *zap.Logger
}

// NewIncident creates the incident agent. With fallback set, detector flags
// in the analysis create incidents even when the LLM plans none.
func NewIncident(domain *state.Domain, executor *actions.Executor, outputTopic string, fallback bool, logger *zap.Logger) *Incident {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Incident{
		domain:   domain,
		executor: executor,
		topic:    outputTopic,
		fallback: fallback,
		logger:   logger.With(zap.String("component", "agent"), zap.String("agent", NameIncident)),
	}
}

func (a *Incident) Profile() runtime.Profile {
	return runtime.Profile{Name: NameIncident, Structured: true, OutputTopic: a.topic}
}

func zoneOf(in *runtime.Input) string {
	for _, k := range []string{"zone", "zoneId"} {
		if s, ok := in.Event[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func (a *Incident) Snapshot(ctx context.Context, in *runtime.Input) (any, error) {
	zoneID := zoneOf(in)
	if zoneID == "" {
		return nil, types.Permanent(&types.ValidationError{Field: "zone", Reason: "required"})
	}
	ic := &IncidentContext{ZoneID: zoneID}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zone, err := a.domain.Zone(ctx, zoneID)
		if types.IsNotFound(err) {
			ic.Zone = types.Record{"id": zoneID}
			return nil
		}
		ic.Zone = zone
		return err
	})
	g.Go(func() (err error) {
		ic.Incidents, err = a.domain.ActiveIncidentsInZone(ctx, zoneID)
		return err
	})
	g.Go(func() (err error) {
		ic.Responders, err = a.domain.AvailableResponders(ctx)
		return err
	})
	g.Go(func() (err error) {
		ic.Alerts, err = a.domain.RecentAlerts(ctx, RecentAlertLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ic, nil
}

func (a *Incident) Instructions(in *runtime.Input, snapshot any) (string, error) {
	ic := snapshot.(*IncidentContext)
	return ctxengine.Render(ctxengine.PromptIncident, ctxengine.IncidentData{
		Analysis:   in.Event,
		Incidents:  ic.Incidents,
		Responders: ic.Responders,
		Zone:       ic.Zone,
		Alerts:     ic.Alerts,
	})
}

// Act executes the planned actions. Transient store failures are returned so
// the event is redelivered; create deduplicates, so replays are safe.
func (a *Incident) Act(ctx context.Context, in *runtime.Input, snapshot any, res *runtime.Interpretation) (*runtime.Result, error) {
	ic := snapshot.(*IncidentContext)

	plan := &actions.Plan{}
	if res.Structured != nil {
		p, err := actions.PlanFrom(res.Structured)
		if err != nil {
			a.logger.Warn("dropped malformed actions", zap.Error(err))
		}
		plan = p
	}
	if a.fallback {
		plan.Actions = append(plan.Actions, a.synthesize(in.Event, ic, plan.Actions)...)
	}

	report := a.executor.Execute(ctx, actions.Env{
		ZoneID:    ic.ZoneID,
		Source:    actions.DefaultSource,
		SessionID: in.SessionID,
	}, plan.Actions)
	if err := report.TransientErr(); err != nil {
		return nil, err
	}

	summary := report.Summary()
	out := &runtime.Result{
		Reply:  summary,
		Memory: map[string]any{"zone": ic.ZoneID, "event": in.Event, "actions": plan.Actions, "report": report},
		Value:  report,
	}
	if report.Mutated() {
		out.Message = runtime.Envelope("notification", summary, map[string]any{
			"zone":   ic.ZoneID,
			"report": report,
		})
	}
	return out, nil
}

// synthesize returns a create for every raised detector flag that has neither
// an open incident of that type in the zone nor a planned create.
func (a *Incident) synthesize(event map[string]any, ic *IncidentContext, planned []actions.Action) []actions.Action {
	var out []actions.Action
	for _, d := range detectors {
		if !types.Record(event).Bool(d.flag) {
			continue
		}
		if hasOpen(ic.Incidents, d.incidentType) || plansCreate(planned, d.incidentType, ic.ZoneID) {
			continue
		}
		a.logger.Info("synthesizing incident from analysis",
			zap.String("zone", ic.ZoneID), zap.String("type", d.incidentType))
		out = append(out, actions.Action{
			Type: actions.Create,
			Params: actions.Params{
				IncidentTypes: actions.StringList{d.incidentType},
				Priority:      string(d.priority),
				ZoneID:        ic.ZoneID,
			},
			Reason: d.flag + " in media analysis",
		})
	}
	return out
}

// sameType matches incident types the way the executor deduplicates them.
func sameType(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func hasOpen(incidents []*types.Incident, typ string) bool {
	return slices.ContainsFunc(incidents, func(inc *types.Incident) bool {
		return sameType(inc.Type, typ) && inc.Status.Open()
	})
}

// plansCreate reports whether planned holds a create for typ in zone that
// the executor will accept. A create it would reject must not stand in for
// the detector's own.
func plansCreate(planned []actions.Action, typ, zone string) bool {
	return slices.ContainsFunc(planned, func(a actions.Action) bool {
		if a.Type != actions.Create {
			return false
		}
		if a.Priority != "" {
			if _, err := types.ParsePriority(a.Priority); err != nil {
				return false
			}
		}
		if a.ZoneID != "" && a.ZoneID != zone {
			return false
		}
		return slices.ContainsFunc(a.IncidentTypes, func(t string) bool { return sameType(t, typ) })
	})
}
