package agents

import (
	"context"

	ctxengine "github.com/user/crowdwatch/internal/context"
	"github.com/user/crowdwatch/internal/runtime"
	"github.com/user/crowdwatch/internal/state"
)

// Report is a summary, escalation or notification agent. It reads the full
// snapshot and publishes the completion under its own name.
type Report struct {
	name   string
	domain *state.Domain
	topic  string
}

// NewReport creates a report agent. name is one of Summary, Escalation or
// Notification and selects the prompt.
func NewReport(name string, domain *state.Domain, outputTopic string) *Report {
	return &Report{name: name, domain: domain, topic: outputTopic}
}

func (r *Report) Profile() runtime.Profile {
	return runtime.Profile{Name: r.name, OutputTopic: r.topic}
}

func (r *Report) Snapshot(ctx context.Context, _ *runtime.Input) (any, error) {
	return LoadSnapshot(ctx, r.domain, AllNeeds)
}

func (r *Report) Instructions(in *runtime.Input, snapshot any) (string, error) {
	return ctxengine.Render(r.name, ctxengine.ReportData{Snapshot: snapshot, Event: in.Event})
}

func (r *Report) Act(_ context.Context, _ *runtime.Input, snapshot any, res *runtime.Interpretation) (*runtime.Result, error) {
	return &runtime.Result{
		Reply:   res.Raw,
		Message: runtime.Envelope(r.name, res.Raw, snapshot),
		Value:   res.Raw,
	}, nil
}
