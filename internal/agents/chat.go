package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	ctxengine "github.com/user/crowdwatch/internal/context"
	"github.com/user/crowdwatch/internal/gateway"
	"github.com/user/crowdwatch/internal/runtime"
	"github.com/user/crowdwatch/internal/state"
	"github.com/user/crowdwatch/internal/types"
)

// Analysis methods reported in ChatResponse.
const (
	MethodLLM      = "gemini"
	MethodFallback = "fallback"
)

// ChatResponse is the answer to one operator query.
type ChatResponse struct {
	Response       string    `json:"response"`
	Context        *Snapshot `json:"context"`
	Intent         string    `json:"intent"`
	AnalysisMethod string    `json:"analysisMethod"`
}

// ChatContext is the chat agent's per-query snapshot.
type ChatContext struct {
	Analysis *runtime.QueryAnalysis
	Method   string
	Data     *Snapshot
}

// Chat answers operator questions from the data a query analysis selects.
type Chat struct {
	domain     *state.Domain
	llm        runtime.Completer
	classifier *runtime.Classifier
	logger     *zap.Logger
}

func NewChat(domain *state.Domain, llm runtime.Completer, classifier *runtime.Classifier, logger *zap.Logger) *Chat {
	if classifier == nil {
		classifier = runtime.NewClassifier(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chat{
		domain:     domain,
		llm:        llm,
		classifier: classifier,
		logger:     logger.With(zap.String("component", "agent"), zap.String("agent", NameChat)),
	}
}

func (c *Chat) Profile() runtime.Profile {
	return runtime.Profile{Name: NameChat}
}

// Snapshot analyses the query and fetches only the data it needs.
func (c *Chat) Snapshot(ctx context.Context, in *runtime.Input) (any, error) {
	qa, method := c.analyze(ctx, in.Text, in.Structured)
	data, err := LoadSnapshot(ctx, c.domain, needsFor(qa))
	if err != nil {
		return nil, err
	}
	if zone := qa.SpecificFilters["zone"]; zone != "" {
		data.Incidents = filterZone(data.Incidents, zone)
	}
	return &ChatContext{Analysis: qa, Method: method, Data: data}, nil
}

// analyze asks the LLM for a QueryAnalysis and falls back to the keyword
// classifier on any failure. session lets follow-up questions resolve "that
// zone" against earlier turns.
func (c *Chat) analyze(ctx context.Context, query string, session map[string]any) (*runtime.QueryAnalysis, string) {
	prompt, err := ctxengine.Render(ctxengine.PromptQueryAnalysis, ctxengine.QueryData{Query: query, Session: session})
	if err == nil {
		var raw string
		raw, err = c.llm.Complete(ctx, prompt, gateway.WithSource("query_analysis"))
		if err == nil {
			var qa runtime.QueryAnalysis
			if err = gateway.ParseInto(raw, &qa); err == nil {
				if qa.SpecificFilters == nil {
					qa.SpecificFilters = map[string]string{}
				}
				if qa.Intent == "" {
					qa.Intent = c.classifier.Classify(query).Intent
				}
				return &qa, MethodLLM
			}
		}
	}
	c.logger.Info("query analysis fell back to classifier", zap.Error(err))
	return c.classifier.Analyze(query), MethodFallback
}

func needsFor(qa *runtime.QueryAnalysis) Needs {
	n := Needs{
		Incidents:  qa.NeedsIncidents,
		Zones:      qa.NeedsZones,
		Responders: qa.NeedsResponders,
		Contacts:   qa.NeedsContacts,
		Stats:      qa.NeedsAnalytics,
	}
	if n.Incidents {
		f := state.IncidentFilter{Limit: 20}
		if s, err := types.ParseIncidentStatus(qa.SpecificFilters["status"]); err == nil {
			f.Status = s
		}
		if p, err := types.ParsePriority(qa.SpecificFilters["priority"]); err == nil {
			f.Priority = p
		}
		f.Type = qa.SpecificFilters["type"]
		if qa.SpecificFilters["zone"] != "" {
			f.Limit = 0
		}
		n.IncidentFilter = f
	}
	if !n.Incidents && !n.Zones && !n.Responders && !n.Contacts && !n.Stats {
		n.Stats = true
	}
	return n
}

// filterZone keeps incidents in zone. "a", "A" and "zone_a" all name zone_a.
func filterZone(incidents []*types.Incident, zone string) []*types.Incident {
	want := strings.ToLower(zone)
	var out []*types.Incident
	for _, inc := range incidents {
		id := strings.ToLower(inc.ZoneID)
		if id == want || id == "zone_"+want || strings.TrimPrefix(id, "zone") == want {
			out = append(out, inc)
		}
	}
	return out
}

func (c *Chat) Instructions(_ *runtime.Input, snapshot any) (string, error) {
	cc := snapshot.(*ChatContext)
	return ctxengine.Render(ctxengine.PromptChat, ctxengine.ChatData{Intent: cc.Analysis.Intent, Data: cc.Data})
}

func (c *Chat) Act(_ context.Context, in *runtime.Input, snapshot any, res *runtime.Interpretation) (*runtime.Result, error) {
	cc := snapshot.(*ChatContext)
	resp := &ChatResponse{
		Response:       res.Raw,
		Context:        cc.Data,
		Intent:         cc.Analysis.Intent,
		AnalysisMethod: cc.Method,
	}
	return &runtime.Result{
		Reply: res.Raw,
		Memory: map[string]any{
			"sessionId":      string(in.SessionID),
			"query":          in.Text,
			"response":       res.Raw,
			"intent":         resp.Intent,
			"analysisMethod": resp.AnalysisMethod,
		},
		Value:   resp,
		Context: lastIncident(cc.Data),
	}, nil
}

// lastIncident records the newest incident the answer drew on.
func lastIncident(data *Snapshot) map[string]any {
	if data == nil || len(data.Incidents) == 0 {
		return nil
	}
	return map[string]any{"last_incident": data.Incidents[0].ID}
}

// Ask runs query through the chat runtime and returns its response.
func Ask(ctx context.Context, rt *runtime.Runtime, sessionID types.SessionID, query string) (*ChatResponse, error) {
	if strings.TrimSpace(query) == "" {
		return nil, &types.ValidationError{Field: "input", Reason: "required"}
	}
	out, err := rt.Handle(ctx, &runtime.Input{SessionID: sessionID, Text: query})
	if err != nil {
		return nil, err
	}
	resp, ok := out.Result.Value.(*ChatResponse)
	if !ok {
		return nil, fmt.Errorf("agent %s did not return a chat response", rt.Name())
	}
	return resp, nil
}
