// Package agents implements the crowd-monitoring agents on top of the shared
// runtime: report writers, media vision, incident management and chat.
package agents

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/user/crowdwatch/internal/bus"
	"github.com/user/crowdwatch/internal/runtime"
	"github.com/user/crowdwatch/internal/runtime/actions"
	"github.com/user/crowdwatch/internal/state"
	"github.com/user/crowdwatch/internal/types"
)

// Agent names. Each is also the agent's input topic suffix.
const (
	NameSummary      = "summary"
	NameEscalation   = "escalation"
	NameNotification = "notification"
	NameVision       = "vision"
	NameIncident     = "incident"
	NameChat         = "chat"
)

// Names lists every agent in registration order.
var Names = []string{NameSummary, NameEscalation, NameNotification, NameVision, NameIncident, NameChat}

// Set is what Register needs beyond the runtime dependencies.
type Set struct {
	Domain   *state.Domain
	Topics   bus.Topics
	Fetcher  MediaFetcher
	Executor *actions.Executor
	// DeterministicFallback lets detector flags create incidents on their own.
	DeterministicFallback bool
	Options               []runtime.Option
}

// Register builds every agent runtime and adds it to reg.
func Register(reg *runtime.Registry, deps runtime.Deps, set Set) error {
	if set.Fetcher == nil {
		set.Fetcher = NewHTTPFetcher(nil)
	}
	if set.Executor == nil {
		set.Executor = actions.New(set.Domain, deps.Logger)
	}
	list := []runtime.Agent{
		NewReport(NameSummary, set.Domain, set.Topics.Outcomes(NameSummary)),
		NewReport(NameEscalation, set.Domain, set.Topics.Outcomes(NameEscalation)),
		NewReport(NameNotification, set.Domain, set.Topics.Outcomes(NameNotification)),
		NewVision(set.Domain, set.Fetcher, set.Topics.Input(NameIncident), deps.Logger),
		NewIncident(set.Domain, set.Executor, set.Topics.Outcomes(NameIncident), set.DeterministicFallback, deps.Logger),
		NewChat(set.Domain, deps.Gateway, deps.Classifier, deps.Logger),
	}
	for _, a := range list {
		if err := reg.Register(runtime.New(a, deps, set.Options...)); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe attaches every registered runtime to its input topic. On error
// the subscriptions made so far are released.
func Subscribe(ctx context.Context, b types.Bus, topics bus.Topics, reg *runtime.Registry, logger *zap.Logger) ([]types.Subscription, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var subs []types.Subscription
	for _, rt := range reg.All() {
		topic := topics.Input(rt.Name())
		sub, err := b.Subscribe(ctx, topic, rt.HandleMessage)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("subscribe %s: %w", topic, err), Unsubscribe(subs))
		}
		logger.Info("agent subscribed", zap.String("agent", rt.Name()), zap.String("topic", topic))
		subs = append(subs, sub)
	}
	return subs, nil
}

// Unsubscribe releases subs and joins the errors.
func Unsubscribe(subs []types.Subscription) error {
	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", s.Topic(), err))
		}
	}
	return errors.Join(errs...)
}
