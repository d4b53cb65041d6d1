package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/user/crowdwatch/internal/types"
)

// Delivered outcome kinds. Other message types are ignored.
var deliveredKinds = map[string]string{
	"escalation":   "ESCALATION",
	"notification": "NOTIFICATION",
	"summary":      "SUMMARY",
}

// Router forwards published outcomes to every configured target.
type Router struct {
	registry *Registry
	targets  []string
	logger   *zap.Logger
}

// NewRouter creates a Router delivering to targets, e.g. "telegram:12345".
func NewRouter(registry *Registry, targets []string, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		registry: registry,
		targets:  targets,
		logger:   logger.With(zap.String("component", "delivery")),
	}
}

// Format renders an outcome envelope as chat text. ok is false for message
// types that are not delivered or carry no text.
func Format(body map[string]any) (text string, ok bool) {
	kind, _ := body["type"].(string)
	label, known := deliveredKinds[kind]
	if !known {
		return "", false
	}
	payload, _ := body[kind].(string)
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", false
	}
	if ctx, ok := body["context"].(map[string]any); ok {
		if zone, ok := ctx["zone"].(string); ok && zone != "" {
			label += " " + zone
		}
	}
	return fmt.Sprintf("[%s]\n%s", label, payload), true
}

// HandleMessage delivers one outcome to every target and joins the failures.
func (r *Router) HandleMessage(ctx context.Context, msg types.Message) error {
	var body map[string]any
	if err := msg.Decode(&body); err != nil {
		return err
	}
	text, ok := Format(body)
	if !ok {
		r.logger.Debug("outcome not delivered", zap.String("topic", msg.Topic), zap.Any("type", body["type"]))
		return nil
	}
	return r.Deliver(ctx, text)
}

// Deliver sends text to every target.
func (r *Router) Deliver(ctx context.Context, text string) error {
	var errs []error
	for _, target := range r.targets {
		if err := r.registry.Deliver(ctx, target, text); err != nil {
			r.logger.Warn("delivery failed", zap.String("target", target), zap.Error(err))
			errs = append(errs, fmt.Errorf("deliver to %s: %w", target, err))
		}
	}
	return errors.Join(errs...)
}

// Subscribe attaches the router to each outcome topic.
func (r *Router) Subscribe(ctx context.Context, b types.Bus, topics ...string) ([]types.Subscription, error) {
	var subs []types.Subscription
	for _, topic := range topics {
		sub, err := b.Subscribe(ctx, topic, r.HandleMessage)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
