// Package gateway is the single path from agents to the completion service.
// It is stateless per call: all continuity travels inside the prompt.
package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/user/crowdwatch/internal/state"
	"github.com/user/crowdwatch/internal/types"
	"github.com/user/crowdwatch/pkg/llm"
	"github.com/user/crowdwatch/pkg/llm/anthropic"
	"github.com/user/crowdwatch/pkg/llm/gemini"
	"github.com/user/crowdwatch/pkg/llm/openai"
)

// Gateway sends prompts to an llm.Provider and records every call in the
// audit collection.
type Gateway struct {
	provider llm.Provider
	audit    types.DocumentStore
	logger   *zap.Logger
}

// New creates a Gateway. audit may be nil to skip audit records.
func New(provider llm.Provider, audit types.DocumentStore, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		provider: provider,
		audit:    audit,
		logger:   logger.With(zap.String("component", "gateway"), zap.String("provider", provider.Name())),
	}
}

// CallOption configures optional behavior on a Complete call.
type CallOption func(*call)

type call struct {
	image  *llm.Image
	source string
}

// WithImage attaches an inline image to the prompt.
func WithImage(img *llm.Image) CallOption {
	return func(c *call) { c.image = img }
}

// WithSource tags the audit record with the calling agent.
func WithSource(source string) CallOption {
	return func(c *call) { c.source = source }
}

// Complete returns the raw completion text. Provider failures come back as
// TransientIOError.
func (g *Gateway) Complete(ctx context.Context, prompt string, opts ...CallOption) (string, error) {
	c := &call{}
	for _, opt := range opts {
		opt(c)
	}

	start := time.Now()
	resp, err := g.provider.Complete(ctx, llm.Request{Prompt: prompt, Image: c.image})
	elapsed := time.Since(start)
	if err != nil {
		g.logger.Warn("completion failed", zap.String("source", c.source), zap.Duration("elapsed", elapsed), zap.Error(err))
		g.record(ctx, c, prompt, "", err)
		return "", types.Transient("llm complete", err)
	}

	g.logger.Debug("completion",
		zap.String("source", c.source),
		zap.Duration("elapsed", elapsed),
		zap.Int("input_tokens", resp.Usage.InputTokens),
		zap.Int("output_tokens", resp.Usage.OutputTokens))
	g.record(ctx, c, prompt, resp.Text, nil)
	return resp.Text, nil
}

// record writes the audit entry. Failures are logged only.
func (g *Gateway) record(ctx context.Context, c *call, prompt, text string, callErr error) {
	if g.audit == nil {
		return
	}
	rec := types.Record{
		"timestamp": types.ServerTimestamp,
		"prompt":    prompt,
		"response":  text,
		"source":    c.source,
		"hasImage":  c.image != nil,
	}
	if callErr != nil {
		rec["error"] = callErr.Error()
	} else if parsed, err := ParseStructured(text); err == nil {
		rec["parsed"] = parsed
	}
	if _, err := g.audit.Create(ctx, state.LLMLogs, rec); err != nil {
		g.logger.Warn("audit write failed", zap.Error(err))
	}
}

// NewProvider builds the provider named by cfg.Provider.
func NewProvider(ctx context.Context, cfg *llm.Config) (llm.Provider, error) {
	switch cfg.Provider {
	case "", "gemini":
		return gemini.New(ctx, cfg)
	case "openai":
		return openai.New(cfg), nil
	case "anthropic":
		return anthropic.New(cfg), nil
	}
	return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
}
