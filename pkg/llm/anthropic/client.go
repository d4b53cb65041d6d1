// Package anthropic implements llm.Provider on the Anthropic Messages API.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/user/crowdwatch/pkg/llm"
)

const defaultMaxTokens = 2048

type Client struct {
	config *llm.Config
	client anthropic.Client
}

func New(config *llm.Config) *Client {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if config.APIKey != "" {
		opts = append(opts, option.WithAPIKey(config.APIKey))
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	return &Client{config: config, client: anthropic.NewClient(opts...)}
}

func (c *Client) Name() string { return "anthropic" }

func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(req.Prompt)}
	if req.Image != nil {
		blocks = append(blocks, anthropic.NewImageBlockBase64(req.Image.MIMEType, req.Image.Base64()))
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.config.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.config.Model),
		MaxTokens: int64(maxTokens),
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*req.Temperature))
	} else if c.config.Temperature != 0 {
		params.Temperature = anthropic.Float(float64(c.config.Temperature))
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	in, out := int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)
	return &llm.Response{
		Text:  sb.String(),
		Model: string(resp.Model),
		Usage: llm.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}, nil
}

var _ llm.Provider = (*Client)(nil)
