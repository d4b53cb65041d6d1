package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/user/crowdwatch/pkg/llm"
)

// Client implements the llm.Provider interface for OpenAI-compatible APIs.
type Client struct {
	config *llm.Config
	client openai.Client
}

// New creates a new OpenAI-compatible client with the given configuration.
// Retries are left to the caller's redelivery.
func New(config *llm.Config) *Client {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if config.APIKey != "" {
		opts = append(opts, option.WithAPIKey(config.APIKey))
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	return &Client{config: config, client: openai.NewClient(opts...)}
}

func (c *Client) Name() string { return "openai" }

// Complete sends a chat completion request and returns the full response.
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	var msg openai.ChatCompletionMessageParamUnion
	if req.Image != nil {
		msg = openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart(req.Prompt),
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: req.Image.DataURL()}),
		})
	} else {
		msg = openai.UserMessage(req.Prompt)
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.config.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{msg},
	}
	if n := firstPositive(req.MaxTokens, c.config.MaxTokens); n > 0 {
		params.MaxCompletionTokens = openai.Int(int64(n))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(float64(*req.Temperature))
	} else if c.config.Temperature != 0 {
		params.Temperature = openai.Float(float64(c.config.Temperature))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	return &llm.Response{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}, nil
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

var _ llm.Provider = (*Client)(nil)
