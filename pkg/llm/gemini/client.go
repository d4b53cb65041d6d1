// Package gemini implements llm.Provider on the Google Gen AI SDK, against
// either the Gemini API or Vertex AI.
package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/user/crowdwatch/pkg/llm"
)

const DefaultModel = "gemini-2.5-pro"

type Client struct {
	config *llm.Config
	client *genai.Client
}

// New builds a client. With an API key it talks to the Gemini API; with a
// project and no key it uses Vertex AI and application default credentials.
func New(ctx context.Context, config *llm.Config) (*Client, error) {
	cc := &genai.ClientConfig{}
	if config.APIKey == "" && config.Project != "" {
		cc.Backend = genai.BackendVertexAI
		cc.Project = config.Project
		cc.Location = config.Location
		if cc.Location == "" {
			cc.Location = "us-central1"
		}
	} else {
		cc.Backend = genai.BackendGeminiAPI
		cc.APIKey = config.APIKey
	}
	if config.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	return &Client{config: config, client: client}, nil
}

func (c *Client) Name() string { return "gemini" }

func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	if req.Image != nil {
		parts = append(parts, genai.NewPartFromBytes(req.Image.Data, req.Image.MIMEType))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	gc := &genai.GenerateContentConfig{}
	if n := req.MaxTokens; n > 0 {
		gc.MaxOutputTokens = int32(n)
	} else if c.config.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(c.config.MaxTokens)
	}
	if req.Temperature != nil {
		gc.Temperature = genai.Ptr(*req.Temperature)
	} else if c.config.Temperature != 0 {
		gc.Temperature = genai.Ptr(c.config.Temperature)
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.config.Model, contents, gc)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}

	out := &llm.Response{Text: resp.Text(), Model: c.config.Model}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			InputTokens:  int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
			TotalTokens:  int(u.TotalTokenCount),
		}
	}
	return out, nil
}

var _ llm.Provider = (*Client)(nil)
