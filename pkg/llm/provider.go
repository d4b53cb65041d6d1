package llm

import "context"

// Provider defines the interface for interacting with LLM backends.
// Implementations handle protocol-specific details such as request formatting,
// authentication, and response parsing.
type Provider interface {
	// Complete sends a single-turn prompt, optionally with an image, and
	// returns the full response text.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Name identifies the backend in logs and audit records.
	Name() string
}

// Config holds common configuration for LLM providers.
type Config struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32

	// Vertex AI backend for gemini. Used when Project is set and APIKey is empty.
	Project  string
	Location string
}
