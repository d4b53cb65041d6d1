package llm

import "encoding/base64"

// Image is an inline image attachment.
type Image struct {
	Data     []byte `json:"-"`
	MIMEType string `json:"mime_type"`
}

// Base64 returns the image data base64-encoded.
func (i *Image) Base64() string {
	return base64.StdEncoding.EncodeToString(i.Data)
}

// DataURL returns the image as a data: URL.
func (i *Image) DataURL() string {
	return "data:" + i.MIMEType + ";base64," + i.Base64()
}

// Request is one stateless completion call. All conversation continuity is
// carried inside Prompt.
type Request struct {
	Prompt      string   `json:"prompt"`
	Image       *Image   `json:"image,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
}

// Response represents a complete response from an LLM provider.
type Response struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
	Usage Usage  `json:"usage"`
}

// Usage tracks token consumption for a request/response pair.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}
