// internal/context/engine.go
package context

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// The BPE tables ship inside the binary, so serve and tests work offline.
func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

const (
	sectionStructured = "## Structured context"
	sectionLongTerm   = "## Earlier events"
	sectionShortTerm  = "## Recent conversation"
	sectionInput      = "## Current input"
)

// Engine assembles token-budgeted prompts for the LLM.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for models tiktoken does not know (gemini, claude)
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
	}, nil
}

// CountTokens returns the token count for a string.
func (e *Engine) CountTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// PromptInput is everything that goes into one prompt.
type PromptInput struct {
	// Instructions is the agent's rendered instruction block.
	Instructions string
	// Structured is the session's structured context. Keys render sorted.
	Structured map[string]any
	// LongTerm holds recap lines of earlier events, oldest first.
	LongTerm []string
	// ShortTerm holds the session's recent turns, oldest first.
	ShortTerm []string
	// Input is the current event or query.
	Input string
}

// BuildPrompt concatenates instructions, structured context, long-term recap,
// short-term recap and the current input, in that order. Empty sections are
// left out. When the whole does not fit the budget, recap lines are dropped
// oldest first: long-term before short-term. Instructions, structured context
// and input are never trimmed.
func (e *Engine) BuildPrompt(in PromptInput) string {
	budget := e.maxTokens - e.reserve

	fixed := e.CountTokens(in.Instructions) + e.CountTokens(in.Input)
	structured := renderStructured(in.Structured)
	fixed += e.CountTokens(structured)

	longTerm := append([]string(nil), in.LongTerm...)
	shortTerm := append([]string(nil), in.ShortTerm...)

	used := fixed
	for _, l := range longTerm {
		used += e.CountTokens(l) + 1
	}
	for _, l := range shortTerm {
		used += e.CountTokens(l) + 1
	}
	for used > budget && len(longTerm) > 0 {
		used -= e.CountTokens(longTerm[0]) + 1
		longTerm = longTerm[1:]
	}
	for used > budget && len(shortTerm) > 0 {
		used -= e.CountTokens(shortTerm[0]) + 1
		shortTerm = shortTerm[1:]
	}

	var sections []string
	if s := strings.TrimSpace(in.Instructions); s != "" {
		sections = append(sections, s)
	}
	if structured != "" {
		sections = append(sections, sectionStructured+"\n"+structured)
	}
	if len(longTerm) > 0 {
		sections = append(sections, sectionLongTerm+"\n"+strings.Join(longTerm, "\n"))
	}
	if len(shortTerm) > 0 {
		sections = append(sections, sectionShortTerm+"\n"+strings.Join(shortTerm, "\n"))
	}
	if s := strings.TrimSpace(in.Input); s != "" {
		sections = append(sections, sectionInput+"\n"+s)
	}
	return strings.Join(sections, "\n\n")
}

func renderStructured(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %v", k, m[k])
	}
	return b.String()
}
