// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/user/crowdwatch/pkg/llm"
)

// Reply is one scripted answer. Match, when set, selects the reply only for
// prompts containing it.
type Reply struct {
	Match string
	Text  string
	Err   error
}

// Provider answers from a script. Replies with a Match are checked first in
// order; otherwise unmatched replies are consumed FIFO, and the last one
// repeats once the queue runs dry.
type Provider struct {
	mu       sync.Mutex
	replies  []Reply
	requests []llm.Request
}

// New returns a Provider with the given script.
func New(replies ...Reply) *Provider {
	return &Provider{replies: replies}
}

// Text is shorthand for a provider that always answers text.
func Text(text string) *Provider {
	return New(Reply{Text: text})
}

func (p *Provider) Name() string { return "fake" }

func (p *Provider) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)

	reply, ok := p.next(req.Prompt)
	if !ok {
		return nil, errors.New("llmtest: no scripted reply")
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	return &llm.Response{
		Text:  reply.Text,
		Model: "fake",
		Usage: llm.Usage{InputTokens: len(req.Prompt) / 4, OutputTokens: len(reply.Text) / 4},
	}, nil
}

func (p *Provider) next(prompt string) (Reply, bool) {
	for _, r := range p.replies {
		if r.Match != "" && strings.Contains(prompt, r.Match) {
			return r, true
		}
	}
	var idx = -1
	for i, r := range p.replies {
		if r.Match == "" {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Reply{}, false
	}
	r := p.replies[idx]
	remaining := 0
	for _, other := range p.replies {
		if other.Match == "" {
			remaining++
		}
	}
	if remaining > 1 {
		p.replies = append(p.replies[:idx:idx], p.replies[idx+1:]...)
	}
	return r, true
}

// Requests returns a copy of every request seen so far.
func (p *Provider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.requests...)
}

// Calls returns how many requests were made.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

var _ llm.Provider = (*Provider)(nil)
