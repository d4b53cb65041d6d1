package llmtest

import (
	"context"
	"errors"
	"testing"

	"github.com/user/crowdwatch/pkg/llm"
)

func TestScriptOrderAndMatch(t *testing.T) {
	p := New(
		Reply{Match: "analyze image", Text: `{"peopleCount": 3}`},
		Reply{Text: "first"},
		Reply{Text: "second"},
	)
	ctx := context.Background()

	for _, tc := range []struct{ prompt, want string }{
		{"hello", "first"},
		{"please analyze image now", `{"peopleCount": 3}`},
		{"hello", "second"},
		{"hello again", "second"},
	} {
		resp, err := p.Complete(ctx, llm.Request{Prompt: tc.prompt})
		if err != nil {
			t.Fatal(err)
		}
		if resp.Text != tc.want {
			t.Errorf("prompt %q: got %q, want %q", tc.prompt, resp.Text, tc.want)
		}
	}
	if p.Calls() != 4 {
		t.Errorf("expected 4 calls, got %d", p.Calls())
	}
}

func TestScriptedError(t *testing.T) {
	boom := errors.New("boom")
	p := New(Reply{Err: boom})
	if _, err := p.Complete(context.Background(), llm.Request{Prompt: "x"}); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
	if _, err := New().Complete(context.Background(), llm.Request{}); err == nil {
		t.Error("expected error from empty script")
	}
}
