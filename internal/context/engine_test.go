package context

import (
	"strings"
	"testing"
)

func newEngine(t *testing.T, maxTokens, reserve int) *Engine {
	t.Helper()
	e, err := New("gpt-4", maxTokens, reserve)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestNewEngine(t *testing.T) {
	e := newEngine(t, 128000, 4096)
	if e == nil {
		t.Fatal("expected non-nil engine")
	}
}

func TestNewEngineUnknownModelFallsBack(t *testing.T) {
	e, err := New("gemini-2.5-pro", 128000, 4096)
	if err != nil {
		t.Fatalf("expected cl100k_base fallback, got %v", err)
	}
	if e.CountTokens("hello world") == 0 {
		t.Error("expected tokens to be counted")
	}
}

func TestNewEngineNeedsNoNetwork(t *testing.T) {
	t.Setenv("TIKTOKEN_CACHE_DIR", t.TempDir())
	t.Setenv("HTTPS_PROXY", "http://127.0.0.1:1")
	t.Setenv("HTTP_PROXY", "http://127.0.0.1:1")

	e, err := New("gpt-4o", 128000, 4096)
	if err != nil {
		t.Fatalf("tokenizer should load from embedded tables: %v", err)
	}
	if n := e.CountTokens("hello world"); n != 2 {
		t.Errorf("expected 2 tokens, got %d", n)
	}
}

func TestBuildPromptSectionOrder(t *testing.T) {
	e := newEngine(t, 128000, 4096)

	prompt := e.BuildPrompt(PromptInput{
		Instructions: "You are a test agent.",
		Structured:   map[string]any{"last_zone": "A", "last_intent": "zone_analysis"},
		LongTerm:     []string{"older event"},
		ShortTerm:    []string{"User: hi", "Assistant: hello"},
		Input:        "what is happening in zone A?",
	})

	order := []string{
		"You are a test agent.",
		sectionStructured,
		"last_intent: zone_analysis\nlast_zone: A",
		sectionLongTerm,
		"older event",
		sectionShortTerm,
		"User: hi\nAssistant: hello",
		sectionInput,
		"what is happening in zone A?",
	}
	pos := -1
	for _, want := range order {
		i := strings.Index(prompt, want)
		if i < 0 {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
		if i <= pos {
			t.Fatalf("%q out of order:\n%s", want, prompt)
		}
		pos = i
	}
}

func TestBuildPromptDeterministic(t *testing.T) {
	e := newEngine(t, 128000, 4096)
	in := PromptInput{
		Instructions: "x",
		Structured:   map[string]any{"b": 2, "a": 1, "c": 3, "d": 4},
		Input:        "y",
	}
	first := e.BuildPrompt(in)
	for range 20 {
		if got := e.BuildPrompt(in); got != first {
			t.Fatalf("prompt changed between calls:\n%s\n---\n%s", first, got)
		}
	}
}

func TestBuildPromptOmitsEmptySections(t *testing.T) {
	e := newEngine(t, 128000, 4096)
	prompt := e.BuildPrompt(PromptInput{Instructions: "only instructions", Input: "go"})
	for _, s := range []string{sectionStructured, sectionLongTerm, sectionShortTerm} {
		if strings.Contains(prompt, s) {
			t.Errorf("unexpected section %q in %q", s, prompt)
		}
	}
}

func TestBuildPromptTrimsOldestFirst(t *testing.T) {
	e := newEngine(t, 128000, 0)

	in := PromptInput{
		Instructions: "instructions",
		LongTerm:     []string{"long-term one", "long-term two"},
		ShortTerm:    []string{"short-term one", "short-term two"},
		Input:        "input",
	}
	full := e.BuildPrompt(in)

	// Budget that fits everything except the oldest long-term line.
	e.maxTokens = e.CountTokens("instructions") + e.CountTokens("input") +
		e.CountTokens("long-term two") + 1 +
		e.CountTokens("short-term one") + 1 +
		e.CountTokens("short-term two") + 1
	trimmed := e.BuildPrompt(in)
	if trimmed == full {
		t.Fatal("expected prompt to be trimmed")
	}
	if strings.Contains(trimmed, "long-term one") {
		t.Error("oldest long-term line should be dropped first")
	}
	for _, keep := range []string{"long-term two", "short-term one", "short-term two", "instructions", "input"} {
		if !strings.Contains(trimmed, keep) {
			t.Errorf("expected %q to survive trimming", keep)
		}
	}

	// A budget with no room for recaps keeps only the fixed sections.
	e.maxTokens = 1
	bare := e.BuildPrompt(in)
	if strings.Contains(bare, sectionLongTerm) || strings.Contains(bare, sectionShortTerm) {
		t.Errorf("expected recaps dropped, got %q", bare)
	}
	if !strings.Contains(bare, "instructions") || !strings.Contains(bare, "input") {
		t.Errorf("fixed sections must not be trimmed, got %q", bare)
	}
}
