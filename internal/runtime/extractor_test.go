package runtime

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRegexExtractor(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  map[string]any
	}{
		{"zone", "what's the crowd like in zone 3?", map[string]any{"last_zone": "3", "last_intent": "zone_analysis"}},
		{"zone mixed case", "ZONE North please", map[string]any{"last_zone": "North", "last_intent": "zone_analysis"}},
		{"incident", "any new incident?", map[string]any{"last_intent": "incident_analysis"}},
		{"incident wins intent", "incident in zone A", map[string]any{"last_zone": "A", "last_intent": "incident_analysis"}},
		{"nothing", "hello", map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RegexExtractor{}.Extract(tt.input, "", nil)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Extract(%q) mismatch (-want +got):\n%s", tt.input, diff)
			}
		})
	}
}

func TestExtractorFunc(t *testing.T) {
	var e Extractor = ExtractorFunc(func(input, answer string, _ map[string]any) map[string]any {
		return map[string]any{"echo": input + "/" + answer}
	})
	if got := e.Extract("a", "b", nil)["echo"]; got != "a/b" {
		t.Errorf("got %v", got)
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("  plain text  "); got != "plain text" {
		t.Errorf("plain: %q", got)
	}
	if got := Normalize("a < b and c > d"); got != "a < b and c > d" {
		t.Errorf("comparison text must not be treated as markup: %q", got)
	}
	if got := Normalize("<p>Gate <b>3</b> closed</p>"); got != "Gate **3** closed" {
		t.Errorf("html: %q", got)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle:           "idle",
		StateContextLoading: "context_loading",
		StatePrompting:      "prompting",
		StateInterpreting:   "interpreting",
		StatePersisting:     "persisting",
		StateFailed:         "failed",
		State(99):           "unknown",
	} {
		if s.String() != want {
			t.Errorf("State(%d) = %q, want %q", s, s.String(), want)
		}
	}
}
