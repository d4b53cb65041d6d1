package runtime

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestClassifyOrderedFirstMatchWins(t *testing.T) {
	c := NewClassifier(nil)
	tests := []struct {
		text string
		want string
	}{
		{"There is a FIRE in zone A", "incident_analysis"},
		{"how crowded is zone b", "zone_analysis"},
		{"which responders are free", "responder_analysis"},
		{"phone for the venue manager", "contacts"},
		// "emergency" is an incident keyword and is checked before contacts.
		{"emergency contact list", "incident_analysis"},
		{"give me an overview", "analytics"},
		{"any safety advice?", "safety_recommendations"},
		{"hello there", "general"},
		{"", "general"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := c.Classify(tt.text).Intent; got != tt.want {
				t.Errorf("Classify(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	c := NewClassifier(nil)
	inputs := []string{"fire and crowd", "team overview", "???", "Zone Capacity Sensor", "résumé"}
	for _, in := range inputs {
		first := c.Classify(in)
		for range 50 {
			if got := c.Classify(in); got != first {
				t.Fatalf("Classify(%q) changed: %+v then %+v", in, first, got)
			}
		}
	}
}

func TestAnalyzeFallback(t *testing.T) {
	c := NewClassifier(nil)
	got := c.Analyze("Show active critical fire incidents in zone A and crowd levels")
	want := &QueryAnalysis{
		ContextType:     "incidents",
		Intent:          "incident_analysis",
		NeedsIncidents:  true,
		NeedsZones:      true,
		SpecificFilters: map[string]string{"status": "active", "priority": "critical", "type": "fire", "zone": "A"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Analyze mismatch (-want +got):\n%s", diff)
	}

	general := c.Analyze("hi")
	if general.Intent != "general" || general.ContextType != "general" {
		t.Errorf("expected general analysis, got %+v", general)
	}
}

func TestParseVocabulary(t *testing.T) {
	v, err := ParseVocabulary([]byte(`
intents:
  - name: weather
    context: general
    keywords: [RAIN, Storm]
`))
	if err != nil {
		t.Fatal(err)
	}
	if v.Default != "general" {
		t.Errorf("expected default intent general, got %q", v.Default)
	}
	c := NewClassifier(v)
	if got := c.Classify("heavy rain at the east stage").Intent; got != "weather" {
		t.Errorf("expected weather, got %q", got)
	}

	if _, err := ParseVocabulary([]byte("intents:\n  - keywords: [x]\n")); err == nil {
		t.Error("expected error for unnamed intent")
	}
}

func TestInterpret(t *testing.T) {
	c := NewClassifier(nil)

	in := c.Interpret("plain words", false, "crowd at zone c")
	if in.Fallback || in.Structured != nil || in.Intent != "zone_analysis" {
		t.Errorf("text interpretation: %+v", in)
	}

	in = c.Interpret(`{"actions":[]}`, true, "fire")
	if in.Fallback || in.Structured == nil || in.Intent != "incident_analysis" {
		t.Errorf("structured interpretation: %+v", in)
	}

	in = c.Interpret("not json", true, "hello")
	if !in.Fallback || in.ParseErr == nil || in.Intent != "general" {
		t.Errorf("fallback interpretation: %+v", in)
	}
}
