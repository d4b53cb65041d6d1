package context

import (
	"strings"
	"testing"
)

func TestRenderVisionKeysVerbatim(t *testing.T) {
	out, err := Render(PromptVision, VisionData{Zone: map[string]any{"id": "zone_a", "maxOccupancy": 500}})
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{
		`"peopleCount"`, `"crowdDensity"`, `"smokeDetected"`, `"fireDetected"`,
		`"medicalEmergency"`, `"potentialRisk"`, `"incidentRecommended"`,
		`"incidentType"`, `"suggestedAction"`,
	} {
		if !strings.Contains(out, key) {
			t.Errorf("vision prompt missing key %s", key)
		}
	}
	if !strings.Contains(out, `{"id":"zone_a","maxOccupancy":500}`) {
		t.Errorf("expected zone rendered as JSON, got:\n%s", out)
	}
}

func TestRenderQueryAnalysisKeysVerbatim(t *testing.T) {
	out, err := Render(PromptQueryAnalysis, QueryData{Query: `show "fire" incidents`})
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{
		`"contextType"`, `"needsIncidents"`, `"needsZones"`, `"needsResponders"`,
		`"needsContacts"`, `"needsAnalytics"`, `"specificFilters"`, `"intent"`,
		`"suggestedSearches"`,
	} {
		if !strings.Contains(out, key) {
			t.Errorf("query analysis prompt missing key %s", key)
		}
	}
	if !strings.Contains(out, `"show \"fire\" incidents"`) {
		t.Errorf("expected quoted query, got:\n%s", out)
	}
}

func TestRenderQueryAnalysisSession(t *testing.T) {
	bare, err := Render(PromptQueryAnalysis, QueryData{Query: "any news?"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(bare, "Session context") {
		t.Errorf("empty session should render nothing, got:\n%s", bare)
	}

	out, err := Render(PromptQueryAnalysis, QueryData{
		Query:   "is it still burning there?",
		Session: map[string]any{"last_zone": "A", "last_incident": "I1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "Session context from earlier in this conversation:\n- last_incident: I1\n- last_zone: A\n"
	if !strings.Contains(out, want) {
		t.Errorf("expected sorted session lines %q, got:\n%s", want, out)
	}
}

func TestRenderIncidentContract(t *testing.T) {
	out, err := Render(PromptIncident, IncidentData{
		Analysis:  map[string]any{"fireDetected": true},
		Incidents: []string{},
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`{"actions":[`, `Latest analysis: {"fireDetected":true}`, "Current incidents: []", "Current responders: null"} {
		if !strings.Contains(out, want) {
			t.Errorf("incident prompt missing %q", want)
		}
	}
}

func TestRenderReportOmitsMissingEvent(t *testing.T) {
	out, err := Render(PromptSummary, ReportData{Snapshot: map[string]int{"incidents": 2}})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "Triggering event") {
		t.Errorf("unexpected event line:\n%s", out)
	}
	if !strings.Contains(out, "situational summary") {
		t.Errorf("unexpected summary prompt:\n%s", out)
	}
}

func TestRenderUnknown(t *testing.T) {
	if _, err := Render("nope", nil); err == nil {
		t.Fatal("expected error for unknown prompt")
	}
}
