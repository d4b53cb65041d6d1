package runtime

import (
	"regexp"
	"strings"
)

// Extractor derives a structured-context patch from one exchange. Keys in the
// patch overwrite the session's keys; keys it leaves out are kept.
type Extractor interface {
	Extract(input, answer string, prev map[string]any) map[string]any
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(input, answer string, prev map[string]any) map[string]any

func (f ExtractorFunc) Extract(input, answer string, prev map[string]any) map[string]any {
	return f(input, answer, prev)
}

var zonePattern = regexp.MustCompile(`(?i)zone\s*([a-zA-Z0-9]+)`)

// RegexExtractor tracks the last zone and intent mentioned by the operator.
type RegexExtractor struct{}

func (RegexExtractor) Extract(input, _ string, _ map[string]any) map[string]any {
	lower := strings.ToLower(input)
	patch := map[string]any{}
	if strings.Contains(lower, "zone") {
		if m := zonePattern.FindStringSubmatch(input); m != nil {
			patch["last_zone"] = m[1]
			patch["last_intent"] = "zone_analysis"
		}
	}
	if strings.Contains(lower, "incident") {
		patch["last_intent"] = "incident_analysis"
	}
	return patch
}
