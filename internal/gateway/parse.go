package gateway

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/user/crowdwatch/internal/types"
)

// StripFences removes a leading code-fence line (``` with an optional
// language tag) and a trailing ``` from model output.
func StripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = s[3:]
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && isLangTag(s[:nl]) {
			s = s[nl+1:]
		} else if len(s) >= 4 && strings.EqualFold(s[:4], "json") {
			s = s[4:]
		}
		s = strings.TrimSpace(s)
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}

func isLangTag(s string) bool {
	s = strings.TrimSpace(s)
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}

// ParseStructured strips fences and decodes a JSON object. Failures return a
// *types.ParseError carrying the raw text; an empty or non-object answer is a
// failure too.
func ParseStructured(raw string) (map[string]any, error) {
	var out map[string]any
	if err := ParseInto(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, &types.ParseError{Raw: raw, Err: errors.New("null object")}
	}
	return out, nil
}

// ParseInto strips fences and decodes into v.
func ParseInto(raw string, v any) error {
	body := StripFences(raw)
	if body == "" {
		return &types.ParseError{Raw: raw, Err: errors.New("empty output")}
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return &types.ParseError{Raw: raw, Err: err}
	}
	return nil
}
