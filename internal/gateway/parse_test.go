package gateway

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/crowdwatch/internal/types"
)

func TestStripFences(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"upper tag", "```JSON\n{\"a\":1}\n```", `{"a":1}`},
		{"inline tag", "```json{\"a\":1}```", `{"a":1}`},
		{"surrounding space", "  \n```json\n{\"a\":1}\n```  \n", `{"a":1}`},
		{"no trailing fence", "```json\n{\"a\":1}", `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripFences(tt.in))
		})
	}
}

func TestParseStructuredFenceRoundTrip(t *testing.T) {
	body := `{"actions":[{"type":"create","parameters":{"incidentTypes":["fire"]}}],"n":2.5,"ok":true}`

	plain, err := ParseStructured(body)
	require.NoError(t, err)
	fenced, err := ParseStructured("```json\n" + body + "\n```")
	require.NoError(t, err)

	if diff := cmp.Diff(plain, fenced); diff != "" {
		t.Errorf("fenced parse differs (-plain +fenced):\n%s", diff)
	}
}

func TestParseStructuredFailures(t *testing.T) {
	for _, raw := range []string{"", "```json\n```", "The zone looks calm.", "[1,2]", "null", `{"a":`} {
		got, err := ParseStructured(raw)
		assert.Nil(t, got, "raw %q", raw)
		var pe *types.ParseError
		require.ErrorAs(t, err, &pe, "raw %q", raw)
		assert.Equal(t, raw, pe.Raw)
	}
}

func TestParseInto(t *testing.T) {
	var v struct {
		PeopleCount  int  `json:"peopleCount"`
		FireDetected bool `json:"fireDetected"`
	}
	require.NoError(t, ParseInto("```json\n{\"peopleCount\": 40, \"fireDetected\": true}\n```", &v))
	assert.Equal(t, 40, v.PeopleCount)
	assert.True(t, v.FireDetected)
}
