// Package bus connects agents through per-agent topics with at-least-once
// delivery and explicit acknowledgement.
package bus

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Topics names the per-agent subjects under a shared prefix.
type Topics struct {
	Prefix string
}

// Input is the subject an agent consumes.
func (t Topics) Input(agent string) string {
	return t.Prefix + agent
}

// Outcomes is the subject an agent publishes its results to.
func (t Topics) Outcomes(agent string) string {
	return t.Prefix + agent + "_outcomes"
}

// Durable is the consumer name for a subject.
func (t Topics) Durable(topic string) string {
	return sanitize(topic) + "_sub"
}

// Stream is the JetStream stream holding every subject under the prefix.
func (t Topics) Stream() string {
	return strings.ToUpper(sanitize(t.Prefix + "CROWDWATCH"))
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// encode turns a publish payload into JSON bytes. Raw JSON passes through.
func encode(data any) ([]byte, error) {
	switch v := data.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return v, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}
