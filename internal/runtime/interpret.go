package runtime

import (
	"github.com/user/crowdwatch/internal/gateway"
)

// Interpretation is the runtime's reading of one completion.
type Interpretation struct {
	Raw string
	// Structured is the parsed JSON object, nil for text agents and on
	// parse failure.
	Structured map[string]any
	ParseErr   error
	Intent     string
	// Fallback is set when the classifier stood in for unparseable output.
	Fallback bool
}

// Interpret parses raw for structured agents and classifies input otherwise
// or when parsing fails. It never returns an error.
func (c *Classifier) Interpret(raw string, structured bool, input string) *Interpretation {
	in := &Interpretation{Raw: raw}
	if structured {
		parsed, err := gateway.ParseStructured(raw)
		if err == nil {
			in.Structured = parsed
			if s, ok := parsed["intent"].(string); ok && s != "" {
				in.Intent = s
			} else {
				in.Intent = c.Classify(input).Intent
			}
			return in
		}
		in.ParseErr = err
		in.Fallback = true
	}
	in.Intent = c.Classify(input).Intent
	return in
}
