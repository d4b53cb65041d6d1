package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	nf := fmt.Errorf("load incident: %w", &NotFoundError{Collection: "incidents", ID: "I1"})
	ve := &ValidationError{Field: "priority", Value: "urgent", Reason: "bad"}
	te := Transient("store get", errors.New("disk on fire"))
	pe := &ParseError{Raw: "nope", Err: errors.New("invalid character")}

	assert.True(t, IsNotFound(nf))
	assert.True(t, IsPermanent(nf))
	assert.True(t, IsValidation(ve))
	assert.True(t, IsPermanent(ve))
	assert.True(t, IsTransient(te))
	assert.False(t, IsPermanent(te))
	assert.True(t, IsParse(pe))
	assert.True(t, IsPermanent(Permanent(errors.New("malformed"))))
	assert.Nil(t, Permanent(nil))
	assert.Nil(t, Transient("noop", nil))
	assert.Equal(t, "incidents/I1 not found", errors.Unwrap(nf).Error())
	assert.Contains(t, ve.Error(), "urgent")
}

func TestParseEnums(t *testing.T) {
	_, err := ParsePriority("urgent")
	assert.True(t, IsValidation(err))
	p, err := ParsePriority("critical")
	assert.NoError(t, err)
	assert.Equal(t, PriorityCritical, p)

	_, err = ParseIncidentStatus("Closed")
	assert.True(t, IsValidation(err), "statuses are case-sensitive")

	st, err := ParseResponderStatus("en_route")
	assert.NoError(t, err)
	assert.True(t, st.Engaged())
	assert.False(t, ResponderAvailable.Engaged())
}

func TestIncidentValidate(t *testing.T) {
	inc := &Incident{Type: "fire", Priority: PriorityHigh, Status: IncidentActive}
	assert.NoError(t, inc.Validate())

	inc.Priority = "extreme"
	assert.True(t, IsValidation(inc.Validate()))

	inc = &Incident{Priority: PriorityLow, Status: IncidentActive}
	assert.True(t, IsValidation(inc.Validate()))
}

func TestRecordAccessors(t *testing.T) {
	r := Record{"id": "z1", "maxOccupancy": float64(250), "open": true, "flag": "TRUE"}
	assert.Equal(t, "z1", r.ID())
	n, ok := r.Int("maxOccupancy")
	assert.True(t, ok)
	assert.Equal(t, 250, n)
	assert.Equal(t, "250", r.String("maxOccupancy"))
	assert.True(t, r.Bool("open"))
	assert.True(t, r.Bool("flag"))
	assert.False(t, r.Bool("missing"))

	c := r.Clone()
	c["id"] = "z2"
	assert.Equal(t, "z1", r.ID())
}

func TestMessageDecodeMalformedIsPermanent(t *testing.T) {
	var v map[string]any
	err := Message{ID: "m1", Data: []byte("{")}.Decode(&v)
	assert.True(t, IsPermanent(err))
}
