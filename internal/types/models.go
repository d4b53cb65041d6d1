// internal/types/models.go
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record is a schemaless document as stored in a collection. Field names are
// part of the store contract and stay camelCase.
type Record map[string]any

// ID returns the record id or "".
func (r Record) ID() string { return r.String("id") }

// String returns the field as a string, formatting non-string scalars.
func (r Record) String(key string) string {
	switch v := r[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Bool reports whether the field is a true boolean or the string "true".
func (r Record) Bool(key string) bool {
	switch v := r[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return false
}

// Int returns the field as an int when it holds a number.
func (r Record) Int(key string) (int, bool) {
	switch v := r[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ServerTimestamp is a field value the store replaces with its own clock on write.
var ServerTimestamp = serverTimestamp{}

type serverTimestamp struct{}

func (serverTimestamp) MarshalJSON() ([]byte, error) {
	return nil, fmt.Errorf("server timestamp must be resolved by the store")
}

// Priority is an incident priority.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// ParsePriority validates s. Values are case-sensitive.
func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if !p.Valid() {
		return "", &ValidationError{Field: "priority", Value: s, Reason: "must be one of low, medium, high, critical"}
	}
	return p, nil
}

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	IncidentReported      IncidentStatus = "reported"
	IncidentInvestigating IncidentStatus = "investigating"
	IncidentActive        IncidentStatus = "active"
	IncidentResolved      IncidentStatus = "resolved"
	IncidentClosed        IncidentStatus = "closed"
	IncidentOngoing       IncidentStatus = "ongoing"
)

func (s IncidentStatus) Valid() bool {
	switch s {
	case IncidentReported, IncidentInvestigating, IncidentActive, IncidentResolved, IncidentClosed, IncidentOngoing:
		return true
	}
	return false
}

// Open reports whether the incident still needs attention.
func (s IncidentStatus) Open() bool {
	return s == IncidentActive || s == IncidentOngoing || s == IncidentInvestigating || s == IncidentReported
}

// Finished reports whether responders attached to the incident should be released.
func (s IncidentStatus) Finished() bool {
	return s == IncidentClosed || s == IncidentResolved
}

func ParseIncidentStatus(s string) (IncidentStatus, error) {
	st := IncidentStatus(s)
	if !st.Valid() {
		return "", &ValidationError{Field: "status", Value: s, Reason: "must be one of reported, investigating, active, resolved, closed, ongoing"}
	}
	return st, nil
}

// ResponderStatus is a responder's availability.
type ResponderStatus string

const (
	ResponderAvailable   ResponderStatus = "available"
	ResponderEnRoute     ResponderStatus = "en_route"
	ResponderOnScene     ResponderStatus = "on_scene"
	ResponderUnavailable ResponderStatus = "unavailable"
	ResponderOffDuty     ResponderStatus = "off_duty"
	ResponderAssigned    ResponderStatus = "assigned"
)

func (s ResponderStatus) Valid() bool {
	switch s {
	case ResponderAvailable, ResponderEnRoute, ResponderOnScene, ResponderUnavailable, ResponderOffDuty, ResponderAssigned:
		return true
	}
	return false
}

// Engaged reports whether the responder is committed to an incident.
func (s ResponderStatus) Engaged() bool {
	return s == ResponderAssigned || s == ResponderEnRoute || s == ResponderOnScene
}

func ParseResponderStatus(s string) (ResponderStatus, error) {
	st := ResponderStatus(s)
	if !st.Valid() {
		return "", &ValidationError{Field: "status", Value: s, Reason: "must be one of available, en_route, on_scene, unavailable, off_duty, assigned"}
	}
	return st, nil
}

// Incident is a tracked event in a zone.
type Incident struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	ZoneID      string         `json:"zoneId"`
	Description string         `json:"description,omitempty"`
	Priority    Priority       `json:"priority"`
	Status      IncidentStatus `json:"status"`
	Notes       string         `json:"notes,omitempty"`
	Source      string         `json:"source,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	LastUpdated time.Time      `json:"lastUpdated"`
}

// Validate checks required fields and enum membership.
func (i *Incident) Validate() error {
	if strings.TrimSpace(i.Type) == "" {
		return &ValidationError{Field: "type", Reason: "required"}
	}
	if !i.Priority.Valid() {
		return &ValidationError{Field: "priority", Value: string(i.Priority), Reason: "must be one of low, medium, high, critical"}
	}
	if !i.Status.Valid() {
		return &ValidationError{Field: "status", Value: string(i.Status), Reason: "must be one of reported, investigating, active, resolved, closed, ongoing"}
	}
	return nil
}

// Responder is the projected view of a responder. Status is derived from the
// latest StatusUpdate when one exists.
type Responder struct {
	ID               string          `json:"id"`
	Name             string          `json:"name,omitempty"`
	Type             string          `json:"type,omitempty"`
	Status           ResponderStatus `json:"status"`
	AssignedIncident string          `json:"assignedIncident,omitempty"`
	ZoneID           string          `json:"zoneId,omitempty"`
	LastUpdate       time.Time       `json:"lastUpdate,omitzero"`
}

// StatusUpdate is one append-only responder transition.
type StatusUpdate struct {
	ID          string          `json:"id,omitempty"`
	ResponderID string          `json:"responderId"`
	IncidentID  string          `json:"incidentId,omitempty"`
	ZoneID      string          `json:"zoneId,omitempty"`
	Status      ResponderStatus `json:"status"`
	Action      string          `json:"action"`
	Notes       string          `json:"notes,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

func (u *StatusUpdate) Validate() error {
	if u.ResponderID == "" {
		return &ValidationError{Field: "responderId", Reason: "required"}
	}
	if !u.Status.Valid() {
		return &ValidationError{Field: "status", Value: string(u.Status), Reason: "must be one of available, en_route, on_scene, unavailable, off_duty, assigned"}
	}
	return nil
}

// Alert is an operator-facing notice for a zone.
type Alert struct {
	ID        string    `json:"id,omitempty"`
	AlertType string    `json:"alertType"`
	ZoneID    string    `json:"zoneId"`
	Message   string    `json:"message"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is one bus delivery.
type Message struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
	Attempt   int             `json:"attempt"`
	Published time.Time       `json:"published"`
}

// Decode unmarshals the message body into v. Malformed bodies are permanent.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return Permanent(fmt.Errorf("decode message %s: %w", m.ID, err))
	}
	return nil
}
