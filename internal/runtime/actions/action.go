// Package actions applies LLM-proposed incident actions to the domain store.
package actions

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Type names an action. The set is closed; anything else is skipped.
type Type string

const (
	Create            Type = "create"
	Update            Type = "update"
	Close             Type = "close"
	Escalate          Type = "escalate"
	AssignResponder   Type = "assign_responder"
	DispatchResponder Type = "dispatch_responder"
	SendAlert         Type = "send_alert"
	LockdownZone      Type = "lockdown_zone"
	None              Type = "none"
)

// Status-update actions written by the executor.
const (
	ActionAssigned       = "assigned_to_incident"
	ActionDispatched     = "dispatched_to_zone"
	ActionReleasedClosed = "released_after_incident_closed"
)

// StringList decodes from a JSON array, a single string, or null.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "" {
			*l = nil
		} else {
			*l = StringList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*l = many
	return nil
}

// Params are the action arguments.
type Params struct {
	IncidentTypes StringList `json:"incidentTypes,omitempty"`
	IncidentIDs   StringList `json:"incidentIds,omitempty"`
	Priority      string     `json:"priority,omitempty"`
	Status        string     `json:"status,omitempty"`
	ResponderIDs  StringList `json:"responderIds,omitempty"`
	AlertType     string     `json:"alertType,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	ZoneID        string     `json:"zoneId,omitempty"`
}

// Action is one proposed mutation.
type Action struct {
	Type   Type   `json:"type"`
	Params `json:"parameters"`
	Reason string `json:"reason,omitempty"`
}

// UnmarshalJSON accepts parameters either flat on the action or nested under
// "parameters". Nested values win over flat ones.
func (a *Action) UnmarshalJSON(data []byte) error {
	var flat struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
		Params
		Nested *Params `json:"parameters"`
	}
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	a.Type = Type(strings.ToLower(strings.TrimSpace(flat.Type)))
	a.Reason = flat.Reason
	a.Params = flat.Params
	if n := flat.Nested; n != nil {
		merge(&a.Params, n)
	}
	return nil
}

func merge(dst, src *Params) {
	if src.IncidentTypes != nil {
		dst.IncidentTypes = src.IncidentTypes
	}
	if src.IncidentIDs != nil {
		dst.IncidentIDs = src.IncidentIDs
	}
	if src.Priority != "" {
		dst.Priority = src.Priority
	}
	if src.Status != "" {
		dst.Status = src.Status
	}
	if src.ResponderIDs != nil {
		dst.ResponderIDs = src.ResponderIDs
	}
	if src.AlertType != "" {
		dst.AlertType = src.AlertType
	}
	if src.Notes != "" {
		dst.Notes = src.Notes
	}
	if src.ZoneID != "" {
		dst.ZoneID = src.ZoneID
	}
}

// Plan is the JSON object an incident prompt asks for.
type Plan struct {
	Actions []Action `json:"actions"`
}

// PlanFrom decodes a plan from an already-parsed completion. Actions that do
// not decode are dropped and reported in the returned error; the rest of the
// plan is still returned.
func PlanFrom(parsed map[string]any) (*Plan, error) {
	data, err := json.Marshal(parsed)
	if err != nil {
		return &Plan{}, fmt.Errorf("encode plan: %w", err)
	}
	var raw struct {
		Actions []json.RawMessage `json:"actions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return &Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	p := &Plan{Actions: make([]Action, 0, len(raw.Actions))}
	var errs []error
	for i, r := range raw.Actions {
		var a Action
		if err := json.Unmarshal(r, &a); err != nil {
			errs = append(errs, fmt.Errorf("action %d: %w", i, err))
			continue
		}
		p.Actions = append(p.Actions, a)
	}
	return p, errors.Join(errs...)
}
