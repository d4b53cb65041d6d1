// internal/state/schedule.go
package state

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/user/crowdwatch/internal/types"
)

// Schedule is a named agent event fired on a cron expression.
type Schedule struct {
	Name      string `json:"name" yaml:"name"`
	Agent     string `json:"agent" yaml:"agent"`
	Prompt    string `json:"prompt" yaml:"prompt"`
	Schedule  string `json:"schedule" yaml:"schedule"`
	SessionID string `json:"sessionId,omitempty" yaml:"session_id,omitempty"`
	Enabled   bool   `json:"enabled" yaml:"enabled"`
}

// ScheduleStore keeps schedules in the "schedules" collection, keyed by name.
type ScheduleStore struct {
	store types.DocumentStore
}

func NewScheduleStore(store types.DocumentStore) *ScheduleStore {
	return &ScheduleStore{store: store}
}

// List returns all schedules ordered by name.
func (s *ScheduleStore) List(ctx context.Context) ([]*Schedule, error) {
	recs, err := s.store.List(ctx, Schedules, types.Query{})
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return decodeAll[Schedule](zap.NewNop(), Schedules, recs), nil
}

// Get finds a schedule by name. Returns a NotFoundError if absent.
func (s *ScheduleStore) Get(ctx context.Context, name string) (*Schedule, error) {
	rec, err := s.store.Get(ctx, Schedules, name)
	if err != nil {
		return nil, err
	}
	return decodeAs[Schedule](rec)
}

// Add stores a schedule. Returns an error if one with the same name exists.
func (s *ScheduleStore) Add(ctx context.Context, sch *Schedule) error {
	if sch.Name == "" {
		return &types.ValidationError{Field: "name", Reason: "required"}
	}
	if sch.Agent == "" {
		return &types.ValidationError{Field: "agent", Reason: "required"}
	}
	_, err := s.store.Create(ctx, Schedules, types.Record{
		"id":        sch.Name,
		"name":      sch.Name,
		"agent":     sch.Agent,
		"prompt":    sch.Prompt,
		"schedule":  sch.Schedule,
		"sessionId": sch.SessionID,
		"enabled":   sch.Enabled,
	})
	if err != nil {
		return fmt.Errorf("add schedule %s: %w", sch.Name, err)
	}
	return nil
}

// Remove deletes a schedule by name.
func (s *ScheduleStore) Remove(ctx context.Context, name string) error {
	if err := s.store.Delete(ctx, Schedules, name); err != nil {
		return fmt.Errorf("remove schedule %s: %w", name, err)
	}
	return nil
}

// SetEnabled toggles the enabled flag.
func (s *ScheduleStore) SetEnabled(ctx context.Context, name string, enabled bool) error {
	if err := s.store.Update(ctx, Schedules, name, types.Record{"enabled": enabled}); err != nil {
		return fmt.Errorf("set schedule %s enabled: %w", name, err)
	}
	return nil
}
