// Package scheduler fires stored agent schedules on cron expressions and runs
// the periodic responder reconciliation sweep.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/user/crowdwatch/internal/bus"
	"github.com/user/crowdwatch/internal/state"
	"github.com/user/crowdwatch/internal/types"
)

// DefaultSweep is the reconciliation cadence used when none is configured.
const DefaultSweep = "@every 5m"

// Scheduled is the message type a fired schedule publishes.
const Scheduled = "scheduled"

// fireTimeout bounds one publish or sweep started by the cron.
const fireTimeout = 30 * time.Second

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate reports whether spec is a cron expression the scheduler accepts.
func Validate(spec string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return &types.ValidationError{Field: "schedule", Value: spec, Reason: err.Error()}
	}
	return nil
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSweep runs r on spec. An empty spec disables the sweep.
func WithSweep(spec string, r *Reconciler) Option {
	return func(s *Scheduler) {
		s.sweepSpec = spec
		s.reconciler = r
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// Scheduler evaluates cron expressions from the schedule store and publishes
// a scheduled event to the named agent's topic when one fires.
type Scheduler struct {
	schedules  *state.ScheduleStore
	publisher  types.Publisher
	topics     bus.Topics
	reconciler *Reconciler
	sweepSpec  string
	logger     *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	base    context.Context
	running bool
}

// New creates a Scheduler backed by the given schedule store.
func New(schedules *state.ScheduleStore, publisher types.Publisher, topics bus.Topics, opts ...Option) *Scheduler {
	s := &Scheduler{
		schedules: schedules,
		publisher: publisher,
		topics:    topics,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "scheduler"))
	return s
}

// Start loads schedules, registers the enabled ones and the sweep as cron
// entries, and starts the cron ticker. ctx bounds every fired job.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	c, err := s.build(ctx)
	if err != nil {
		return err
	}
	s.cron, s.base, s.running = c, ctx, true
	c.Start()
	return nil
}

func (s *Scheduler) build(ctx context.Context) (*cron.Cron, error) {
	c := cron.New(cron.WithParser(cronParser))

	list, err := s.schedules.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, sch := range list {
		if sch.Schedule == "" || !sch.Enabled {
			continue
		}
		_, err := c.AddFunc(sch.Schedule, func() {
			fctx, cancel := context.WithTimeout(ctx, fireTimeout)
			defer cancel()
			if err := s.Fire(fctx, sch); err != nil {
				s.logger.Error("schedule failed", zap.String("name", sch.Name), zap.Error(err))
			}
		})
		if err != nil {
			s.logger.Error("invalid cron schedule",
				zap.String("name", sch.Name), zap.String("schedule", sch.Schedule), zap.Error(err))
			continue
		}
		s.logger.Info("scheduled", zap.String("name", sch.Name),
			zap.String("agent", sch.Agent), zap.String("schedule", sch.Schedule))
	}

	if s.reconciler != nil && s.sweepSpec != "" {
		_, err := c.AddFunc(s.sweepSpec, func() {
			fctx, cancel := context.WithTimeout(ctx, fireTimeout)
			defer cancel()
			if _, err := s.reconciler.Sweep(fctx); err != nil {
				s.logger.Error("reconciliation sweep failed", zap.Error(err))
			}
		})
		if err != nil {
			return nil, fmt.Errorf("sweep schedule %q: %w", s.sweepSpec, err)
		}
	}
	return c, nil
}

// Fire publishes sch's prompt to its agent immediately.
func (s *Scheduler) Fire(ctx context.Context, sch *state.Schedule) error {
	session := sch.SessionID
	if session == "" {
		session = "schedule:" + sch.Name
	}
	topic := s.topics.Input(sch.Agent)
	s.logger.Info("cron firing schedule", zap.String("name", sch.Name), zap.String("topic", topic))
	return s.publisher.Publish(ctx, topic, map[string]any{
		"type":      Scheduled,
		"schedule":  sch.Name,
		"prompt":    sch.Prompt,
		"sessionId": session,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Reload stops the running cron and starts a fresh one from the store.
func (s *Scheduler) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("scheduler not running")
	}
	c, err := s.build(s.base)
	if err != nil {
		return err
	}
	<-s.cron.Stop().Done()
	s.cron = c
	c.Start()
	return nil
}

// Entries returns how many cron entries are registered.
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return 0
	}
	return len(s.cron.Entries())
}

// Stop stops the cron ticker and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
}
