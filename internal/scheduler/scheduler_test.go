package scheduler

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/user/crowdwatch/internal/bus"
	"github.com/user/crowdwatch/internal/state"
	"github.com/user/crowdwatch/internal/testutil"
	"github.com/user/crowdwatch/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var topics = bus.Topics{Prefix: "crowd_"}

func newScheduler(t *testing.T, schedules ...*state.Schedule) (*Scheduler, *testutil.Recorder) {
	t.Helper()
	store := state.NewScheduleStore(testutil.OpenTestStore(t))
	for _, sch := range schedules {
		if err := store.Add(context.Background(), sch); err != nil {
			t.Fatal(err)
		}
	}
	rec := &testutil.Recorder{}
	return New(store, rec, topics, WithLogger(zap.NewNop())), rec
}

func TestSchedulerFiresSchedule(t *testing.T) {
	sched, rec := newScheduler(t, &state.Schedule{
		Name:      "every-second",
		Agent:     "summary",
		Prompt:    "summarize the last minute",
		Schedule:  "* * * * * *",
		SessionID: "ops",
		Enabled:   true,
	})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	// Wait up to 2.5 seconds for at least one fire
	deadline := time.After(2500 * time.Millisecond)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			t.Fatal("schedule did not fire within 2.5s")
		case <-ticker.C:
			msgs := rec.On("crowd_summary")
			if len(msgs) == 0 {
				continue
			}
			body := msgs[0].Body
			if body["type"] != Scheduled || body["prompt"] != "summarize the last minute" || body["sessionId"] != "ops" {
				t.Fatalf("unexpected body %v", body)
			}
			return
		}
	}
}

func TestSchedulerSkipsDisabledAndUnscheduled(t *testing.T) {
	sched, rec := newScheduler(t,
		&state.Schedule{Name: "disabled", Agent: "summary", Prompt: "x", Schedule: "* * * * * *"},
		&state.Schedule{Name: "no-schedule", Agent: "summary", Prompt: "x", Enabled: true},
		&state.Schedule{Name: "broken", Agent: "summary", Prompt: "x", Schedule: "every tuesday", Enabled: true},
	)
	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	if n := sched.Entries(); n != 0 {
		t.Fatalf("expected 0 entries, got %d", n)
	}
	time.Sleep(1500 * time.Millisecond)
	if n := len(rec.Messages()); n != 0 {
		t.Errorf("expected 0 fires, got %d", n)
	}
}

func TestSchedulerReloadPicksUpNewSchedules(t *testing.T) {
	store := state.NewScheduleStore(testutil.OpenTestStore(t))
	sched := New(store, &testutil.Recorder{}, topics, WithSweep(DefaultSweep, NewReconciler(nil, nil)))
	ctx := context.Background()
	if err := sched.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()
	if n := sched.Entries(); n != 1 {
		t.Fatalf("expected only the sweep entry, got %d", n)
	}

	if err := store.Add(ctx, &state.Schedule{Name: "hourly", Agent: "escalation", Schedule: "@hourly", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := sched.Reload(); err != nil {
		t.Fatal(err)
	}
	if n := sched.Entries(); n != 2 {
		t.Fatalf("expected 2 entries after reload, got %d", n)
	}
}

func TestFireDefaultsSession(t *testing.T) {
	sched, rec := newScheduler(t)
	err := sched.Fire(context.Background(), &state.Schedule{Name: "nightly", Agent: "notification", Prompt: "close out"})
	if err != nil {
		t.Fatal(err)
	}
	msgs := rec.On("crowd_notification")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if got := msgs[0].Body["sessionId"]; got != "schedule:nightly" {
		t.Errorf("sessionId = %v", got)
	}
}

func TestValidate(t *testing.T) {
	for _, spec := range []string{"@every 5m", "0 * * * *", "*/10 * * * * *"} {
		if err := Validate(spec); err != nil {
			t.Errorf("Validate(%q) = %v", spec, err)
		}
	}
	if err := Validate("whenever"); !types.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}
