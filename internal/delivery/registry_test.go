package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/user/crowdwatch/internal/types"
)

func TestRegistryDeliver(t *testing.T) {
	reg := NewRegistry()

	var gotKey, gotMsg string
	reg.Register("test:", func(_ context.Context, sessionKey, message string) error {
		gotKey = sessionKey
		gotMsg = message
		return nil
	})

	err := reg.Deliver(context.Background(), "test:123", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotKey != "test:123" {
		t.Errorf("expected session key %q, got %q", "test:123", gotKey)
	}
	if gotMsg != "hello" {
		t.Errorf("expected message %q, got %q", "hello", gotMsg)
	}
}

func TestRegistryNoHandler(t *testing.T) {
	reg := NewRegistry()

	err := reg.Deliver(context.Background(), "unknown:123", "hello")
	if err == nil {
		t.Fatal("expected error for unregistered prefix, got nil")
	}
}

func TestRegistryLongestPrefixWins(t *testing.T) {
	reg := NewRegistry()

	var got string
	reg.Register("telegram:", func(context.Context, string, string) error { got = "generic"; return nil })
	reg.Register("telegram:ops:", func(context.Context, string, string) error { got = "ops"; return nil })

	if err := reg.Deliver(context.Background(), "telegram:ops:1", "x"); err != nil {
		t.Fatal(err)
	}
	if got != "ops" {
		t.Errorf("expected ops handler, got %s", got)
	}
	if err := reg.Deliver(context.Background(), "telegram:42", "x"); err != nil {
		t.Fatal(err)
	}
	if got != "generic" {
		t.Errorf("expected generic handler, got %s", got)
	}
	if p := reg.Prefixes(); len(p) != 2 || p[0] != "telegram:" {
		t.Errorf("unexpected prefixes %v", p)
	}
}

func message(t *testing.T, body map[string]any) types.Message {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	return types.Message{ID: "m1", Topic: "crowd_escalation_outcomes", Data: data, Attempt: 1}
}

func TestRouterDeliversToEveryTarget(t *testing.T) {
	reg := NewRegistry()
	var sent []string
	reg.Register("telegram:", func(_ context.Context, key, msg string) error {
		if key == "telegram:bad" {
			return errors.New("chat not found")
		}
		sent = append(sent, key+"|"+msg)
		return nil
	})
	r := NewRouter(reg, []string{"telegram:1", "telegram:bad", "telegram:2"}, nil)

	err := r.HandleMessage(context.Background(), message(t, map[string]any{
		"type":         "notification",
		"notification": "create; created I1",
		"context":      map[string]any{"zone": "zone_a"},
	}))
	if err == nil || !strings.Contains(err.Error(), "telegram:bad") {
		t.Fatalf("expected joined delivery error, got %v", err)
	}
	if len(sent) != 2 {
		t.Fatalf("expected 2 deliveries, got %v", sent)
	}
	if want := "telegram:1|[NOTIFICATION zone_a]\ncreate; created I1"; sent[0] != want {
		t.Errorf("got %q, want %q", sent[0], want)
	}
}

func TestRouterIgnoresOtherTypes(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	reg.Register("telegram:", func(context.Context, string, string) error { calls++; return nil })
	r := NewRouter(reg, []string{"telegram:1"}, nil)

	for _, body := range []map[string]any{
		{"type": "media_analyzed", "zone": "zone_a"},
		{"type": "escalation", "escalation": "   "},
	} {
		if err := r.HandleMessage(context.Background(), message(t, body)); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 0 {
		t.Errorf("expected no deliveries, got %d", calls)
	}
}

func TestRouterMalformedMessageIsPermanent(t *testing.T) {
	r := NewRouter(NewRegistry(), nil, nil)
	err := r.HandleMessage(context.Background(), types.Message{ID: "m1", Data: []byte("{")})
	if !types.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
