// Package testutil holds shared fixtures for package tests.
package testutil

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/user/crowdwatch/internal/state"
	"github.com/user/crowdwatch/internal/types"
)

// OpenTestStore opens a document store in a temp dir, closed on cleanup.
func OpenTestStore(t *testing.T) *state.Store {
	t.Helper()
	store, err := state.OpenStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// OpenRedis starts an in-process Redis and returns a client bound to it.
func OpenRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

// Seed writes each record with Set under its "id" field.
func Seed(t *testing.T, store types.DocumentStore, collection string, recs ...types.Record) {
	t.Helper()
	for _, rec := range recs {
		if err := store.Set(context.Background(), collection, rec.ID(), rec); err != nil {
			t.Fatalf("seed %s/%s: %v", collection, rec.ID(), err)
		}
	}
}

// Published is one message captured by a Recorder.
type Published struct {
	Topic string
	Body  map[string]any
}

// Recorder is a types.Publisher that keeps every message. Bodies are
// round-tripped through JSON so tests see what a subscriber would decode.
type Recorder struct {
	mu   sync.Mutex
	msgs []Published
	// Err, when set, fails every Publish.
	Err error
}

func (r *Recorder) Publish(_ context.Context, topic string, data any) error {
	if r.Err != nil {
		return r.Err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, Published{Topic: topic, Body: body})
	return nil
}

// Messages returns a copy of the captured messages.
func (r *Recorder) Messages() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.msgs...)
}

// On returns the captured messages published to topic.
func (r *Recorder) On(topic string) []Published {
	var out []Published
	for _, m := range r.Messages() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
