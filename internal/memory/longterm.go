// Package memory implements the two memory tiers agents read before every
// prompt: a durable per-agent event log and a bounded per-session window.
package memory

import (
	"context"
	"fmt"

	"github.com/user/crowdwatch/internal/types"
)

// LongTerm is an append-only per-agent event log stored in
// "<prefix><agent>" collections of a document store.
type LongTerm struct {
	store  types.DocumentStore
	prefix string
}

// NewLongTerm creates a LongTerm over store. prefix is the collection prefix.
func NewLongTerm(store types.DocumentStore, prefix string) *LongTerm {
	return &LongTerm{store: store, prefix: prefix}
}

// Collection returns the collection holding agent's log.
func (l *LongTerm) Collection(agent string) string {
	return l.prefix + agent
}

// Save appends event to agent's log with a server timestamp.
func (l *LongTerm) Save(ctx context.Context, agent string, event any) error {
	_, err := l.store.Create(ctx, l.Collection(agent), types.Record{
		"agentName":       agent,
		"eventBody":       event,
		"serverTimestamp": types.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("save long-term %s: %w", agent, err)
	}
	return nil
}

// Recent returns up to limit records for agent, newest first.
func (l *LongTerm) Recent(ctx context.Context, agent string, limit int) ([]types.Record, error) {
	recs, err := l.store.List(ctx, l.Collection(agent), types.Query{
		OrderBy: "serverTimestamp",
		Desc:    true,
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("recent long-term %s: %w", agent, err)
	}
	return recs, nil
}
