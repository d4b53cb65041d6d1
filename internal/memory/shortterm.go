// internal/memory/shortterm.go
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/crowdwatch/internal/types"
)

const (
	DefaultTTL      = 600 * time.Second
	DefaultMaxTurns = 10
)

// ShortTerm keeps a capped list of recent turns and a structured-context hash
// per session in Redis. Redis enforces expiry; every write refreshes the TTL.
type ShortTerm struct {
	rdb      redis.Cmdable
	prefix   string
	ttl      time.Duration
	maxTurns int
}

// NewShortTerm creates a ShortTerm. Non-positive ttl or maxTurns fall back to
// the defaults.
func NewShortTerm(rdb redis.Cmdable, prefix string, ttl time.Duration, maxTurns int) *ShortTerm {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &ShortTerm{rdb: rdb, prefix: prefix, ttl: ttl, maxTurns: maxTurns}
}

// For returns a view whose keys are namespaced under agent.
func (s *ShortTerm) For(agent string) *ShortTerm {
	cp := *s
	cp.prefix = s.prefix + agent
	return &cp
}

func (s *ShortTerm) contextKey(id types.SessionID) string {
	return s.prefix + ":context:" + string(id)
}

func (s *ShortTerm) structuredKey(id types.SessionID) string {
	return s.prefix + ":structured:" + string(id)
}

// Append pushes entry, trims to the cap keeping the newest entries, and
// refreshes the TTL in one transaction.
func (s *ShortTerm) Append(ctx context.Context, id types.SessionID, entry string) error {
	key := s.contextKey(id)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, entry)
		pipe.LTrim(ctx, key, int64(-s.maxTurns), -1)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return types.Transient("short-term append", err)
	}
	return nil
}

// Entries returns the session's turns, oldest first.
func (s *ShortTerm) Entries(ctx context.Context, id types.SessionID) ([]string, error) {
	entries, err := s.rdb.LRange(ctx, s.contextKey(id), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, types.Transient("short-term get", err)
	}
	return entries, nil
}

// Get returns the session's turns joined by newlines.
func (s *ShortTerm) Get(ctx context.Context, id types.SessionID) (string, error) {
	entries, err := s.Entries(ctx, id)
	if err != nil {
		return "", err
	}
	return strings.Join(entries, "\n"), nil
}

// SetStructured overwrites the keys named in patch and leaves the rest. A nil
// value deletes its key.
func (s *ShortTerm) SetStructured(ctx context.Context, id types.SessionID, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	key := s.structuredKey(id)
	fields := make(map[string]any, len(patch))
	var drop []string
	for k, v := range patch {
		if v == nil {
			drop = append(drop, k)
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode structured %s: %w", k, err)
		}
		fields[k] = string(b)
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(fields) > 0 {
			pipe.HSet(ctx, key, fields)
		}
		if len(drop) > 0 {
			pipe.HDel(ctx, key, drop...)
		}
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return types.Transient("short-term set structured", err)
	}
	return nil
}

// GetStructured returns the session's structured context. Values that are not
// valid JSON are returned as raw strings.
func (s *ShortTerm) GetStructured(ctx context.Context, id types.SessionID) (map[string]any, error) {
	raw, err := s.rdb.HGetAll(ctx, s.structuredKey(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, types.Transient("short-term get structured", err)
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			out[k] = v
			continue
		}
		out[k] = decoded
	}
	return out, nil
}

// Clear drops the session's turns and structured context.
func (s *ShortTerm) Clear(ctx context.Context, id types.SessionID) error {
	if err := s.rdb.Del(ctx, s.contextKey(id), s.structuredKey(id)).Err(); err != nil {
		return types.Transient("short-term clear", err)
	}
	return nil
}

var _ types.ShortTermMemory = (*ShortTerm)(nil)
var _ types.LongTermMemory = (*LongTerm)(nil)
