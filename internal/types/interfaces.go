// internal/types/interfaces.go
package types

import (
	"context"
)

// Op is a query comparison operator.
type Op string

const (
	OpEq  Op = "=="
	OpNe  Op = "!="
	OpGt  Op = ">"
	OpGte Op = ">="
	OpLt  Op = "<"
	OpLte Op = "<="
)

// Filter compares one top-level field against a value.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query narrows a List call. The zero Query lists everything in id order.
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// Where returns a copy of q with an added filter.
func (q Query) Where(field string, op Op, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

type DocumentStore interface {
	Get(ctx context.Context, collection, id string) (Record, error)
	List(ctx context.Context, collection string, q Query) ([]Record, error)
	Create(ctx context.Context, collection string, data Record) (string, error)
	Set(ctx context.Context, collection, id string, data Record) error
	Update(ctx context.Context, collection, id string, patch Record) error
	Delete(ctx context.Context, collection, id string) error
}

// Handler processes one delivery. A nil return acks the message.
type Handler func(ctx context.Context, msg Message) error

type Publisher interface {
	Publish(ctx context.Context, topic string, data any) error
}

type Subscription interface {
	Topic() string
	Unsubscribe() error
}

type Bus interface {
	Publisher
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
	Close() error
}

// LongTermMemory is a per-agent append-only event log.
type LongTermMemory interface {
	Save(ctx context.Context, agent string, event any) error
	Recent(ctx context.Context, agent string, limit int) ([]Record, error)
}

// ShortTermMemory is a per-session bounded context window with expiry.
type ShortTermMemory interface {
	Append(ctx context.Context, sessionID SessionID, entry string) error
	Get(ctx context.Context, sessionID SessionID) (string, error)
	SetStructured(ctx context.Context, sessionID SessionID, patch map[string]any) error
	GetStructured(ctx context.Context, sessionID SessionID) (map[string]any, error)
	Clear(ctx context.Context, sessionID SessionID) error
}
