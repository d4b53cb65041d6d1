// internal/state/store.go
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/user/crowdwatch/internal/types"
)

// TimeLayout is the fixed-width UTC layout used for every stored timestamp so
// that string comparison in queries matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp. It accepts any RFC 3339 value.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// normalizeTime rewrites an RFC 3339 string in TimeLayout. Values written
// without a fraction or with a non-UTC offset would otherwise sort wrongly
// against stored stamps.
func normalizeTime(s string) (string, bool) {
	if len(s) < len("2006-01-02T15:04:05Z") || s[4] != '-' || s[10] != 'T' {
		return s, false
	}
	t, err := ParseTime(s)
	if err != nil {
		return s, false
	}
	return FormatTime(t), true
}

var fieldPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Store is a sqlite-backed document store. Documents are JSON objects keyed
// by (collection, id).
type Store struct {
	db *sql.DB

	mu    sync.Mutex
	last  time.Time
	clock func() time.Time
}

// NewStore wraps an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, clock: time.Now}
}

// OpenStore opens the database at path and returns a Store over it.
func OpenStore(path string) (*Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return NewStore(db), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Now returns the server clock. Successive calls never go backwards and never
// repeat, so records stamped in sequence order strictly.
func (s *Store) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	if !now.After(s.last) {
		now = s.last.Add(time.Nanosecond)
	}
	s.last = now
	return now
}

// Get returns the document or a NotFoundError.
func (s *Store) Get(ctx context.Context, collection, id string) (types.Record, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Collection: collection, ID: id}
	}
	if err != nil {
		return nil, types.Transient("store get", err)
	}
	return decodeRecord(data)
}

// List returns the documents matching q.
func (s *Store) List(ctx context.Context, collection string, q types.Query) ([]types.Record, error) {
	var (
		sb   strings.Builder
		args = []any{collection}
	)
	sb.WriteString(`SELECT data FROM documents WHERE collection = ?`)

	for _, f := range q.Filters {
		expr, err := fieldExpr(f.Field)
		if err != nil {
			return nil, err
		}
		op, err := sqlOp(f.Op)
		if err != nil {
			return nil, err
		}
		if f.Value == nil {
			switch f.Op {
			case types.OpEq:
				sb.WriteString(" AND " + expr + " IS NULL")
			case types.OpNe:
				sb.WriteString(" AND " + expr + " IS NOT NULL")
			default:
				return nil, &types.ValidationError{Field: f.Field, Reason: "nil only supports == and !="}
			}
			continue
		}
		sb.WriteString(" AND " + expr + " " + op + " ?")
		args = append(args, bindValue(f.Value))
	}

	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	if q.OrderBy != "" && q.OrderBy != "id" {
		expr, err := fieldExpr(q.OrderBy)
		if err != nil {
			return nil, err
		}
		sb.WriteString(" ORDER BY " + expr + " " + dir + ", id " + dir)
	} else {
		sb.WriteString(" ORDER BY id " + dir)
	}
	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, types.Transient("store list", err)
	}
	defer rows.Close()

	var out []types.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, types.Transient("store list", err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Transient("store list", err)
	}
	return out, nil
}

// Create inserts a new document and returns its id. The id is data["id"]
// when set, otherwise a fresh ULID.
func (s *Store) Create(ctx context.Context, collection string, data types.Record) (string, error) {
	id := data.String("id")
	if id == "" {
		id = string(types.NewRecordID())
	}
	now := s.Now()
	doc := s.resolve(data, now)
	doc["id"] = id

	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal %s document: %w", collection, err)
	}
	ts := FormatTime(now)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		collection, id, string(payload), ts, ts)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return "", &types.ValidationError{Field: "id", Value: id, Reason: "already exists in " + collection}
		}
		return "", types.Transient("store create", err)
	}
	return id, nil
}

// Set creates or replaces the document with the given id.
func (s *Store) Set(ctx context.Context, collection, id string, data types.Record) error {
	now := s.Now()
	doc := s.resolve(data, now)
	doc["id"] = id

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s document: %w", collection, err)
	}
	ts := FormatTime(now)
	_, err = s.db.ExecContext(ctx, `
INSERT INTO documents (collection, id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		collection, id, string(payload), ts, ts)
	if err != nil {
		return types.Transient("store set", err)
	}
	return nil
}

// Update merges patch into the document's top-level keys. A nil value removes
// the key. Returns NotFoundError when the document does not exist.
func (s *Store) Update(ctx context.Context, collection, id string, patch types.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Transient("store update", err)
	}
	defer tx.Rollback()

	var data string
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return &types.NotFoundError{Collection: collection, ID: id}
	}
	if err != nil {
		return types.Transient("store update", err)
	}

	doc, err := decodeRecord(data)
	if err != nil {
		return err
	}
	now := s.Now()
	for k, v := range s.resolve(patch, now) {
		if k == "id" {
			continue
		}
		if v == nil {
			delete(doc, k)
			continue
		}
		doc[k] = v
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s document: %w", collection, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET data = ?, updated_at = ? WHERE collection = ? AND id = ?`,
		string(payload), FormatTime(now), collection, id); err != nil {
		return types.Transient("store update", err)
	}
	if err := tx.Commit(); err != nil {
		return types.Transient("store update", err)
	}
	return nil
}

// Delete removes the document. Returns NotFoundError when it does not exist.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return types.Transient("store delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return types.Transient("store delete", err)
	}
	if n == 0 {
		return &types.NotFoundError{Collection: collection, ID: id}
	}
	return nil
}

// resolve copies data, stamping ServerTimestamp sentinels with now and
// normalizing top-level time values and RFC 3339 strings to TimeLayout. Nil values are kept so Update can
// treat them as deletions.
func (s *Store) resolve(data types.Record, now time.Time) types.Record {
	out := make(types.Record, len(data))
	for k, v := range data {
		switch tv := v.(type) {
		case time.Time:
			out[k] = FormatTime(tv)
		case string:
			out[k], _ = normalizeTime(tv)
		default:
			if v == types.ServerTimestamp {
				out[k] = FormatTime(now)
				continue
			}
			out[k] = v
		}
	}
	return out
}

func decodeRecord(data string) (types.Record, error) {
	var rec types.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return rec, nil
}

func fieldExpr(field string) (string, error) {
	if field == "id" {
		return "id", nil
	}
	if !fieldPattern.MatchString(field) {
		return "", &types.ValidationError{Field: "field", Value: field, Reason: "must match [A-Za-z0-9_]+"}
	}
	return "json_extract(data, '$." + field + "')", nil
}

func sqlOp(op types.Op) (string, error) {
	switch op {
	case types.OpEq, "":
		return "=", nil
	case types.OpNe:
		return "!=", nil
	case types.OpGt, types.OpGte, types.OpLt, types.OpLte:
		return string(op), nil
	}
	return "", &types.ValidationError{Field: "op", Value: string(op), Reason: "unsupported operator"}
}

func bindValue(v any) any {
	switch tv := v.(type) {
	case time.Time:
		return FormatTime(tv)
	case string:
		norm, _ := normalizeTime(tv)
		return norm
	case types.Priority:
		return string(tv)
	case types.IncidentStatus:
		return string(tv)
	case types.ResponderStatus:
		return string(tv)
	case bool:
		if tv {
			return 1
		}
		return 0
	}
	return v
}
