// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type SessionKey string
type SessionID string
type RecordID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

// NewRecordID returns a lexicographically time-ordered id for store records
// and bus messages.
func NewRecordID() RecordID {
	return RecordID(ulid.Make().String())
}

func NewSessionKey(parts ...string) SessionKey {
	return SessionKey(strings.Join(parts, ":"))
}
