// Package state provides the sqlite document store and typed domain
// accessors over it.
package state

import "github.com/user/crowdwatch/internal/types"

// Compile-time interface compliance checks.
var _ types.DocumentStore = (*Store)(nil)
