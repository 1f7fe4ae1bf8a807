// Package uuid generates the identifiers used as action idempotency keys.
package uuid

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces globally unique identifiers. The queue accepts one so
// tests can substitute predictable ids.
type Generator func() string

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// Sequential returns a Generator yielding prefix-1, prefix-2, ...
// Intended for tests and fixtures.
func Sequential(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}

// IsValid reports whether s is a canonical, dashed RFC 4122 version 4 id.
func IsValid(s string) bool {
	if len(s) != 36 {
		return false
	}
	u, err := uuid.Parse(s)
	return err == nil && u.Version() == 4 && u.Variant() == uuid.RFC4122
}
