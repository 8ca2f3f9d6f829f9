// Package uid generates object version and upload identifiers.
package uid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (version 4) UUID string. Object versions use it, so
// the result never contains a "/".
func New() string {
	return uuid.NewString()
}

// Valid reports whether s is a well-formed version identifier.
func Valid(s string) bool {
	if s == "" || strings.Contains(s, "/") {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
