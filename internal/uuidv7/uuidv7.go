// Package uuidv7 generates time-ordered identifiers for requests and
// delegation round trips.
package uuidv7

import "github.com/google/uuid"

// NewString returns the string form of a freshly generated UUIDv7.
func NewString() string {
	return uuid.Must(uuid.NewV7()).String()
}
