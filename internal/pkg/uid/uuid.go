// Package uid generates unique string identifiers for correlation IDs and
// message envelopes.
package uid

import "github.com/google/uuid"

// UUID generates RFC 4122 UUID strings, preferring the time-ordered v7
// layout.
type UUID struct{}

// NewUUID returns a UUID generator.
func NewUUID() *UUID {
	return &UUID{}
}

// Generate returns a new UUID string.
func (u *UUID) Generate() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString() // fallback: uuidV4
	}
	return id.String()
}
