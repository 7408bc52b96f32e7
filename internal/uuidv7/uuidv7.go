// Package uuidv7 produces the time ordered ids of session workers.
package uuidv7

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// New returns a UUIDv7 value or panics if generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a string representation of a UUIDv7.
func NewString() string {
	return New().String()
}

// Time returns the creation time embedded in a UUIDv7 string. Other versions
// and malformed ids report false.
func Time(id string) (time.Time, bool) {
	u, err := uuid.Parse(id)
	if err != nil || u.Version() != 7 {
		return time.Time{}, false
	}
	// The first 48 bits hold the unix time in milliseconds.
	ms := binary.BigEndian.Uint64(u[:8]) >> 16
	return time.UnixMilli(int64(ms)).UTC(), true
}
