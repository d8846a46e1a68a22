// Package uuidv7 generates time-ordered identifiers used as Xid qualifiers.
package uuidv7

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// New returns a UUIDv7 value or panics if the random source fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// Bytes returns a fresh UUIDv7 as a 16-byte slice.
func Bytes() []byte {
	id := New()
	return id[:]
}

// NewString returns the canonical string form of a fresh UUIDv7.
func NewString() string {
	return New().String()
}

// Timestamp recovers the creation time embedded in a UUIDv7 qualifier. It
// reports false when b is not a 16-byte version 7 UUID, which is the case for
// Xids minted by other transaction managers.
func Timestamp(b []byte) (time.Time, bool) {
	id, err := uuid.FromBytes(b)
	if err != nil || id.Version() != 7 {
		return time.Time{}, false
	}
	// The first 48 bits are Unix milliseconds.
	ms := int64(binary.BigEndian.Uint64(id[:8]) >> 16)
	return time.UnixMilli(ms), true
}
