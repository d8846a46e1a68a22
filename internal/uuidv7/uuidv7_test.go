package uuidv7_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"

	"pkt.systems/cachetx/internal/uuidv7"
)

func TestNewReturnsUUIDv7(t *testing.T) {
	t.Parallel()

	id := uuidv7.New()
	if id.Version() != 7 {
		t.Fatalf("expected version 7 UUID, got %d", id.Version())
	}
	if other := uuidv7.New(); id == other {
		t.Fatal("expected unique UUIDs on subsequent calls")
	}
}

func TestBytesAreSixteenUniqueBytes(t *testing.T) {
	t.Parallel()

	a, b := uuidv7.Bytes(), uuidv7.Bytes()
	if len(a) != 16 || len(b) != 16 {
		t.Fatalf("expected 16 bytes, got %d and %d", len(a), len(b))
	}
	if bytes.Equal(a, b) {
		t.Fatal("expected distinct byte slices")
	}
	parsed, err := uuid.FromBytes(a)
	if err != nil {
		t.Fatalf("uuid.FromBytes: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7 from bytes, got %d", parsed.Version())
	}
}

func TestTimestamp(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Millisecond)
	ts, ok := uuidv7.Timestamp(uuidv7.Bytes())
	if !ok {
		t.Fatal("expected timestamp from UUIDv7")
	}
	if ts.Before(before.Truncate(time.Millisecond)) || ts.After(time.Now().Add(time.Second)) {
		t.Fatalf("timestamp %s outside generation window", ts)
	}

	v4 := uuid.New()
	if _, ok := uuidv7.Timestamp(v4[:]); ok {
		t.Fatal("expected version 4 UUID to be rejected")
	}
	if _, ok := uuidv7.Timestamp([]byte("short")); ok {
		t.Fatal("expected short qualifier to be rejected")
	}
}
