package clock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/cachetx/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestOrDefaultsToReal(t *testing.T) {
	t.Parallel()

	if _, ok := clock.Or(nil).(clock.Real); !ok {
		t.Fatal("nil clock should fall back to Real")
	}
	m := clock.NewManual(time.Unix(0, 0))
	if clock.Or(m) != m {
		t.Fatal("non-nil clock must be returned as-is")
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := clock.NewManual(start)
	short := m.After(time.Second)
	long := m.After(time.Minute)
	if m.Pending() != 2 {
		t.Fatalf("expected 2 pending timers, got %d", m.Pending())
	}
	m.Advance(2 * time.Second)
	select {
	case got := <-short:
		if !got.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("unexpected fire time %v", got)
		}
	default:
		t.Fatal("short timer did not fire")
	}
	select {
	case <-long:
		t.Fatal("long timer fired early")
	default:
	}
	if m.Pending() != 1 {
		t.Fatalf("expected 1 pending timer, got %d", m.Pending())
	}
}

func TestSleepHonoursContext(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- clock.Sleep(ctx, m, time.Hour) }()
	if !m.WaitForTimers(1, time.Second) {
		t.Fatal("sleep never registered a timer")
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sleep ignored cancellation")
	}
}

func TestSleepWakesOnAdvance(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	done := make(chan error, 1)
	go func() { done <- clock.Sleep(context.Background(), m, 5*time.Second) }()
	if !m.WaitForTimers(1, time.Second) {
		t.Fatal("sleep never registered a timer")
	}
	m.Advance(5 * time.Second)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sleep did not wake")
	}
}
