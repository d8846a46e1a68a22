package future

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCompleteOnce(t *testing.T) {
	t.Parallel()
	f := New[int]()
	if !f.Complete(1) {
		t.Fatal("first completion must win")
	}
	if f.Complete(2) || f.Fail(errors.New("late")) || f.Cancel(nil) {
		t.Fatal("later completions must be no-ops")
	}
	v, err := f.Await(context.Background())
	if err != nil || v != 1 {
		t.Fatalf("got %d, %v", v, err)
	}
}

func TestConcurrentCompletionSingleWinner(t *testing.T) {
	t.Parallel()
	f := New[int]()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var won bool
			if i%2 == 0 {
				won = f.Complete(i)
			} else {
				won = f.Fail(errors.New("x"))
			}
			if won {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
	if !f.Resolved() {
		t.Fatal("future should be resolved")
	}
}

func TestCancelDefaultsCause(t *testing.T) {
	t.Parallel()
	f := New[string]()
	f.Cancel(nil)
	if _, err := f.Await(context.Background()); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestAwaitContextLeavesPending(t *testing.T) {
	t.Parallel()
	f := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if f.Resolved() {
		t.Fatal("await timeout must not resolve the future")
	}
	if !f.Complete(5) {
		t.Fatal("completion after caller timeout should still succeed")
	}
}

func TestAwaitPrefersResolvedValue(t *testing.T) {
	t.Parallel()
	f := New[int]()
	f.Complete(3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if v, err := f.Await(ctx); err != nil || v != 3 {
		t.Fatalf("got %d, %v", v, err)
	}
}
