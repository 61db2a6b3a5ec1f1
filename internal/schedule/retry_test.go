package schedule_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mvexel/meetyourmappers-ingest/internal/schedule"
)

func TestRetryManagerDrainsAfterRetryInterval(t *testing.T) {
	m := schedule.NewRetryManager(3, 20*time.Millisecond)
	m.Enqueue(600, 1)

	if got := m.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1 immediately after Enqueue", got)
	}

	var mu sync.Mutex
	var drained []int
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	go m.Run(ctx, 10*time.Millisecond, func(seq int) {
		mu.Lock()
		drained = append(drained, seq)
		mu.Unlock()
	})
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	if len(drained) != 1 || drained[0] != 600 {
		t.Fatalf("drained = %v, want [600]", drained)
	}
}

func TestRetryManagerExhaustedAttemptsIsNotRequeued(t *testing.T) {
	m := schedule.NewRetryManager(2, 5*time.Millisecond)
	m.Enqueue(9, 3) // attempts(3) > MaxRetries(2): stays failed for operators.

	if got := m.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0: exhausted attempts must not be queued", got)
	}
}

func TestRetryManagerDrainsAllDueItems(t *testing.T) {
	m := schedule.NewRetryManager(5, 0)
	m.Enqueue(100, 1)
	m.Enqueue(200, 1)

	var mu sync.Mutex
	var drained []int
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	go m.Run(ctx, 5*time.Millisecond, func(seq int) {
		mu.Lock()
		drained = append(drained, seq)
		mu.Unlock()
	})
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	if len(drained) != 2 {
		t.Fatalf("drained = %v, want both 100 and 200", drained)
	}
}

func TestRetryManagerRunStopsSilentlyOnCancellation(t *testing.T) {
	m := schedule.NewRetryManager(3, time.Hour) // never due within the test.
	m.Enqueue(1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, 5*time.Millisecond, func(seq int) {
			t.Errorf("drain should never fire: retry_at is an hour out")
		})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return promptly after cancellation")
	}

	if got := m.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1: canceled Run must not drop the pending item", got)
	}
}
