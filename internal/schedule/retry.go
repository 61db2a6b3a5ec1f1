package schedule

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/mvexel/meetyourmappers-ingest/internal/metrics"
)

// retryItem is one pending retry, ordered by retryAt for the heap.
type retryItem struct {
	retryAt  time.Time
	attempts int
	sequence int
}

// retryQueue is a container/heap.Interface min-heap ordered by retryAt.
type retryQueue []*retryItem

func (q retryQueue) Len() int            { return len(q) }
func (q retryQueue) Less(i, j int) bool  { return q[i].retryAt.Before(q[j].retryAt) }
func (q retryQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *retryQueue) Push(x interface{}) { *q = append(*q, x.(*retryItem)) }
func (q *retryQueue) Pop() interface{} {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

// RetryManager is the Retry Manager from spec.md §4.5: an in-process
// priority queue of (retry_at, attempts, sequence) triples, guarded by a
// single mutex per spec.md §5's "single mutex for shared counters" rule
// extended to this process-local scheduling state (it is not the source
// of truth — `sequences.status` is). It follows the teacher's
// active.Throttle/TokenSource shape of "a small synchronized struct plus
// a ticking drain loop" (m-lab-etl/active/throttle.go).
type RetryManager struct {
	mu sync.Mutex
	q  retryQueue

	// MaxRetries bounds the retries per sequence (spec.md §4.5:
	// "total number of retries per sequence is bounded, default 3"), so a
	// sequence is attempted at most MaxRetries+1 times. Once attempts
	// exceeds MaxRetries the sequence is left in `failed` for operator
	// attention rather than requeued.
	MaxRetries int

	// RetryInterval is added to time.Now() to compute retry_at on
	// Enqueue (spec.md §4.5).
	RetryInterval time.Duration
}

// NewRetryManager returns a RetryManager with the given bounds.
func NewRetryManager(maxRetries int, retryInterval time.Duration) *RetryManager {
	return &RetryManager{MaxRetries: maxRetries, RetryInterval: retryInterval}
}

// Enqueue schedules sequence for a retry at now+RetryInterval, given it
// just failed for the attempts-th time (1-indexed, matching
// store.Sequence.Attempts after MarkFailed). If attempts already
// exceeds MaxRetries the sequence is not requeued — it remains `failed`
// in the store, which is the durable record an operator inspects.
func (m *RetryManager) Enqueue(sequence, attempts int) {
	if attempts > m.MaxRetries {
		metrics.RetriesExhausted.Inc()
		return
	}
	m.mu.Lock()
	heap.Push(&m.q, &retryItem{
		retryAt:  time.Now().Add(m.RetryInterval),
		attempts: attempts,
		sequence: sequence,
	})
	m.mu.Unlock()
	metrics.RetriesScheduled.Inc()
}

// due pops and returns every sequence whose retryAt is at or before now.
func (m *RetryManager) due(now time.Time) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for len(m.q) > 0 && !m.q[0].retryAt.After(now) {
		it := heap.Pop(&m.q).(*retryItem)
		out = append(out, it.sequence)
	}
	return out
}

// Len reports the number of sequences currently awaiting retry, for
// diagnostics and tests.
func (m *RetryManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.q)
}

// Run ticks every tick, draining every due item to drain(seq). It
// returns when ctx is canceled. Per spec.md §5 ("the retry manager must
// not requeue into a closed pipeline; on shutdown it drains silently"),
// Run never returns an error: a canceled context simply stops the loop,
// leaving any still-pending items in the queue to be rebuilt from the
// store's `failed` rows on the next process start.
func (m *RetryManager) Run(ctx context.Context, tick time.Duration, drain func(sequence int)) {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, seq := range m.due(time.Now()) {
				select {
				case <-ctx.Done():
					return
				default:
				}
				drain(seq)
			}
		}
	}
}
