// Package schedule turns "keep synchronized with the tip down to some
// cutoff" into a stream of sequence numbers dispatched to a worker pool,
// following the polling/throttle/errgroup shape of the teacher's
// active.Poll / active.Throttle composition (spec.md §4.3).
package schedule

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mvexel/meetyourmappers-ingest/internal/metrics"
)

// Direction records whether a Job was dispatched as part of the
// ascending catch-up/gap-fill sweep or the descending historical
// backfill, since only the latter participates in cutoff detection.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// Job is one unit of scheduler-dispatched work: a single sequence
// number and the sweep that produced it.
type Job struct {
	Sequence  int
	Direction Direction
}

// Result is returned by the caller-supplied Process function for each
// Job.
type Result struct {
	// ReachedCutoff is true iff every changeset parsed from this
	// sequence was already present in the store and older-or-equal to
	// the scheduler's CutoffDate (spec.md §4.3). Only meaningful for
	// Descending jobs.
	ReachedCutoff bool

	// Failed is true when Process marked the sequence `failed` (spec.md
	// §4.5) rather than reaching a terminal status. Attempts is the
	// attempt count after the failure, used to decide whether the
	// Retry Manager should requeue it or leave it failed for operator
	// attention.
	Failed   bool
	Attempts int
}

// TipSource abstracts the remote tip lookup so tests can substitute a
// fake without a live replication feed.
type TipSource interface {
	Tip(ctx context.Context) (int, error)
}

// StateSource abstracts the store queries the scheduler needs at
// startup and during gap-fill.
type StateSource interface {
	HighWaterMark(ctx context.Context) (int, bool, error)
	LowWaterMark(ctx context.Context) (int, bool, error)
	NonTerminalInRange(ctx context.Context, low, high int) ([]int, error)
	MostRecentClosedAt(ctx context.Context) (time.Time, bool, error)
}

// Process is the caller-supplied fetch/parse/upsert step for one Job.
type Process func(ctx context.Context, job Job) (Result, error)

// Scheduler dispatches Jobs to a bounded pool of concurrent workers.
type Scheduler struct {
	Tips    TipSource
	State   StateSource
	Process Process

	NumWorkers      int
	PollingInterval time.Duration
	QueueSize       int

	// CutoffDate is set once at startup (spec.md §4.3: "most recent
	// closed_at already present in the store") and never mutated after
	// Run begins; concurrent workers only read it.
	CutoffDate time.Time

	// MinSequence floors the descending historical backfill (spec.md §6's
	// min_sequence config option): the descent stops at this sequence
	// instead of 1. Zero (the default) backfills all the way to 1.
	MinSequence int

	// StartSequence, if positive and the store has no high-water mark
	// yet, skips the descending historical backfill entirely and starts
	// the ascending catch-up sweep from this sequence instead (spec.md
	// §6's start_sequence config option: an operator-chosen fresh
	// starting point rather than a full backfill to MinSequence/1).
	StartSequence int

	// Retries, if set, receives failed jobs (spec.md §4.5) and feeds due
	// retries back onto the same jobs channel every RetryCheckInterval.
	// Nil disables retry requeueing: failed sequences stay `failed`
	// until the next process start's gap-fill sweep picks them up.
	Retries            *RetryManager
	RetryCheckInterval time.Duration
}

// Run drives the scheduler until ctx is canceled: it performs the
// initial catch-up/backfill/gap-fill sweep, then polls the tip forever
// on PollingInterval, enqueuing newly published sequences, while a
// single persistent worker pool and (if configured) retry drain loop
// share one jobs channel for the whole process lifetime.
func (s *Scheduler) Run(ctx context.Context) error {
	tip, err := s.Tips.Tip(ctx)
	if err != nil {
		return err
	}

	high, hasHigh, err := s.State.HighWaterMark(ctx)
	if err != nil {
		return err
	}
	if !hasHigh && s.StartSequence > 0 {
		high, hasHigh = s.StartSequence-1, true
	}
	low, hasLow, err := s.State.LowWaterMark(ctx)
	if err != nil {
		return err
	}
	if cutoff, ok, err := s.State.MostRecentClosedAt(ctx); err != nil {
		return err
	} else if ok {
		s.CutoffDate = cutoff
	}

	jobs := make(chan Job, s.queueSize())
	sem := semaphore.NewWeighted(int64(s.numWorkers()))
	descentCtx, cancelDescent := context.WithCancel(ctx)

	eg, egCtx := errgroup.WithContext(ctx)

	// Persistent worker pool: runs for the whole process lifetime,
	// draining whatever the initial sweep, tip poller, and retry
	// manager write to jobs.
	eg.Go(func() error {
		defer func() { metrics.CountPanics(recover(), "scheduler.runWorkers") }()
		return s.runWorkers(egCtx, jobs, sem, cancelDescent)
	})

	// Initial sweep, then continuous tip polling, on the same channel.
	eg.Go(func() error {
		defer func() { metrics.CountPanics(recover(), "scheduler.sweepAndPoll") }()
		if err := s.initialSweep(descentCtx, egCtx, jobs, tip, high, hasHigh, low, hasLow); err != nil {
			return err
		}
		return s.pollForever(egCtx, jobs, tip)
	})

	// Retry drain: requeues sequences the retry manager decided are due
	// (spec.md §4.5), onto the same jobs channel as everything else.
	if s.Retries != nil {
		eg.Go(func() error {
			defer func() { metrics.CountPanics(recover(), "scheduler.retryDrain") }()
			s.Retries.Run(egCtx, s.retryCheckInterval(), func(seq int) {
				_ = send(egCtx, jobs, Job{Sequence: seq, Direction: Ascending})
			})
			return nil
		})
	}

	err = eg.Wait()
	if ctx.Err() != nil {
		return nil // graceful shutdown, not a failure.
	}
	return err
}

func (s *Scheduler) retryCheckInterval() time.Duration {
	if s.RetryCheckInterval <= 0 {
		return 30 * time.Second
	}
	return s.RetryCheckInterval
}

func (s *Scheduler) numWorkers() int {
	if s.NumWorkers <= 0 {
		return 4
	}
	return s.NumWorkers
}

func (s *Scheduler) queueSize() int {
	if s.QueueSize <= 0 {
		return 64
	}
	return s.QueueSize
}

// initialSweep enqueues, in order: the ascending catch-up range
// [high+1, tip] if the store has a high-water mark below tip; the gap
// range [low, high] filtered to non-terminal rows; and, if the store has
// no terminal rows at all, the descending historical backfill from tip
// down to 1 (spec.md §4.3). descentCtx is canceled the moment a worker
// reports reached_cutoff, stopping the descending producer early.
func (s *Scheduler) initialSweep(descentCtx, parentCtx context.Context, jobs chan<- Job, tip, high int, hasHigh bool, low int, hasLow bool) error {
	if hasHigh {
		if high < tip {
			if err := sendRange(parentCtx, jobs, high+1, tip, Ascending); err != nil {
				return err
			}
		}
		if hasLow {
			gaps, err := s.State.NonTerminalInRange(parentCtx, low, high)
			if err != nil {
				return err
			}
			for _, seq := range gaps {
				if err := send(parentCtx, jobs, Job{Sequence: seq, Direction: Ascending}); err != nil {
					return err
				}
			}
		}
		return nil
	}

	// Store empty: descend from tip to the configured floor (1 unless
	// MinSequence overrides it), honoring early cutoff cancellation.
	floor := 1
	if s.MinSequence > floor {
		floor = s.MinSequence
	}
	for seq := tip; seq >= floor; seq-- {
		select {
		case <-descentCtx.Done():
			return nil
		case <-parentCtx.Done():
			return parentCtx.Err()
		case jobs <- Job{Sequence: seq, Direction: Descending}:
		}
	}
	return nil
}

func sendRange(ctx context.Context, jobs chan<- Job, from, to int, dir Direction) error {
	for seq := from; seq <= to; seq++ {
		if err := send(ctx, jobs, Job{Sequence: seq, Direction: dir}); err != nil {
			return err
		}
	}
	return nil
}

func send(ctx context.Context, jobs chan<- Job, j Job) error {
	metrics.QueueDepth.Inc()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case jobs <- j:
		return nil
	}
}

// runWorkers drains jobs with NumWorkers concurrent goroutines bounded
// by sem, calling Process for each and canceling cancelDescent the first
// time a Descending job reports ReachedCutoff (spec.md §4.3: "the
// scheduler drains its queue (sends stop tokens to all workers) and the
// descent ends").
func (s *Scheduler) runWorkers(ctx context.Context, jobs <-chan Job, sem *semaphore.Weighted, cancelDescent context.CancelFunc) error {
	eg, egCtx := errgroup.WithContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return eg.Wait()
		case job, ok := <-jobs:
			if !ok {
				return eg.Wait()
			}
			metrics.QueueDepth.Dec()
			if err := sem.Acquire(egCtx, 1); err != nil {
				return err
			}
			job := job
			eg.Go(func() (err error) {
				defer sem.Release(1)
				metrics.ActiveWorkers.Inc()
				defer metrics.ActiveWorkers.Dec()
				defer func() { metrics.CountPanics(recover(), "worker.process") }()

				result, err := s.Process(egCtx, job)
				if err != nil {
					log.Printf("sequence %d: %v", job.Sequence, err)
					return nil // a single sequence's failure never aborts the pool.
				}
				if result.Failed && result.Attempts > 0 && s.Retries != nil {
					s.Retries.Enqueue(job.Sequence, result.Attempts)
				}
				if job.Direction == Descending && result.ReachedCutoff {
					cancelDescent()
				}
				return nil
			})
		}
	}
}

// pollForever polls the tip on PollingInterval and enqueues
// [prevTip+1, newTip] onto jobs whenever the tip advances, until ctx is
// canceled (spec.md §4.3 "Continuous mode"). It shares the persistent
// jobs channel and worker pool that Run set up, rather than spinning up
// a fresh pool per catch-up burst.
func (s *Scheduler) pollForever(ctx context.Context, jobs chan<- Job, prevTip int) error {
	interval := s.PollingInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tip, err := s.Tips.Tip(ctx)
			if err != nil {
				log.Printf("schedule: tip poll failed: %v", err)
				continue
			}
			if high, ok, err := s.State.HighWaterMark(ctx); err == nil && ok {
				metrics.TipLag.Set(float64(tip - high))
			}
			if tip <= prevTip {
				continue
			}
			if err := sendRange(ctx, jobs, prevTip+1, tip, Ascending); err != nil {
				return err
			}
			prevTip = tip
		}
	}
}
