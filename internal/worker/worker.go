// Package worker implements the per-sequence fetch/parse/upsert task
// that the scheduler dispatches, following the teacher's worker.Worker /
// factory.Factory separation of "one task" from "how many run at once"
// (spec.md §4.2, §4.4).
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/mvexel/meetyourmappers-ingest/internal/changeset"
	"github.com/mvexel/meetyourmappers-ingest/internal/metrics"
	"github.com/mvexel/meetyourmappers-ingest/internal/replication"
	"github.com/mvexel/meetyourmappers-ingest/internal/schedule"
	"github.com/mvexel/meetyourmappers-ingest/internal/store"
)

// Fetcher abstracts replication.Client for testing.
type Fetcher interface {
	Fetch(ctx context.Context, sequence int, filter changeset.DateRange) (*changeset.Parser, error)
}

// Upserter abstracts the store's batch writer for testing.
type Upserter interface {
	UpsertBatch(ctx context.Context, batch []*changeset.Changeset) error
	MarkProcessing(ctx context.Context, seq int) error
	MarkTerminal(ctx context.Context, seq int, status store.SequenceStatus) error
	MarkFailed(ctx context.Context, seq int, errMsg string) (int, error)
	ChangesetExists(ctx context.Context, id int64) (bool, error)
	WriteLegacyMetadata(ctx context.Context, state string) error
}

// Worker processes individual sequence numbers: fetch the replication
// file, stream-parse it, and upsert changesets in fixed-size batches.
type Worker struct {
	Fetch     Fetcher
	Store     Upserter
	BatchSize int
	Filter    changeset.DateRange

	// CutoffDate is the most recent closed_at already present in the
	// store at startup, the same value cmd/replication-daemon gives
	// schedule.Scheduler (spec.md §4.3). A zero value disables only the
	// date half of the check: a descending job then reaches the cutoff
	// when every changeset it parsed is already present in the store.
	CutoffDate time.Time
}

// ProcessSequence implements schedule.Process: it is the function the
// scheduler calls for every dispatched Job.
func (w *Worker) ProcessSequence(ctx context.Context, job schedule.Job) (schedule.Result, error) {
	if err := w.Store.MarkProcessing(ctx, job.Sequence); err != nil {
		return schedule.Result{}, fmt.Errorf("worker: mark processing %d: %w", job.Sequence, err)
	}

	parser, err := w.Fetch.Fetch(ctx, job.Sequence, w.Filter)
	if errors.Is(err, replication.ErrNotFound) {
		if mErr := w.Store.MarkTerminal(ctx, job.Sequence, store.StatusEmpty); mErr != nil {
			return schedule.Result{}, mErr
		}
		w.writeLegacyMetadata(ctx, job.Sequence, true)
		return schedule.Result{}, nil
	}
	if err != nil {
		attempts := w.fail(ctx, job.Sequence, err)
		return schedule.Result{Failed: true, Attempts: attempts}, nil
	}

	reachedCutoff, err := w.drain(ctx, job, parser)
	if err != nil {
		attempts := w.fail(ctx, job.Sequence, err)
		return schedule.Result{Failed: true, Attempts: attempts}, nil
	}

	if mErr := w.Store.MarkTerminal(ctx, job.Sequence, store.StatusBackfilled); mErr != nil {
		return schedule.Result{}, mErr
	}
	w.writeLegacyMetadata(ctx, job.Sequence, true)
	return schedule.Result{ReachedCutoff: reachedCutoff}, nil
}

// writeLegacyMetadata best-effort mirrors a sequence's outcome into the
// single-row legacy metadata table (spec.md §9), the same state string
// shape as the original daemon's update_metadata ("sequence:N:success" /
// "sequence:N:failed"). Its error is logged and swallowed: sequences is
// the sole source of truth, this is a derived convenience for older
// consumers.
func (w *Worker) writeLegacyMetadata(ctx context.Context, seq int, success bool) {
	outcome := "success"
	if !success {
		outcome = "failed"
	}
	if err := w.Store.WriteLegacyMetadata(ctx, fmt.Sprintf("sequence:%d:%s", seq, outcome)); err != nil {
		log.Printf("legacy metadata: sequence %d: %v", seq, err)
	}
}

// drain reads every Changeset out of parser in BatchSize chunks,
// upserting each batch as it fills. It tracks whether every changeset
// seen during a Descending job was already present and no newer than
// the scheduler's CutoffDate, the historical-descent termination
// condition from spec.md §4.3.
func (w *Worker) drain(ctx context.Context, job schedule.Job, parser *changeset.Parser) (reachedCutoff bool, err error) {
	batch := make([]*changeset.Changeset, 0, w.batchSize())
	allStaleAndPresent := job.Direction == schedule.Descending
	sawAny := false

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := w.Store.UpsertBatch(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		cs, err := parser.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return false, err
		}
		sawAny = true

		if job.Direction == schedule.Descending && allStaleAndPresent {
			if !w.staleAndPresent(ctx, cs) {
				allStaleAndPresent = false
			}
		}

		batch = append(batch, cs)
		if len(batch) >= w.batchSize() {
			if err := flush(); err != nil {
				return false, err
			}
		}
	}
	if err := flush(); err != nil {
		return false, err
	}

	if job.Direction != schedule.Descending {
		return false, nil
	}
	return sawAny && allStaleAndPresent, nil
}

func (w *Worker) staleAndPresent(ctx context.Context, cs *changeset.Changeset) bool {
	if !w.CutoffDate.IsZero() && !cs.ClosedAt.IsZero() && cs.ClosedAt.After(w.CutoffDate) {
		return false
	}
	exists, err := w.Store.ChangesetExists(ctx, cs.ID)
	if err != nil || !exists {
		return false
	}
	return true
}

func (w *Worker) batchSize() int {
	if w.BatchSize <= 0 {
		return 1000
	}
	return w.BatchSize
}

// fail logs seq's cause at ERROR (spec.md §7: "transaction/network
// failures at ERROR"), records it as failed, and returns the attempt
// count after incrementing so the caller can pass it to the retry
// manager (spec.md §4.5). It returns 0 if the store write itself
// errors, which the retry manager treats as "don't requeue" rather than
// guessing.
func (w *Worker) fail(ctx context.Context, seq int, cause error) int {
	log.Printf("ERROR sequence %d: %v", seq, cause)
	metrics.ElementsSkipped.WithLabelValues("worker_error").Inc()
	attempts, err := w.Store.MarkFailed(ctx, seq, cause.Error())
	if err != nil {
		log.Printf("ERROR sequence %d: recording failure: %v", seq, err)
		return 0
	}
	w.writeLegacyMetadata(ctx, seq, false)
	return attempts
}
