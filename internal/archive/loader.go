// Package archive implements the one-shot producer/consumer import of a
// local .osm.bz2 changeset archive, per spec.md §4.6.
package archive

import (
	"bufio"
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mvexel/meetyourmappers-ingest/internal/changeset"
	"github.com/mvexel/meetyourmappers-ingest/internal/metrics"
)

// Upserter is the subset of store.Store the loader writes through.
type Upserter interface {
	UpsertBatch(ctx context.Context, batch []*changeset.Changeset) error
}

// Loader streams a single compressed archive file into a store, applying
// an optional date-range filter and retention window.
type Loader struct {
	Store     Upserter
	BatchSize int
	Workers   int

	// Filter bounds parsed changesets by CreatedAt, same as the
	// replication worker's date filter.
	Filter changeset.DateRange

	// RetentionDays, if positive, drops any changeset whose ClosedAt is
	// older than now-RetentionDays (spec.md §4.6). Zero disables the
	// window.
	RetentionDays int

	// BufferSize sizes the bufio.Reader wrapped around the decompressed
	// archive stream (spec.md §6's buffer_size, the same knob as the
	// original loader's io.BufferedReader(raw_file, buffer_size=...)).
	// Zero uses bufio's default.
	BufferSize int
}

// Load opens path, decompresses it with bzip2, and runs the
// producer/consumer pipeline: one goroutine streams and batches
// records, a fixed pool of workers upserts batches concurrently. The
// channel between them is bounded, so the producer blocks (backpressure)
// once downstream falls behind. Load returns once every batch has been
// written or the first error/cancellation occurs.
func (l *Loader) Load(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("archive: opening %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if l.BufferSize > 0 {
		r = bufio.NewReaderSize(f, l.BufferSize)
	}
	return l.run(ctx, bzip2.NewReader(r))
}

// run drives the producer/consumer pipeline over an already-decompressed
// stream. Split out from Load so tests can exercise the pipeline without
// needing real .bz2-compressed fixture data.
func (l *Loader) run(ctx context.Context, r io.Reader) error {
	parser := changeset.NewParser(r, l.Filter)
	batches := make(chan []*changeset.Changeset, l.workers())

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		defer close(batches)
		defer func() { metrics.CountPanics(recover(), "archive.produce") }()
		return l.produce(egCtx, parser, batches)
	})
	for i := 0; i < l.workers(); i++ {
		eg.Go(func() (err error) {
			defer func() { metrics.CountPanics(recover(), "archive.consume") }()
			return l.consume(egCtx, batches)
		})
	}
	return eg.Wait()
}

func (l *Loader) produce(ctx context.Context, parser *changeset.Parser, out chan<- []*changeset.Changeset) error {
	batch := make([]*changeset.Changeset, 0, l.batchSize())
	cutoff := time.Now().AddDate(0, 0, -l.RetentionDays)

	for {
		cs, err := parser.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		if l.RetentionDays > 0 && cs.HasClosedAt() && cs.ClosedAt.Before(cutoff) {
			metrics.ElementsSkipped.WithLabelValues("retention_window").Inc()
			continue
		}

		batch = append(batch, cs)
		if len(batch) >= l.batchSize() {
			if err := send(ctx, out, batch); err != nil {
				return err
			}
			batch = make([]*changeset.Changeset, 0, l.batchSize())
		}
	}
	if len(batch) > 0 {
		return send(ctx, out, batch)
	}
	return nil
}

func send(ctx context.Context, out chan<- []*changeset.Changeset, batch []*changeset.Changeset) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- batch:
		return nil
	}
}

func (l *Loader) consume(ctx context.Context, batches <-chan []*changeset.Changeset) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-batches:
			if !ok {
				return nil
			}
			if err := l.Store.UpsertBatch(ctx, batch); err != nil {
				return err
			}
		}
	}
}

func (l *Loader) batchSize() int {
	if l.BatchSize <= 0 {
		return 1000
	}
	return l.BatchSize
}

func (l *Loader) workers() int {
	if l.Workers <= 0 {
		return 4
	}
	return l.Workers
}
