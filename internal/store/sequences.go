package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mvexel/meetyourmappers-ingest/internal/metrics"
)

// SequenceStatus is one of the terminal or transient states a sequence
// row can hold, per spec.md §3's state machine.
type SequenceStatus string

const (
	StatusPending    SequenceStatus = "pending"
	StatusProcessing SequenceStatus = "processing"
	StatusBackfilled SequenceStatus = "backfilled"
	StatusEmpty      SequenceStatus = "empty"
	StatusFailed     SequenceStatus = "failed"
)

// IsTerminal reports whether status is one of the two terminal states
// {backfilled, empty} named in spec.md §3.
func (s SequenceStatus) IsTerminal() bool {
	return s == StatusBackfilled || s == StatusEmpty
}

// Sequence mirrors one row of the sequences table.
type Sequence struct {
	Number       int
	Status       SequenceStatus
	ErrorMessage string
	Attempts     int
	IngestedAt   time.Time
}

// ErrSequenceNotFound is returned by GetSequence when no row exists.
var ErrSequenceNotFound = errors.New("store: sequence not found")

// MarkProcessing transitions a sequence to "processing", creating the
// row if it doesn't exist yet.
func (s *Store) MarkProcessing(ctx context.Context, seq int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sequences (sequence_number, status, ingested_at)
		VALUES ($1, 'processing', now())
		ON CONFLICT (sequence_number) DO UPDATE SET
			status = 'processing',
			error_message = NULL,
			ingested_at = now()
	`, seq)
	return err
}

// MarkTerminal transitions a sequence to a terminal status (backfilled
// or empty), clearing any prior error message.
func (s *Store) MarkTerminal(ctx context.Context, seq int, status SequenceStatus) error {
	if !status.IsTerminal() {
		return errors.New("store: MarkTerminal requires a terminal status")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sequences (sequence_number, status, ingested_at)
		VALUES ($1, $2, now())
		ON CONFLICT (sequence_number) DO UPDATE SET
			status = EXCLUDED.status,
			error_message = NULL,
			ingested_at = now()
	`, seq, status)
	if err == nil {
		metrics.SequencesProcessed.WithLabelValues(string(status)).Inc()
	}
	return err
}

// MarkFailed transitions a sequence to "failed", recording errMsg and
// incrementing its attempt counter. It returns the attempt count after
// incrementing, so the caller (the retry manager, spec.md §4.5) can
// decide whether to requeue or leave the sequence failed for operator
// attention.
func (s *Store) MarkFailed(ctx context.Context, seq int, errMsg string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sequences (sequence_number, status, error_message, attempts, ingested_at)
		VALUES ($1, 'failed', $2, 1, now())
		ON CONFLICT (sequence_number) DO UPDATE SET
			status = 'failed',
			error_message = $2,
			attempts = sequences.attempts + 1,
			ingested_at = now()
		RETURNING attempts
	`, seq, errMsg).Scan(&attempts)
	if err == nil {
		metrics.SequencesProcessed.WithLabelValues(string(StatusFailed)).Inc()
	}
	return attempts, err
}

// GetSequence returns the row for seq, or ErrSequenceNotFound.
func (s *Store) GetSequence(ctx context.Context, seq int) (Sequence, error) {
	var row Sequence
	var errMsg *string
	err := s.pool.QueryRow(ctx, `
		SELECT sequence_number, status, error_message, attempts, ingested_at
		FROM sequences WHERE sequence_number = $1
	`, seq).Scan(&row.Number, &row.Status, &errMsg, &row.Attempts, &row.IngestedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Sequence{}, ErrSequenceNotFound
	}
	if err != nil {
		return Sequence{}, err
	}
	if errMsg != nil {
		row.ErrorMessage = *errMsg
	}
	return row, nil
}

// HighWaterMark returns the highest sequence number with a terminal
// status (backfilled or empty), used by the scheduler to compute the
// catch-up range (spec.md §4.3). ok is false if no terminal row exists.
func (s *Store) HighWaterMark(ctx context.Context) (seq int, ok bool, err error) {
	var n *int64
	err = s.pool.QueryRow(ctx, `
		SELECT MAX(sequence_number) FROM sequences
		WHERE status IN ('backfilled', 'empty')
	`).Scan(&n)
	if err != nil {
		return 0, false, err
	}
	if n == nil {
		return 0, false, nil
	}
	return int(*n), true, nil
}

// LowWaterMark returns the lowest terminal sequence number, the other
// half of the gap-fill range from spec.md §4.3.
func (s *Store) LowWaterMark(ctx context.Context) (seq int, ok bool, err error) {
	var n *int64
	err = s.pool.QueryRow(ctx, `
		SELECT MIN(sequence_number) FROM sequences
		WHERE status IN ('backfilled', 'empty')
	`).Scan(&n)
	if err != nil {
		return 0, false, err
	}
	if n == nil {
		return 0, false, nil
	}
	return int(*n), true, nil
}

// NonTerminalInRange returns every sequence number in [low, high] whose
// row is either missing or not in a terminal state, for the scheduler's
// gap-fill enqueue (spec.md §4.3).
func (s *Store) NonTerminalInRange(ctx context.Context, low, high int) ([]int, error) {
	if low > high {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT gs AS sequence_number
		FROM generate_series($1::bigint, $2::bigint) AS gs
		LEFT JOIN sequences ON sequences.sequence_number = gs
		WHERE sequences.sequence_number IS NULL
		   OR sequences.status NOT IN ('backfilled', 'empty')
		ORDER BY gs
	`, low, high)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, int(n))
	}
	return out, rows.Err()
}

// MostRecentClosedAt returns the maximum closed_at over all changesets,
// used as the cutoff_date for historical descent (spec.md §4.3). ok is
// false if the changesets table is empty.
func (s *Store) MostRecentClosedAt(ctx context.Context) (t time.Time, ok bool, err error) {
	var ts *time.Time
	err = s.pool.QueryRow(ctx, `SELECT MAX(closed_at) FROM changesets`).Scan(&ts)
	if err != nil {
		return time.Time{}, false, err
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return *ts, true, nil
}

// ReclaimStaleProcessing marks every "processing" row older than grace
// as "failed", per spec.md §3/§4.5's stale-processing reclaim rule. It
// returns the count reclaimed.
func (s *Store) ReclaimStaleProcessing(ctx context.Context, grace time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sequences
		SET status = 'failed', error_message = 'stale processing reclaimed'
		WHERE status = 'processing' AND ingested_at < now() - make_interval(secs => $1)
	`, grace.Seconds())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ChangesetExists reports whether a changeset with the given id is
// already present, used by the cutoff-detection rule in
// worker.ProcessSequence (spec.md §4.3: "every changeset parsed from s
// was both already present in the store and older-or-equal to
// cutoff_date").
func (s *Store) ChangesetExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM changesets WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

// WriteLegacyMetadata best-effort updates the single-row metadata table
// for older consumers. Per spec.md §9 this is a derived convenience;
// callers must log and ignore its error, never treat it as fatal.
func (s *Store) WriteLegacyMetadata(ctx context.Context, state string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO metadata (id, state, "timestamp")
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, "timestamp" = now()
	`, state)
	return err
}
