// Package storetest provides an in-memory stand-in for store.Store, so
// scheduler and worker tests can exercise sequence-state and changeset
// reconciliation logic without a live PostgreSQL instance.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mvexel/meetyourmappers-ingest/internal/changeset"
	"github.com/mvexel/meetyourmappers-ingest/internal/store"
)

// Store is a goroutine-safe in-memory implementation of the interfaces
// consumed by internal/worker and internal/schedule.
type Store struct {
	mu             sync.Mutex
	sequences      map[int]store.Sequence
	changesets     map[int64]*changeset.Changeset
	UpsertCalls    int
	LegacyMetadata string
}

// New returns an empty fake store.
func New() *Store {
	return &Store{
		sequences:  make(map[int]store.Sequence),
		changesets: make(map[int64]*changeset.Changeset),
	}
}

func (s *Store) MarkProcessing(ctx context.Context, seq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.sequences[seq]
	row.Number = seq
	row.Status = store.StatusProcessing
	row.ErrorMessage = ""
	row.IngestedAt = time.Now()
	s.sequences[seq] = row
	return nil
}

func (s *Store) MarkTerminal(ctx context.Context, seq int, status store.SequenceStatus) error {
	if !status.IsTerminal() {
		return fmt.Errorf("storetest: MarkTerminal requires a terminal status, got %s", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.sequences[seq]
	row.Number = seq
	row.Status = status
	row.ErrorMessage = ""
	row.IngestedAt = time.Now()
	s.sequences[seq] = row
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, seq int, errMsg string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.sequences[seq]
	row.Number = seq
	row.Status = store.StatusFailed
	row.ErrorMessage = errMsg
	row.Attempts++
	row.IngestedAt = time.Now()
	s.sequences[seq] = row
	return row.Attempts, nil
}

func (s *Store) GetSequence(ctx context.Context, seq int) (store.Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.sequences[seq]
	if !ok {
		return store.Sequence{}, store.ErrSequenceNotFound
	}
	return row, nil
}

func (s *Store) HighWaterMark(ctx context.Context) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	var max int
	for n, row := range s.sequences {
		if row.Status.IsTerminal() && (!found || n > max) {
			max, found = n, true
		}
	}
	return max, found, nil
}

func (s *Store) LowWaterMark(ctx context.Context) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	var min int
	for n, row := range s.sequences {
		if row.Status.IsTerminal() && (!found || n < min) {
			min, found = n, true
		}
	}
	return min, found, nil
}

func (s *Store) NonTerminalInRange(ctx context.Context, low, high int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for n := low; n <= high; n++ {
		row, ok := s.sequences[n]
		if !ok || !row.Status.IsTerminal() {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out, nil
}

func (s *Store) MostRecentClosedAt(ctx context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	var max time.Time
	for _, cs := range s.changesets {
		if cs.HasClosedAt() && (!found || cs.ClosedAt.After(max)) {
			max, found = cs.ClosedAt, true
		}
	}
	return max, found, nil
}

func (s *Store) ReclaimStaleProcessing(ctx context.Context, grace time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	cutoff := time.Now().Add(-grace)
	for num, row := range s.sequences {
		if row.Status == store.StatusProcessing && row.IngestedAt.Before(cutoff) {
			row.Status = store.StatusFailed
			row.ErrorMessage = "stale processing reclaimed"
			s.sequences[num] = row
			n++
		}
	}
	return n, nil
}

func (s *Store) ChangesetExists(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.changesets[id]
	return ok, nil
}

// WriteLegacyMetadata records state for assertions; real store.Store
// writes it to the single-row metadata table (spec.md §9).
func (s *Store) WriteLegacyMetadata(ctx context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LegacyMetadata = state
	return nil
}

// UpsertBatch applies the same reconciliation rules as
// store.UpsertChangesets (spec.md §4.4), in plain Go rather than SQL, so
// worker tests can assert on the resulting Changesets() snapshot.
func (s *Store) UpsertBatch(ctx context.Context, batch []*changeset.Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpsertCalls++

	for _, incoming := range batch {
		existing, ok := s.changesets[incoming.ID]
		if !ok {
			cp := *incoming
			s.changesets[incoming.ID] = &cp
			continue
		}
		if existing.HasClosedAt() && !incoming.HasClosedAt() {
			continue // rule 2: existing closed, new reopened-looking record -> skip.
		}
		if existing.CommentsCount > incoming.CommentsCount {
			continue // rule 3: existing has strictly more comments -> skip.
		}

		// Mirrors store.UpsertChangesets' SQL CASE expressions exactly
		// (spec.md §4.4 rule 4): closed_at prefers whichever side is
		// non-null, falling back to incoming's when both are; open only
		// flips to false, never back to true; comments append
		// conditionally rather than always union.
		merged := *incoming
		switch {
		case !existing.HasClosedAt():
			merged.ClosedAt = incoming.ClosedAt
		case !incoming.HasClosedAt():
			merged.ClosedAt = existing.ClosedAt
		default:
			merged.ClosedAt = incoming.ClosedAt
		}
		if incoming.Open {
			merged.Open = existing.Open
		} else {
			merged.Open = false
		}
		if len(incoming.Comments) == 0 {
			merged.Comments = existing.Comments
			merged.CommentsCount = existing.CommentsCount
		} else if existing.CommentsCount < incoming.CommentsCount {
			merged.Comments = append(append([]changeset.Comment{}, existing.Comments...), incoming.Comments...)
			merged.CommentsCount = incoming.CommentsCount
		} else {
			merged.Comments = existing.Comments
			merged.CommentsCount = existing.CommentsCount
		}
		s.changesets[incoming.ID] = &merged
	}
	return nil
}

// Changesets returns a snapshot of every stored changeset, for test
// assertions.
func (s *Store) Changesets() map[int64]*changeset.Changeset {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]*changeset.Changeset, len(s.changesets))
	for k, v := range s.changesets {
		cp := *v
		out[k] = &cp
	}
	return out
}

// Sequences returns a snapshot of every sequence row, for test
// assertions.
func (s *Store) Sequences() map[int]store.Sequence {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]store.Sequence, len(s.sequences))
	for k, v := range s.sequences {
		out[k] = v
	}
	return out
}

// FakeTips implements schedule.TipSource with a fixed or settable
// sequence number.
type FakeTips struct {
	mu  sync.Mutex
	Seq int
}

func (t *FakeTips) Tip(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Seq, nil
}

func (t *FakeTips) Set(seq int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Seq = seq
}
