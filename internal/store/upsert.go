package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mvexel/meetyourmappers-ingest/internal/changeset"
	"github.com/mvexel/meetyourmappers-ingest/internal/metrics"
)

// UpsertChangesets writes one batch in a single transaction, applying
// the reconciliation rules from spec.md §4.4:
//
//  1. no existing row            -> insert
//  2. existing closed, new open  -> skip
//  3. existing has more comments -> skip
//  4. otherwise                  -> update scalars, merge closed_at/open,
//     append the incoming comment list only when it is non-empty and
//     its comments_count is strictly higher, replace tags
//
// All four rules are expressed as a single multi-row
// INSERT ... ON CONFLICT (id) DO UPDATE, so a batch retried after a
// transaction failure is idempotent (spec.md invariant 1): the CASE
// predicates below read the batch's own EXCLUDED values compared
// against the previously committed row, not any in-process state.
func UpsertChangesets(ctx context.Context, s *Store, batch []*changeset.Changeset) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin upsert tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op once committed.

	cols := []string{
		"id", "username", "uid", "created_at", "closed_at", "open",
		"num_changes", "comments_count", "min_lon", "min_lat", "max_lon", "max_lat",
		"bbox", "centroid_lon", "centroid_lat", "bbox_area_km2", "tags", "comments",
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO changesets (")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(") VALUES ")

	args := make([]interface{}, 0, len(batch)*len(cols))
	for i, cs := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := len(cols)
		base := i*n + 1
		placeholders := make([]string, n)
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", base+j)
		}
		// The bbox column needs ST_GeomFromText wrapped around its
		// placeholder; every other column binds directly.
		bboxIdx := 12 // position of "bbox" in cols, zero-based.
		placeholders[bboxIdx] = fmt.Sprintf("ST_GeomFromText($%d, 4326)", base+bboxIdx)
		sb.WriteString("(")
		sb.WriteString(strings.Join(placeholders, ", "))
		sb.WriteString(")")

		tagsJSON, err := json.Marshal(cs.Tags)
		if err != nil {
			return fmt.Errorf("store: marshaling tags for changeset %d: %w", cs.ID, err)
		}
		commentsJSON, err := json.Marshal(cs.Comments)
		if err != nil {
			return fmt.Errorf("store: marshaling comments for changeset %d: %w", cs.ID, err)
		}

		centroidLon, centroidLat := cs.Centroid()
		var closedAt interface{}
		if cs.HasClosedAt() {
			closedAt = cs.ClosedAt
		}
		var username interface{}
		if cs.Username != "" {
			username = cs.Username
		}

		args = append(args,
			cs.ID, username, cs.UID, cs.CreatedAt, closedAt, cs.Open,
			cs.NumChanges, cs.CommentsCount, cs.MinLon, cs.MinLat, cs.MaxLon, cs.MaxLat,
			cs.WKT(), centroidLon, centroidLat, cs.BBoxAreaKM2(), tagsJSON, commentsJSON,
		)
	}

	sb.WriteString(`
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			uid = EXCLUDED.uid,
			created_at = EXCLUDED.created_at,
			closed_at = CASE
				WHEN changesets.closed_at IS NULL THEN EXCLUDED.closed_at
				WHEN EXCLUDED.closed_at IS NULL THEN changesets.closed_at
				ELSE EXCLUDED.closed_at
			END,
			open = CASE
				WHEN EXCLUDED.open = FALSE THEN FALSE
				ELSE changesets.open
			END,
			num_changes = EXCLUDED.num_changes,
			comments_count = EXCLUDED.comments_count,
			min_lon = EXCLUDED.min_lon,
			min_lat = EXCLUDED.min_lat,
			max_lon = EXCLUDED.max_lon,
			max_lat = EXCLUDED.max_lat,
			bbox = EXCLUDED.bbox,
			centroid_lon = EXCLUDED.centroid_lon,
			centroid_lat = EXCLUDED.centroid_lat,
			bbox_area_km2 = EXCLUDED.bbox_area_km2,
			tags = EXCLUDED.tags,
			comments = CASE
				WHEN EXCLUDED.comments = '[]'::jsonb THEN changesets.comments
				WHEN changesets.comments_count < EXCLUDED.comments_count THEN changesets.comments || EXCLUDED.comments
				ELSE changesets.comments
			END
		WHERE NOT (
			changesets.closed_at IS NOT NULL AND EXCLUDED.closed_at IS NULL
		) AND NOT (
			changesets.comments_count > EXCLUDED.comments_count
		)
	`)

	tag, err := tx.Exec(ctx, sb.String(), args...)
	if err != nil {
		return fmt.Errorf("store: upsert batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit upsert tx: %w", err)
	}

	metrics.ChangesetsWritten.WithLabelValues("upserted").Add(float64(tag.RowsAffected()))
	skipped := len(batch) - int(tag.RowsAffected())
	if skipped > 0 {
		metrics.ChangesetsWritten.WithLabelValues("skipped").Add(float64(skipped))
	}
	return nil
}

// UpsertBatch is the method form of UpsertChangesets, satisfying the
// worker package's Upserter interface.
func (s *Store) UpsertBatch(ctx context.Context, batch []*changeset.Changeset) error {
	return UpsertChangesets(ctx, s, batch)
}
