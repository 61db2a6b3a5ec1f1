// Package changeset defines the Changeset record type and the streaming
// XML decoder that produces it from the OSM replication/archive feed.
package changeset

import "time"

// Comment is one entry in a changeset's discussion thread, in document
// order.
type Comment struct {
	UID      int64
	Username string
	Date     time.Time
	Text     string
}

// Changeset is the normalized representation of a single OSM <changeset>
// element. Tags collapse duplicate keys to the last value seen; Comments
// preserve document order.
type Changeset struct {
	ID            int64
	Username      string // empty for anonymous edits
	UID           int64
	CreatedAt     time.Time
	ClosedAt      time.Time // zero value means still open
	Open          bool
	NumChanges    int64
	CommentsCount int
	MinLon        float64
	MinLat        float64
	MaxLon        float64
	MaxLat        float64
	Tags          map[string]string
	Comments      []Comment
}

// HasClosedAt reports whether ClosedAt carries a real value.
func (c *Changeset) HasClosedAt() bool {
	return !c.ClosedAt.IsZero()
}

// ValidBBox reports whether the changeset's bounding box satisfies the
// ordering and range invariants from the data model: min <= max on both
// axes, and both axes within their valid ranges.
func (c *Changeset) ValidBBox() bool {
	return c.MinLon <= c.MaxLon && c.MinLat <= c.MaxLat &&
		inRange(c.MinLon, -180, 180) && inRange(c.MaxLon, -180, 180) &&
		inRange(c.MinLat, -90, 90) && inRange(c.MaxLat, -90, 90)
}

func inRange(v, lo, hi float64) bool {
	return v >= lo && v <= hi
}
