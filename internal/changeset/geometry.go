package changeset

import "fmt"

// degenerateEpsilon is the threshold below which a bounding box is
// considered a point rather than a rectangle, per the data model
// invariant: both spans < 1e-7.
const degenerateEpsilon = 1e-7

// IsPoint reports whether the changeset's bounding box degenerates to a
// single point.
func (c *Changeset) IsPoint() bool {
	return abs(c.MaxLon-c.MinLon) < degenerateEpsilon && abs(c.MaxLat-c.MinLat) < degenerateEpsilon
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// WKT renders the changeset's bounding box as WKT geometry, SRID 4326.
// A degenerate box renders as POINT; otherwise a closed rectangular ring
// in a fixed vertex order (SW, SE, NE, NW, SW).
func (c *Changeset) WKT() string {
	if c.IsPoint() {
		return fmt.Sprintf("POINT(%s %s)", trimFloat(c.MinLon), trimFloat(c.MinLat))
	}
	return fmt.Sprintf(
		"POLYGON((%s %s, %s %s, %s %s, %s %s, %s %s))",
		trimFloat(c.MinLon), trimFloat(c.MinLat),
		trimFloat(c.MaxLon), trimFloat(c.MinLat),
		trimFloat(c.MaxLon), trimFloat(c.MaxLat),
		trimFloat(c.MinLon), trimFloat(c.MaxLat),
		trimFloat(c.MinLon), trimFloat(c.MinLat),
	)
}

// Centroid returns the midpoint of the bounding box, a read-side
// convenience carried over from the original implementation.
func (c *Changeset) Centroid() (lon, lat float64) {
	return (c.MinLon + c.MaxLon) / 2, (c.MinLat + c.MaxLat) / 2
}

// BBoxAreaKM2 approximates the bounding box's area in square kilometers
// using a fixed degrees-to-km conversion, matching the original
// implementation's formula. It is a read-side convenience, not an
// invariant-bearing field.
func (c *Changeset) BBoxAreaKM2() float64 {
	const kmPerDegree = 111.32
	return (c.MaxLat - c.MinLat) * (c.MaxLon - c.MinLon) * kmPerDegree * kmPerDegree
}

func trimFloat(f float64) string {
	return fmt.Sprintf("%g", f)
}
