package changeset

import (
	"testing"
	"time"
)

func TestHasClosedAt(t *testing.T) {
	var c Changeset
	if c.HasClosedAt() {
		t.Fatal("zero-value Changeset should not have a closed_at")
	}
	c.ClosedAt = time.Now()
	if !c.HasClosedAt() {
		t.Fatal("expected HasClosedAt true after setting ClosedAt")
	}
}

func TestValidBBox(t *testing.T) {
	cases := []struct {
		name string
		c    Changeset
		want bool
	}{
		{"ordered and in range", Changeset{MinLon: 5, MinLat: 10, MaxLon: 6, MaxLat: 11}, true},
		{"point", Changeset{MinLon: 5, MinLat: 10, MaxLon: 5, MaxLat: 10}, true},
		{"min greater than max lon", Changeset{MinLon: 6, MaxLon: 5, MinLat: 10, MaxLat: 11}, false},
		{"min greater than max lat", Changeset{MinLon: 5, MaxLon: 6, MinLat: 11, MaxLat: 10}, false},
		{"lon out of range", Changeset{MinLon: -181, MaxLon: 5, MinLat: 10, MaxLat: 11}, false},
		{"lat out of range", Changeset{MinLon: 5, MaxLon: 6, MinLat: 10, MaxLat: 91}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.c.ValidBBox(); got != tc.want {
				t.Errorf("ValidBBox() = %v, want %v", got, tc.want)
			}
		})
	}
}
