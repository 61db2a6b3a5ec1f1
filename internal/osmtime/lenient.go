package osmtime

import (
	"time"

	"github.com/araddon/dateparse"
)

// lenientParse delegates to dateparse for timestamps that fail strict
// RFC3339 parsing. This corpus's teacher (github.com/m-lab/etl) already
// carries dateparse as an indirect dependency for exactly this reason;
// here it is promoted to a direct one.
func lenientParse(s string) (time.Time, error) {
	return dateparse.ParseIn(s, time.UTC)
}
