package changeset

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/mvexel/meetyourmappers-ingest/internal/osmtime"
)

func parseAll(t *testing.T, xmlBody string, filter DateRange) []*Changeset {
	t.Helper()
	p := NewParser(strings.NewReader(xmlBody), filter)
	var out []*Changeset
	for {
		cs, err := p.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() returned error: %v", err)
		}
		out = append(out, cs)
	}
	return out
}

func TestParserValidChangeset(t *testing.T) {
	xmlBody := `<osm>
		<changeset id="1" user="alice" uid="10" created_at="2024-01-01T00:00:00Z"
			closed_at="2024-01-01T00:05:00Z" open="false" num_changes="3"
			min_lon="5.0" min_lat="52.0" max_lon="5.2" max_lat="52.2">
			<tag k="comment" v="fixing roads"/>
			<tag k="created_by" v="JOSM"/>
			<discussion>
				<comment uid="20" user="bob" date="2024-01-01T01:00:00Z">
					<text>nice work</text>
				</comment>
			</discussion>
		</changeset>
	</osm>`

	got := parseAll(t, xmlBody, DateRange{})
	if len(got) != 1 {
		t.Fatalf("expected 1 changeset, got %d", len(got))
	}
	cs := got[0]
	if cs.ID != 1 || cs.Username != "alice" || cs.UID != 10 {
		t.Errorf("unexpected identity fields: %+v", cs)
	}
	if cs.Open {
		t.Errorf("expected open=false")
	}
	if !cs.HasClosedAt() {
		t.Errorf("expected closed_at to be set")
	}
	if cs.Tags["comment"] != "fixing roads" || cs.Tags["created_by"] != "JOSM" {
		t.Errorf("unexpected tags: %+v", cs.Tags)
	}
	if cs.CommentsCount != 1 || len(cs.Comments) != 1 {
		t.Fatalf("expected 1 comment, got %d", cs.CommentsCount)
	}
	if cs.Comments[0].Username != "bob" || cs.Comments[0].Text != "nice work" {
		t.Errorf("unexpected comment: %+v", cs.Comments[0])
	}
}

func TestParserAnonymousChangesetRetained(t *testing.T) {
	xmlBody := `<osm><changeset id="2" created_at="2024-01-01T00:00:00Z" open="true"/></osm>`
	got := parseAll(t, xmlBody, DateRange{})
	if len(got) != 1 {
		t.Fatalf("expected 1 changeset, got %d", len(got))
	}
	if got[0].Username != "" {
		t.Errorf("expected empty username for anonymous edit, got %q", got[0].Username)
	}
}

func TestParserSkipsBadID(t *testing.T) {
	xmlBody := `<osm>
		<changeset id="0" created_at="2024-01-01T00:00:00Z"/>
		<changeset id="-5" created_at="2024-01-01T00:00:00Z"/>
		<changeset id="3" created_at="2024-01-01T00:00:00Z" open="true"/>
	</osm>`
	got := parseAll(t, xmlBody, DateRange{})
	if len(got) != 1 || got[0].ID != 3 {
		t.Fatalf("expected only id=3 to survive, got %+v", got)
	}
}

func TestParserSkipsBadCoords(t *testing.T) {
	xmlBody := `<osm>
		<changeset id="4" created_at="2024-01-01T00:00:00Z"
			min_lon="10" min_lat="0" max_lon="5" max_lat="0"/>
		<changeset id="5" created_at="2024-01-01T00:00:00Z"
			min_lon="500" min_lat="0" max_lon="500" max_lat="0"/>
		<changeset id="6" created_at="2024-01-01T00:00:00Z"/>
	</osm>`
	got := parseAll(t, xmlBody, DateRange{})
	if len(got) != 1 || got[0].ID != 6 {
		t.Fatalf("expected only id=6 to survive bad-coord filtering, got %+v", got)
	}
}

func TestParserSkipsBadTimestamp(t *testing.T) {
	xmlBody := `<osm>
		<changeset id="7" created_at="not-a-date"/>
		<changeset id="8" created_at="2024-01-01T00:00:00Z"/>
	</osm>`
	got := parseAll(t, xmlBody, DateRange{})
	if len(got) != 1 || got[0].ID != 8 {
		t.Fatalf("expected only id=8 to survive bad-timestamp filtering, got %+v", got)
	}
}

func TestParserDuplicateTagKeyLastWins(t *testing.T) {
	xmlBody := `<osm>
		<changeset id="9" created_at="2024-01-01T00:00:00Z">
			<tag k="comment" v="first"/>
			<tag k="comment" v="second"/>
		</changeset>
	</osm>`
	got := parseAll(t, xmlBody, DateRange{})
	if len(got) != 1 {
		t.Fatalf("expected 1 changeset, got %d", len(got))
	}
	if got[0].Tags["comment"] != "second" {
		t.Errorf("expected last tag value to win, got %q", got[0].Tags["comment"])
	}
}

func TestParserDateRangeFilter(t *testing.T) {
	xmlBody := `<osm>
		<changeset id="10" created_at="2023-01-01T00:00:00Z"/>
		<changeset id="11" created_at="2024-06-01T00:00:00Z"/>
		<changeset id="12" created_at="2025-01-01T00:00:00Z"/>
	</osm>`
	fromT, _ := osmtime.Parse("2024-01-01T00:00:00Z")
	toT, _ := osmtime.Parse("2024-12-31T00:00:00Z")
	filter := DateRange{From: osmtime.Time{Time: fromT}, To: osmtime.Time{Time: toT}}
	got := parseAll(t, xmlBody, filter)
	if len(got) != 1 || got[0].ID != 11 {
		t.Fatalf("expected only id=11 within range, got %+v", got)
	}
}

func TestParserEmptyDocument(t *testing.T) {
	got := parseAll(t, `<osm></osm>`, DateRange{})
	if len(got) != 0 {
		t.Fatalf("expected no changesets, got %d", len(got))
	}
}

func TestParserMalformedXMLIsStreamError(t *testing.T) {
	p := NewParser(strings.NewReader(`<osm><changeset id="1"`), DateRange{})
	_, err := p.Next()
	if err == nil {
		t.Fatal("expected an error for truncated XML")
	}
	var streamErr *ErrStreamFailed
	if !errors.As(err, &streamErr) {
		t.Errorf("expected *ErrStreamFailed, got %T: %v", err, err)
	}
}
