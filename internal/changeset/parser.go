package changeset

import (
	"encoding/xml"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/m-lab/go/logx"

	"github.com/mvexel/meetyourmappers-ingest/internal/metrics"
	"github.com/mvexel/meetyourmappers-ingest/internal/osmtime"
)

// skipLog rate-limits the WARN-level logging for per-element validation
// skips, which run on the hot path and can fire thousands of times per
// replication file (spec.md §7: "parse skips at WARN"), following the
// teacher's logx.NewLogEvery idiom for noisy per-record logging
// (m-lab-etl/parser/ndt.go, m-lab-etl/tcpip/tcpip.go).
var skipLog = logx.NewLogEvery(nil, time.Second)

// ErrStreamFailed wraps a fatal, non-recoverable XML stream error. Unlike
// per-element errors, it aborts the whole parse.
type ErrStreamFailed struct {
	Err error
}

func (e *ErrStreamFailed) Error() string { return "changeset stream failed: " + e.Err.Error() }
func (e *ErrStreamFailed) Unwrap() error { return e.Err }

// DateRange optionally filters parsed changesets by CreatedAt. The zero
// value of either bound disables that side of the filter.
type DateRange struct {
	From, To osmtime.Time
}

func (r DateRange) includes(t osmtime.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// Parser streams an <osm> document and produces a lazy, finite sequence
// of Changeset records in document order. Memory use is bounded by the
// current <changeset> element: the underlying xml.Decoder never buffers
// more than one element's tokens at a time.
type Parser struct {
	dec    *xml.Decoder
	filter DateRange
}

// NewParser wraps r in a streaming Parser. r must yield well-formed XML
// with an <osm> root and zero or more <changeset> children; r is NOT
// decompressed by the parser — callers gzip/bzip2-decode before handing
// bytes here.
func NewParser(r io.Reader, filter DateRange) *Parser {
	return &Parser{dec: xml.NewDecoder(r), filter: filter}
}

// Next returns the next valid Changeset in the stream, skipping and
// logging (at WARN) any element that fails validation. It returns
// io.EOF when the stream is exhausted, or an *ErrStreamFailed if the
// underlying XML stream is malformed beyond recovery.
func (p *Parser) Next() (*Changeset, error) {
	for {
		tok, err := p.dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, &ErrStreamFailed{Err: err}
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "changeset" {
			continue
		}

		cs, skipReason, err := p.parseChangeset(start)
		if err != nil {
			return nil, &ErrStreamFailed{Err: err}
		}
		if skipReason != "" {
			metrics.ElementsSkipped.WithLabelValues(skipReason).Inc()
			continue
		}
		if !p.filter.includes(osmtime.Time{Time: cs.CreatedAt}) {
			continue
		}
		return cs, nil
	}
}

// parseChangeset decodes one <changeset>...</changeset> subtree already
// positioned at its StartElement. A non-empty skipReason means the
// element was structurally fine but failed validation and must be
// skipped, not treated as a stream error.
func (p *Parser) parseChangeset(start xml.StartElement) (cs *Changeset, skipReason string, err error) {
	cs = &Changeset{Tags: map[string]string{}}
	attr := attrMap(start.Attributes)

	id, ok := parseInt(attr["id"])
	if !ok || id <= 0 {
		if err := p.skipSubtree(); err != nil {
			return nil, "", err
		}
		skipLog.Printf("WARN skipping changeset: bad id %q", attr["id"])
		return nil, "bad_id", nil
	}
	cs.ID = id
	cs.Username = attr["user"] // empty means anonymous; retained per spec.

	if uid, ok := parseInt(attr["uid"]); ok {
		cs.UID = uid
	}
	if n, ok := parseInt(attr["num_changes"]); ok {
		cs.NumChanges = n
	}
	cs.Open = attr["open"] == "true"

	minLon, lonOK1 := parseFloat(attr["min_lon"])
	minLat, latOK1 := parseFloat(attr["min_lat"])
	maxLon, lonOK2 := parseFloat(attr["max_lon"])
	maxLat, latOK2 := parseFloat(attr["max_lat"])
	if lonOK1 && lonOK2 && latOK1 && latOK2 {
		cs.MinLon, cs.MinLat, cs.MaxLon, cs.MaxLat = minLon, minLat, maxLon, maxLat
	}
	if (lonOK1 || lonOK2 || latOK1 || latOK2) && !cs.ValidBBox() {
		if err := p.skipSubtree(); err != nil {
			return nil, "", err
		}
		skipLog.Printf("WARN skipping changeset %d: bad bbox (%v,%v)-(%v,%v)", id, minLon, minLat, maxLon, maxLat)
		return nil, "bad_coords", nil
	}

	created, ok := osmtime.Parse(attr["created_at"])
	if !ok {
		if err := p.skipSubtree(); err != nil {
			return nil, "", err
		}
		skipLog.Printf("WARN skipping changeset %d: bad created_at %q", id, attr["created_at"])
		return nil, "bad_timestamp", nil
	}
	cs.CreatedAt = created

	if closed, ok := osmtime.Parse(attr["closed_at"]); ok {
		cs.ClosedAt = closed
	}

	if err := p.decodeChildren(cs); err != nil {
		return nil, "", err
	}
	cs.CommentsCount = len(cs.Comments)
	return cs, "", nil
}

// decodeChildren consumes <tag>, <discussion> and any other children of
// the current <changeset> element until its matching EndElement.
func (p *Parser) decodeChildren(cs *Changeset) error {
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tag":
				attr := attrMap(t.Attributes)
				if k := attr["k"]; k != "" {
					cs.Tags[k] = attr["v"] // duplicate keys: last value wins.
				}
				if err := p.skipToEnd(t.Name); err != nil {
					return err
				}
			case "discussion":
				if err := p.decodeDiscussion(cs); err != nil {
					return err
				}
			default:
				if err := p.skipToEnd(t.Name); err != nil {
					return err
				}
			}
		case xml.EndElement:
			if t.Name.Local == "changeset" {
				return nil
			}
		}
	}
}

func (p *Parser) decodeDiscussion(cs *Changeset) error {
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "comment" {
				if err := p.skipToEnd(t.Name); err != nil {
					return err
				}
				continue
			}
			c, err := p.decodeComment(t)
			if err != nil {
				return err
			}
			cs.Comments = append(cs.Comments, c)
		case xml.EndElement:
			if t.Name.Local == "discussion" {
				return nil
			}
		}
	}
}

func (p *Parser) decodeComment(start xml.StartElement) (Comment, error) {
	attr := attrMap(start.Attributes)
	c := Comment{Username: attr["user"]}
	if uid, ok := parseInt(attr["uid"]); ok {
		c.UID = uid
	}
	if date, ok := osmtime.Parse(attr["date"]); ok {
		c.Date = date
	}
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return c, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "text" {
				text, err := p.dec.Token()
				if err == nil {
					if cd, ok := text.(xml.CharData); ok {
						c.Text = string(cd)
					}
				}
				if err := p.skipToEnd(t.Name); err != nil && !errors.Is(err, io.EOF) {
					return c, err
				}
			} else {
				if err := p.skipToEnd(t.Name); err != nil {
					return c, err
				}
			}
		case xml.EndElement:
			if t.Name.Local == "comment" {
				return c, nil
			}
		}
	}
}

// skipSubtree discards the remainder of the current changeset element
// (the parser has already consumed its StartElement) without decoding
// it, used when the element fails id/coordinate validation up front.
func (p *Parser) skipSubtree() error {
	depth := 1
	for depth > 0 {
		tok, err := p.dec.Token()
		if err != nil {
			return err
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		}
	}
	return nil
}

func (p *Parser) skipToEnd(name xml.Name) error {
	return p.dec.Skip()
}

func attrMap(attrs []xml.Attr) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[a.Name.Local] = a.Value
	}
	return m
}

func parseInt(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseFloat(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
