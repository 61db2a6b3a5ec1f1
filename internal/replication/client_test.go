package replication

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mvexel/meetyourmappers-ingest/internal/changeset"
)

func gzipBody(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(body)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestFetchSuccess(t *testing.T) {
	xmlBody := `<osm><changeset id="1" created_at="2024-01-01T00:00:00Z"/></osm>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(gzipBody(t, xmlBody))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Millisecond, 3)
	parser, err := c.Fetch(context.Background(), 1, changeset.DateRange{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	cs, err := parser.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if cs.ID != 1 {
		t.Errorf("ID = %d, want 1", cs.ID)
	}
}

func TestFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Millisecond, 3)
	_, err := c.Fetch(context.Background(), 1, changeset.DateRange{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	xmlBody := `<osm></osm>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(gzipBody(t, xmlBody))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Millisecond, 5)
	c.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	_, err := c.Fetch(context.Background(), 1, changeset.DateRange{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestFetchGivesUpAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Millisecond, 2)
	_, err := c.Fetch(context.Background(), 1, changeset.DateRange{})
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("5xx must never be reported as ErrNotFound")
	}
}

func TestURLSequencePadding(t *testing.T) {
	c := NewClient("https://example.test/replication", time.Second, 1)
	got := c.URL(42)
	want := "https://example.test/replication/000/000/042.osm.gz"
	if got != want {
		t.Errorf("URL(42) = %q, want %q", got, want)
	}
}
