package replication

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestParseStateSequenceLine(t *testing.T) {
	body := "---\nlast_run: 2024-01-01T00:00:00Z\nsequence: 123456\n"
	tip, err := parseState(strings.NewReader(body))
	if err != nil {
		t.Fatalf("parseState: %v", err)
	}
	if tip.Sequence != 123456 {
		t.Errorf("Sequence = %d, want 123456", tip.Sequence)
	}
}

func TestParseStateMissingSequenceIsError(t *testing.T) {
	_, err := parseState(strings.NewReader("last_run: 2024-01-01T00:00:00Z\n"))
	if err == nil {
		t.Fatal("expected an error when no sequence: line is present")
	}
}

func TestFetchStateAndTip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("sequence: 42\n"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Millisecond, 1)
	seq, err := c.Tip(context.Background())
	if err != nil {
		t.Fatalf("Tip: %v", err)
	}
	if seq != 42 {
		t.Errorf("Tip() = %d, want 42", seq)
	}
}
