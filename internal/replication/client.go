// Package replication fetches numbered OSM replication files and the
// upstream state file over HTTP, applying the global throttle and the
// per-fetch retry/backoff policy from spec.md §4.2.
package replication

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/mvexel/meetyourmappers-ingest/internal/changeset"
	"github.com/mvexel/meetyourmappers-ingest/internal/metrics"
)

// ErrNotFound is returned by Fetch when the replication file does not
// exist (HTTP 404). Per spec.md §4.2/§7 this is a normal terminal
// outcome, not a transient error: callers must translate it to the
// sequence status "empty", never retry it, and never wrap it as a
// fetch error.
var ErrNotFound = errors.New("replication: sequence not found (404)")

// Client fetches replication files and the state file, sharing one
// process-wide rate limiter across every call (spec.md §5: "a single
// global throttle (rate limiter) across all HTTP calls to the
// upstream").
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Limiter    *rate.Limiter
	MaxAttempts int

	// StateURL overrides the derived {BaseURL}/state.yaml location when
	// non-empty (spec.md §6: state_url config override).
	StateURL string
}

// NewClient builds a Client with the given base URL and throttle delay.
// One token is added to the limiter every throttleDelay, with a burst of
// 1, so at most one request is issued per delay across the whole
// process regardless of how many workers call Fetch concurrently.
func NewClient(baseURL string, throttleDelay time.Duration, maxAttempts int) *Client {
	if throttleDelay <= 0 {
		throttleDelay = time.Second
	}
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		HTTPClient:  &http.Client{Timeout: 2 * time.Minute},
		Limiter:     rate.NewLimiter(rate.Every(throttleDelay), 1),
		MaxAttempts: maxAttempts,
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// URL maps a sequence number to its replication file URL: the number is
// zero-padded to 9 digits and split into aaa/bbb/ccc directories, per
// spec.md §4.2.
func (c *Client) URL(sequence int) string {
	return fmt.Sprintf("%s/%s.osm.gz", c.BaseURL, sequencePath(sequence))
}

func sequencePath(sequence int) string {
	s := fmt.Sprintf("%09d", sequence)
	return fmt.Sprintf("%s/%s/%s", s[0:3], s[3:6], s[6:9])
}

// Fetch downloads, throttles, retries, and gzip-decompresses the
// replication file for sequence, returning a changeset.Parser over the
// decompressed body. It returns ErrNotFound (unwrapped with
// errors.Is) if the upstream returns 404 — callers must not retry that
// case, and must not record it as a failure.
func (c *Client) Fetch(ctx context.Context, sequence int, filter changeset.DateRange) (*changeset.Parser, error) {
	url := c.URL(sequence)
	start := time.Now()
	body, err := c.fetchWithRetry(ctx, url)
	metrics.FetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", url, err)
	}
	return changeset.NewParser(gz, filter), nil
}

// fetchWithRetry issues the HTTP GET, applying the global throttle before
// every attempt and exponential backoff between attempts. A 404 returns
// ErrNotFound immediately, with no retry. 5xx statuses and network
// errors are tried up to MaxAttempts times in all; any other non-200
// status fails at once without a retry.
func (c *Client) fetchWithRetry(ctx context.Context, url string) ([]byte, error) {
	if err := c.Limiter.Wait(ctx); err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0 // bounded by attempt count below, not elapsed time.
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	bounded := backoff.WithMaxRetries(bo, uint64(attempts-1))
	withCtx := backoff.WithContext(bounded, ctx)

	var body []byte
	op := func() error {
		b, status, err := doGet(ctx, c.httpClient(), url)
		if err != nil {
			return err // network error: retryable
		}
		if status == http.StatusNotFound {
			return backoff.Permanent(ErrNotFound)
		}
		if status >= 500 {
			return fmt.Errorf("fetch %s: status %d", url, status)
		}
		if status != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("fetch %s: unexpected status %d", url, status))
		}
		body = b
		return nil
	}

	countRetry := func(error, time.Duration) { metrics.FetchRetries.Inc() }
	if err := backoff.RetryNotify(op, withCtx, countRetry); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return body, nil
}

func doGet(ctx context.Context, client *http.Client, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}
