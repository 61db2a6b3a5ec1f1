package replication

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tip is the latest sequence number published in the upstream state
// file. This is the raw fetch with no caching; schedule.Scheduler keeps
// the last polled value in memory and fetches a fresh one on every
// PollingInterval tick, with no other TTL cache.
type Tip struct {
	Sequence int
}

// FetchState retrieves and parses the state file at url (base+"/state.yaml"
// unless overridden). The file is a key:value stream; only the
// "sequence:" line is required, matching the original implementation's
// lenient parsing of state.yaml/state.txt variants.
func (c *Client) FetchState(ctx context.Context, url string) (Tip, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Tip{}, err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return Tip{}, fmt.Errorf("fetching state file %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Tip{}, fmt.Errorf("state file %s: unexpected status %s", url, resp.Status)
	}
	return parseState(resp.Body)
}

// stateFile captures the one field every state.yaml/state.txt variant
// this client cares about; unrecognized keys (last_run, timestamp, etc.)
// are ignored rather than rejected.
type stateFile struct {
	Sequence int `yaml:"sequence"`
}

func parseState(r io.Reader) (Tip, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Tip{}, err
	}
	var sf stateFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return Tip{}, fmt.Errorf("state file: %w", err)
	}
	if sf.Sequence == 0 {
		return Tip{}, fmt.Errorf("state file: no sequence: line found")
	}
	return Tip{Sequence: sf.Sequence}, nil
}

// StateURL returns the state file URL for a base replication root.
func StateURL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/state.yaml"
}

// Tip fetches and returns just the sequence number from the state file,
// satisfying schedule.TipSource. It uses c.StateURL when set, otherwise
// derives the location from c.BaseURL.
func (c *Client) Tip(ctx context.Context) (int, error) {
	url := c.StateURL
	if url == "" {
		url = StateURL(c.BaseURL)
	}
	tip, err := c.FetchState(ctx, url)
	if err != nil {
		return 0, err
	}
	return tip.Sequence, nil
}
