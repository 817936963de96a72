// Package mavlink2rest reads telemetry from a MAVLink2REST server.
//
// Every poll is a single GET of the component's message table; the requested
// data points are then picked out of the decoded JSON.
package mavlink2rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/offboard-control/fcb/internal/adapter"
)

// HTTPClient is the subset of *http.Client used here.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

var _ adapter.TelemetryTransport = (*Client)(nil)

// Client fetches data points for one system/component pair.
type Client struct {
	baseURL     string
	systemID    int
	componentID int
	http        HTTPClient
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(c HTTPClient) Option {
	return func(cl *Client) { cl.http = c }
}

// New returns a client for baseURL, e.g. "http://127.0.0.1:8088/v1".
func New(baseURL string, systemID, componentID int, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		systemID:    systemID,
		componentID: componentID,
		http:        http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MessagesURL is the endpoint polled on every FetchPoints call.
func (c *Client) MessagesURL() string {
	return fmt.Sprintf("%s/mavlink/vehicles/%d/components/%d/messages", c.baseURL, c.systemID, c.componentID)
}

type messageEntry struct {
	Message map[string]any `json:"message"`
}

// FetchPoints issues one request and returns the value of every data point
// found in the response. Points whose message has not been received yet are
// omitted. Errors are normalized with the http error table.
func (c *Client) FetchPoints(ctx context.Context, points []adapter.DataPoint) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.MessagesURL(), nil)
	if err != nil {
		return nil, adapter.NormalizeTransportErrorFor(err, nil, "http")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, adapter.NormalizeTransportErrorFor(ctxErr, nil, "http")
		}
		return nil, adapter.NormalizeTransportErrorFor(err, nil, "http")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, adapter.NormalizeTransportErrorFor(
			fmt.Errorf("status %d from %s", resp.StatusCode, c.MessagesURL()),
			map[string]any{"status": resp.StatusCode}, "http")
	}

	var table map[string]messageEntry
	if err := json.NewDecoder(resp.Body).Decode(&table); err != nil {
		return nil, adapter.NormalizeTransportErrorFor(fmt.Errorf("decode messages: %w", err), nil, "http")
	}

	out := make(map[string]float64, len(points))
	for _, dp := range points {
		entry, ok := table[dp.Message]
		if !ok || entry.Message == nil {
			continue
		}
		if v, ok := numeric(entry.Message[dp.Field]); ok {
			out[dp.Name] = v
		}
	}
	return out, nil
}

// numeric accepts plain JSON numbers and bitflag objects of the form {"bits": N}.
func numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case map[string]any:
		if bits, ok := t["bits"].(float64); ok {
			return bits, true
		}
	}
	return 0, false
}
