package tsdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxQueryResponseSize caps how much of a query response is read. A
// dense fly scan queried at full resolution can produce megabytes of
// samples; beyond this the caller should narrow the window or coarsen
// the step.
const maxQueryResponseSize = 10 << 20

// QuerySignalHistory fetches the monitor history of one device signal.
//
// Samples written by WriteSignal land in the "signals" measurement with
// device and signal tags; VictoriaMetrics exposes them to PromQL as
// signals_value{device=...,signal=...}.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - device: Device name (e.g., "aerotech_horiz")
//   - signal: Signal name within the device (e.g., "readback")
//   - start, end: Time bounds of the history window
//   - step: Query resolution step
//
// Returns:
//   - json.RawMessage: Raw Prometheus API JSON response
//   - error: nil on success, otherwise the query error
func (c *Client) QuerySignalHistory(ctx context.Context, device, signal string, start, end time.Time, step time.Duration) (json.RawMessage, error) {
	if strings.TrimSpace(device) == "" || strings.TrimSpace(signal) == "" {
		return nil, fmt.Errorf("device and signal are required")
	}
	query := fmt.Sprintf("signals_value{device=%q,signal=%q}", device, signal)
	return c.QueryRange(ctx, query, start, end, step)
}

// QueryRange executes a PromQL range query against VictoriaMetrics.
// Use this for queries QuerySignalHistory cannot express (aggregations,
// rate windows over fly_events, and so on).
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - query: PromQL query string
//   - start: Start time for the range
//   - end: End time for the range
//   - step: Query resolution step
//
// Returns:
//   - json.RawMessage: Raw Prometheus API JSON response
//   - error: nil on success, otherwise the query error
func (c *Client) QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) (json.RawMessage, error) {
	if c == nil || !c.IsConnected() {
		return nil, ErrNotConnected
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("tsdb query is required")
	}
	if step <= 0 {
		return nil, fmt.Errorf("step must be positive")
	}
	if end.Before(start) {
		return nil, fmt.Errorf("end must be after start")
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("start", formatUnixSeconds(start))
	params.Set("end", formatUnixSeconds(end))
	params.Set("step", formatStepSeconds(step))

	return c.doQuery(ctx, "/api/v1/query_range", params)
}

// QueryInstant executes a PromQL instant query against VictoriaMetrics.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - query: PromQL query string
//
// Returns:
//   - json.RawMessage: Raw Prometheus API JSON response
//   - error: nil on success, otherwise the query error
func (c *Client) QueryInstant(ctx context.Context, query string) (json.RawMessage, error) {
	if c == nil || !c.IsConnected() {
		return nil, ErrNotConnected
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("tsdb query is required")
	}

	params := url.Values{}
	params.Set("query", query)

	return c.doQuery(ctx, "/api/v1/query", params)
}

// queryEnvelope is the part of the Prometheus API response needed to
// tell success from failure. The data payload passes through untouched.
type queryEnvelope struct {
	Status    string `json:"status"`
	ErrorType string `json:"errorType"`
	Error     string `json:"error"`
}

// doQuery issues the GET, reads the body, and checks the response
// envelope. A malformed PromQL expression comes back with an "error"
// status and a message naming the parse failure; surfacing that beats
// handing the operator a bare HTTP code.
func (c *Client) doQuery(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	endpoint := c.url + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxQueryResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var envelope queryEnvelope
	if json.Unmarshal(body, &envelope) == nil && envelope.Status == "error" {
		return nil, fmt.Errorf("query failed (%s): %s", envelope.ErrorType, envelope.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query failed: HTTP %d", resp.StatusCode)
	}

	return json.RawMessage(body), nil
}

// formatUnixSeconds converts a timestamp to a seconds-since-epoch string.
func formatUnixSeconds(t time.Time) string {
	seconds := float64(t.UnixNano()) / float64(time.Second)
	return strconv.FormatFloat(seconds, 'f', -1, 64)
}

// formatStepSeconds converts a step duration to a Prometheus-compatible seconds string.
func formatStepSeconds(step time.Duration) string {
	return strconv.FormatFloat(step.Seconds(), 'f', -1, 64)
}
