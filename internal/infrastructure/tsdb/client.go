package tsdb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apsidal/beamline-core/internal/infrastructure/config"
)

// Default timeouts for TSDB operations.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultWriteTimeout   = 5 * time.Second
)

// pendingFactor bounds how many unsent lines may accumulate relative
// to the batch size. A fly line at 10 ms dwell produces samples faster
// than a struggling TSDB accepts them; beyond this cap the oldest
// lines are dropped and counted rather than growing without bound.
const pendingFactor = 10

// Client batches InfluxDB line protocol and ships it to VictoriaMetrics
// over plain HTTP. It serves the high-rate path, fly-scan pixel events
// and PV monitor samples, where the official client's per-point
// object overhead is unwanted; low-rate run summaries go through the
// influxdb package instead.
//
// A batch is flushed when it reaches the configured size or when the
// flush interval fires, whichever comes first. Every flush is one POST
// of newline-delimited lines to /write.
//
// All methods are safe for concurrent use.
type Client struct {
	url        string
	httpClient *http.Client

	connected bool
	mu        sync.RWMutex

	batch      []string
	batchMu    sync.Mutex
	batchSize  int
	maxPending int
	flushTick  *time.Ticker
	done       chan struct{}
	wg         sync.WaitGroup

	linesWritten uint64 // atomic
	linesDropped uint64 // atomic
	flushErrors  uint64 // atomic

	// Error callback for async write failures.
	onError func(err error)
}

// Stats is a point-in-time snapshot of the client's write counters.
type Stats struct {
	LinesWritten uint64
	LinesDropped uint64
	FlushErrors  uint64
	Pending      int
}

// Connect verifies the TSDB endpoint is reachable and returns a client
// with its background flush loop running.
//
// Parameters:
//   - ctx: Context bounding the initial health probe
//   - cfg: TSDB section of the beamline configuration
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: ErrDisabled when the section is off, or the probe failure
func Connect(ctx context.Context, cfg config.TSDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 1
	}

	c := &Client{
		url: strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{
			Timeout: defaultWriteTimeout,
		},
		batch:      make([]string, 0, batchSize),
		batchSize:  batchSize,
		maxPending: batchSize * pendingFactor,
		flushTick:  time.NewTicker(time.Duration(flushInterval) * time.Second),
		done:       make(chan struct{}),
		connected:  true,
	}

	healthCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	if err := c.HealthCheck(healthCtx); err != nil {
		c.connected = false
		c.flushTick.Stop()
		return nil, fmt.Errorf("%w: health check failed: %w", ErrConnectionFailed, err)
	}

	c.wg.Add(1)
	go c.flushLoop()

	return c, nil
}

// flushLoop flushes the batch on each tick until Close signals done.
func (c *Client) flushLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.flushTick.C:
			c.Flush()
		case <-c.done:
			return
		}
	}
}

// Close stops the flush loop and writes out whatever remains in the
// batch. Flush errors during shutdown are delivered via the onError
// callback as usual.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.flushTick.Stop()
	close(c.done)
	c.wg.Wait()

	c.Flush()
	return nil
}

// HealthCheck probes the TSDB /health endpoint.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/health", nil)
	if err != nil {
		return fmt.Errorf("tsdb health check: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tsdb health check: %w", err)
	}
	defer resp.Body.Close()
	// Drain body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tsdb health check: status %d", resp.StatusCode)
	}

	return nil
}

// IsConnected reports the last known connection state. HealthCheck
// performs an active probe when that matters.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// SetOnError sets a callback invoked on asynchronous write failures.
// Batched writes cannot return errors to their callers; this is the
// only failure channel.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}

// Statistics returns a snapshot of the write counters.
func (c *Client) Statistics() Stats {
	c.batchMu.Lock()
	pending := len(c.batch)
	c.batchMu.Unlock()

	return Stats{
		LinesWritten: atomic.LoadUint64(&c.linesWritten),
		LinesDropped: atomic.LoadUint64(&c.linesDropped),
		FlushErrors:  atomic.LoadUint64(&c.flushErrors),
		Pending:      pending,
	}
}

// addLine queues one line-protocol sample, flushing when the batch is
// full. When the pending cap is hit the oldest line is discarded: the
// newest pixel is always worth more than the one the server already
// failed to take.
func (c *Client) addLine(line string) {
	if !c.IsConnected() {
		return
	}

	c.batchMu.Lock()
	if len(c.batch) >= c.maxPending {
		c.batch = c.batch[1:]
		atomic.AddUint64(&c.linesDropped, 1)
	}
	c.batch = append(c.batch, line)
	shouldFlush := len(c.batch) >= c.batchSize
	c.batchMu.Unlock()

	if shouldFlush {
		c.Flush()
	}
}

// Flush posts all pending lines to the /write endpoint. The flush
// timer and batch-full path call this automatically; run-stop sinks
// and shutdown call it directly. Safe to call concurrently.
func (c *Client) Flush() {
	c.batchMu.Lock()
	if len(c.batch) == 0 {
		c.batchMu.Unlock()
		return
	}
	// Swap batch out under lock
	lines := c.batch
	c.batch = make([]string, 0, c.batchSize)
	c.batchMu.Unlock()

	body := strings.Join(lines, "\n")
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/write", bytes.NewBufferString(body))
	if err != nil {
		c.flushFailed(len(lines), fmt.Errorf("%w: %w", ErrWriteFailed, err))
		return
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.flushFailed(len(lines), fmt.Errorf("%w: %w", ErrWriteFailed, err))
		return
	}
	defer resp.Body.Close()
	// Drain body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		c.flushFailed(len(lines), fmt.Errorf("%w: HTTP %d", ErrWriteFailed, resp.StatusCode))
		return
	}

	atomic.AddUint64(&c.linesWritten, uint64(len(lines)))
}

// flushFailed counts a failed flush and reports it via the callback.
func (c *Client) flushFailed(lost int, err error) {
	atomic.AddUint64(&c.flushErrors, 1)
	atomic.AddUint64(&c.linesDropped, uint64(lost))

	c.mu.RLock()
	callback := c.onError
	c.mu.RUnlock()

	if callback != nil {
		callback(err)
	}
}
