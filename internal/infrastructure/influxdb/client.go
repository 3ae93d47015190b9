package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/apsidal/beamline-core/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second

	// Batching defaults used when the config leaves them unset. Scan
	// events arrive at dwell-time rate, so a 100-point batch flushed
	// every 10s keeps a slow scan from sitting unbatched forever.
	defaultBatchSize        = 100
	defaultFlushIntervalSec = 10

	millisecondsPerSecond = 1000
)

// Client writes scan events and device readings to an InfluxDB v2 bucket.
//
// This is the dashboard-facing archive: Grafana panels in the hutch plot
// ring current, ion chamber counts, and scan progress from here. The raw
// high-rate pipeline goes to the line-protocol TSDB client instead; this
// one favours the official client's batched, non-blocking write API.
//
// All methods are safe for concurrent use. Writes never block the run
// engine; failures surface through the SetOnError callback and the
// WriteErrorCount counter.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	cfg      config.InfluxDBConfig

	connected bool
	mu        sync.RWMutex

	// beamline is stamped onto every point as a tag when non-empty, so
	// one bucket can hold several endstations.
	beamline string

	// onError receives async write failures.
	onError func(err error)

	writeErrors uint64
}

// Connect establishes a connection to the InfluxDB server.
//
// The client authenticates by token, verifies the server with a ping, and
// configures the non-blocking write API with batching from config. Async
// write failures are drained from the API's error channel for the life of
// the client.
//
// Parameters:
//   - cfg: InfluxDB configuration from iconfig.toml
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: If InfluxDB is disabled or the server is unreachable
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushIntervalSec
	}

	// #nosec G115 -- both values forced positive above
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	c := &Client{
		client:    client,
		writeAPI:  writeAPI,
		cfg:       cfg,
		connected: true,
	}

	go c.drainWriteErrors(writeAPI.Errors())

	return c, nil
}

// drainWriteErrors consumes the write API's error channel. The channel
// must always be drained or the API blocks; counting happens here even
// when no callback is registered.
func (c *Client) drainWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		atomic.AddUint64(&c.writeErrors, 1)

		c.mu.RLock()
		callback := c.onError
		c.mu.RUnlock()

		if callback != nil {
			callback(err)
		}
	}
}

// Close flushes pending writes and shuts down the connection.
//
// Returns:
//   - error: Currently always nil; the underlying client's Close does not
//     report errors
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.writeAPI.Flush()
	c.client.Close()

	return nil
}

// HealthCheck verifies the InfluxDB server is reachable and healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := c.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb health check failed: server not healthy")
	}

	return nil
}

// IsConnected reports the last known connection state. HealthCheck does
// an active ping when that matters.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// WriteErrorCount returns the number of async write failures observed so
// far. Each failure may represent a whole dropped batch, not one point.
func (c *Client) WriteErrorCount() uint64 {
	return atomic.LoadUint64(&c.writeErrors)
}

// SetOnError sets a callback for async write failures. Writes are
// non-blocking, so this is the only place a failed batch surfaces.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}

// Flush blocks until all buffered points are written. A no-op once the
// client is closed.
func (c *Client) Flush() {
	if c.writeAPI == nil {
		return
	}

	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()

	if !connected {
		return
	}

	c.writeAPI.Flush()
}
