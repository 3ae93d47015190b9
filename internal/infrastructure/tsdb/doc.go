// Package tsdb provides time-series database connectivity for the beamline core.
//
// It writes to VictoriaMetrics using InfluxDB line protocol over HTTP and
// queries using PromQL. Zero external dependencies — uses only net/http.
//
// # Purpose
//
// This package is the high-rate path alongside the influxdb package:
//   - Fly-scan pixels at dwell rate (tens to hundreds of Hz per detector)
//   - PV monitor samples from camonitor callbacks
//
// Step-scan events and slow telemetry go through the influxdb package;
// this one exists because batched line protocol over a single HTTP POST
// keeps per-sample overhead near zero.
//
// # Usage
//
//	cfg := config.TSDBConfig{
//	    Enabled:       true,
//	    URL:           "http://localhost:8428",
//	    BatchSize:     1000,
//	    FlushInterval: 1,
//	}
//
//	client, err := tsdb.Connect(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Monitor sample from a camonitor callback
//	client.WriteSignal("aerotech_horiz", "readback", 12.5031, ts)
//
//	// One fly-scan pixel
//	client.WriteFlyEvent(runUID, "primary", map[string]float64{
//	    "I0_net_counts": 48211,
//	    "aerotech_horiz": 12.505,
//	}, pixelTime)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// Writes are batched internally and flushed on size threshold or timer.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are reported via a callback.
// Connection and health check errors are returned directly.
//
// # Performance
//
// Writes are batched according to iconfig.toml settings (batch_size, flush_interval).
// Batch flush is a single HTTP POST with newline-delimited line protocol.
// VictoriaMetrics processes these with minimal overhead.
package tsdb
