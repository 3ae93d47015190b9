// Package influxdb provides InfluxDB connectivity for the beamline core.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, beamline write helpers, and health monitoring.
//
// # Purpose
//
// This package handles time-series storage for:
//   - Scan event data (one point per event, tagged by run and stream)
//   - Periodic monitor readings (ring current, shutter state, vacuum)
//
// High-rate fly-scan data goes through the tsdb line-protocol writer
// instead; this package covers step scans and slow telemetry.
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    URL:    "http://localhost:8086",
//	    Token:  "your-token",
//	    Org:    "facility",
//	    Bucket: "beamline",
//	}
//
//	client, err := influxdb.Connect(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//	client.SetBeamline("255-ID-Z")
//
//	// Periodic monitor reading
//	client.WriteReading("ring_current", "value", 201.3, time.Now())
//
//	// Scan documents via the engine
//	engine.Subscribe(influxdb.NewEventSink(client))
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are delivered via
// the SetOnError callback. Connection and health check errors are
// returned directly. The EventSink never returns an error for a
// disconnected client: time-series export must not abort a scan.
//
// # Performance
//
// Writes are batched according to iconfig.toml settings (batch_size,
// flush_interval). A run stop flushes the batch so short scans land
// promptly.
package influxdb
