package tsdb

import "errors"

// Sentinel errors for the VictoriaMetrics client. Signal and fly-event
// writes are batched, so most write failures surface through the error
// callback rather than a return value; check with errors.Is():
//
//	if errors.Is(err, tsdb.ErrNotConnected) {
//	    // Handle disconnected state
//	}
var (
	// ErrNotConnected indicates the client is not connected to the TSDB.
	ErrNotConnected = errors.New("tsdb: not connected")

	// ErrConnectionFailed indicates the startup health check failed.
	ErrConnectionFailed = errors.New("tsdb: connection failed")

	// ErrWriteFailed indicates a batch flush was rejected. Points in the
	// failed batch are lost.
	ErrWriteFailed = errors.New("tsdb: write failed")

	// ErrDisabled indicates TSDB export is disabled in config.
	ErrDisabled = errors.New("tsdb: disabled in configuration")
)
