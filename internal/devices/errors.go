package devices

import "errors"

// Domain errors for the devices package.
var (
	// ErrNotConnected is returned when an operation requires a connected
	// device but Connect has not succeeded.
	ErrNotConnected = errors.New("devices: device not connected")

	// ErrReadOnly is returned when writing to a read-only signal.
	ErrReadOnly = errors.New("devices: signal is read-only")

	// ErrNotNumeric is returned when a numeric value was expected from a
	// signal that produced something else.
	ErrNotNumeric = errors.New("devices: value is not numeric")

	// ErrNotString is returned when a string value was expected from a
	// signal that produced something else.
	ErrNotString = errors.New("devices: value is not a string")

	// ErrMoveFailed is returned when a positioner fails to reach its
	// setpoint (limit violation, stop request, or timeout).
	ErrMoveFailed = errors.New("devices: move failed")

	// ErrGainOverflow is returned when stepping a preamplifier gain
	// past either end of its range.
	ErrGainOverflow = errors.New("devices: preamp gain out of range")

	// ErrInvalidFlyParams is returned when fly-scan parameters are
	// unusable (fewer than two points, zero dwell).
	ErrInvalidFlyParams = errors.New("devices: invalid fly parameters")

	// ErrNoFlyData is returned when collecting from a flyer that
	// recorded nothing.
	ErrNoFlyData = errors.New("devices: no fly data recorded")

	// ErrUnknownPV is returned by the simulated transport for process
	// variables that were never defined.
	ErrUnknownPV = errors.New("devices: unknown process variable")
)
