package ca

import "errors"

// Domain errors for the Channel Access client package.
var (
	// ErrNotConnected is returned when an operation requires a connection
	// but the circuit is not connected to the IOC.
	ErrNotConnected = errors.New("ca: not connected")

	// ErrConnectionFailed is returned when the TCP connection or the
	// protocol handshake fails.
	ErrConnectionFailed = errors.New("ca: connection failed")

	// ErrChannelNotFound is returned when no server on the circuit hosts
	// the requested process variable.
	ErrChannelNotFound = errors.New("ca: channel not found")

	// ErrNoReadAccess is returned when reading a channel the server has
	// not granted read access to.
	ErrNoReadAccess = errors.New("ca: no read access")

	// ErrNoWriteAccess is returned when writing a channel the server has
	// not granted write access to.
	ErrNoWriteAccess = errors.New("ca: no write access")

	// ErrInvalidMessage is returned when a received message is malformed.
	ErrInvalidMessage = errors.New("ca: invalid message")

	// ErrEncodingFailed is returned when encoding a value to DBR format fails.
	ErrEncodingFailed = errors.New("ca: encoding failed")

	// ErrDecodingFailed is returned when decoding DBR data to a value fails.
	ErrDecodingFailed = errors.New("ca: decoding failed")

	// ErrRequestFailed is returned when the server rejects a read or write.
	ErrRequestFailed = errors.New("ca: request failed")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("ca: operation timed out")

	// ErrPayloadTooLarge is returned when a message payload exceeds the
	// configured maximum array size.
	ErrPayloadTooLarge = errors.New("ca: payload exceeds max array bytes")
)
