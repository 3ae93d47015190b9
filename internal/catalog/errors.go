package catalog

import "errors"

var (
	// ErrRunNotFound indicates no run exists with the requested UID.
	ErrRunNotFound = errors.New("catalog: run not found")

	// ErrStreamNotFound indicates the run has no stream with the
	// requested name.
	ErrStreamNotFound = errors.New("catalog: stream not found")
)
