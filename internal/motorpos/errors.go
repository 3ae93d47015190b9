package motorpos

import "errors"

var (
	// ErrPositionNotFound indicates no snapshot exists with the
	// requested UID or name.
	ErrPositionNotFound = errors.New("motorpos: position not found")

	// ErrNoMotors indicates a snapshot was requested with no motors.
	ErrNoMotors = errors.New("motorpos: no motors to save")
)
