package console

import "errors"

var (
	// ErrConsoleNotFound is returned when a console name does not exist.
	ErrConsoleNotFound = errors.New("console: not found")

	// ErrInvalidLayout is returned when a layout document fails validation.
	ErrInvalidLayout = errors.New("console: invalid layout")
)
