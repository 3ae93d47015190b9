package instrument

import "errors"

var (
	// ErrComponentNotFound indicates no device matched the name or label.
	ErrComponentNotFound = errors.New("instrument: component not found")

	// ErrMultipleComponentsFound indicates a single-device lookup
	// matched more than one device.
	ErrMultipleComponentsFound = errors.New("instrument: multiple components found")

	// ErrDuplicateDevice indicates a registration under a name that is
	// already taken.
	ErrDuplicateDevice = errors.New("instrument: duplicate device name")

	// ErrInvalidDeviceConfig indicates a device section missing
	// required parameters.
	ErrInvalidDeviceConfig = errors.New("instrument: invalid device configuration")
)
