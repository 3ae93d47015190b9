package facility

import "errors"

var (
	// ErrFacilityNotFound is returned when no facility record exists.
	ErrFacilityNotFound = errors.New("facility not found")

	// ErrHutchNotFound is returned when a hutch ID does not exist.
	ErrHutchNotFound = errors.New("hutch not found")

	// ErrHutchHasEndstations is returned when trying to delete a hutch that still has endstations.
	ErrHutchHasEndstations = errors.New("hutch has endstations: delete endstations first")

	// ErrEndstationNotFound is returned when an endstation ID does not exist.
	ErrEndstationNotFound = errors.New("endstation not found")

	// ErrInvalidName is returned when a name fails validation.
	ErrInvalidName = errors.New("invalid name")

	// ErrInvalidSlug is returned when a slug fails validation.
	ErrInvalidSlug = errors.New("invalid slug")

	// ErrInvalidSettings is returned when a settings map fails validation.
	ErrInvalidSettings = errors.New("invalid settings")
)
