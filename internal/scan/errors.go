package scan

import "errors"

var (
	// ErrRunInProgress indicates Execute was called while another run
	// is active.
	ErrRunInProgress = errors.New("scan: a run is already in progress")

	// ErrNoRunInProgress indicates Abort was called with nothing
	// running.
	ErrNoRunInProgress = errors.New("scan: no run in progress")

	// ErrRunAborted is the cause recorded when a run is aborted.
	ErrRunAborted = errors.New("scan: run aborted")

	// ErrInvalidPlan indicates a plan with unusable parameters.
	ErrInvalidPlan = errors.New("scan: invalid plan")

	// ErrNotMovable indicates a plan was given a device that cannot be
	// positioned.
	ErrNotMovable = errors.New("scan: device is not movable")

	// ErrNotFlyable indicates a fly plan was given a device without
	// fly support.
	ErrNotFlyable = errors.New("scan: device is not flyable")
)
