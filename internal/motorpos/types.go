package motorpos

import "time"

// MotorAxis is one motor's captured state within a snapshot.
type MotorAxis struct {
	// Name is the motor's registry name.
	Name string `json:"name"`

	// Readback is the user readback at save time.
	Readback float64 `json:"readback"`

	// Offset is the user offset (.OFF) at save time, recorded so a
	// re-calibrated axis can be spotted before recall.
	Offset float64 `json:"offset"`
}

// MotorPosition is a named snapshot of one or more motors.
type MotorPosition struct {
	UID      string      `json:"uid"`
	Name     string      `json:"name"`
	Motors   []MotorAxis `json:"motors"`
	SaveTime time.Time   `json:"save_time"`
}
