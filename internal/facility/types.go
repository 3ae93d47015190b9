package facility

import "time"

// Facility identifies the deployment this instance controls.
// There is one facility record per beamline installation.
type Facility struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Beamline  string    `json:"beamline"`
	Source    string    `json:"source,omitempty"`
	Timezone  string    `json:"timezone"`
	Settings  Settings  `json:"settings"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Hutch represents a shielded enclosure on the beamline (optics hutch,
// experimental hutch). Hutches order downstream along the beam.
type Hutch struct {
	ID         string    `json:"id"`
	FacilityID string    `json:"facility_id"`
	Name       string    `json:"name"`
	Slug       string    `json:"slug"`
	Type       string    `json:"type"`
	SortOrder  int       `json:"sort_order"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Endstation represents an instrument position within a hutch where
// devices are placed. Devices lists registry device names assigned to
// this endstation by configuration.
type Endstation struct {
	ID        string    `json:"id"`
	HutchID   string    `json:"hutch_id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Type      string    `json:"type"`
	SortOrder int       `json:"sort_order"`
	Devices   []string  `json:"devices"`
	Settings  Settings  `json:"settings"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Settings holds free-form configuration as a JSON map.
type Settings map[string]any
