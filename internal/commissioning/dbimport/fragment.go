package dbimport

import (
	"fmt"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/apsidal/beamline-core/internal/infrastructure/config"
)

// fragmentDoc groups proposals into the array-table sections the
// instrument configuration uses.
type fragmentDoc struct {
	Motors      []config.MotorConfig      `toml:"motor,omitempty"`
	IonChambers []config.IonChamberConfig `toml:"ion_chamber,omitempty"`
	Shutters    []config.ShutterConfig    `toml:"shutter,omitempty"`
}

// TOMLFragment renders detected devices as an instrument configuration
// fragment ready to paste into the beamline TOML. Proposals below
// minConfidence are skipped; empty fields (preamp prefixes, state PVs)
// are emitted blank for the operator to fill in.
//
// Parameters:
//   - devices: detection proposals, typically ParseResult.Devices
//   - minConfidence: minimum confidence to include (0 includes all)
//
// Returns:
//   - string: the TOML fragment, empty when nothing qualifies
//   - error: marshalling failure only
func TOMLFragment(devices []DetectedDevice, minConfidence float64) (string, error) {
	var doc fragmentDoc
	included := 0
	for _, d := range devices {
		if d.Confidence < minConfidence {
			continue
		}
		switch {
		case d.Motor != nil:
			doc.Motors = append(doc.Motors, *d.Motor)
		case d.IonChamber != nil:
			doc.IonChambers = append(doc.IonChambers, *d.IonChamber)
		case d.Shutter != nil:
			doc.Shutters = append(doc.Shutters, *d.Shutter)
		default:
			continue
		}
		included++
	}
	if included == 0 {
		return "", nil
	}

	body, err := toml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("dbimport: marshalling fragment: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %d device(s) detected from IOC database import.\n", included)
	sb.WriteString("# Review names and fill in any blank fields before use.\n")
	sb.Write(body)
	return sb.String(), nil
}
