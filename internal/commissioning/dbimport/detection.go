package dbimport

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/apsidal/beamline-core/internal/infrastructure/config"
)

// Confidence scoring constants.
const (
	descBoost     = 0.05 // Boost when the record carries a DESC
	egufieldBoost = 0.04 // Boost when a motor record carries engineering units
	maxConfidence = 0.99 // Detection is never certain

	// maxScalerChannels is the channel count of the largest supported
	// multi-channel scaler (SIS3820).
	maxScalerChannels = 32
)

// DetectionRule detects one device type from a set of parsed records.
// Detect returns the proposals it built and the names of every record
// it consumed; consumed records are not offered to later rules.
type DetectionRule struct {
	// Name is the device type this rule detects.
	Name string

	// Detect runs the rule against all unconsumed records.
	Detect func(records []Record) ([]DetectedDevice, []string)
}

// DefaultDetectionRules returns the standard detection rules in priority
// order. Motors go first; their detection is unambiguous and must not
// lose records to the looser shutter heuristic.
func DefaultDetectionRules() []DetectionRule {
	return []DetectionRule{
		{Name: TypeMotor, Detect: detectMotors},
		{Name: TypeIonChamber, Detect: detectIonChambers},
		{Name: TypeShutter, Detect: detectShutters},
	}
}

// detectDevices runs every detection rule and collects proposals plus
// the list of records no rule claimed.
func (p *Parser) detectDevices(result *ParseResult) {
	consumed := make(map[string]bool)
	remaining := result.Records

	for _, rule := range p.detectionRules {
		devices, used := rule.Detect(remaining)
		result.Devices = append(result.Devices, devices...)
		for _, name := range used {
			consumed[name] = true
		}

		next := remaining[:0:0]
		for _, rec := range remaining {
			if !consumed[rec.Name] {
				next = append(next, rec)
			}
		}
		remaining = next
	}

	for _, rec := range remaining {
		result.UnassignedRecords = append(result.UnassignedRecords, rec.Name)
	}
}

// detectMotors proposes one motor per motor record. A motor record is a
// motor, full stop; the confidence only varies with how well-described
// the record is.
func detectMotors(records []Record) ([]DetectedDevice, []string) {
	var devices []DetectedDevice
	var used []string

	for i := range records {
		rec := &records[i]
		if rec.Type != "motor" {
			continue
		}

		confidence := 0.90
		name := suggestName(rec.Field("DESC"))
		if name != "" {
			confidence += descBoost
		}
		if rec.Field("EGU") != "" {
			confidence += egufieldBoost
		}
		if confidence > maxConfidence {
			confidence = maxConfidence
		}

		devices = append(devices, DetectedDevice{
			SuggestedName: name,
			DetectedType:  TypeMotor,
			Confidence:    confidence,
			SourceRecords: []string{rec.Name},
			Motor: &config.MotorConfig{
				Prefix: rec.Name,
				Name:   name,
			},
		})
		used = append(used, rec.Name)
	}

	return devices, used
}

// detectIonChambers proposes one ion chamber per named scaler channel.
// Channel 1 is the clock on every scaler we have met, so proposals
// start at channel 2. A named channel is almost certainly a chamber,
// but the preamp and voltmeter prefixes cannot be inferred from a
// scaler database and stay empty for the operator to fill in.
func detectIonChambers(records []Record) ([]DetectedDevice, []string) {
	var devices []DetectedDevice
	var used []string

	for i := range records {
		rec := &records[i]
		if rec.Type != "scaler" {
			continue
		}

		claimed := false
		for ch := 2; ch <= maxScalerChannels; ch++ {
			label := strings.TrimSpace(rec.Field("NM" + strconv.Itoa(ch)))
			if label == "" {
				continue
			}

			name := suggestName(label)
			if name == "" {
				name = "ic_ch" + strconv.Itoa(ch)
			}

			devices = append(devices, DetectedDevice{
				SuggestedName: name,
				DetectedType:  TypeIonChamber,
				Confidence:    ConfidenceHigh,
				SourceRecords: []string{rec.Name},
				IonChamber: &config.IonChamberConfig{
					Name:          name,
					ScalerPrefix:  rec.Name,
					ScalerChannel: ch,
				},
			})
			claimed = true
		}

		if claimed {
			used = append(used, rec.Name)
		}
	}

	return devices, used
}

// shutterSuffixes maps record name suffixes to shutter roles. Matching
// is case-insensitive on the part after the final separator.
var shutterSuffixes = map[string]string{
	"open":   "open",
	"opn":    "open",
	"close":  "close",
	"cls":    "close",
	"sts":    "state",
	"status": "state",
	"state":  "state",
}

// detectShutters groups bo/bi records by shared name prefix and
// proposes a shutter where an open/close pair exists. A matching bi
// state record lifts the confidence to high; a blind open/close pair
// without position feedback is only a medium-confidence guess.
func detectShutters(records []Record) ([]DetectedDevice, []string) {
	type group struct {
		open  *Record
		close *Record
		state *Record
		desc  string
	}

	groups := make(map[string]*group)
	var order []string

	for i := range records {
		rec := &records[i]
		if rec.Type != "bo" && rec.Type != "bi" {
			continue
		}

		prefix, role := splitShutterSuffix(rec.Name)
		if role == "" {
			continue
		}

		g, ok := groups[prefix]
		if !ok {
			g = &group{}
			groups[prefix] = g
			order = append(order, prefix)
		}

		switch {
		case role == "open" && rec.Type == "bo" && g.open == nil:
			g.open = rec
		case role == "close" && rec.Type == "bo" && g.close == nil:
			g.close = rec
		case role == "state" && rec.Type == "bi" && g.state == nil:
			g.state = rec
		}
		if g.desc == "" {
			g.desc = rec.Field("DESC")
		}
	}

	sort.Strings(order)

	var devices []DetectedDevice
	var used []string

	for _, prefix := range order {
		g := groups[prefix]
		if g.open == nil || g.close == nil {
			continue
		}

		confidence := 0.70
		statePV := ""
		source := []string{g.open.Name, g.close.Name}
		if g.state != nil {
			confidence = 0.90
			statePV = g.state.Name
			source = append(source, g.state.Name)
		}

		name := suggestName(g.desc)
		if name == "" {
			name = suggestName(lastNameSegment(prefix))
		}
		if name == "" {
			name = fmt.Sprintf("shutter_%d", len(devices)+1)
		}

		devices = append(devices, DetectedDevice{
			SuggestedName: name,
			DetectedType:  TypeShutter,
			Confidence:    confidence,
			SourceRecords: source,
			Shutter: &config.ShutterConfig{
				Name:    name,
				OpenPV:  g.open.Name,
				ClosePV: g.close.Name,
				StatePV: statePV,
			},
		})
		used = append(used, source...)
	}

	return devices, used
}

// splitShutterSuffix splits a PV name into a grouping prefix and a
// shutter role. "25ida:shutter:Open" yields ("25ida:shutter", "open");
// names whose final segment is not a recognised suffix yield role "".
func splitShutterSuffix(name string) (string, string) {
	idx := strings.LastIndexAny(name, ":._-")
	if idx < 0 || idx == len(name)-1 {
		return "", ""
	}

	suffix := strings.ToLower(name[idx+1:])
	role, ok := shutterSuffixes[suffix]
	if !ok {
		return "", ""
	}
	return name[:idx], role
}

// lastNameSegment returns the part of a PV name after the last separator.
func lastNameSegment(name string) string {
	idx := strings.LastIndexAny(name, ":._-")
	if idx < 0 {
		return name
	}
	return name[idx+1:]
}

// suggestName converts a DESC or channel label into a registry-safe
// snake_case name.
func suggestName(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return ""
	}

	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(label) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}
