package console

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Layout is one console screen definition as authored in YAML.
type Layout struct {
	Name  string `yaml:"name" json:"name"`
	Title string `yaml:"title,omitempty" json:"title,omitempty"`

	// Hutch names the hutch this console belongs to; access control
	// checks it against the operator's hutch grants.
	Hutch string `yaml:"hutch,omitempty" json:"hutch,omitempty"`

	Tabs []Tab `yaml:"tabs" json:"tabs"`
}

// Tab is one page of widgets within a layout.
type Tab struct {
	Name    string   `yaml:"name" json:"name"`
	Title   string   `yaml:"title,omitempty" json:"title,omitempty"`
	Widgets []Widget `yaml:"widgets" json:"widgets"`
}

// Widget is one rendered element on a tab.
type Widget struct {
	// Type selects the widget kind; see widgetTypes.
	Type string `yaml:"type" json:"type"`

	// Device names the registry device most widget types bind to.
	Device string `yaml:"device,omitempty" json:"device,omitempty"`

	// Signal selects a signal within the device (default per type).
	Signal string `yaml:"signal,omitempty" json:"signal,omitempty"`

	Label string `yaml:"label,omitempty" json:"label,omitempty"`

	// Options carries widget-specific settings (plot ranges, step
	// sizes, plan defaults).
	Options map[string]any `yaml:"options,omitempty" json:"options,omitempty"`
}

// widgetTypes are the widget kinds GUI clients know how to render.
// Types without an entry in deviceLess require a device binding.
var widgetTypes = map[string]bool{
	"motor":      true,
	"ionchamber": true,
	"readback":   true,
	"shutter":    true,
	"plot":       true,
	"plan":       true,
	"positions":  true,
	"runs":       true,
	"spacer":     true,
}

// deviceLess widget types render without a device binding.
var deviceLess = map[string]bool{
	"plot":      true,
	"plan":      true,
	"positions": true,
	"runs":      true,
	"spacer":    true,
}

var nameRegex = regexp.MustCompile(`^[a-z0-9]+(?:[-_][a-z0-9]+)*$`)

// Layout size limits.
const (
	maxTabs          = 20
	maxWidgetsPerTab = 100
)

// ParseLayout decodes and validates a YAML layout document.
//
// Decoding is strict: unknown fields are rejected so typos in authored
// layouts surface at save time, not as silently dead screens.
//
// Parameters:
//   - data: Raw YAML document bytes
//
// Returns:
//   - *Layout: The decoded layout
//   - error: ErrInvalidLayout (wrapped) when decoding or validation fails
func ParseLayout(data []byte) (*Layout, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var layout Layout
	if err := dec.Decode(&layout); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLayout, err)
	}

	if err := ValidateLayout(&layout); err != nil {
		return nil, err
	}
	return &layout, nil
}

// ValidateLayout checks a layout's structure.
func ValidateLayout(l *Layout) error {
	if !nameRegex.MatchString(l.Name) {
		return fmt.Errorf("%w: name %q must be lowercase alphanumeric with - or _", ErrInvalidLayout, l.Name)
	}
	if len(l.Tabs) == 0 {
		return fmt.Errorf("%w: layout %q has no tabs", ErrInvalidLayout, l.Name)
	}
	if len(l.Tabs) > maxTabs {
		return fmt.Errorf("%w: layout %q exceeds %d tabs", ErrInvalidLayout, l.Name, maxTabs)
	}

	seen := make(map[string]bool, len(l.Tabs))
	for i, tab := range l.Tabs {
		if !nameRegex.MatchString(tab.Name) {
			return fmt.Errorf("%w: tab %d name %q invalid", ErrInvalidLayout, i, tab.Name)
		}
		if seen[tab.Name] {
			return fmt.Errorf("%w: duplicate tab name %q", ErrInvalidLayout, tab.Name)
		}
		seen[tab.Name] = true

		if len(tab.Widgets) > maxWidgetsPerTab {
			return fmt.Errorf("%w: tab %q exceeds %d widgets", ErrInvalidLayout, tab.Name, maxWidgetsPerTab)
		}
		for j, w := range tab.Widgets {
			if err := validateWidget(tab.Name, j, w); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateWidget checks one widget definition.
func validateWidget(tab string, idx int, w Widget) error {
	typ := strings.ToLower(strings.TrimSpace(w.Type))
	if !widgetTypes[typ] {
		return fmt.Errorf("%w: tab %q widget %d has unknown type %q", ErrInvalidLayout, tab, idx, w.Type)
	}
	if !deviceLess[typ] && strings.TrimSpace(w.Device) == "" {
		return fmt.Errorf("%w: tab %q widget %d (%s) requires a device", ErrInvalidLayout, tab, idx, typ)
	}
	return nil
}

// EncodeYAML renders a layout back to canonical YAML.
func (l *Layout) EncodeYAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(l); err != nil {
		return nil, fmt.Errorf("console: encoding layout %q: %w", l.Name, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("console: encoding layout %q: %w", l.Name, err)
	}
	return buf.Bytes(), nil
}
