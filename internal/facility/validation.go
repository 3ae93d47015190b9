package facility

import (
	"fmt"
	"regexp"
	"strings"
)

// Validation limits shared with the instrument registry conventions.
const (
	maxNameLength     = 100
	maxSlugLength     = 50
	maxSettingsKeys   = 50
	maxStringValueLen = 1024
	maxNestingDepth   = 10
	maxPlacedDevices  = 200
	slugPattern       = `^[a-z0-9]+(?:-[a-z0-9]+)*$`
)

var slugRegex = regexp.MustCompile(slugPattern)

// ValidateName checks if a facility, hutch, or endstation name is valid.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return nil
}

// ValidateSlug checks if a slug format is valid.
func ValidateSlug(slug string) error {
	if slug == "" {
		return fmt.Errorf("%w: slug cannot be empty", ErrInvalidSlug)
	}
	if len(slug) > maxSlugLength {
		return fmt.Errorf("%w: slug exceeds %d characters", ErrInvalidSlug, maxSlugLength)
	}
	if !slugRegex.MatchString(slug) {
		return fmt.Errorf("%w: slug must be lowercase alphanumeric with hyphens", ErrInvalidSlug)
	}
	return nil
}

// ValidateSettings checks that a Settings map does not exceed size limits.
func ValidateSettings(s Settings) error {
	if s == nil {
		return nil
	}
	if len(s) > maxSettingsKeys {
		return fmt.Errorf("%w: settings exceeds max keys (%d)", ErrInvalidSettings, maxSettingsKeys)
	}
	return validateMapSize(map[string]any(s), "settings", 0)
}

// validateMapSize recursively checks map values against size limits.
func validateMapSize(m map[string]any, fieldName string, depth int) error {
	if depth > maxNestingDepth {
		return fmt.Errorf("%w: %s exceeds maximum nesting depth", ErrInvalidSettings, fieldName)
	}
	for k, v := range m {
		if len(k) > maxStringValueLen {
			return fmt.Errorf("%w: %s key too long", ErrInvalidSettings, fieldName)
		}
		if err := validateValueSize(v, fieldName, depth); err != nil {
			return err
		}
	}
	return nil
}

// validateValueSize checks individual values in a settings map.
func validateValueSize(v any, fieldName string, depth int) error {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case string:
		if len(val) > maxStringValueLen {
			return fmt.Errorf("%w: %s string value too long", ErrInvalidSettings, fieldName)
		}
	case map[string]any:
		if len(val) > maxSettingsKeys {
			return fmt.Errorf("%w: %s nested map too large", ErrInvalidSettings, fieldName)
		}
		return validateMapSize(val, fieldName, depth+1)
	case []any:
		if len(val) > maxSettingsKeys {
			return fmt.Errorf("%w: %s array too large", ErrInvalidSettings, fieldName)
		}
		for _, elem := range val {
			if err := validateValueSize(elem, fieldName, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateFacility validates a Facility before persistence.
func ValidateFacility(f *Facility) error {
	if err := ValidateName(f.Name); err != nil {
		return err
	}
	if f.Slug != "" {
		if err := ValidateSlug(f.Slug); err != nil {
			return err
		}
	}
	if strings.TrimSpace(f.Beamline) == "" {
		return fmt.Errorf("%w: beamline cannot be empty", ErrInvalidName)
	}
	return ValidateSettings(f.Settings)
}

// ValidateHutch validates a Hutch before persistence.
func ValidateHutch(h *Hutch) error {
	if err := ValidateName(h.Name); err != nil {
		return err
	}
	if h.Slug != "" {
		if err := ValidateSlug(h.Slug); err != nil {
			return err
		}
	}
	return nil
}

// ValidateEndstation validates an Endstation before persistence.
func ValidateEndstation(e *Endstation) error {
	if err := ValidateName(e.Name); err != nil {
		return err
	}
	if e.Slug != "" {
		if err := ValidateSlug(e.Slug); err != nil {
			return err
		}
	}
	if len(e.Devices) > maxPlacedDevices {
		return fmt.Errorf("%w: too many placed devices (%d)", ErrInvalidSettings, len(e.Devices))
	}
	return ValidateSettings(e.Settings)
}
