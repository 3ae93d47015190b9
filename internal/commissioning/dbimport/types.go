package dbimport

import (
	"time"

	"github.com/apsidal/beamline-core/internal/infrastructure/config"
)

// ParseResult contains the complete result of parsing an EPICS database.
type ParseResult struct {
	// ImportID is a unique identifier for this parse session.
	// Used to correlate parse and import operations.
	ImportID string `json:"import_id"`

	// SourceFile is the original filename.
	SourceFile string `json:"source_file"`

	// ParsedAt is when the file was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Statistics summarises the parse results.
	Statistics ParseStatistics `json:"statistics"`

	// Records contains every record instance found, in file order.
	Records []Record `json:"records"`

	// Devices contains detected device proposals.
	Devices []DetectedDevice `json:"devices"`

	// UnassignedRecords lists PV names not consumed by any detection.
	UnassignedRecords []string `json:"unassigned_records,omitempty"`

	// Warnings contains non-fatal issues encountered during parsing.
	Warnings []ParseWarning `json:"warnings,omitempty"`
}

// ParseStatistics summarises parse results.
type ParseStatistics struct {
	TotalRecords      int `json:"total_records"`
	DetectedDevices   int `json:"detected_devices"`
	Motors            int `json:"motors"`
	IonChambers       int `json:"ion_chambers"`
	Shutters          int `json:"shutters"`
	HighConfidence    int `json:"high_confidence"`
	MediumConfidence  int `json:"medium_confidence"`
	LowConfidence     int `json:"low_confidence"`
	UnassignedRecords int `json:"unassigned_records"`
}

// Record is one record instance from a database file.
type Record struct {
	// Type is the record type (motor, scaler, ai, bo, ...).
	Type string `json:"type"`

	// Name is the PV name. Unexpanded macros like $(P) are kept verbatim.
	Name string `json:"name"`

	// Fields maps field name to value.
	Fields map[string]string `json:"fields,omitempty"`

	// Infos holds info() entries.
	Infos map[string]string `json:"infos,omitempty"`

	// Aliases holds alias() names declared in the record body.
	Aliases []string `json:"aliases,omitempty"`

	// Line is the 1-based line number of the record() statement.
	Line int `json:"line"`
}

// Field returns a field value, or empty string if absent.
func (r *Record) Field(name string) string {
	return r.Fields[name]
}

// DetectedDevice represents a device proposal inferred from records.
// Exactly one of the typed configs is set, matching DetectedType.
type DetectedDevice struct {
	// SuggestedName is the registry name derived from record fields.
	SuggestedName string `json:"suggested_name"`

	// DetectedType is motor, ion_chamber, or shutter.
	DetectedType string `json:"detected_type"`

	// Confidence is the detection confidence (0.0 to 1.0).
	Confidence float64 `json:"confidence"`

	// SourceRecords lists the PV names this proposal was built from.
	SourceRecords []string `json:"source_records"`

	Motor      *config.MotorConfig      `json:"motor,omitempty"`
	IonChamber *config.IonChamberConfig `json:"ion_chamber,omitempty"`
	Shutter    *config.ShutterConfig    `json:"shutter,omitempty"`
}

// ParseWarning represents a non-fatal issue during parsing.
type ParseWarning struct {
	// Code is a machine-readable warning code.
	Code string `json:"code"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Line is the affected line number (0 if not line-specific).
	Line int `json:"line,omitempty"`
}

// Confidence level thresholds.
const (
	ConfidenceHigh   = 0.80
	ConfidenceMedium = 0.50
)

// ConfidenceLevel returns a human-readable confidence level.
func ConfidenceLevel(c float64) string {
	switch {
	case c >= ConfidenceHigh:
		return "high"
	case c >= ConfidenceMedium:
		return "medium"
	default:
		return "low"
	}
}

// Device type names used in proposals.
const (
	TypeMotor      = "motor"
	TypeIonChamber = "ion_chamber"
	TypeShutter    = "shutter"
)
