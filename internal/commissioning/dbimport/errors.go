package dbimport

import "errors"

// Sentinel errors for database import operations.
var (
	// ErrInvalidFile indicates the file is not a parseable EPICS database.
	ErrInvalidFile = errors.New("invalid EPICS database file")

	// ErrNoRecords indicates no record instances were found.
	ErrNoRecords = errors.New("no records found in database")

	// ErrFileTooLarge indicates the file exceeds the size limit.
	ErrFileTooLarge = errors.New("file exceeds maximum size limit")
)

// Warning codes for non-fatal parse issues.
const (
	WarnMacroUnexpanded  = "MACRO_UNEXPANDED"
	WarnDuplicateRecord  = "DUPLICATE_RECORD"
	WarnMalformedLine    = "MALFORMED_LINE"
	WarnUnterminatedBody = "UNTERMINATED_BODY"
	WarnLowConfidence    = "LOW_CONFIDENCE"
)
