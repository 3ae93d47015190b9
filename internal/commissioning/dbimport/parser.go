package dbimport

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Parser configuration constants.
const (
	// MaxFileSize is the maximum allowed file size (10MB). IOC databases
	// are text; anything bigger is not a .db file.
	MaxFileSize = 10 * 1024 * 1024

	// importIDBytes is the number of random bytes for import IDs.
	importIDBytes = 8
)

// Precompiled regexes for database syntax. The grammar is line-oriented:
// a record() statement opens a body of field(), info(), and alias()
// entries closed by a lone brace.
var (
	// Quoted record names may contain parentheses (macro references like
	// $(P)m1); unquoted names may not.
	reRecord = regexp.MustCompile(`^\s*g?record\s*\(\s*([A-Za-z0-9_]+)\s*,\s*(?:"([^"]+)"|([^",)]+))\s*\)\s*(\{)?\s*$`)
	reField  = regexp.MustCompile(`^\s*field\s*\(\s*([A-Za-z0-9_]+)\s*,\s*(?:"((?:[^"\\]|\\.)*)"|([^",)]*))\s*\)\s*$`)
	reInfo   = regexp.MustCompile(`^\s*info\s*\(\s*"?([A-Za-z0-9_:.-]+)"?\s*,\s*"((?:[^"\\]|\\.)*)"\s*\)\s*$`)
	reAlias  = regexp.MustCompile(`^\s*alias\s*\(\s*"?([^",)]+)"?\s*\)\s*$`)
	reMacro  = regexp.MustCompile(`\$[({][A-Za-z0-9_]+(?:=[^)}]*)?[)}]`)
)

// Parser parses EPICS database files and detects device configurations.
type Parser struct {
	// detectionRules are the device detection rules.
	detectionRules []DetectionRule
}

// NewParser creates a new database parser with default detection rules.
func NewParser() *Parser {
	return &Parser{
		detectionRules: DefaultDetectionRules(),
	}
}

// ParseFile parses an EPICS database file from disk.
func (p *Parser) ParseFile(path string) (*ParseResult, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("reading database file: %w", err)
	}
	return p.ParseBytes(data, path)
}

// ParseBytes parses an EPICS database from a byte slice.
func (p *Parser) ParseBytes(data []byte, filename string) (*ParseResult, error) {
	if len(data) > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	result := &ParseResult{
		ImportID:   generateImportID(),
		SourceFile: filepath.Base(filename),
		ParsedAt:   time.Now().UTC(),
	}

	if err := p.parseRecords(data, result); err != nil {
		return nil, err
	}

	if len(result.Records) == 0 {
		return nil, ErrNoRecords
	}

	p.detectDevices(result)
	p.calculateStatistics(result)

	return result, nil
}

// parseRecords scans the database line by line, building record instances.
func (p *Parser) parseRecords(data []byte, result *ParseResult) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	seen := make(map[string]bool)
	var current *Record
	inBody := false
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// A record whose brace was not on the record() line either opens
		// its body here or turns out to be bodiless ("record(ai, \"x\")"
		// alone is legal); a bodiless record flushes and the line is
		// reprocessed at top level.
		if current != nil && !inBody {
			if strings.HasPrefix(line, "{") {
				inBody = true
				continue
			}
			result.Records = append(result.Records, *current)
			current = nil
		}

		if current == nil {
			m := reRecord.FindStringSubmatch(line)
			if m == nil {
				// Top-level noise: dbLoadRecords boilerplate, stray
				// braces from hand-edited files, expand() blocks.
				if strings.ContainsAny(line, "({") {
					result.Warnings = append(result.Warnings, ParseWarning{
						Code:    WarnMalformedLine,
						Message: fmt.Sprintf("skipping unrecognised line: %s", truncate(line, 60)),
						Line:    lineNo,
					})
				}
				continue
			}

			name := strings.TrimSpace(m[2])
			if name == "" {
				name = strings.TrimSpace(m[3])
			}
			if reMacro.MatchString(name) {
				result.Warnings = append(result.Warnings, ParseWarning{
					Code:    WarnMacroUnexpanded,
					Message: fmt.Sprintf("record %q has unexpanded macros; expand the template before import", name),
					Line:    lineNo,
				})
			}
			if seen[name] {
				result.Warnings = append(result.Warnings, ParseWarning{
					Code:    WarnDuplicateRecord,
					Message: fmt.Sprintf("duplicate record %q; later definition wins", name),
					Line:    lineNo,
				})
			}
			seen[name] = true

			current = &Record{
				Type:   m[1],
				Name:   name,
				Fields: make(map[string]string),
				Line:   lineNo,
			}
			inBody = m[4] == "{"
			continue
		}

		// Inside a record body.
		switch {
		case line == "}":
			result.Records = append(result.Records, *current)
			current = nil
			inBody = false

		case strings.HasPrefix(line, "field"):
			if m := reField.FindStringSubmatch(line); m != nil {
				value := m[2]
				if value == "" {
					value = strings.TrimSpace(m[3])
				}
				current.Fields[m[1]] = unescape(value)
			} else {
				result.Warnings = append(result.Warnings, ParseWarning{
					Code:    WarnMalformedLine,
					Message: fmt.Sprintf("malformed field in %q: %s", current.Name, truncate(line, 60)),
					Line:    lineNo,
				})
			}

		case strings.HasPrefix(line, "info"):
			if m := reInfo.FindStringSubmatch(line); m != nil {
				if current.Infos == nil {
					current.Infos = make(map[string]string)
				}
				current.Infos[m[1]] = unescape(m[2])
			}

		case strings.HasPrefix(line, "alias"):
			if m := reAlias.FindStringSubmatch(line); m != nil {
				current.Aliases = append(current.Aliases, strings.TrimSpace(m[1]))
			}

		default:
			result.Warnings = append(result.Warnings, ParseWarning{
				Code:    WarnMalformedLine,
				Message: fmt.Sprintf("unrecognised line in %q: %s", current.Name, truncate(line, 60)),
				Line:    lineNo,
			})
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}

	if current != nil {
		if inBody {
			result.Warnings = append(result.Warnings, ParseWarning{
				Code:    WarnUnterminatedBody,
				Message: fmt.Sprintf("record %q body not closed before end of file", current.Name),
				Line:    current.Line,
			})
		}
		result.Records = append(result.Records, *current)
	}

	return nil
}

// calculateStatistics fills in the summary counters.
func (p *Parser) calculateStatistics(result *ParseResult) {
	s := &result.Statistics
	s.TotalRecords = len(result.Records)
	s.DetectedDevices = len(result.Devices)
	s.UnassignedRecords = len(result.UnassignedRecords)

	for _, dev := range result.Devices {
		switch dev.DetectedType {
		case TypeMotor:
			s.Motors++
		case TypeIonChamber:
			s.IonChambers++
		case TypeShutter:
			s.Shutters++
		}

		switch ConfidenceLevel(dev.Confidence) {
		case "high":
			s.HighConfidence++
		case "medium":
			s.MediumConfidence++
		default:
			s.LowConfidence++
		}
	}
}

// unescape resolves backslash escapes inside quoted field values.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	escaped := false
	for _, r := range s {
		if escaped {
			b.WriteRune(r)
			escaped = false
			continue
		}
		if r == '\\' {
			escaped = true
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// truncate shortens a string for warning messages.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// generateImportID creates a random import session identifier.
func generateImportID() string {
	b := make([]byte, importIDBytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read only fails on unsupported platforms.
		// Fall back to timestamp-based ID for robustness.
		return "imp_" + hex.EncodeToString([]byte(time.Now().Format("20060102150405")))
	}
	return "imp_" + hex.EncodeToString(b)
}
