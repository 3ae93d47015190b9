package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/apsidal/beamline-core/internal/audit"
	"github.com/apsidal/beamline-core/internal/commissioning/dbimport"
)

// handleDBParse parses an uploaded EPICS IOC database (.db or .substitutions
// expansion) and returns the detected devices as configuration suggestions
// for preview before they are added to the instrument TOML.
//
// Request: multipart/form-data with "file" field containing the database.
// Response: ParseResult with detected devices, warnings, and statistics.
// With ?format=toml the response is instead a text/plain instrument
// configuration fragment built from the detected devices.
func (s *Server) handleDBParse(w http.ResponseWriter, r *http.Request) {
	// Limit request body size (commissioning paths are exempt from the
	// global body limit, so enforce the import cap here)
	r.Body = http.MaxBytesReader(w, r.Body, dbimport.MaxFileSize)

	if err := r.ParseMultipartForm(dbimport.MaxFileSize); err != nil {
		writeBadRequest(w, "failed to parse multipart form: file may be too large")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.logger.Error("db parse: failed to get file from form",
			"error", err,
			"content_type", r.Header.Get("Content-Type"),
		)
		writeBadRequest(w, "missing required 'file' field in form data")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.logger.Error("db parse: failed to read file", "error", err)
		writeBadRequest(w, "failed to read uploaded file")
		return
	}

	parser := dbimport.NewParser()
	result, err := parser.ParseBytes(data, header.Filename)
	if err != nil {
		s.logger.Error("db parse error", "error", err, "filename", header.Filename)

		switch {
		case errors.Is(err, dbimport.ErrFileTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "file_too_large",
				"file exceeds maximum size of 10MB")
		case errors.Is(err, dbimport.ErrInvalidFile), errors.Is(err, dbimport.ErrNoRecords):
			writeBadRequest(w, err.Error())
		default:
			writeInternalError(w, "failed to parse database file")
		}
		return
	}

	s.logger.Info("db parse complete",
		"filename", header.Filename,
		"records", result.Statistics.TotalRecords,
		"devices", len(result.Devices),
	)

	ident := identityFrom(r.Context())
	s.auditLog(audit.ActionImport, "commissioning", result.ImportID, ident.UserID, map[string]any{
		"filename": header.Filename,
		"records":  result.Statistics.TotalRecords,
		"devices":  len(result.Devices),
	})

	if r.URL.Query().Get("format") == "toml" {
		fragment, err := dbimport.TOMLFragment(result.Devices, 0)
		if err != nil {
			s.logger.Error("db parse: fragment render failed", "error", err)
			writeInternalError(w, "failed to render configuration fragment")
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck // response write
		w.Write([]byte(fragment))
		return
	}

	writeJSON(w, http.StatusOK, result)
}
