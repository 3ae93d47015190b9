package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/apsidal/beamline-core/internal/audit"
	"github.com/apsidal/beamline-core/internal/console"
)

// maxLayoutBytes caps uploaded console layout documents.
const maxLayoutBytes = 256 * 1024

// handleListConsoles returns summaries of all stored console layouts.
func (s *Server) handleListConsoles(w http.ResponseWriter, r *http.Request) {
	if s.consoles == nil {
		writeUnavailable(w, "console store is not configured")
		return
	}

	summaries, err := s.consoles.List(r.Context())
	if err != nil {
		s.logger.Error("console list failed", "error", err)
		writeInternalError(w, "failed to list consoles")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"consoles": summaries,
		"count":    len(summaries),
	})
}

// handleGetConsole returns one layout. The default response is the
// parsed layout as JSON; ?format=yaml returns the stored YAML document
// verbatim for round-trip editing.
func (s *Server) handleGetConsole(w http.ResponseWriter, r *http.Request) {
	if s.consoles == nil {
		writeUnavailable(w, "console store is not configured")
		return
	}

	name := chi.URLParam(r, "name")

	if r.URL.Query().Get("format") == "yaml" {
		raw, err := s.consoles.GetRaw(r.Context(), name)
		if err != nil {
			if errors.Is(err, console.ErrConsoleNotFound) {
				writeNotFound(w, "console not found: "+name)
				return
			}
			s.logger.Error("console fetch failed", "name", name, "error", err)
			writeInternalError(w, "failed to fetch console")
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		w.Write(raw) //nolint:errcheck // client disconnects are not actionable
		return
	}

	layout, err := s.consoles.Get(r.Context(), name)
	if err != nil {
		if errors.Is(err, console.ErrConsoleNotFound) {
			writeNotFound(w, "console not found: "+name)
			return
		}
		s.logger.Error("console fetch failed", "name", name, "error", err)
		writeInternalError(w, "failed to fetch console")
		return
	}
	writeJSON(w, http.StatusOK, layout)
}

// handleSaveConsole stores a console layout. The request body is the
// YAML layout document itself; the URL name must match the document's
// name field so a layout cannot be saved under a different key than it
// claims.
func (s *Server) handleSaveConsole(w http.ResponseWriter, r *http.Request) {
	if s.consoles == nil {
		writeUnavailable(w, "console store is not configured")
		return
	}

	name := chi.URLParam(r, "name")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxLayoutBytes))
	if err != nil {
		writeBadRequest(w, "failed to read request body")
		return
	}

	layout, err := console.ParseLayout(body)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if layout.Name != name {
		writeBadRequest(w, "layout name must match URL: "+name)
		return
	}

	if err := s.consoles.Save(r.Context(), layout); err != nil {
		s.logger.Error("console save failed", "name", name, "error", err)
		writeInternalError(w, "failed to save console")
		return
	}

	ident := identityFrom(r.Context())
	s.auditLog(audit.ActionConsoleSave, "console", name, ident.UserID, map[string]any{
		"tabs": len(layout.Tabs),
	})
	writeJSON(w, http.StatusOK, layout)
}

// handleDeleteConsole removes a stored layout.
func (s *Server) handleDeleteConsole(w http.ResponseWriter, r *http.Request) {
	if s.consoles == nil {
		writeUnavailable(w, "console store is not configured")
		return
	}

	name := chi.URLParam(r, "name")
	if err := s.consoles.Delete(r.Context(), name); err != nil {
		if errors.Is(err, console.ErrConsoleNotFound) {
			writeNotFound(w, "console not found: "+name)
			return
		}
		s.logger.Error("console delete failed", "name", name, "error", err)
		writeInternalError(w, "failed to delete console")
		return
	}

	ident := identityFrom(r.Context())
	s.auditLog(audit.ActionConsoleDelete, "console", name, ident.UserID, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
