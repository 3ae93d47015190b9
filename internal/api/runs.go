package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/apsidal/beamline-core/internal/catalog"
)

// handleListRuns returns catalogued runs, newest first.
//
// Query parameters:
//   - plan: filter by plan name
//   - since, until: RFC 3339 time bounds on the run start
//   - limit, offset: pagination (default 50, max 500)
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeUnavailable(w, "run catalog is not configured")
		return
	}

	filter := catalog.Filter{
		PlanName: r.URL.Query().Get("plan"),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "invalid since timestamp (want RFC 3339)")
			return
		}
		filter.Since = t
	}
	if v := r.URL.Query().Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "invalid until timestamp (want RFC 3339)")
			return
		}
		filter.Until = t
	}
	filter.Limit = queryInt(r, "limit", 0)
	filter.Offset = queryInt(r, "offset", 0)

	result, err := s.catalog.ListRuns(r.Context(), filter)
	if err != nil {
		s.logger.Error("run list failed", "error", err)
		writeInternalError(w, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleGetRun returns one run's start/stop summary.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeUnavailable(w, "run catalog is not configured")
		return
	}

	uid := chi.URLParam(r, "uid")
	run, err := s.catalog.GetRun(r.Context(), uid)
	if err != nil {
		if errors.Is(err, catalog.ErrRunNotFound) {
			writeNotFound(w, "run not found: "+uid)
			return
		}
		s.logger.Error("run fetch failed", "uid", uid, "error", err)
		writeInternalError(w, "failed to fetch run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleGetStreams returns a run's stream descriptors.
func (s *Server) handleGetStreams(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeUnavailable(w, "run catalog is not configured")
		return
	}

	uid := chi.URLParam(r, "uid")
	streams, err := s.catalog.GetStreams(r.Context(), uid)
	if err != nil {
		if errors.Is(err, catalog.ErrRunNotFound) {
			writeNotFound(w, "run not found: "+uid)
			return
		}
		s.logger.Error("stream fetch failed", "uid", uid, "error", err)
		writeInternalError(w, "failed to fetch streams")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": streams})
}

// handleGetEvents returns the raw events of one stream.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeUnavailable(w, "run catalog is not configured")
		return
	}

	uid := chi.URLParam(r, "uid")
	stream := chi.URLParam(r, "stream")
	events, err := s.catalog.GetEvents(r.Context(), uid, stream)
	if err != nil {
		if errors.Is(err, catalog.ErrStreamNotFound) {
			writeNotFound(w, "stream not found: "+stream)
			return
		}
		s.logger.Error("event fetch failed", "uid", uid, "stream", stream, "error", err)
		writeInternalError(w, "failed to fetch events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// handleGetTable returns one stream assembled column-wise, the shape
// plotting clients want.
func (s *Server) handleGetTable(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeUnavailable(w, "run catalog is not configured")
		return
	}

	uid := chi.URLParam(r, "uid")
	stream := chi.URLParam(r, "stream")
	table, err := s.catalog.AssembleTable(r.Context(), uid, stream)
	if err != nil {
		if errors.Is(err, catalog.ErrStreamNotFound) {
			writeNotFound(w, "stream not found: "+stream)
			return
		}
		s.logger.Error("table assembly failed", "uid", uid, "stream", stream, "error", err)
		writeInternalError(w, "failed to assemble table")
		return
	}
	writeJSON(w, http.StatusOK, table)
}

// handleExportXDI streams a run's primary stream as an XDI text file.
func (s *Server) handleExportXDI(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeUnavailable(w, "run catalog is not configured")
		return
	}

	uid := chi.URLParam(r, "uid")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+uid+`.xdi"`)

	if err := s.catalog.ExportXDI(r.Context(), uid, w); err != nil {
		switch {
		case errors.Is(err, catalog.ErrRunNotFound):
			// Too late for a clean 404 if bytes went out; the exporter
			// resolves the run before writing, so headers-only is safe.
			writeNotFound(w, "run not found: "+uid)
		case errors.Is(err, catalog.ErrStreamNotFound):
			writeNotFound(w, "run has no primary stream: "+uid)
		default:
			s.logger.Error("xdi export failed", "uid", uid, "error", err)
		}
		return
	}
}

// queryInt parses an integer query parameter with a fallback.
func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
