package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/apsidal/beamline-core/internal/audit"
	"github.com/apsidal/beamline-core/internal/instrument"
	"github.com/apsidal/beamline-core/internal/motorpos"
)

// handleListPositions returns all saved motor position snapshots.
func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	if s.positions == nil {
		writeUnavailable(w, "position store is not configured")
		return
	}

	positions, err := s.positions.List(r.Context())
	if err != nil {
		s.logger.Error("position list failed", "error", err)
		writeInternalError(w, "failed to list positions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": positions,
		"count":     len(positions),
	})
}

// savePositionRequest is the request body for POST /positions.
type savePositionRequest struct {
	Name   string   `json:"name"`
	Motors []string `json:"motors"`
}

// handleSavePosition snapshots the named motors' readbacks and offsets.
func (s *Server) handleSavePosition(w http.ResponseWriter, r *http.Request) {
	if s.positions == nil {
		writeUnavailable(w, "position store is not configured")
		return
	}

	var req savePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeBadRequest(w, "name is required")
		return
	}

	pos, err := s.positions.Save(r.Context(), req.Name, req.Motors)
	if err != nil {
		switch {
		case errors.Is(err, motorpos.ErrNoMotors):
			writeBadRequest(w, "at least one motor is required")
		case errors.Is(err, instrument.ErrComponentNotFound):
			writeNotFound(w, err.Error())
		default:
			s.logger.Error("position save failed", "name", req.Name, "error", err)
			writeInternalError(w, "failed to save position")
		}
		return
	}

	ident := identityFrom(r.Context())
	s.auditLog(audit.ActionPositionSave, "position", pos.UID, ident.UserID, map[string]any{
		"name":   pos.Name,
		"motors": req.Motors,
	})
	writeJSON(w, http.StatusCreated, pos)
}

// handleGetPosition returns one snapshot by UID, or the most recent
// snapshot with that name.
func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	if s.positions == nil {
		writeUnavailable(w, "position store is not configured")
		return
	}

	key := chi.URLParam(r, "uid")
	pos, err := s.positions.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, motorpos.ErrPositionNotFound) {
			writeNotFound(w, "position not found: "+key)
			return
		}
		s.logger.Error("position fetch failed", "key", key, "error", err)
		writeInternalError(w, "failed to fetch position")
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// handleDeletePosition removes a snapshot by UID.
func (s *Server) handleDeletePosition(w http.ResponseWriter, r *http.Request) {
	if s.positions == nil {
		writeUnavailable(w, "position store is not configured")
		return
	}

	uid := chi.URLParam(r, "uid")
	if err := s.positions.Delete(r.Context(), uid); err != nil {
		if errors.Is(err, motorpos.ErrPositionNotFound) {
			writeNotFound(w, "position not found: "+uid)
			return
		}
		s.logger.Error("position delete failed", "uid", uid, "error", err)
		writeInternalError(w, "failed to delete position")
		return
	}

	ident := identityFrom(r.Context())
	s.auditLog(audit.ActionPositionDelete, "position", uid, ident.UserID, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleRecallPosition moves the snapshot's motors back to their saved
// readbacks through the engine.
func (s *Server) handleRecallPosition(w http.ResponseWriter, r *http.Request) {
	if s.positions == nil {
		writeUnavailable(w, "position store is not configured")
		return
	}

	key := chi.URLParam(r, "uid")
	plan, err := s.positions.RecallPlan(r.Context(), key)
	if err != nil {
		switch {
		case errors.Is(err, motorpos.ErrPositionNotFound):
			writeNotFound(w, "position not found: "+key)
		case errors.Is(err, instrument.ErrComponentNotFound):
			// A saved motor has left the registry; nothing moves.
			writeConflict(w, err.Error())
		default:
			s.logger.Error("position recall failed", "key", key, "error", err)
			writeInternalError(w, "failed to build recall plan")
		}
		return
	}

	ident := identityFrom(r.Context())
	s.auditLog(audit.ActionPositionRecall, "position", key, ident.UserID, nil)
	s.submitAsync(w, plan, nil)
}
