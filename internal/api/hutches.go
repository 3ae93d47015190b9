package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/apsidal/beamline-core/internal/facility"
)

// handleListHutches returns the facility record and its hutches in
// beam order.
func (s *Server) handleListHutches(w http.ResponseWriter, r *http.Request) {
	if s.facility == nil {
		writeUnavailable(w, "facility store is not configured")
		return
	}

	hutches, err := s.facility.ListHutches(r.Context())
	if err != nil {
		s.logger.Error("hutch list failed", "error", err)
		writeInternalError(w, "failed to list hutches")
		return
	}

	resp := map[string]any{
		"hutches": hutches,
		"count":   len(hutches),
	}
	// Facility record is optional (absent until first configured).
	if fac, err := s.facility.GetFacility(r.Context()); err == nil {
		resp["facility"] = fac
	}
	writeJSON(w, http.StatusOK, resp)
}

// hutchRequest is the request body for creating or updating a hutch.
type hutchRequest struct {
	Name      string `json:"name"`
	Slug      string `json:"slug"`
	Type      string `json:"type"`
	SortOrder *int   `json:"sort_order"`
}

// handleCreateHutch registers a new hutch on the beamline.
func (s *Server) handleCreateHutch(w http.ResponseWriter, r *http.Request) {
	if s.facility == nil {
		writeUnavailable(w, "facility store is not configured")
		return
	}

	var req hutchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	h := &facility.Hutch{
		ID:   "hutch-" + uuid.NewString()[:8],
		Name: req.Name,
		Slug: req.Slug,
		Type: req.Type,
	}
	if req.SortOrder != nil {
		h.SortOrder = *req.SortOrder
	}
	if fac, err := s.facility.GetFacility(r.Context()); err == nil {
		h.FacilityID = fac.ID
	}

	if err := facility.ValidateHutch(h); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if err := s.facility.CreateHutch(r.Context(), h); err != nil {
		s.logger.Error("hutch create failed", "name", req.Name, "error", err)
		writeInternalError(w, "failed to create hutch")
		return
	}
	writeJSON(w, http.StatusCreated, h)
}

// handleGetHutch returns a single hutch by ID.
func (s *Server) handleGetHutch(w http.ResponseWriter, r *http.Request) {
	if s.facility == nil {
		writeUnavailable(w, "facility store is not configured")
		return
	}

	id := chi.URLParam(r, "id")
	h, err := s.facility.GetHutch(r.Context(), id)
	if err != nil {
		if errors.Is(err, facility.ErrHutchNotFound) {
			writeNotFound(w, "hutch not found: "+id)
			return
		}
		s.logger.Error("hutch fetch failed", "id", id, "error", err)
		writeInternalError(w, "failed to fetch hutch")
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// handleUpdateHutch applies partial updates to a hutch.
func (s *Server) handleUpdateHutch(w http.ResponseWriter, r *http.Request) {
	if s.facility == nil {
		writeUnavailable(w, "facility store is not configured")
		return
	}

	id := chi.URLParam(r, "id")
	h, err := s.facility.GetHutch(r.Context(), id)
	if err != nil {
		if errors.Is(err, facility.ErrHutchNotFound) {
			writeNotFound(w, "hutch not found: "+id)
			return
		}
		s.logger.Error("hutch fetch failed", "id", id, "error", err)
		writeInternalError(w, "failed to fetch hutch")
		return
	}

	var req hutchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name != "" {
		h.Name = req.Name
	}
	if req.Slug != "" {
		h.Slug = req.Slug
	}
	if req.Type != "" {
		h.Type = req.Type
	}
	if req.SortOrder != nil {
		h.SortOrder = *req.SortOrder
	}

	if err := facility.ValidateHutch(h); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if err := s.facility.UpdateHutch(r.Context(), h); err != nil {
		s.logger.Error("hutch update failed", "id", id, "error", err)
		writeInternalError(w, "failed to update hutch")
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// handleDeleteHutch removes a hutch. Hutches with endstations must be
// emptied first.
func (s *Server) handleDeleteHutch(w http.ResponseWriter, r *http.Request) {
	if s.facility == nil {
		writeUnavailable(w, "facility store is not configured")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.facility.DeleteHutch(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, facility.ErrHutchNotFound):
			writeNotFound(w, "hutch not found: "+id)
		case errors.Is(err, facility.ErrHutchHasEndstations):
			writeConflict(w, err.Error())
		default:
			s.logger.Error("hutch delete failed", "id", id, "error", err)
			writeInternalError(w, "failed to delete hutch")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleListEndstations returns the endstations placed in a hutch.
func (s *Server) handleListEndstations(w http.ResponseWriter, r *http.Request) {
	if s.facility == nil {
		writeUnavailable(w, "facility store is not configured")
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := s.facility.GetHutch(r.Context(), id); err != nil {
		if errors.Is(err, facility.ErrHutchNotFound) {
			writeNotFound(w, "hutch not found: "+id)
			return
		}
		s.logger.Error("hutch fetch failed", "id", id, "error", err)
		writeInternalError(w, "failed to fetch hutch")
		return
	}

	stations, err := s.facility.ListEndstationsByHutch(r.Context(), id)
	if err != nil {
		s.logger.Error("endstation list failed", "hutch_id", id, "error", err)
		writeInternalError(w, "failed to list endstations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"endstations": stations,
		"count":       len(stations),
	})
}
