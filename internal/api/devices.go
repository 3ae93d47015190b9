package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/apsidal/beamline-core/internal/audit"
	"github.com/apsidal/beamline-core/internal/devices"
	"github.com/apsidal/beamline-core/internal/instrument"
	"github.com/apsidal/beamline-core/internal/scan"
)

// readTimeout bounds a single device read triggered over HTTP so a
// stuck IOC cannot pin a request for the full server write timeout.
const readTimeout = 10 * time.Second

// deviceSummary is the list representation of a registered device.
type deviceSummary struct {
	Name    string   `json:"name"`
	Labels  []string `json:"labels"`
	Movable bool     `json:"movable"`
	Flyable bool     `json:"flyable"`
}

// summarise builds the API view of a device.
func summarise(d devices.Device) deviceSummary {
	_, movable := d.(devices.Movable)
	_, flyable := d.(devices.Flyable)
	return deviceSummary{
		Name:    d.Name(),
		Labels:  d.Labels(),
		Movable: movable,
		Flyable: flyable,
	}
}

// handleListDevices returns all registered devices, optionally filtered
// by label.
//
// Query parameters:
//   - label: filter by label ("motors", "ion_chambers", "shutters", ...)
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var devs []devices.Device
	if label := r.URL.Query().Get("label"); label != "" {
		devs = s.registry.FindLabel(label)
	} else {
		devs = s.registry.All()
	}

	summaries := make([]deviceSummary, 0, len(devs))
	for _, d := range devs {
		summaries = append(summaries, summarise(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": summaries,
		"count":   len(summaries),
	})
}

// handleListLabels returns every label in use with its device count.
func (s *Server) handleListLabels(w http.ResponseWriter, _ *http.Request) {
	labels := s.registry.Labels()
	counts := make(map[string]int, len(labels))
	for _, l := range labels {
		counts[l] = len(s.registry.FindLabel(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"labels": counts})
}

// handleGetDevice returns one device with its data-key descriptions.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device":    summarise(d),
		"data_keys": d.Describe(),
	})
}

// handleDeviceReadings reads the device's normal and hinted signals.
func (s *Server) handleDeviceReadings(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	readings, err := d.Read(ctx)
	if err != nil {
		s.logger.Error("device read failed", "device", d.Name(), "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeInternal, "device read failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"readings": readings})
}

// handleDeviceConfiguration reads the device's config-kind signals.
func (s *Server) handleDeviceConfiguration(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	readings, err := d.ReadConfiguration(ctx)
	if err != nil {
		s.logger.Error("device configuration read failed", "device", d.Name(), "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeInternal, "device read failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"configuration": readings})
}

// setDeviceRequest is the request body for PUT /devices/{name}/set.
type setDeviceRequest struct {
	Target float64 `json:"target"`
}

// handleSetDevice moves a movable device to a target position. The
// move is executed through the engine as an mv plan so it is recorded
// in the catalog and serialised against scans.
func (s *Server) handleSetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	movable, ok := d.(devices.Movable)
	if !ok {
		writeBadRequest(w, "device is not movable: "+d.Name())
		return
	}

	var req setDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	ident := identityFrom(r.Context())
	s.auditLog(audit.ActionDeviceSet, "device", d.Name(), ident.UserID, map[string]any{
		"target": req.Target,
	})

	plan := &scan.MoveMotors{Moves: []scan.Move{{Motor: movable, Target: req.Target}}}
	s.submitAsync(w, plan, nil)
}

// handleStopDevice issues a stop to a stoppable device (e.g. hits the
// motor record's .STOP field). Unlike set, this bypasses the engine:
// stop must work even while a run holds the engine.
func (s *Server) handleStopDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	stoppable, ok := d.(devices.Stoppable)
	if !ok {
		writeBadRequest(w, "device is not stoppable: "+d.Name())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	if err := stoppable.Stop(ctx); err != nil {
		s.logger.Error("device stop failed", "device", d.Name(), "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeInternal, "stop failed: "+err.Error())
		return
	}

	ident := identityFrom(r.Context())
	s.auditLog(audit.ActionDeviceStop, "device", d.Name(), ident.UserID, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// lookupDevice resolves the {name} route parameter against the
// registry, writing the error response on failure.
func (s *Server) lookupDevice(w http.ResponseWriter, r *http.Request) (devices.Device, bool) {
	name := chi.URLParam(r, "name")
	d, err := s.registry.Find(name)
	if err != nil {
		if errors.Is(err, instrument.ErrMultipleComponentsFound) {
			writeConflict(w, "name matches multiple devices: "+name)
			return nil, false
		}
		writeNotFound(w, "device not found: "+name)
		return nil, false
	}
	return d, true
}
