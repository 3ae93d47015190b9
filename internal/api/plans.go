package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apsidal/beamline-core/internal/audit"
	"github.com/apsidal/beamline-core/internal/auth"
	"github.com/apsidal/beamline-core/internal/devices"
	"github.com/apsidal/beamline-core/internal/instrument"
	"github.com/apsidal/beamline-core/internal/scan"
)

// submitGrace is how long a submission waits before concluding the run
// is genuinely underway and answering 202. Immediate failures (engine
// busy, invalid plan parameters) surface synchronously within this
// window.
const submitGrace = 150 * time.Millisecond

// planRequest is the request body for POST /plans.
//
// Devices are referenced by registry name; the handler resolves them
// and verifies the capability each slot needs (movable, flyable).
type planRequest struct {
	Plan     string         `json:"plan"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Step/count parameters.
	Detectors []string `json:"detectors,omitempty"`
	Motor     string   `json:"motor,omitempty"`
	Start     float64  `json:"start,omitempty"`
	Stop      float64  `json:"stop,omitempty"`
	Num       int      `json:"num,omitempty"`
	DelayS    float64  `json:"delay_s,omitempty"`

	// Fly parameters.
	DwellS float64  `json:"dwell_s,omitempty"`
	Extra  []string `json:"extra,omitempty"`

	// Grid parameters (slow axis steps, fast axis flies).
	SlowMotor string  `json:"slow_motor,omitempty"`
	SlowStart float64 `json:"slow_start,omitempty"`
	SlowStop  float64 `json:"slow_stop,omitempty"`
	SlowNum   int     `json:"slow_num,omitempty"`
	Snaking   bool    `json:"snaking,omitempty"`

	// mv parameters.
	Targets map[string]float64 `json:"targets,omitempty"`

	// set_energy parameters.
	EnergyEV float64 `json:"energy_ev,omitempty"`

	// record_dark_current parameters.
	Seconds float64 `json:"seconds,omitempty"`
}

// handleSubmitPlan builds a plan from the request and hands it to the
// engine. The response is 202 with the run status once the run is
// underway; immediate failures map to 400 (bad plan) or 409 (engine
// busy).
func (s *Server) handleSubmitPlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	ident := identityFrom(r.Context())
	if err := s.checkPlanScope(r.Context(), ident); err != nil {
		writeForbidden(w, err.Error())
		return
	}

	plan, err := s.buildPlan(&req)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	md := req.Metadata
	if ident.UserID != "" {
		if md == nil {
			md = make(map[string]any, 1)
		}
		md["operator_id"] = ident.UserID
	}

	s.auditLog(audit.ActionPlanSubmit, "plan", req.Plan, ident.UserID, map[string]any{
		"plan": req.Plan,
	})
	s.submitAsync(w, plan, md)
}

// handleCurrentPlan returns the engine's current (or last) run status.
func (s *Server) handleCurrentPlan(w http.ResponseWriter, _ *http.Request) {
	status := s.engine.Status()
	if status.UID == "" {
		writeNotFound(w, "no run has been executed")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// abortRequest is the request body for POST /plans/abort.
type abortRequest struct {
	Reason string `json:"reason,omitempty"`
}

// handleAbortPlan aborts the in-flight run.
func (s *Server) handleAbortPlan(w http.ResponseWriter, r *http.Request) {
	var req abortRequest
	//nolint:errcheck // body is optional; empty reason is fine
	json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "operator abort"
	}

	ident := identityFrom(r.Context())
	if err := s.engine.Abort(req.Reason); err != nil {
		if errors.Is(err, scan.ErrNoRunInProgress) {
			writeConflict(w, "no run in progress")
			return
		}
		writeInternalError(w, "abort failed")
		return
	}

	s.auditLog(audit.ActionPlanAbort, "plan", s.engine.Status().UID, ident.UserID, map[string]any{
		"reason": req.Reason,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborting"})
}

// checkPlanScope enforces hutch scoping on plan submission: scoped
// roles need at least one hutch with plan-run rights; consoles are
// granted per-hutch by console access rows.
func (s *Server) checkPlanScope(ctx context.Context, ident Identity) error {
	if !auth.IsHutchScoped(ident.Role) || s.hutchAccess == nil {
		return nil
	}
	hutches, err := s.hutchAccess.GetPlanRunHutchIDs(ctx, ident.UserID)
	if err != nil {
		return fmt.Errorf("resolving hutch access: %w", err)
	}
	if len(hutches) == 0 {
		return fmt.Errorf("no hutch grants plan execution for this account")
	}
	return nil
}

// submitAsync executes a plan on the engine in the background and
// answers once the run is underway or has failed immediately.
func (s *Server) submitAsync(w http.ResponseWriter, plan scan.Plan, md map[string]any) {
	errCh := make(chan error, 1)
	go func() {
		// The run outlives the HTTP request on purpose.
		_, err := s.engine.Execute(context.Background(), plan, md)
		if err != nil {
			s.logger.Warn("plan finished with error", "plan", plan.PlanName(), "error", err)
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		switch {
		case err == nil:
			// Ran to completion within the grace window (fast moves).
			writeJSON(w, http.StatusOK, s.engine.Status())
		case errors.Is(err, scan.ErrRunInProgress):
			writeConflict(w, "a run is already in progress")
		case errors.Is(err, scan.ErrInvalidPlan):
			writeBadRequest(w, err.Error())
		default:
			writeError(w, http.StatusBadGateway, ErrCodeInternal, "plan failed: "+err.Error())
		}
	case <-time.After(submitGrace):
		writeJSON(w, http.StatusAccepted, s.engine.Status())
	}
}

// buildPlan resolves device names and assembles the requested plan.
func (s *Server) buildPlan(req *planRequest) (scan.Plan, error) {
	switch req.Plan {
	case "count":
		dets, err := s.resolveDevices(req.Detectors)
		if err != nil {
			return nil, err
		}
		return &scan.Count{
			Detectors: dets,
			Num:       req.Num,
			Delay:     time.Duration(req.DelayS * float64(time.Second)),
		}, nil

	case "line_scan":
		motor, err := s.resolveMovable(req.Motor)
		if err != nil {
			return nil, err
		}
		dets, err := s.resolveDevices(req.Detectors)
		if err != nil {
			return nil, err
		}
		return &scan.LineScan{
			Motor: motor, Start: req.Start, Stop: req.Stop,
			Num: req.Num, Detectors: dets,
		}, nil

	case "fly_line_scan":
		return s.buildFlyLine(req)

	case "grid_fly_scan":
		fly, err := s.buildFlyLine(req)
		if err != nil {
			return nil, err
		}
		slow, err := s.resolveMovable(req.SlowMotor)
		if err != nil {
			return nil, err
		}
		fast, err := s.resolveMovable(req.Motor)
		if err != nil {
			return nil, err
		}
		return &scan.GridFlyScan{
			SlowMotor: slow,
			SlowStart: req.SlowStart, SlowStop: req.SlowStop, SlowNum: req.SlowNum,
			FastMotor: fast,
			Fly:       *fly,
			Snaking:   req.Snaking,
		}, nil

	case "mv":
		moves := make([]scan.Move, 0, len(req.Targets))
		for name, target := range req.Targets {
			m, err := s.resolveMovable(name)
			if err != nil {
				return nil, err
			}
			moves = append(moves, scan.Move{Motor: m, Target: target})
		}
		return &scan.MoveMotors{Moves: moves}, nil

	case "set_energy":
		energy, err := s.resolveMovable("energy")
		if err != nil {
			return nil, err
		}
		return &scan.SetEnergy{Energy: energy, EnergyEV: req.EnergyEV}, nil

	case "record_dark_current":
		return s.buildDarkCurrent(req)

	default:
		return nil, fmt.Errorf("unknown plan: %q", req.Plan)
	}
}

// buildFlyLine assembles the fly-scan template shared by fly_line_scan
// and grid_fly_scan.
func (s *Server) buildFlyLine(req *planRequest) (*scan.FlyLineScan, error) {
	d, err := s.registry.Find(req.Motor)
	if err != nil {
		return nil, fmt.Errorf("motor %q: %w", req.Motor, err)
	}
	flyer, ok := d.(scan.LineFlyer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", scan.ErrNotFlyable, req.Motor)
	}

	dets := make([]scan.FlyDetector, 0, len(req.Detectors))
	for _, name := range req.Detectors {
		dd, err := s.registry.Find(name)
		if err != nil {
			return nil, fmt.Errorf("detector %q: %w", name, err)
		}
		fd, ok := dd.(scan.FlyDetector)
		if !ok {
			return nil, fmt.Errorf("%w: %s", scan.ErrNotFlyable, name)
		}
		dets = append(dets, fd)
	}

	extra, err := s.resolveDevices(req.Extra)
	if err != nil {
		return nil, err
	}

	return &scan.FlyLineScan{
		Motor: flyer, Start: req.Start, Stop: req.Stop,
		Num: req.Num, Dwell: req.DwellS,
		Detectors: dets, Extra: extra,
	}, nil
}

// buildDarkCurrent resolves the configured ion chambers and shutters.
// An empty detectors list means every registered ion chamber.
func (s *Server) buildDarkCurrent(req *planRequest) (scan.Plan, error) {
	var chambers []*devices.IonChamber
	names := req.Detectors
	if len(names) == 0 {
		for _, d := range s.registry.FindLabel("ion_chambers") {
			if ic, ok := d.(*devices.IonChamber); ok {
				chambers = append(chambers, ic)
			}
		}
	} else {
		for _, name := range names {
			d, err := s.registry.Find(name)
			if err != nil {
				return nil, fmt.Errorf("ion chamber %q: %w", name, err)
			}
			ic, ok := d.(*devices.IonChamber)
			if !ok {
				return nil, fmt.Errorf("not an ion chamber: %s", name)
			}
			chambers = append(chambers, ic)
		}
	}

	var shutters []*devices.Shutter
	for _, d := range s.registry.FindLabel("shutters") {
		if sh, ok := d.(*devices.Shutter); ok {
			shutters = append(shutters, sh)
		}
	}

	return &scan.RecordDarkCurrent{
		Chambers: chambers,
		Shutters: shutters,
		Seconds:  req.Seconds,
	}, nil
}

// resolveDevices maps registry names to devices.
func (s *Server) resolveDevices(names []string) ([]devices.Device, error) {
	devs := make([]devices.Device, 0, len(names))
	for _, name := range names {
		d, err := s.registry.Find(name)
		if err != nil {
			if errors.Is(err, instrument.ErrComponentNotFound) {
				return nil, fmt.Errorf("device not found: %s", name)
			}
			return nil, err
		}
		devs = append(devs, d)
	}
	return devs, nil
}

// resolveMovable maps a registry name to a movable device.
func (s *Server) resolveMovable(name string) (devices.Movable, error) {
	d, err := s.registry.Find(name)
	if err != nil {
		return nil, fmt.Errorf("device not found: %s", name)
	}
	m, ok := d.(devices.Movable)
	if !ok {
		return nil, fmt.Errorf("%w: %s", scan.ErrNotMovable, name)
	}
	return m, nil
}
