package devices

import (
	"context"
	"fmt"
	"time"

	"github.com/apsidal/beamline-core/internal/epics/ca"
)

// Shutter states as reported by the state readback.
const (
	ShutterOpen   = 0
	ShutterClosed = 1
)

// Shutter is a front-end or hutch shutter driven by open/close command
// bits with a combined state readback.
type Shutter struct {
	base

	openCmd  *Signal
	closeCmd *Signal
	state    *Signal
}

// NewShutter declares the shutter from its command and state PVs.
//
// Parameters:
//   - name: Registry name (e.g. "front_end_shutter")
//   - openPV: Process record that opens the shutter when written 1
//   - closePV: Process record that closes the shutter when written 1
//   - statePV: Combined state readback (0 open, 1 closed)
func NewShutter(name, openPV, closePV, statePV string) *Shutter {
	s := &Shutter{}
	s.name = name
	s.labels = []string{"shutters"}

	s.openCmd = s.add(&Signal{Name: "open_signal", PV: openPV, Kind: KindOmitted, Type: ca.DBRShort, Writable: true})
	s.closeCmd = s.add(&Signal{Name: "close_signal", PV: closePV, Kind: KindOmitted, Type: ca.DBRShort, Writable: true})
	s.state = s.add(&Signal{Name: "", PV: statePV, Kind: KindHinted, Type: ca.DBREnum})
	return s
}

// APSShutterPVs derives the conventional PSS record names for an APS
// shutter from its IOC prefix and letter.
func APSShutterPVs(prefix, letter string) (openPV, closePV, statePV string) {
	return prefix + letter + "OpenEPICSC.VAL",
		prefix + letter + "CloseEPICSC.VAL",
		prefix + letter + "BeamBlockingM.VAL"
}

// Set drives the shutter to ShutterOpen or ShutterClosed and waits for
// the state readback to confirm.
func (s *Shutter) Set(ctx context.Context, target float64) error {
	var cmd *Signal
	switch int(target) {
	case ShutterOpen:
		cmd = s.openCmd
	case ShutterClosed:
		cmd = s.closeCmd
	default:
		return fmt.Errorf("%w: shutter %s: state %g", ErrMoveFailed, s.name, target)
	}
	if err := cmd.Put(ctx, int16(1)); err != nil {
		return err
	}

	ticker := time.NewTicker(movePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: shutter %s: %w", ErrMoveFailed, s.name, ctx.Err())
		case <-ticker.C:
		}
		st, err := s.state.GetFloat(ctx)
		if err != nil {
			return err
		}
		if int(st) == int(target) {
			return nil
		}
	}
}

// Position returns the current state readback.
func (s *Shutter) Position(ctx context.Context) (float64, error) {
	return s.state.GetFloat(ctx)
}

// Open opens the shutter.
func (s *Shutter) Open(ctx context.Context) error { return s.Set(ctx, ShutterOpen) }

// Close closes the shutter.
func (s *Shutter) Close(ctx context.Context) error { return s.Set(ctx, ShutterClosed) }

// Stop is a no-op; pneumatic shutters complete once commanded.
func (s *Shutter) Stop(_ context.Context) error { return nil }
