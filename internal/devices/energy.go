package devices

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// EnergyPositioner couples the monochromator and the undulator so a
// single Set drives both: the mono moves to the requested energy in eV
// while the undulator is parked slightly above it (the tracking offset
// keeps the harmonic peak on the mono bandpass). Both moves run
// concurrently and Set waits for whichever finishes last.
type EnergyPositioner struct {
	group

	mono      *Monochromator
	undulator *PlanarUndulator

	// OffsetEV overrides the mono's tracking offset record when
	// nonzero, for beamlines that configure the offset statically.
	OffsetEV float64
}

// NewEnergyPositioner couples an existing mono and undulator. The
// undulator may be nil on bending-magnet lines, in which case Set
// drives the mono alone.
func NewEnergyPositioner(name string, mono *Monochromator, und *PlanarUndulator) *EnergyPositioner {
	e := &EnergyPositioner{mono: mono, undulator: und}
	e.name = name
	e.labels = []string{"energy"}
	e.addChild(mono)
	if und != nil {
		e.addChild(und)
	}
	return e
}

// Set moves beamline energy to the given value in eV.
//
// The undulator target is (eV + offset)/1000 keV, where offset comes
// from the mono's ID_offset record. Mono and undulator moves are
// issued in parallel; errors from both are joined.
func (e *EnergyPositioner) Set(ctx context.Context, energyEV float64) error {
	if e.undulator == nil {
		return e.mono.Set(ctx, energyEV)
	}

	offset := e.OffsetEV
	if offset == 0 {
		var err error
		offset, err = e.mono.IDOffset(ctx)
		if err != nil {
			return fmt.Errorf("energy %s: read tracking offset: %w", e.name, err)
		}
	}
	targetKeV := (energyEV + offset) / 1000.0

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = e.mono.Set(ctx, energyEV)
	}()
	go func() {
		defer wg.Done()
		errs[1] = e.undulator.Set(ctx, targetKeV)
	}()
	wg.Wait()

	return errors.Join(errs[0], errs[1])
}

// Position returns the mono energy readback in eV. The mono is the
// source of truth for beamline energy; the undulator merely tracks.
func (e *EnergyPositioner) Position(ctx context.Context) (float64, error) {
	return e.mono.Position(ctx)
}

// Stop halts both axes.
func (e *EnergyPositioner) Stop(ctx context.Context) error {
	err := e.mono.Stop(ctx)
	if e.undulator != nil {
		err = errors.Join(err, e.undulator.Stop(ctx))
	}
	return err
}
