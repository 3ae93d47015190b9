package devices

import (
	"context"

	"github.com/apsidal/beamline-core/internal/epics/ca"
)

// Monochromator is the double-crystal monochromator: an energy pseudo
// motor plus the real axes it drives, with the insertion-device
// tracking configuration that couples it to the undulator.
//
// Set moves the energy axis; the other motors are exposed for alignment
// plans and configuration snapshots.
type Monochromator struct {
	group

	energy *Motor
	offset *Motor
	bragg  *Motor
	gap    *Motor
	horiz  *Motor
	vert   *Motor
	roll2  *Motor
	pitch2 *Motor

	idTracking *Signal
	idOffset   *Signal
	dSpacing   *Signal
	mode       *Signal
}

// NewMonochromator declares the monochromator.
//
// Parameters:
//   - prefix: Mono IOC prefix (e.g. "25idcVME:")
//   - energyPrefix: IOC hosting the Energy pseudo motor; "" uses prefix
//   - name: Registry name (e.g. "monochromator")
func NewMonochromator(prefix, energyPrefix, name string) *Monochromator {
	if energyPrefix == "" {
		energyPrefix = prefix
	}

	m := &Monochromator{}
	m.name = name
	m.labels = []string{"monochromators"}

	m.energy = NewMotor(energyPrefix+"Energy", name+"_energy")
	m.offset = NewMotor(energyPrefix+"Offset", name+"_offset")
	m.bragg = NewMotor(prefix+"ACS:m3", name+"_bragg")
	m.gap = NewMotor(prefix+"ACS:m4", name+"_gap")
	m.horiz = NewMotor(prefix+"ACS:m1", name+"_horiz")
	m.vert = NewMotor(prefix+"ACS:m2", name+"_vert")
	m.roll2 = NewMotor(prefix+"ACS:m5", name+"_roll2")
	m.pitch2 = NewMotor(prefix+"ACS:m6", name+"_pitch2")
	for _, child := range []*Motor{m.energy, m.offset, m.bragg, m.gap, m.horiz, m.vert, m.roll2, m.pitch2} {
		m.addChild(child)
	}

	m.idTracking = m.add(&Signal{Name: "id_tracking", PV: prefix + "ID_tracking", Kind: KindConfig, Type: ca.DBRShort, Writable: true})
	m.idOffset = m.add(&Signal{Name: "id_offset", PV: prefix + "ID_offset", Kind: KindConfig, Type: ca.DBRDouble, Writable: true})
	m.dSpacing = m.add(&Signal{Name: "d_spacing", PV: prefix + "dspacing", Kind: KindConfig, Type: ca.DBRDouble, Units: "angstrom"})
	m.mode = m.add(&Signal{Name: "mode", PV: prefix + "mode", Kind: KindConfig, Type: ca.DBREnum})

	return m
}

// Set moves the energy pseudo motor, in eV.
func (m *Monochromator) Set(ctx context.Context, energyEV float64) error {
	return m.energy.Set(ctx, energyEV)
}

// Position returns the current energy readback in eV.
func (m *Monochromator) Position(ctx context.Context) (float64, error) {
	return m.energy.Position(ctx)
}

// Stop halts the energy axis.
func (m *Monochromator) Stop(ctx context.Context) error {
	return m.energy.Stop(ctx)
}

// Stage forces insertion-device tracking off for the run, ensuring
// that energy moves stay independent of the undulator. The coupled
// EnergyPositioner handles the undulator explicitly.
func (m *Monochromator) Stage(ctx context.Context) error {
	return m.idTracking.Put(ctx, int16(0))
}

// Unstage is a no-op; tracking state is operator policy between runs.
func (m *Monochromator) Unstage(_ context.Context) error { return nil }

// Energy exposes the energy axis for coupled positioners.
func (m *Monochromator) Energy() *Motor { return m.energy }

// Pitch2 exposes the second-crystal pitch for alignment plans.
func (m *Monochromator) Pitch2() *Motor { return m.pitch2 }

// IDOffset reads the undulator tracking offset in eV.
func (m *Monochromator) IDOffset(ctx context.Context) (float64, error) {
	return m.idOffset.GetFloat(ctx)
}
