package devices

import (
	"context"

	"github.com/apsidal/beamline-core/internal/epics/ca"
)

// PlanarUndulator is an APS planar insertion device. The energy axis
// is a busy-record positioner: writes land on SetC.VAL, the move is
// started via StartC.VAL and completion is signalled by BusyM.VAL
// returning to zero.
//
// Energy units are keV on the wire; callers up-convert from eV.
type PlanarUndulator struct {
	group

	energy *Positioner
	gap    *Positioner

	harmonic   *Signal
	totalPower *Signal
	deadband   *Signal
	device     *Signal
}

// NewPlanarUndulator declares the undulator at the given IOC prefix
// (e.g. "S25ID:USID:").
func NewPlanarUndulator(prefix, name string) *PlanarUndulator {
	u := &PlanarUndulator{}
	u.name = name
	u.labels = []string{"undulators"}

	u.energy = NewPositioner(PositionerSpec{
		Name:     name + "_energy",
		Setpoint: prefix + "EnergySetC.VAL",
		Readback: prefix + "EnergyM.VAL",
		Actuate:  prefix + "StartC.VAL",
		Done:     prefix + "BusyM.VAL",
		Stop:     prefix + "StopC.VAL",
		Units:    "keV",
	})
	u.gap = NewPositioner(PositionerSpec{
		Name:     name + "_gap",
		Setpoint: prefix + "GapSetC.VAL",
		Readback: prefix + "GapM.VAL",
		Actuate:  prefix + "StartC.VAL",
		Done:     prefix + "BusyM.VAL",
		Stop:     prefix + "StopC.VAL",
		Units:    "mm",
	})
	u.addChild(u.energy)
	u.addChild(u.gap)

	u.harmonic = u.add(&Signal{Name: "harmonic", PV: prefix + "HarmonicValueC", Kind: KindConfig, Type: ca.DBRLong, Writable: true})
	u.totalPower = u.add(&Signal{Name: "total_power", PV: prefix + "TotalPowerM.VAL", Kind: KindNormal, Type: ca.DBRDouble, Units: "kW"})
	u.deadband = u.add(&Signal{Name: "deadband", PV: prefix + "DeadbandGapC", Kind: KindConfig, Type: ca.DBRDouble})
	u.device = u.add(&Signal{Name: "device", PV: prefix + "DeviceM", Kind: KindConfig, Type: ca.DBRString})

	return u
}

// Set moves the undulator energy, in keV.
func (u *PlanarUndulator) Set(ctx context.Context, keV float64) error {
	return u.energy.Set(ctx, keV)
}

// Position returns the energy readback in keV.
func (u *PlanarUndulator) Position(ctx context.Context) (float64, error) {
	return u.energy.Position(ctx)
}

// Stop aborts any in-flight move.
func (u *PlanarUndulator) Stop(ctx context.Context) error {
	return u.energy.Stop(ctx)
}

// Energy exposes the energy positioner for coupled devices.
func (u *PlanarUndulator) Energy() *Positioner { return u.energy }

// Gap exposes the gap positioner for commissioning plans.
func (u *PlanarUndulator) Gap() *Positioner { return u.gap }
