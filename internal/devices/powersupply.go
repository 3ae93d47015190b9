package devices

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/apsidal/beamline-core/internal/epics/ca"
)

// PowerSupply is a dual-channel detector bias supply (NHQ 203M-style
// IOC records). Each channel has voltage setpoint/readback, current
// readback and a ramp rate; Set drives the channel voltage and waits
// for the readback to settle at the ramped value.
type PowerSupply struct {
	base

	channel int

	voltage   *Signal
	setpoint  *Signal
	current   *Signal
	rampRate  *Signal
	status    *Signal
	settleTol float64
}

// NewPowerSupply declares one channel of the supply.
//
// Parameters:
//   - prefix: IOC prefix (e.g. "25idc:ps1:")
//   - channel: 1-based channel number on the unit
//   - name: Registry name (e.g. "detector_bias")
func NewPowerSupply(prefix string, channel int, name string) *PowerSupply {
	ps := &PowerSupply{channel: channel, settleTol: 2.0}
	ps.name = name
	ps.labels = []string{"power_supplies"}

	ch := fmt.Sprintf("%d", channel)
	ps.voltage = ps.add(&Signal{Name: "voltage", PV: prefix + "Volt" + ch + "_rbv", Kind: KindHinted, Type: ca.DBRDouble, Units: "V"})
	ps.setpoint = ps.add(&Signal{Name: "voltage_setpoint", PV: prefix + "SetVolt" + ch, Kind: KindNormal, Type: ca.DBRDouble, Writable: true, Units: "V"})
	ps.current = ps.add(&Signal{Name: "current", PV: prefix + "Curr" + ch + "_rbv", Kind: KindNormal, Type: ca.DBRDouble, Units: "A"})
	ps.rampRate = ps.add(&Signal{Name: "ramp_rate", PV: prefix + "RampSpeed" + ch, Kind: KindConfig, Type: ca.DBRDouble, Writable: true, Units: "V/s"})
	ps.status = ps.add(&Signal{Name: "status", PV: prefix + "Status" + ch, Kind: KindNormal, Type: ca.DBRString})
	return ps
}

// Set ramps the channel to the given voltage and waits until the
// readback settles within tolerance. The supply ramps internally at
// its configured rate, so this can take minutes at high bias.
func (ps *PowerSupply) Set(ctx context.Context, volts float64) error {
	if err := ps.setpoint.Put(ctx, volts); err != nil {
		return fmt.Errorf("power supply %s: %w", ps.name, err)
	}
	ticker := time.NewTicker(movePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s -> %gV: %w", ErrMoveFailed, ps.name, volts, ctx.Err())
		case <-ticker.C:
		}
		rbv, err := ps.voltage.GetFloat(ctx)
		if err != nil {
			return err
		}
		if math.Abs(rbv-volts) <= ps.settleTol {
			return nil
		}
	}
}

// Position returns the voltage readback.
func (ps *PowerSupply) Position(ctx context.Context) (float64, error) {
	return ps.voltage.GetFloat(ctx)
}

// Stop freezes the ramp by re-targeting the present readback.
func (ps *PowerSupply) Stop(ctx context.Context) error {
	v, err := ps.voltage.GetFloat(ctx)
	if err != nil {
		return err
	}
	return ps.setpoint.Put(ctx, v)
}

// SetRampRate configures the ramp speed in volts per second.
func (ps *PowerSupply) SetRampRate(ctx context.Context, voltsPerSec float64) error {
	return ps.rampRate.Put(ctx, voltsPerSec)
}
