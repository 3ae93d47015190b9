package instrument

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/apsidal/beamline-core/internal/devices"
	"github.com/apsidal/beamline-core/internal/infrastructure/config"
)

// ConnectError aggregates per-device connection failures. Loading
// continues past individual failures so one dead IOC does not take the
// whole beamline catalog down.
type ConnectError struct {
	// Failures maps device name to the error that kept it out of the
	// registry.
	Failures map[string]error
}

// Error lists the failed devices.
func (e *ConnectError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("instrument: %d device(s) failed to connect: %s",
		len(names), strings.Join(names, ", "))
}

// Loader builds the device catalog from configuration, connects every
// device over the transport, and registers the survivors.
type Loader struct {
	cfg    *config.Config
	tr     devices.Transport
	logger Logger
}

// NewLoader creates a loader.
//
// Parameters:
//   - cfg: Parsed beamline configuration
//   - tr: Transport devices connect over (Channel Access pool or the
//     in-memory simulation)
func NewLoader(cfg *config.Config, tr devices.Transport) *Loader {
	return &Loader{cfg: cfg, tr: tr, logger: noopLogger{}}
}

// SetLogger sets the logger for the loader.
func (l *Loader) SetLogger(logger Logger) {
	l.logger = logger
}

// Load builds, connects, and registers every configured device.
//
// Device sections with missing required parameters fail the load
// outright. Connection failures are collected instead: every device
// that does connect is registered, and the returned error (a
// *ConnectError) names the ones that did not. A nil error means the
// full catalog connected.
func (l *Loader) Load(ctx context.Context) (*Registry, error) {
	built, err := l.build()
	if err != nil {
		return nil, err
	}

	l.seedSimulation(built)

	reg := NewRegistry()
	reg.SetLogger(l.logger)

	type result struct {
		device devices.Device
		err    error
	}
	results := make([]result, len(built))

	var wg sync.WaitGroup
	for i, d := range built {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = result{device: d, err: d.Connect(ctx, l.tr)}
		}()
	}
	wg.Wait()

	failures := make(map[string]error)
	for _, res := range results {
		if res.err != nil {
			l.logger.Warn("device failed to connect",
				"device", res.device.Name(), "error", res.err)
			failures[res.device.Name()] = res.err
			continue
		}
		if m, ok := res.device.(*devices.Motor); ok && m.Name() == "" {
			if err := m.AutoName(ctx); err != nil {
				l.logger.Warn("motor auto-naming failed", "error", err)
				failures["unnamed motor"] = err
				continue
			}
		}
		if err := reg.Register(res.device); err != nil {
			failures[res.device.Name()] = err
		}
	}

	l.logger.Info("instrument loaded",
		"devices", len(built)-len(failures), "failed", len(failures))
	if len(failures) > 0 {
		return reg, &ConnectError{Failures: failures}
	}
	return reg, nil
}

// build constructs device objects from the configuration sections,
// validating required parameters.
func (l *Loader) build() ([]devices.Device, error) {
	var out []devices.Device
	cfg := l.cfg

	for i, mc := range cfg.Motors {
		if mc.Prefix == "" {
			return nil, fmt.Errorf("%w: motor[%d]: prefix is required", ErrInvalidDeviceConfig, i)
		}
		out = append(out, devices.NewMotor(mc.Prefix, mc.Name, mc.Labels...))
	}

	for i, ic := range cfg.IonChambers {
		switch {
		case ic.Name == "":
			return nil, fmt.Errorf("%w: ion_chamber[%d]: name is required", ErrInvalidDeviceConfig, i)
		case ic.ScalerPrefix == "":
			return nil, fmt.Errorf("%w: ion_chamber[%d]: scaler_prefix is required", ErrInvalidDeviceConfig, i)
		case ic.ScalerChannel < 2:
			return nil, fmt.Errorf("%w: ion_chamber[%d]: scaler_channel must be >= 2 (channel 1 is the clock)", ErrInvalidDeviceConfig, i)
		case ic.PreampPrefix == "":
			return nil, fmt.Errorf("%w: ion_chamber[%d]: preamp_prefix is required", ErrInvalidDeviceConfig, i)
		}
		out = append(out, devices.NewIonChamber(ic.Name, ic.ScalerPrefix, ic.ScalerChannel, ic.PreampPrefix, ic.VoltmeterPrefix))
	}

	var mono *devices.Monochromator
	if mc := cfg.Monochromator; mc != nil {
		if mc.Prefix == "" {
			return nil, fmt.Errorf("%w: monochromator: prefix is required", ErrInvalidDeviceConfig)
		}
		name := mc.Name
		if name == "" {
			name = "monochromator"
		}
		mono = devices.NewMonochromator(mc.Prefix, mc.EnergyPrefix, name)
		out = append(out, mono)
	}

	var und *devices.PlanarUndulator
	if uc := cfg.Undulator; uc != nil {
		if uc.Prefix == "" {
			return nil, fmt.Errorf("%w: undulator: prefix is required", ErrInvalidDeviceConfig)
		}
		name := uc.Name
		if name == "" {
			name = "undulator"
		}
		und = devices.NewPlanarUndulator(uc.Prefix, name)
		out = append(out, und)
	}

	if ec := cfg.Energy; ec != nil {
		if mono == nil {
			return nil, fmt.Errorf("%w: energy: requires a [monochromator] section", ErrInvalidDeviceConfig)
		}
		name := ec.Name
		if name == "" {
			name = "energy"
		}
		energy := devices.NewEnergyPositioner(name, mono, und)
		energy.OffsetEV = ec.IDOffsetEV
		out = append(out, energy)
	}

	for i, mc := range cfg.Mirrors {
		if mc.Prefix == "" || mc.Name == "" {
			return nil, fmt.Errorf("%w: mirror[%d]: prefix and name are required", ErrInvalidDeviceConfig, i)
		}
		out = append(out, devices.NewHighHeatLoadMirror(mc.Prefix, mc.Name, mc.Bendable))
	}

	for i, kc := range cfg.KBMirrors {
		if kc.Prefix == "" || kc.Name == "" {
			return nil, fmt.Errorf("%w: kb_mirrors[%d]: prefix and name are required", ErrInvalidDeviceConfig, i)
		}
		if kc.HorizUpstreamMotor == "" || kc.VertUpstreamMotor == "" {
			return nil, fmt.Errorf("%w: kb_mirrors[%d]: upstream motor assignments are required", ErrInvalidDeviceConfig, i)
		}
		out = append(out, devices.NewKBMirrors(kc.Prefix, kc.Name,
			devices.KBArmSpec{
				Upstream:         kc.HorizUpstreamMotor,
				Downstream:       kc.HorizDownstreamMotor,
				BenderUpstream:   kc.HorizUpstreamBender,
				BenderDownstream: kc.HorizDownstreamBender,
			},
			devices.KBArmSpec{
				Upstream:         kc.VertUpstreamMotor,
				Downstream:       kc.VertDownstreamMotor,
				BenderUpstream:   kc.VertUpstreamBender,
				BenderDownstream: kc.VertDownstreamBender,
			}))
	}

	for i, sc := range cfg.Slits {
		if sc.Prefix == "" || sc.Name == "" {
			return nil, fmt.Errorf("%w: slits[%d]: prefix and name are required", ErrInvalidDeviceConfig, i)
		}
		switch sc.Kind {
		case "", "blade":
			out = append(out, devices.NewBladeSlits(sc.Prefix, sc.Name))
		case "aperture":
			out = append(out, devices.NewApertureSlits(sc.Prefix, sc.Name, devices.ApertureMotors{
				Pitch:      sc.PitchMotor,
				Yaw:        sc.YawMotor,
				Horizontal: sc.HorizontalMotor,
				Diagonal:   sc.DiagonalMotor,
			}))
		default:
			return nil, fmt.Errorf("%w: slits[%d]: unknown kind %q", ErrInvalidDeviceConfig, i, sc.Kind)
		}
	}

	for i, pc := range cfg.PowerSupplies {
		if pc.Prefix == "" || pc.Name == "" {
			return nil, fmt.Errorf("%w: power_supply[%d]: prefix and name are required", ErrInvalidDeviceConfig, i)
		}
		n := pc.NChannels
		if n <= 0 {
			n = 1
		}
		for ch := 1; ch <= n; ch++ {
			name := pc.Name
			if n > 1 {
				name = fmt.Sprintf("%s_ch%d", pc.Name, ch)
			}
			out = append(out, devices.NewPowerSupply(pc.Prefix, ch, name))
		}
	}

	for i, sc := range cfg.Shutters {
		if sc.Name == "" || sc.OpenPV == "" || sc.ClosePV == "" || sc.StatePV == "" {
			return nil, fmt.Errorf("%w: shutter[%d]: name, open_pv, close_pv and state_pv are required", ErrInvalidDeviceConfig, i)
		}
		out = append(out, devices.NewShutter(sc.Name, sc.OpenPV, sc.ClosePV, sc.StatePV))
	}

	for i, ac := range cfg.AreaDetectors {
		if ac.Prefix == "" || ac.Name == "" {
			return nil, fmt.Errorf("%w: area_detector[%d]: prefix and name are required", ErrInvalidDeviceConfig, i)
		}
		out = append(out, devices.NewAreaDetector(ac.Prefix, ac.Name))
	}

	return out, nil
}

// seedSimulation registers motion and counting emulation when the
// transport is the in-memory simulation, so simulated devices behave
// rather than just holding static values.
func (l *Loader) seedSimulation(built []devices.Device) {
	sim, ok := l.tr.(*devices.Sim)
	if !ok {
		return
	}

	// Every motor record, whether standalone or buried in a composite
	// device, declares a "user_setpoint" signal on its .VAL field.
	for _, d := range built {
		for _, s := range d.Signals() {
			if s.Name == "user_setpoint" || strings.HasSuffix(s.Name, "_user_setpoint") {
				sim.SimulateMotor(strings.TrimSuffix(s.PV, ".VAL"), 10)
			}
		}
	}

	// Energy axes cover thousands of units; re-register them fast
	// enough that simulated scans stay interactive.
	if mc := l.cfg.Monochromator; mc != nil {
		energyPrefix := mc.EnergyPrefix
		if energyPrefix == "" {
			energyPrefix = mc.Prefix
		}
		sim.SimulateMotor(energyPrefix+"Energy", 50000)
	}

	for _, ic := range l.cfg.IonChambers {
		sim.SimulateScaler(ic.ScalerPrefix+":scaler1", 8)
	}
}
