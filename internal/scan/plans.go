package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apsidal/beamline-core/internal/devices"
)

// PrimaryStream is the stream name carrying a plan's aligned data rows.
const PrimaryStream = "primary"

// readAll triggers every triggerable detector, waits, and merges all
// readings and data keys.
func readAll(ctx context.Context, dets []devices.Device) (map[string]any, map[string]time.Time, error) {
	var wg sync.WaitGroup
	trigErrs := make([]error, len(dets))
	for i, d := range dets {
		trig, ok := d.(devices.Triggerable)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			trigErrs[i] = trig.Trigger(ctx)
		}()
	}
	wg.Wait()
	if err := errors.Join(trigErrs...); err != nil {
		return nil, nil, fmt.Errorf("trigger: %w", err)
	}

	data := make(map[string]any)
	timestamps := make(map[string]time.Time)
	for _, d := range dets {
		readings, err := d.Read(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", d.Name(), err)
		}
		for k, r := range readings {
			data[k] = r.Value
			timestamps[k] = r.Timestamp
		}
	}
	return data, timestamps, nil
}

// describeAll merges the data keys of several devices.
func describeAll(devs []devices.Device) map[string]devices.DataKey {
	keys := make(map[string]devices.DataKey)
	for _, d := range devs {
		for k, dk := range d.Describe() {
			keys[k] = dk
		}
	}
	return keys
}

// Count reads a set of detectors a fixed number of times.
type Count struct {
	// Detectors are read on every iteration; triggerable ones are
	// triggered first.
	Detectors []devices.Device

	// Num is the number of readings.
	Num int

	// Delay is an optional pause between readings.
	Delay time.Duration
}

func (p *Count) PlanName() string { return "count" }

func (p *Count) PlanArgs() map[string]any {
	names := deviceNames(p.Detectors)
	return map[string]any{"detectors": names, "num": p.Num, "delay_s": p.Delay.Seconds()}
}

func (p *Count) Run(ctx context.Context, em *Emitter) error {
	if p.Num < 1 {
		return fmt.Errorf("%w: count needs num >= 1, got %d", ErrInvalidPlan, p.Num)
	}
	if len(p.Detectors) == 0 {
		return fmt.Errorf("%w: count needs at least one detector", ErrInvalidPlan)
	}

	em.CreateStream(ctx, PrimaryStream, describeAll(p.Detectors))
	for i := 0; i < p.Num; i++ {
		if i > 0 && p.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Delay):
			}
		}
		data, timestamps, err := readAll(ctx, p.Detectors)
		if err != nil {
			return err
		}
		if err := em.EmitEvent(ctx, PrimaryStream, time.Time{}, data, timestamps); err != nil {
			return err
		}
	}
	return nil
}

// LineScan steps a motor across a range, reading detectors at each
// point.
type LineScan struct {
	Motor     devices.Movable
	Start     float64
	Stop      float64
	Num       int
	Detectors []devices.Device
}

func (p *LineScan) PlanName() string { return "line_scan" }

func (p *LineScan) PlanArgs() map[string]any {
	return map[string]any{
		"motor": p.Motor.Name(), "start": p.Start, "stop": p.Stop,
		"num": p.Num, "detectors": deviceNames(p.Detectors),
	}
}

func (p *LineScan) Run(ctx context.Context, em *Emitter) error {
	if p.Num < 2 {
		return fmt.Errorf("%w: line scan needs num >= 2, got %d", ErrInvalidPlan, p.Num)
	}

	readables := append([]devices.Device{p.Motor}, p.Detectors...)
	em.CreateStream(ctx, PrimaryStream, describeAll(readables))

	step := (p.Stop - p.Start) / float64(p.Num-1)
	for i := 0; i < p.Num; i++ {
		target := p.Start + float64(i)*step
		if err := p.Motor.Set(ctx, target); err != nil {
			return fmt.Errorf("move %s to %g: %w", p.Motor.Name(), target, err)
		}
		data, timestamps, err := readAll(ctx, readables)
		if err != nil {
			return err
		}
		if err := em.EmitEvent(ctx, PrimaryStream, time.Time{}, data, timestamps); err != nil {
			return err
		}
	}
	return nil
}

// Move pairs a motor with a target position.
type Move struct {
	Motor  devices.Movable
	Target float64
}

// MoveMotors moves a set of motors in parallel. No data streams are
// emitted; the run documents record the request itself.
type MoveMotors struct {
	// Name overrides the recorded plan name. Empty means "mv".
	Name  string
	Moves []Move
}

func (p *MoveMotors) PlanName() string {
	if p.Name != "" {
		return p.Name
	}
	return "mv"
}

func (p *MoveMotors) PlanArgs() map[string]any {
	targets := make(map[string]float64, len(p.Moves))
	for _, m := range p.Moves {
		targets[m.Motor.Name()] = m.Target
	}
	return map[string]any{"targets": targets}
}

func (p *MoveMotors) Run(ctx context.Context, _ *Emitter) error {
	if len(p.Moves) == 0 {
		return fmt.Errorf("%w: no motors to move", ErrInvalidPlan)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(p.Moves))
	for i, mv := range p.Moves {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mv.Motor.Set(ctx, mv.Target); err != nil {
				errs[i] = fmt.Errorf("%s -> %g: %w", mv.Motor.Name(), mv.Target, err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// RecallPosition builds the plan that restores a saved motor position
// snapshot.
func RecallPosition(uid string, moves []Move) *MoveMotors {
	return &MoveMotors{Name: "recall_motor_position:" + uid, Moves: moves}
}

// SetEnergy moves the beamline energy.
type SetEnergy struct {
	Energy   devices.Movable
	EnergyEV float64
}

func (p *SetEnergy) PlanName() string { return "set_energy" }

func (p *SetEnergy) PlanArgs() map[string]any {
	return map[string]any{"energy_ev": p.EnergyEV}
}

func (p *SetEnergy) Run(ctx context.Context, _ *Emitter) error {
	if p.EnergyEV <= 0 {
		return fmt.Errorf("%w: energy must be positive, got %g", ErrInvalidPlan, p.EnergyEV)
	}
	if err := p.Energy.Set(ctx, p.EnergyEV); err != nil {
		return fmt.Errorf("set energy to %g eV: %w", p.EnergyEV, err)
	}
	return nil
}

// RecordDarkCurrent measures ion chamber dark currents with the beam
// blocked: shutters close, every chamber integrates its offset, and the
// shutters that were open are restored.
type RecordDarkCurrent struct {
	Chambers []*devices.IonChamber
	Shutters []*devices.Shutter
	Seconds  float64
}

func (p *RecordDarkCurrent) PlanName() string { return "record_dark_current" }

func (p *RecordDarkCurrent) PlanArgs() map[string]any {
	names := make([]string, len(p.Chambers))
	for i, c := range p.Chambers {
		names[i] = c.Name()
	}
	return map[string]any{"ion_chambers": names, "seconds": p.Seconds}
}

func (p *RecordDarkCurrent) Run(ctx context.Context, _ *Emitter) error {
	if len(p.Chambers) == 0 {
		return fmt.Errorf("%w: no ion chambers", ErrInvalidPlan)
	}
	if p.Seconds <= 0 {
		return fmt.Errorf("%w: integration time must be positive", ErrInvalidPlan)
	}

	// Close shutters, remembering which were open for restore.
	var reopen []*devices.Shutter
	for _, s := range p.Shutters {
		state, err := s.Position(ctx)
		if err != nil {
			return fmt.Errorf("shutter %s state: %w", s.Name(), err)
		}
		if int(state) == devices.ShutterOpen {
			reopen = append(reopen, s)
		}
		if err := s.Close(ctx); err != nil {
			return fmt.Errorf("close %s: %w", s.Name(), err)
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, len(p.Chambers))
	for i, c := range p.Chambers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.RecordDarkCurrent(ctx, p.Seconds)
		}()
	}
	wg.Wait()
	err := errors.Join(errs...)

	for _, s := range reopen {
		if openErr := s.Open(ctx); openErr != nil && err == nil {
			err = fmt.Errorf("reopen %s: %w", s.Name(), openErr)
		}
	}
	return err
}

func deviceNames(devs []devices.Device) []string {
	names := make([]string, len(devs))
	for i, d := range devs {
		names[i] = d.Name()
	}
	return names
}
