package devices

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/apsidal/beamline-core/internal/epics/ca"
)

// movePollInterval is the done-moving poll period.
const movePollInterval = 10 * time.Millisecond

// Motor wraps an EPICS motor record. The readback is the hinted primary
// value; tuning fields (velocity, acceleration, offset, limits) are
// configuration signals read once per run.
//
// Motor also implements Flyable and Predictor: given fly parameters it
// taxis past the start position, slews across the scan range at
// constant velocity while recording timestamped readbacks, and can
// interpolate its position at an arbitrary time for stream alignment.
type Motor struct {
	base

	setpoint  *Signal
	readback  *Signal
	desc      *Signal
	egu       *Signal
	velocity  *Signal
	accel     *Signal
	offset    *Signal
	direction *Signal
	offsetFrz *Signal
	moving    *Signal
	doneMove  *Signal
	highLimit *Signal
	lowLimit  *Signal
	highLimSw *Signal
	lowLimSw  *Signal
	travelDir *Signal
	limitViol *Signal
	stop      *Signal
	precision *Signal

	// Fly-scan state.
	flyMu     sync.Mutex
	flyStart  float64
	flyEnd    float64
	flyPoints int
	flyDwell  float64 // seconds per pixel
	pixels    []float64
	taxiStart float64
	taxiEnd   float64
	slewSpeed float64
	baseVelo  float64
	recorded  []flyPoint
	recordOff func()
}

type flyPoint struct {
	t time.Time
	v float64
}

// NewMotor declares a motor bound to an EPICS motor record prefix.
//
// Parameters:
//   - prefix: Motor record PV (e.g. "255idVME:m1")
//   - name: Registry name; empty selects auto-naming from .DESC at load
//   - labels: Extra lookup labels (the "motors" label is always present)
func NewMotor(prefix, name string, labels ...string) *Motor {
	m := &Motor{}
	m.name = name
	m.labels = append([]string{"motors"}, labels...)

	m.setpoint = m.add(&Signal{Name: "user_setpoint", PV: prefix + ".VAL", Kind: KindNormal, Type: ca.DBRDouble, Writable: true})
	m.readback = m.add(&Signal{Name: "", PV: prefix + ".RBV", Kind: KindHinted, Type: ca.DBRDouble})
	m.desc = m.add(&Signal{Name: "description", PV: prefix + ".DESC", Kind: KindOmitted, Type: ca.DBRString})
	m.egu = m.add(&Signal{Name: "motor_egu", PV: prefix + ".EGU", Kind: KindConfig, Type: ca.DBRString})
	m.velocity = m.add(&Signal{Name: "velocity", PV: prefix + ".VELO", Kind: KindConfig, Type: ca.DBRDouble, Writable: true})
	m.accel = m.add(&Signal{Name: "acceleration", PV: prefix + ".ACCL", Kind: KindConfig, Type: ca.DBRDouble, Writable: true})
	m.offset = m.add(&Signal{Name: "user_offset", PV: prefix + ".OFF", Kind: KindConfig, Type: ca.DBRDouble, Writable: true})
	m.direction = m.add(&Signal{Name: "user_offset_dir", PV: prefix + ".DIR", Kind: KindConfig, Type: ca.DBREnum})
	m.offsetFrz = m.add(&Signal{Name: "offset_freeze_switch", PV: prefix + ".FOFF", Kind: KindOmitted, Type: ca.DBREnum})
	m.moving = m.add(&Signal{Name: "motor_is_moving", PV: prefix + ".MOVN", Kind: KindOmitted, Type: ca.DBRShort})
	m.doneMove = m.add(&Signal{Name: "motor_done_move", PV: prefix + ".DMOV", Kind: KindOmitted, Type: ca.DBRShort})
	m.highLimSw = m.add(&Signal{Name: "high_limit_switch", PV: prefix + ".HLS", Kind: KindOmitted, Type: ca.DBRShort})
	m.lowLimSw = m.add(&Signal{Name: "low_limit_switch", PV: prefix + ".LLS", Kind: KindOmitted, Type: ca.DBRShort})
	m.highLimit = m.add(&Signal{Name: "high_limit_travel", PV: prefix + ".HLM", Kind: KindConfig, Type: ca.DBRDouble, Writable: true})
	m.lowLimit = m.add(&Signal{Name: "low_limit_travel", PV: prefix + ".LLM", Kind: KindConfig, Type: ca.DBRDouble, Writable: true})
	m.travelDir = m.add(&Signal{Name: "direction_of_travel", PV: prefix + ".TDIR", Kind: KindOmitted, Type: ca.DBRShort})
	m.limitViol = m.add(&Signal{Name: "soft_limit_violation", PV: prefix + ".LVIO", Kind: KindOmitted, Type: ca.DBRShort})
	m.stop = m.add(&Signal{Name: "motor_stop", PV: prefix + ".STOP", Kind: KindOmitted, Type: ca.DBRShort, Writable: true})
	m.precision = m.add(&Signal{Name: "display_precision", PV: prefix + ".PREC", Kind: KindOmitted, Type: ca.DBRShort})

	return m
}

// AutoName reads the record's description field and derives the
// registry name from it. Called by the instrument loader for motors
// configured without an explicit name.
func (m *Motor) AutoName(ctx context.Context) error {
	r, err := m.desc.Get(ctx)
	if err != nil {
		return fmt.Errorf("read description: %w", err)
	}
	desc, _ := r.Value.(string)
	if slug := Slugify(desc); slug != "" {
		m.name = slug
		return nil
	}
	return fmt.Errorf("empty description for %s", m.desc.PV)
}

// Set moves the motor to target user coordinates and blocks until the
// record reports done-moving, a soft limit trips, or ctx expires.
func (m *Motor) Set(ctx context.Context, target float64) error {
	if err := m.setpoint.Put(ctx, target); err != nil {
		return err
	}
	return m.waitMove(ctx, target)
}

// waitMove polls the record until motion completes.
func (m *Motor) waitMove(ctx context.Context, target float64) error {
	started := false
	ticker := time.NewTicker(movePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrMoveFailed, m.name, ctx.Err())
		case <-ticker.C:
		}

		if lvio, err := m.limitViol.GetFloat(ctx); err == nil && lvio != 0 {
			return fmt.Errorf("%w: %s: soft limit violation at %g", ErrMoveFailed, m.name, target)
		}

		movn, err := m.moving.GetFloat(ctx)
		if err != nil {
			return err
		}
		if movn != 0 {
			started = true
			continue
		}

		dmov, err := m.doneMove.GetFloat(ctx)
		if err != nil {
			return err
		}
		if dmov == 0 {
			started = true
			continue
		}

		if started {
			return nil
		}

		// Never saw motion start: either the record is already at the
		// target or the write was a no-op.
		rbv, err := m.Position(ctx)
		if err != nil {
			return err
		}
		if math.Abs(rbv-target) <= m.tolerance(ctx) {
			return nil
		}
	}
}

// tolerance derives a position deadband from the display precision.
func (m *Motor) tolerance(ctx context.Context) float64 {
	prec, err := m.precision.GetFloat(ctx)
	if err != nil || prec <= 0 || prec > 12 {
		return 1e-4
	}
	return math.Pow(10, -prec)
}

// Position returns the current user readback.
func (m *Motor) Position(ctx context.Context) (float64, error) {
	return m.readback.GetFloat(ctx)
}

// Stop halts motion immediately.
func (m *Motor) Stop(ctx context.Context) error {
	return m.stop.Put(ctx, int16(1))
}

// Offset returns the user offset (.OFF), snapshotted when saving motor
// positions.
func (m *Motor) Offset(ctx context.Context) (float64, error) {
	return m.offset.GetFloat(ctx)
}

// SetFlyParams programs the fly trajectory: num pixels from start to
// stop, dwelling dwell seconds in each.
//
// Returns ErrInvalidFlyParams for fewer than two points or a
// non-positive dwell, before any motion.
func (m *Motor) SetFlyParams(start, stop float64, num int, dwell float64) error {
	if num < 2 {
		return fmt.Errorf("%w: need at least 2 points, got %d", ErrInvalidFlyParams, num)
	}
	if dwell <= 0 {
		return fmt.Errorf("%w: dwell must be positive, got %g", ErrInvalidFlyParams, dwell)
	}
	if start == stop {
		return fmt.Errorf("%w: start equals stop (%g)", ErrInvalidFlyParams, start)
	}

	m.flyMu.Lock()
	defer m.flyMu.Unlock()
	m.flyStart = start
	m.flyEnd = stop
	m.flyPoints = num
	m.flyDwell = dwell

	step := (stop - start) / float64(num-1)
	m.pixels = make([]float64, num)
	for i := range num {
		m.pixels[i] = start + float64(i)*step
	}
	m.slewSpeed = math.Abs(step) / dwell
	return nil
}

// PixelPositions returns the programmed pixel centres.
func (m *Motor) PixelPositions() []float64 {
	m.flyMu.Lock()
	defer m.flyMu.Unlock()
	out := make([]float64, len(m.pixels))
	copy(out, m.pixels)
	return out
}

// Kickoff taxis to the run-up position and sets the slew velocity.
// The taxi distance covers half a pixel plus the acceleration ramp so
// the motor crosses the first pixel already at constant speed.
func (m *Motor) Kickoff(ctx context.Context) error {
	m.flyMu.Lock()
	if m.flyPoints < 2 {
		m.flyMu.Unlock()
		return fmt.Errorf("%w: fly parameters not set", ErrInvalidFlyParams)
	}
	start, stop := m.flyStart, m.flyEnd
	step := (stop - start) / float64(m.flyPoints-1)
	slew := m.slewSpeed
	m.recorded = nil
	m.flyMu.Unlock()

	velo, err := m.velocity.GetFloat(ctx)
	if err != nil {
		return err
	}
	accl, err := m.accel.GetFloat(ctx)
	if err != nil {
		return err
	}

	rampDist := slew * accl
	dir := 1.0
	if stop < start {
		dir = -1.0
	}
	taxiStart := start - dir*(math.Abs(step)/2+rampDist)
	taxiEnd := stop + dir*(math.Abs(step)/2+rampDist)

	m.flyMu.Lock()
	m.taxiStart = taxiStart
	m.taxiEnd = taxiEnd
	m.baseVelo = velo
	m.flyMu.Unlock()

	if err := m.Set(ctx, taxiStart); err != nil {
		return fmt.Errorf("taxi to %g: %w", taxiStart, err)
	}
	return m.velocity.Put(ctx, slew)
}

// Complete flies from the taxi start to the taxi end, recording
// (timestamp, readback) pairs along the way, then restores the original
// velocity.
func (m *Motor) Complete(ctx context.Context) error {
	m.flyMu.Lock()
	taxiEnd := m.taxiEnd
	baseVelo := m.baseVelo
	m.flyMu.Unlock()

	cancel, err := m.readback.Monitor(ctx, func(r Reading) {
		v, err := r.Float()
		if err != nil {
			return
		}
		m.flyMu.Lock()
		m.recorded = append(m.recorded, flyPoint{t: r.Timestamp, v: v})
		m.flyMu.Unlock()
	})
	if err != nil {
		return err
	}

	moveErr := m.Set(ctx, taxiEnd)
	cancel()

	if restoreErr := m.velocity.Put(ctx, baseVelo); restoreErr != nil && moveErr == nil {
		moveErr = restoreErr
	}
	return moveErr
}

// CollectFly drains the readback trace recorded during Complete.
func (m *Motor) CollectFly(_ context.Context) ([]FlyEvent, error) {
	m.flyMu.Lock()
	recorded := m.recorded
	m.recorded = nil
	m.flyMu.Unlock()

	if len(recorded) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFlyData, m.name)
	}

	events := make([]FlyEvent, len(recorded))
	for i, p := range recorded {
		events[i] = FlyEvent{
			Time:       p.t,
			Data:       map[string]any{m.name: p.v},
			Timestamps: map[string]time.Time{m.name: p.t},
		}
	}
	return events, nil
}

// DescribeFly returns the data key for the recorded readback trace.
func (m *Motor) DescribeFly() map[string]DataKey {
	return map[string]DataKey{m.name: m.readback.DataKey()}
}

// Predict interpolates the motor position at t from the recorded trace
// and snaps the corresponding setpoint to the nearest pixel centre.
//
// Interpolation is linear between the two recorded points bracketing t;
// times outside the trace clamp to the first or last recording.
func (m *Motor) Predict(t time.Time) (map[string]any, error) {
	m.flyMu.Lock()
	defer m.flyMu.Unlock()

	if len(m.recorded) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFlyData, m.name)
	}

	pos := interpolate(m.recorded, t)
	out := map[string]any{m.name: pos}
	if len(m.pixels) > 0 {
		out[m.name+"_user_setpoint"] = nearestPixel(m.pixels, pos)
	}
	return out, nil
}

// interpolate returns the linearly interpolated value at t, clamped to
// the trace's endpoints.
func interpolate(trace []flyPoint, t time.Time) float64 {
	if !t.After(trace[0].t) {
		return trace[0].v
	}
	last := trace[len(trace)-1]
	if !t.Before(last.t) {
		return last.v
	}

	// First point at or after t.
	i := sort.Search(len(trace), func(i int) bool { return !trace[i].t.Before(t) })
	a, b := trace[i-1], trace[i]
	span := b.t.Sub(a.t).Seconds()
	if span <= 0 {
		return a.v
	}
	frac := t.Sub(a.t).Seconds() / span
	return a.v + frac*(b.v-a.v)
}

// nearestPixel snaps a position to the closest programmed pixel centre.
func nearestPixel(pixels []float64, pos float64) float64 {
	best := pixels[0]
	bestDist := math.Abs(pos - best)
	for _, p := range pixels[1:] {
		if d := math.Abs(pos - p); d < bestDist {
			best, bestDist = p, d
		}
	}
	return best
}
