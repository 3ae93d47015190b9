package scan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/apsidal/beamline-core/internal/devices"
)

// LineFlyer is a motor-like flyer whose trajectory is programmed as a
// pixel grid before kickoff.
type LineFlyer interface {
	devices.Flyable
	SetFlyParams(start, stop float64, num int, dwell float64) error
}

// FlyDetector is a detector-like flyer binned alongside the motion.
type FlyDetector interface {
	devices.Flyable
	SetFlyBins(ctx context.Context, bins int) error
	SetExposure(ctx context.Context, seconds float64) error
}

// FlyerCollector merges independent timestamped flyer streams into one
// aligned event sequence.
//
// Each primary flyer produced its own (timestamp, value) series during
// the fly; the series never line up exactly because every device
// timestamps on its own clock edge. The longest primary series is
// taken as the reference, each other primary contributes its
// nearest-timestamp event, the merged event time is the median of the
// contributing times, and secondary flyers (those that can interpolate)
// contribute their Predict value at that time. Extra devices are read
// once per event and appended without affecting the event time.
type FlyerCollector struct {
	Primaries   []devices.Flyable
	Secondaries []devices.Predictor
	Extra       []devices.Device

	// Logger receives alignment diagnostics. Nil means silent.
	Logger Logger

	// raw holds each primary's drained stream, index-aligned with
	// Primaries. Populated by Collect.
	raw [][]devices.FlyEvent
}

// RawStream returns the unaligned events drained from Primaries[i]
// during Collect.
func (fc *FlyerCollector) RawStream(i int) []devices.FlyEvent { return fc.raw[i] }

// DescribeMerged returns the aligned stream's data keys: every
// primary's fly keys plus the secondaries' and extras' read keys.
func (fc *FlyerCollector) DescribeMerged() map[string]devices.DataKey {
	keys := make(map[string]devices.DataKey)
	for _, p := range fc.Primaries {
		for k, dk := range p.DescribeFly() {
			keys[k] = dk
		}
	}
	for _, s := range fc.Secondaries {
		if d, ok := s.(devices.Flyable); ok {
			for k, dk := range d.DescribeFly() {
				keys[k] = dk
			}
			// The snapped setpoint key rides along with the readback.
			if m, ok := s.(*devices.Motor); ok {
				for k, dk := range m.Describe() {
					keys[k] = dk
				}
			}
		}
	}
	for _, d := range fc.Extra {
		for k, dk := range d.Describe() {
			keys[k] = dk
		}
	}
	return keys
}

// Collect drains every primary flyer and merges the streams.
//
// Stream lengths routinely disagree by one bin when detectors latch
// their final gate at slightly different times; the nearest-timestamp
// join absorbs that. A larger disagreement means a device dropped or
// duplicated bins, so the merge is truncated to the shortest stream
// rather than padding the missing tail with repeated values.
//
// Returns ErrNoFlyData via the underlying flyers when nothing was
// recorded.
func (fc *FlyerCollector) Collect(ctx context.Context) ([]devices.FlyEvent, error) {
	if len(fc.Primaries) == 0 {
		return nil, fmt.Errorf("%w: collector has no primary flyers", ErrInvalidPlan)
	}
	log := fc.Logger
	if log == nil {
		log = noopLogger{}
	}

	streams := make([][]devices.FlyEvent, len(fc.Primaries))
	for i, p := range fc.Primaries {
		events, err := p.CollectFly(ctx)
		if err != nil {
			return nil, fmt.Errorf("collect %s: %w", p.Name(), err)
		}
		streams[i] = events
	}
	fc.raw = streams

	// The longest stream is the reference; ties go to the first.
	ref, shortest := 0, len(streams[0])
	for i, s := range streams {
		if len(s) > len(streams[ref]) {
			ref = i
		}
		if len(s) < shortest {
			shortest = len(s)
		}
	}

	limit := len(streams[ref])
	if limit-shortest > 1 {
		log.Warn("fly streams out of step, truncating to overlap",
			"longest", limit, "shortest", shortest,
			"reference", fc.Primaries[ref].Name())
		limit = shortest
	}

	merged := make([]devices.FlyEvent, 0, limit)
	for _, refEv := range streams[ref][:limit] {
		data := make(map[string]any)
		timestamps := make(map[string]time.Time)
		contributing := make([]time.Time, 0, len(streams))

		for i, stream := range streams {
			var ev devices.FlyEvent
			if i == ref {
				ev = refEv
			} else {
				ev = nearestEvent(stream, refEv.Time)
			}
			for k, v := range ev.Data {
				data[k] = v
			}
			for k, ts := range ev.Timestamps {
				timestamps[k] = ts
			}
			contributing = append(contributing, ev.Time)
		}

		evTime := medianTime(contributing)

		for _, s := range fc.Secondaries {
			vals, err := s.Predict(evTime)
			if err != nil {
				return nil, fmt.Errorf("predict: %w", err)
			}
			for k, v := range vals {
				data[k] = v
				timestamps[k] = evTime
			}
		}

		for _, d := range fc.Extra {
			readings, err := d.Read(ctx)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", d.Name(), err)
			}
			for k, r := range readings {
				data[k] = r.Value
				timestamps[k] = r.Timestamp
			}
		}

		merged = append(merged, devices.FlyEvent{
			Time:       evTime,
			Data:       data,
			Timestamps: timestamps,
		})
	}
	return merged, nil
}

// nearestEvent returns the stream event closest in time to t. The
// stream is assumed time-ordered. An empty stream yields an empty
// event at t so the merge degrades to the remaining contributors.
func nearestEvent(stream []devices.FlyEvent, t time.Time) devices.FlyEvent {
	if len(stream) == 0 {
		return devices.FlyEvent{Time: t}
	}
	if len(stream) == 1 {
		return stream[0]
	}
	i := sort.Search(len(stream), func(i int) bool { return !stream[i].Time.Before(t) })
	if i == 0 {
		return stream[0]
	}
	if i == len(stream) {
		return stream[len(stream)-1]
	}
	before, after := stream[i-1], stream[i]
	if t.Sub(before.Time) <= after.Time.Sub(t) {
		return before
	}
	return after
}

// medianTime returns the median of a set of timestamps. For an even
// count the midpoint of the two central values is used.
func medianTime(times []time.Time) time.Time {
	sorted := make([]time.Time, len(times))
	copy(sorted, times)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	a, b := sorted[n/2-1], sorted[n/2]
	return a.Add(b.Sub(a) / 2)
}

// FlyLineScan flies a motor across a range while detectors bin
// continuously, then merges the streams into the primary event stream.
type FlyLineScan struct {
	Motor     LineFlyer
	Start     float64
	Stop      float64
	Num       int
	Dwell     float64
	Detectors []FlyDetector

	// Extra devices are read once per merged event (e.g. the energy
	// readback during a constant-energy map row).
	Extra []devices.Device
}

func (p *FlyLineScan) PlanName() string { return "fly_line_scan" }

func (p *FlyLineScan) PlanArgs() map[string]any {
	dets := make([]string, len(p.Detectors))
	for i, d := range p.Detectors {
		dets[i] = d.Name()
	}
	return map[string]any{
		"motor": p.Motor.Name(), "start": p.Start, "stop": p.Stop,
		"num": p.Num, "dwell_s": p.Dwell, "detectors": dets,
	}
}

func (p *FlyLineScan) Run(ctx context.Context, em *Emitter) error {
	if err := p.prepare(ctx); err != nil {
		return err
	}
	return p.flyRow(ctx, em, p.Start, p.Stop)
}

// prepare validates and programs exposure parameters shared by every
// row of a scan.
func (p *FlyLineScan) prepare(ctx context.Context) error {
	if len(p.Detectors) == 0 {
		return fmt.Errorf("%w: fly scan needs at least one detector", ErrInvalidPlan)
	}
	for _, d := range p.Detectors {
		if err := d.SetExposure(ctx, p.Dwell); err != nil {
			return fmt.Errorf("exposure %s: %w", d.Name(), err)
		}
		// One extra bin for the taxi run-up, dropped at collection.
		if err := d.SetFlyBins(ctx, p.Num+1); err != nil {
			return fmt.Errorf("bins %s: %w", d.Name(), err)
		}
	}
	return nil
}

// flyRow performs one fly pass from start to stop and emits the merged
// events.
func (p *FlyLineScan) flyRow(ctx context.Context, em *Emitter, start, stop float64) error {
	if err := p.Motor.SetFlyParams(start, stop, p.Num, p.Dwell); err != nil {
		return err
	}

	flyers := make([]devices.Flyable, 0, len(p.Detectors)+1)
	flyers = append(flyers, p.Motor)
	for _, d := range p.Detectors {
		flyers = append(flyers, d)
	}

	// Kick everything off together; any failure scrubs the row.
	if err := forAllFlyers(flyers, func(f devices.Flyable) error {
		return f.Kickoff(ctx)
	}); err != nil {
		return fmt.Errorf("kickoff: %w", err)
	}

	// The motor's Complete performs the slew; detectors stop after the
	// motion so the last pixel is fully binned.
	if err := p.Motor.Complete(ctx); err != nil {
		return fmt.Errorf("fly %s: %w", p.Motor.Name(), err)
	}
	for _, d := range p.Detectors {
		if err := d.Complete(ctx); err != nil {
			return fmt.Errorf("complete %s: %w", d.Name(), err)
		}
	}

	collector := &FlyerCollector{
		Secondaries: []devices.Predictor{},
		Extra:       p.Extra,
		Logger:      em.Logger(),
	}
	for _, d := range p.Detectors {
		collector.Primaries = append(collector.Primaries, d)
	}
	if pred, ok := any(p.Motor).(devices.Predictor); ok {
		collector.Secondaries = append(collector.Secondaries, pred)
	}

	em.CreateStream(ctx, PrimaryStream, collector.DescribeMerged())
	events, err := collector.Collect(ctx)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := em.EmitEvent(ctx, PrimaryStream, ev.Time, ev.Data, ev.Timestamps); err != nil {
			return err
		}
	}

	// Each flyer's unaligned trace goes out under its own stream name so
	// the raw data survives alongside the merged view.
	for i, pr := range collector.Primaries {
		if err := emitRawStream(ctx, em, pr.Name(), pr.DescribeFly(), collector.RawStream(i)); err != nil {
			return err
		}
	}
	motorRaw, err := p.Motor.CollectFly(ctx)
	if err != nil {
		// Predict drew on the same trace during the merge; an empty trace
		// here just means the motor had nothing of its own to stream.
		if errors.Is(err, devices.ErrNoFlyData) {
			return nil
		}
		return fmt.Errorf("collect %s: %w", p.Motor.Name(), err)
	}
	return emitRawStream(ctx, em, p.Motor.Name(), p.Motor.DescribeFly(), motorRaw)
}

// emitRawStream writes one flyer's drained events to its own stream.
func emitRawStream(ctx context.Context, em *Emitter, name string, keys map[string]devices.DataKey, events []devices.FlyEvent) error {
	if len(events) == 0 {
		return nil
	}
	em.CreateStream(ctx, name, keys)
	for _, ev := range events {
		if err := em.EmitEvent(ctx, name, ev.Time, ev.Data, ev.Timestamps); err != nil {
			return err
		}
	}
	return nil
}

// forAllFlyers runs op against every flyer in parallel and joins the
// errors.
func forAllFlyers(flyers []devices.Flyable, op func(devices.Flyable) error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(flyers))
	for i, f := range flyers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = op(f)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Snaker yields per-row fly directions for grid scans: when snaking is
// enabled, successive rows alternate direction so the fast axis never
// rewinds across the full range.
type Snaker struct {
	Start   float64
	Stop    float64
	Snaking bool

	row int
}

// Next returns the fly range for the next row.
func (s *Snaker) Next() (start, stop float64) {
	flip := s.Snaking && s.row%2 == 1
	s.row++
	if flip {
		return s.Stop, s.Start
	}
	return s.Start, s.Stop
}

// Rows returns how many rows have been issued.
func (s *Snaker) Rows() int { return s.row }

// GridFlyScan maps a 2D region: the slow axis steps, the fast axis
// flies each row. The slow (first) axis never snakes; the fast axis
// alternates direction when Snaking is set.
type GridFlyScan struct {
	SlowMotor devices.Movable
	SlowStart float64
	SlowStop  float64
	SlowNum   int

	FastMotor devices.Movable // readable position of the fast axis
	Fly       FlyLineScan     // fast-axis fly template (start/stop/num/dwell/detectors)

	Snaking bool
}

func (p *GridFlyScan) PlanName() string { return "grid_fly_scan" }

func (p *GridFlyScan) PlanArgs() map[string]any {
	return map[string]any{
		"slow_motor": p.SlowMotor.Name(),
		"slow_start": p.SlowStart, "slow_stop": p.SlowStop, "slow_num": p.SlowNum,
		"fast_motor": p.Fly.Motor.Name(),
		"fast_start": p.Fly.Start, "fast_stop": p.Fly.Stop, "fast_num": p.Fly.Num,
		"dwell_s": p.Fly.Dwell, "snaking": p.Snaking,
	}
}

// Hints returns grid metadata for the run start.
func (p *GridFlyScan) Hints() map[string]any {
	return map[string]any{
		"gridding": "rectilinear",
		"dimensions": [][]string{
			{p.SlowMotor.Name()},
			{p.Fly.Motor.Name()},
		},
		"shape":   []int{p.SlowNum, p.Fly.Num},
		"extents": [][]float64{{p.SlowStart, p.SlowStop}, {p.Fly.Start, p.Fly.Stop}},
		"snaking": []bool{false, p.Snaking},
	}
}

func (p *GridFlyScan) Run(ctx context.Context, em *Emitter) error {
	if p.SlowNum < 1 {
		return fmt.Errorf("%w: grid needs slow_num >= 1, got %d", ErrInvalidPlan, p.SlowNum)
	}
	if err := p.Fly.prepare(ctx); err != nil {
		return err
	}

	slowStep := 0.0
	if p.SlowNum > 1 {
		slowStep = (p.SlowStop - p.SlowStart) / float64(p.SlowNum-1)
	}

	snaker := &Snaker{Start: p.Fly.Start, Stop: p.Fly.Stop, Snaking: p.Snaking}
	for row := 0; row < p.SlowNum; row++ {
		target := p.SlowStart + float64(row)*slowStep
		if err := p.SlowMotor.Set(ctx, target); err != nil {
			return fmt.Errorf("slow axis %s to %g: %w", p.SlowMotor.Name(), target, err)
		}

		start, stop := snaker.Next()
		// The slow-axis position rides along with every row event.
		extra := p.Fly.Extra
		p.Fly.Extra = append(append([]devices.Device{}, extra...), p.SlowMotor)
		err := p.Fly.flyRow(ctx, em, start, stop)
		p.Fly.Extra = extra
		if err != nil {
			return fmt.Errorf("row %d: %w", row, err)
		}
	}
	return nil
}

// Unsnake flips alternating rows of a snaked axis when reassembling
// grid data into row-major order. rows is the slow-axis count; values
// is the flattened fast-axis-major data.
func Unsnake[T any](values []T, rows int) []T {
	if rows <= 1 || len(values) == 0 || len(values)%rows != 0 {
		out := make([]T, len(values))
		copy(out, values)
		return out
	}
	cols := len(values) / rows
	out := make([]T, len(values))
	copy(out, values)
	for r := 1; r < rows; r += 2 {
		row := out[r*cols : (r+1)*cols]
		for i, j := 0, cols-1; i < j; i, j = i+1, j-1 {
			row[i], row[j] = row[j], row[i]
		}
	}
	return out
}
