package devices

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apsidal/beamline-core/internal/epics/ca"
)

// SR570 preamplifier sensitivity tables. The gain level is the index
// into the cartesian product of value and unit, most sensitive first:
// level = unit*9 + value, with only the first value of the last unit
// usable (28 levels total).
var (
	preampSensValues = []int{1, 2, 5, 10, 20, 50, 100, 200, 500}
	preampSensUnits  = []string{"pA/V", "nA/V", "uA/V", "mA/V"}
)

// PreampGainLevels is the number of usable SR570 sensitivity settings.
const PreampGainLevels = 28

// triggerPollInterval is the count-in-progress poll period.
const triggerPollInterval = 10 * time.Millisecond

// IonChamber measures X-ray beam intensity: a scaler channel counting a
// voltage-to-frequency converter fed by an SR570 current preamplifier,
// with an optional analog voltmeter on the preamp output.
//
// The device supports triggered (step-scan) counting and, when the
// scaler's multi-channel scaler mode is wired, fly scanning: the MCS
// free-runs during motion, and collection reconstructs per-bin
// timestamps from the clock channel spectrum.
type IonChamber struct {
	base

	counts   *Signal // S{n}, the channel counts
	chDesc   *Signal // NM{n}, channel description
	gate     *Signal // G{n}
	preset   *Signal // PR{n}
	clock    *Signal // S1, clock channel counts
	exposure *Signal // .TP
	count    *Signal // .CNT
	freq     *Signal // .FREQ

	sensNum  *Signal // preamp sensitivity value index
	sensUnit *Signal // preamp sensitivity unit index
	offsetOn *Signal // preamp input offset current enable
	volts    *Signal // voltmeter reading, optional

	offsetStart *Signal // dark current recording trigger
	offsetTime  *Signal // dark current integration time

	// MCS signals for fly mode.
	eraseStart  *Signal
	stopAll     *Signal
	nuseAll     *Signal
	currentChan *Signal
	chanAdvance *Signal
	mca         *Signal // spectrum for this channel
	mcaClock    *Signal // spectrum for the clock channel

	flyMu    sync.Mutex
	flyStart time.Time
}

// NewIonChamber declares an ion chamber.
//
// Parameters:
//   - name: Registry name
//   - scalerPrefix: Multi-channel scaler IOC prefix (e.g. "25idcVME:3820");
//     the scaler record lives at scalerPrefix + ":scaler1"
//   - channel: 1-indexed scaler channel (channel 1 is the clock)
//   - preampPrefix: SR570 record prefix (e.g. "25idc:SR01")
//   - voltmeterPrefix: Analog input on the preamp output, "" to omit
func NewIonChamber(name, scalerPrefix string, channel int, preampPrefix, voltmeterPrefix string) *IonChamber {
	ic := &IonChamber{}
	ic.name = name
	ic.labels = []string{"ion_chambers", "detectors"}

	scaler := scalerPrefix + ":scaler1"
	ic.counts = ic.add(&Signal{Name: "net_counts", PV: fmt.Sprintf("%s.S%d", scaler, channel), Kind: KindHinted, Type: ca.DBRLong})
	ic.chDesc = ic.add(&Signal{Name: "description", PV: fmt.Sprintf("%s.NM%d", scaler, channel), Kind: KindOmitted, Type: ca.DBRString})
	ic.gate = ic.add(&Signal{Name: "gate", PV: fmt.Sprintf("%s.G%d", scaler, channel), Kind: KindOmitted, Type: ca.DBRShort, Writable: true})
	ic.preset = ic.add(&Signal{Name: "preset", PV: fmt.Sprintf("%s.PR%d", scaler, channel), Kind: KindOmitted, Type: ca.DBRLong, Writable: true})
	ic.clock = ic.add(&Signal{Name: "clock_counts", PV: scaler + ".S1", Kind: KindNormal, Type: ca.DBRLong})
	ic.exposure = ic.add(&Signal{Name: "exposure_time", PV: scaler + ".TP", Kind: KindConfig, Type: ca.DBRDouble, Writable: true, Units: "s"})
	ic.count = ic.add(&Signal{Name: "count", PV: scaler + ".CNT", Kind: KindOmitted, Type: ca.DBRShort, Writable: true})
	ic.freq = ic.add(&Signal{Name: "frequency", PV: scaler + ".FREQ", Kind: KindConfig, Type: ca.DBRDouble, Units: "Hz"})

	ic.sensNum = ic.add(&Signal{Name: "preamp_sens_num", PV: preampPrefix + ":sens_num.VAL", Kind: KindConfig, Type: ca.DBREnum, Writable: true})
	ic.sensUnit = ic.add(&Signal{Name: "preamp_sens_unit", PV: preampPrefix + ":sens_unit.VAL", Kind: KindConfig, Type: ca.DBREnum, Writable: true})
	ic.offsetOn = ic.add(&Signal{Name: "preamp_offset_on", PV: preampPrefix + ":offset_on.VAL", Kind: KindConfig, Type: ca.DBREnum, Writable: true})
	if voltmeterPrefix != "" {
		ic.volts = ic.add(&Signal{Name: "volts", PV: voltmeterPrefix + ".VAL", Kind: KindNormal, Type: ca.DBRDouble, Units: "V"})
	}

	ic.offsetStart = ic.add(&Signal{Name: "offset_start", PV: scalerPrefix + ":scaler1_offset_start.PROC", Kind: KindOmitted, Type: ca.DBRShort, Writable: true})
	ic.offsetTime = ic.add(&Signal{Name: "offset_time", PV: scalerPrefix + ":scaler1_offset_time.VAL", Kind: KindOmitted, Type: ca.DBRDouble, Writable: true})

	ic.eraseStart = ic.add(&Signal{Name: "erase_start", PV: scalerPrefix + ":EraseStart", Kind: KindOmitted, Type: ca.DBRShort, Writable: true})
	ic.stopAll = ic.add(&Signal{Name: "stop_all", PV: scalerPrefix + ":StopAll", Kind: KindOmitted, Type: ca.DBRShort, Writable: true})
	ic.nuseAll = ic.add(&Signal{Name: "num_use_all", PV: scalerPrefix + ":NuseAll", Kind: KindOmitted, Type: ca.DBRLong, Writable: true})
	ic.currentChan = ic.add(&Signal{Name: "current_channel", PV: scalerPrefix + ":CurrentChannel", Kind: KindOmitted, Type: ca.DBRLong})
	ic.chanAdvance = ic.add(&Signal{Name: "channel_advance", PV: scalerPrefix + ":ChannelAdvance", Kind: KindOmitted, Type: ca.DBRShort, Writable: true})
	ic.mca = ic.add(&Signal{Name: "spectrum", PV: fmt.Sprintf("%s:mca%d", scalerPrefix, channel), Kind: KindOmitted, Type: ca.DBRLong})
	ic.mcaClock = ic.add(&Signal{Name: "clock_spectrum", PV: scalerPrefix + ":mca1", Kind: KindOmitted, Type: ca.DBRLong})

	return ic
}

// SetExposure programs the counting time in seconds.
func (ic *IonChamber) SetExposure(ctx context.Context, seconds float64) error {
	return ic.exposure.Put(ctx, seconds)
}

// Trigger starts one count cycle and blocks until the scaler finishes.
func (ic *IonChamber) Trigger(ctx context.Context) error {
	if err := ic.count.Put(ctx, int16(1)); err != nil {
		return err
	}

	ticker := time.NewTicker(triggerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("count %s: %w", ic.name, ctx.Err())
		case <-ticker.C:
		}
		counting, err := ic.count.GetFloat(ctx)
		if err != nil {
			return err
		}
		if counting == 0 {
			return nil
		}
	}
}

// GainLevel returns the preamp sensitivity as a single 0-based level,
// most sensitive first.
func (ic *IonChamber) GainLevel(ctx context.Context) (int, error) {
	num, err := ic.sensNum.GetFloat(ctx)
	if err != nil {
		return 0, err
	}
	unit, err := ic.sensUnit.GetFloat(ctx)
	if err != nil {
		return 0, err
	}
	return int(unit)*len(preampSensValues) + int(num), nil
}

// SetGainLevel programs the preamp sensitivity from a single level.
//
// Returns ErrGainOverflow for levels outside [0, PreampGainLevels).
func (ic *IonChamber) SetGainLevel(ctx context.Context, level int) error {
	if level < 0 || level >= PreampGainLevels {
		return fmt.Errorf("%w: level %d not in [0, %d)", ErrGainOverflow, level, PreampGainLevels)
	}
	num := level % len(preampSensValues)
	unit := level / len(preampSensValues)
	if err := ic.sensNum.Put(ctx, uint16(num)); err != nil { //nolint:gosec // bounded above
		return err
	}
	return ic.sensUnit.Put(ctx, uint16(unit)) //nolint:gosec // bounded above
}

// RecordDarkCurrent closes the counting gate path to the signal and
// integrates the preamp offset for the given time, updating the
// scaler's offset records. The caller is responsible for closing
// shutters first.
func (ic *IonChamber) RecordDarkCurrent(ctx context.Context, seconds float64) error {
	if err := ic.offsetTime.Put(ctx, seconds); err != nil {
		return err
	}
	if err := ic.offsetStart.Put(ctx, int16(1)); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return nil
	}
}

// SetFlyBins programs the MCS depth for a fly scan.
func (ic *IonChamber) SetFlyBins(ctx context.Context, bins int) error {
	if bins < 2 {
		return fmt.Errorf("%w: need at least 2 bins, got %d", ErrInvalidFlyParams, bins)
	}
	return ic.nuseAll.Put(ctx, int32(bins)) //nolint:gosec // validated above
}

// Kickoff erases the MCS and starts free-running acquisition. The
// acquisition start time anchors the bin-edge timestamps reconstructed
// at collection.
func (ic *IonChamber) Kickoff(ctx context.Context) error {
	if err := ic.eraseStart.Put(ctx, int16(1)); err != nil {
		return err
	}
	ic.flyMu.Lock()
	ic.flyStart = time.Now()
	ic.flyMu.Unlock()
	return nil
}

// Complete stops MCS acquisition.
func (ic *IonChamber) Complete(ctx context.Context) error {
	return ic.stopAll.Put(ctx, int16(1))
}

// CollectFly reconstructs timestamped events from the MCS spectra.
//
// The clock channel spectrum holds each bin's duration in clock ticks;
// its cumulative sum against the acquisition start yields bin edges.
// The first bin covers the taxi run-up and is dropped. Each remaining
// bin becomes one event stamped at the midpoint of its edges.
func (ic *IonChamber) CollectFly(ctx context.Context) ([]FlyEvent, error) {
	ic.flyMu.Lock()
	start := ic.flyStart
	ic.flyMu.Unlock()

	clockRead, err := ic.mcaClock.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("read clock spectrum: %w", err)
	}
	countsRead, err := ic.mca.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("read spectrum: %w", err)
	}
	freq, err := ic.freq.GetFloat(ctx)
	if err != nil {
		return nil, err
	}
	if freq <= 0 {
		return nil, fmt.Errorf("%w: clock frequency %g", ErrNoFlyData, freq)
	}

	clock := toInt32Slice(clockRead.Value)
	counts := toInt32Slice(countsRead.Value)
	bins := min(len(clock), len(counts))
	if bins < 2 {
		return nil, fmt.Errorf("%w: %s: %d bins", ErrNoFlyData, ic.name, bins)
	}

	// Bin edges: edges[0] is the acquisition start, edges[i+1] closes
	// bin i.
	edges := make([]time.Time, bins+1)
	edges[0] = start
	for i := range bins {
		dt := time.Duration(float64(clock[i]) / freq * float64(time.Second))
		edges[i+1] = edges[i].Add(dt)
	}

	key := ic.name + "_net_counts"
	events := make([]FlyEvent, 0, bins-1)
	for i := 1; i < bins; i++ {
		mid := edges[i].Add(edges[i+1].Sub(edges[i]) / 2)
		events = append(events, FlyEvent{
			Time:       mid,
			Data:       map[string]any{key: counts[i]},
			Timestamps: map[string]time.Time{key: mid},
		})
	}
	return events, nil
}

// DescribeFly returns the data key for the binned counts.
func (ic *IonChamber) DescribeFly() map[string]DataKey {
	return map[string]DataKey{
		ic.name + "_net_counts": {Dtype: "number", Shape: []int{}, Source: "ca://" + ic.mca.PV},
	}
}

// toInt32Slice normalises scalar or slice DBR values to []int32.
func toInt32Slice(v any) []int32 {
	switch x := v.(type) {
	case []int32:
		return x
	case int32:
		return []int32{x}
	default:
		return nil
	}
}
