package devices

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Device is a named, hierarchical bundle of signals. The instrument
// registry owns devices once connected; plans and the API look them up
// by name or label.
type Device interface {
	// Name is the registry name, unique per instrument.
	Name() string

	// Labels are lookup groups ("motors", "ion_chambers", "shutters").
	Labels() []string

	// Signals returns every declared signal, all kinds included.
	Signals() []*Signal

	// Connect binds the transport and verifies every signal's PV is
	// reachable. Must be called before any other I/O.
	Connect(ctx context.Context, tr Transport) error

	// Read returns current values for normal and hinted signals, keyed
	// by data key name.
	Read(ctx context.Context) (map[string]Reading, error)

	// ReadConfiguration returns current values for config signals.
	ReadConfiguration(ctx context.Context) (map[string]Reading, error)

	// Describe returns the data keys Read will produce.
	Describe() map[string]DataKey
}

// Movable is a device that can be commanded to a position and waits for
// the motion to complete.
type Movable interface {
	Device
	// Set moves to the target and blocks until done or ctx expires.
	Set(ctx context.Context, target float64) error
	// Position returns the current readback.
	Position(ctx context.Context) (float64, error)
}

// Stoppable is a device whose motion can be halted immediately.
type Stoppable interface {
	Stop(ctx context.Context) error
}

// Triggerable is a device that acquires on demand.
type Triggerable interface {
	Trigger(ctx context.Context) error
}

// Stageable is a device with setup/teardown around a run.
type Stageable interface {
	Stage(ctx context.Context) error
	Unstage(ctx context.Context) error
}

// FlyEvent is one aligned reading captured during continuous motion.
type FlyEvent struct {
	// Time is the event time.
	Time time.Time

	// Data maps data key to value.
	Data map[string]any

	// Timestamps maps data key to its source timestamp. For merged
	// events these are the per-signal times before alignment.
	Timestamps map[string]time.Time
}

// Flyable is a device that participates in hardware-triggered
// continuous scans: kickoff starts acquisition, complete ends it, and
// the buffered data is collected afterwards.
type Flyable interface {
	Device
	// Kickoff prepares and starts free-running acquisition.
	Kickoff(ctx context.Context) error
	// Complete ends acquisition and blocks until buffers are final.
	Complete(ctx context.Context) error
	// CollectFly drains the buffered events.
	CollectFly(ctx context.Context) ([]FlyEvent, error)
	// DescribeFly returns the data keys CollectFly events carry.
	DescribeFly() map[string]DataKey
}

// Predictor is a flyer that can interpolate its value at an arbitrary
// time, used to align secondary flyers against a primary stream.
type Predictor interface {
	// Predict returns data key values interpolated at t.
	Predict(t time.Time) (map[string]any, error)
}

// base provides the Device plumbing shared by every typed device.
type base struct {
	name    string
	labels  []string
	signals []*Signal
	tr      Transport
}

func (b *base) Name() string       { return b.name }
func (b *base) Labels() []string   { return b.labels }
func (b *base) Signals() []*Signal { return b.signals }

// add declares a signal and returns it for field assignment.
func (b *base) add(s *Signal) *Signal {
	b.signals = append(b.signals, s)
	return s
}

// key builds the data key for a signal: device name, plus the signal
// name when it has one.
func (b *base) key(s *Signal) string {
	if s.Name == "" {
		return b.name
	}
	return b.name + "_" + s.Name
}

// Connect binds the transport to every signal and verifies each PV.
func (b *base) Connect(ctx context.Context, tr Transport) error {
	b.tr = tr
	for _, s := range b.signals {
		if err := tr.Connect(ctx, s.PV); err != nil {
			return fmt.Errorf("connect %s: %w", s.PV, err)
		}
		s.bind(tr)
	}
	return nil
}

// Read returns current values for normal and hinted signals.
func (b *base) Read(ctx context.Context) (map[string]Reading, error) {
	return b.readKinds(ctx, KindNormal, KindHinted)
}

// ReadConfiguration returns current values for config signals.
func (b *base) ReadConfiguration(ctx context.Context) (map[string]Reading, error) {
	return b.readKinds(ctx, KindConfig)
}

func (b *base) readKinds(ctx context.Context, kinds ...Kind) (map[string]Reading, error) {
	out := make(map[string]Reading)
	for _, s := range b.signals {
		if !kindIn(s.Kind, kinds) {
			continue
		}
		r, err := s.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", b.key(s), err)
		}
		out[b.key(s)] = r
	}
	return out, nil
}

// Describe returns data keys for normal and hinted signals.
func (b *base) Describe() map[string]DataKey {
	out := make(map[string]DataKey)
	for _, s := range b.signals {
		if s.Kind != KindNormal && s.Kind != KindHinted {
			continue
		}
		out[b.key(s)] = s.DataKey()
	}
	return out
}

// Hints returns the data keys flagged for plotting.
func (b *base) Hints() []string {
	var hinted []string
	for _, s := range b.signals {
		if s.Kind == KindHinted {
			hinted = append(hinted, b.key(s))
		}
	}
	return hinted
}

func kindIn(k Kind, kinds []Kind) bool {
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

// Slugify turns a free-text description into a registry-safe name:
// lowercase, with runs of non-alphanumerics collapsed to underscores.
// Used when a device names itself from its EPICS description field.
func Slugify(s string) string {
	var sb strings.Builder
	lastUnderscore := true // suppress leading underscore
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				sb.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(sb.String(), "_")
}
