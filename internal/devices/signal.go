package devices

import (
	"context"
	"fmt"
	"time"

	"github.com/apsidal/beamline-core/internal/epics/ca"
)

// Kind classifies a signal's role in scan data streams.
type Kind int

const (
	// KindOmitted signals never appear in readings.
	KindOmitted Kind = iota

	// KindNormal signals appear in Read() and event data.
	KindNormal

	// KindConfig signals appear in ReadConfiguration() and descriptor
	// configuration, read once per run rather than per event.
	KindConfig

	// KindHinted signals appear in Read() and are flagged for plotting.
	KindHinted
)

// String returns the lowercase name used in data key hints.
func (k Kind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindConfig:
		return "config"
	case KindHinted:
		return "hinted"
	default:
		return "omitted"
	}
}

// Reading is one observed value of a signal: the value itself, the
// control-system timestamp it was recorded at, and the alarm state. A
// fly event is a Reading captured during continuous motion.
type Reading struct {
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Status    uint16    `json:"status,omitempty"`
	Severity  uint16    `json:"severity,omitempty"`
}

// Float returns the reading's value coerced to float64.
func (r Reading) Float() (float64, error) {
	switch v := r.Value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case int:
		return float64(v), nil
	case byte:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrNotNumeric, r.Value)
	}
}

// DataKey describes one entry in a stream's event data, mirroring the
// descriptor documents consumers see.
type DataKey struct {
	Dtype     string `json:"dtype"`
	Shape     []int  `json:"shape"`
	Source    string `json:"source"`
	Units     string `json:"units,omitempty"`
	Precision int    `json:"precision,omitempty"`
}

// Transport carries signal I/O. The Channel Access pool and the
// in-memory simulation both implement it, so device definitions are
// independent of whether hardware is present.
type Transport interface {
	// Connect ensures the process variable is reachable.
	Connect(ctx context.Context, pv string) error

	// Get reads the current value with timestamp and alarm state.
	Get(ctx context.Context, pv string, t ca.DBRType) (Reading, error)

	// Put writes a value without waiting for processing.
	Put(ctx context.Context, pv string, t ca.DBRType, value any) error

	// PutWait writes a value and waits for record processing.
	PutWait(ctx context.Context, pv string, t ca.DBRType, value any) error

	// Monitor subscribes to value changes. The returned function
	// cancels the subscription and is idempotent.
	Monitor(ctx context.Context, pv string, t ca.DBRType, fn func(Reading)) (func(), error)
}

// Signal is a single control-system channel with its scan classification.
type Signal struct {
	// Name is the data key suffix. The full key is the device name
	// joined with an underscore, or just the device name when empty.
	Name string

	// PV is the process variable this signal is bound to.
	PV string

	// Kind controls whether the signal appears in event data,
	// configuration, or neither.
	Kind Kind

	// Type is the DBR type requested on reads.
	Type ca.DBRType

	// Writable marks signals that accept puts.
	Writable bool

	// Units and Precision annotate the data key when known statically.
	Units     string
	Precision int

	tr Transport
}

// bind attaches the transport. Called by the owning device.
func (s *Signal) bind(tr Transport) { s.tr = tr }

// Get reads the signal's current value.
func (s *Signal) Get(ctx context.Context) (Reading, error) {
	if s.tr == nil {
		return Reading{}, fmt.Errorf("%w: %s", ErrNotConnected, s.PV)
	}
	return s.tr.Get(ctx, s.PV, s.Type)
}

// Put writes the signal without waiting for record processing.
func (s *Signal) Put(ctx context.Context, value any) error {
	if s.tr == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, s.PV)
	}
	if !s.Writable {
		return fmt.Errorf("%w: %s", ErrReadOnly, s.PV)
	}
	return s.tr.Put(ctx, s.PV, s.Type, value)
}

// PutWait writes the signal and waits for record processing.
func (s *Signal) PutWait(ctx context.Context, value any) error {
	if s.tr == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, s.PV)
	}
	if !s.Writable {
		return fmt.Errorf("%w: %s", ErrReadOnly, s.PV)
	}
	return s.tr.PutWait(ctx, s.PV, s.Type, value)
}

// Monitor subscribes to the signal's value changes.
func (s *Signal) Monitor(ctx context.Context, fn func(Reading)) (func(), error) {
	if s.tr == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, s.PV)
	}
	return s.tr.Monitor(ctx, s.PV, s.Type, fn)
}

// GetFloat reads the signal and coerces the value to float64.
func (s *Signal) GetFloat(ctx context.Context) (float64, error) {
	r, err := s.Get(ctx)
	if err != nil {
		return 0, err
	}
	return r.Float()
}

// DataKey builds the descriptor entry for this signal.
func (s *Signal) DataKey() DataKey {
	dtype := "number"
	if s.Type.Plain() == ca.DBRString {
		dtype = "string"
	}
	return DataKey{
		Dtype:     dtype,
		Shape:     []int{},
		Source:    "ca://" + s.PV,
		Units:     s.Units,
		Precision: s.Precision,
	}
}
