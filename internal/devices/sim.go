package devices

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/apsidal/beamline-core/internal/epics/ca"
)

// simTick is the simulated motor update interval.
const simTick = 5 * time.Millisecond

// Sim is the in-memory transport used when hardware_is_present is false
// and as the test double for device definitions.
//
// Every PV is a table entry with a value, a timestamp, and monitor
// fan-out. Connect auto-defines unknown PVs with a zero value so device
// catalogs load without pre-seeding; tests can Define specific values
// up front.
//
// Prefixes registered with SimulateMotor get motion emulation: writes
// to .VAL walk .RBV toward the setpoint at the record's velocity with
// .MOVN/.DMOV bookkeeping and .STOP support. Prefixes registered with
// SimulateScaler get count emulation driven by .CNT and .TP.
//
// All methods are safe for concurrent use.
type Sim struct {
	mu     sync.Mutex
	pvs    map[string]*simPV
	motors map[string]bool // motor record prefixes
	nextID int
}

type simPV struct {
	value    any
	ts       time.Time
	monitors map[int]func(Reading)
}

// NewSim creates an empty simulated transport.
func NewSim() *Sim {
	return &Sim{
		pvs:    make(map[string]*simPV),
		motors: make(map[string]bool),
	}
}

// Define seeds a PV with a value. Overwrites any existing entry's value
// and notifies monitors.
func (s *Sim) Define(pv string, value any) {
	s.mu.Lock()
	s.setLocked(pv, value)
	s.mu.Unlock()
}

// Value returns the current value of a PV, or nil if undefined.
func (s *Sim) Value(pv string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.pvs[pv]; ok {
		return e.value
	}
	return nil
}

// SimulateMotor registers motion emulation for a motor record prefix
// and seeds its fields. Velocity is in units per second.
func (s *Sim) SimulateMotor(prefix string, velocity float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.motors[prefix] = true
	s.setLocked(prefix+".VAL", 0.0)
	s.setLocked(prefix+".RBV", 0.0)
	s.setLocked(prefix+".VELO", velocity)
	s.setLocked(prefix+".ACCL", 0.1)
	s.setLocked(prefix+".DMOV", int16(1))
	s.setLocked(prefix+".MOVN", int16(0))
	s.setLocked(prefix+".STOP", int16(0))
	s.setLocked(prefix+".EGU", "mm")
	s.setLocked(prefix+".PREC", int16(3))
	s.setLocked(prefix+".OFF", 0.0)
	s.setLocked(prefix+".HLS", int16(0))
	s.setLocked(prefix+".LLS", int16(0))
	s.setLocked(prefix+".LVIO", int16(0))
}

// SimulateScaler registers count emulation for a scaler record prefix.
// When .CNT is set, the clock channel .S1 accumulates .FREQ ticks per
// second of .TP and each data channel gets a deterministic count.
func (s *Sim) SimulateScaler(prefix string, channels int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setLocked(prefix+".CNT", int16(0))
	s.setLocked(prefix+".TP", 1.0)
	s.setLocked(prefix+".FREQ", 1e7)
	for n := 1; n <= channels; n++ {
		s.setLocked(fmt.Sprintf("%s.S%d", prefix, n), int32(0))
		s.setLocked(fmt.Sprintf("%s.NM%d", prefix, n), "")
	}
}

// setLocked stores a value and notifies monitors. Caller holds s.mu.
func (s *Sim) setLocked(pv string, value any) {
	e, ok := s.pvs[pv]
	if !ok {
		e = &simPV{monitors: make(map[int]func(Reading))}
		s.pvs[pv] = e
	}
	e.value = value
	e.ts = time.Now()

	if len(e.monitors) == 0 {
		return
	}
	r := Reading{Value: value, Timestamp: e.ts}
	for _, fn := range e.monitors {
		go fn(r)
	}
}

// Connect auto-defines the PV if it does not exist.
func (s *Sim) Connect(_ context.Context, pv string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pvs[pv]; !ok {
		s.setLocked(pv, defaultValue(pv))
	}
	return nil
}

// defaultValue picks a plausible zero for an auto-defined PV.
func defaultValue(pv string) any {
	if strings.HasSuffix(pv, ".DESC") || strings.HasSuffix(pv, ".EGU") ||
		strings.HasSuffix(pv, ".NAME") {
		return ""
	}
	return 0.0
}

// Get reads a PV from the table.
func (s *Sim) Get(_ context.Context, pv string, _ ca.DBRType) (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pvs[pv]
	if !ok {
		return Reading{}, fmt.Errorf("%w: %s", ErrUnknownPV, pv)
	}
	return Reading{Value: e.value, Timestamp: e.ts}, nil
}

// Put writes a PV, triggering emulation side effects.
func (s *Sim) Put(_ context.Context, pv string, _ ca.DBRType, value any) error {
	s.mu.Lock()
	if _, ok := s.pvs[pv]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPV, pv)
	}
	s.setLocked(pv, value)
	motor, field := s.matchMotorLocked(pv)
	s.mu.Unlock()

	switch field {
	case ".VAL":
		go s.runMotor(motor)
	case ".STOP":
		if isNonZero(value) {
			s.haltMotor(motor)
		}
	}
	if strings.HasSuffix(pv, ".CNT") && isNonZero(value) {
		go s.runScaler(strings.TrimSuffix(pv, ".CNT"))
	}
	return nil
}

// PutWait behaves like Put; the simulation has no asynchronous record
// processing to wait for.
func (s *Sim) PutWait(ctx context.Context, pv string, t ca.DBRType, value any) error {
	return s.Put(ctx, pv, t, value)
}

// Monitor subscribes to PV changes. The current value is delivered
// immediately, matching Channel Access EVENT_ADD semantics.
func (s *Sim) Monitor(_ context.Context, pv string, _ ca.DBRType, fn func(Reading)) (func(), error) {
	s.mu.Lock()
	e, ok := s.pvs[pv]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownPV, pv)
	}
	s.nextID++
	id := s.nextID
	e.monitors[id] = fn
	initial := Reading{Value: e.value, Timestamp: e.ts}
	s.mu.Unlock()

	go fn(initial)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			if e, ok := s.pvs[pv]; ok {
				delete(e.monitors, id)
			}
			s.mu.Unlock()
		})
	}
	return cancel, nil
}

// matchMotorLocked returns the registered motor prefix and field suffix
// for a PV, or empty strings. Caller holds s.mu.
func (s *Sim) matchMotorLocked(pv string) (prefix, field string) {
	if i := strings.LastIndexByte(pv, '.'); i > 0 {
		if s.motors[pv[:i]] {
			return pv[:i], pv[i:]
		}
	}
	return "", ""
}

// runMotor walks .RBV toward .VAL at .VELO.
func (s *Sim) runMotor(prefix string) {
	if prefix == "" {
		return
	}

	s.mu.Lock()
	s.setLocked(prefix+".DMOV", int16(0))
	s.setLocked(prefix+".MOVN", int16(1))
	s.setLocked(prefix+".STOP", int16(0))
	s.mu.Unlock()

	ticker := time.NewTicker(simTick)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		target, _ := s.pvs[prefix+".VAL"].value.(float64)
		rbv, _ := s.pvs[prefix+".RBV"].value.(float64)
		velo, _ := s.pvs[prefix+".VELO"].value.(float64)
		stopped := isNonZero(s.pvs[prefix+".STOP"].value)

		if velo <= 0 {
			velo = 1
		}
		step := velo * simTick.Seconds()
		done := stopped || math.Abs(target-rbv) <= step

		if done {
			if !stopped {
				s.setLocked(prefix+".RBV", target)
			}
			s.setLocked(prefix+".DMOV", int16(1))
			s.setLocked(prefix+".MOVN", int16(0))
			s.mu.Unlock()
			return
		}

		if target > rbv {
			s.setLocked(prefix+".RBV", rbv+step)
		} else {
			s.setLocked(prefix+".RBV", rbv-step)
		}
		s.mu.Unlock()
	}
}

// haltMotor freezes motion where it is.
func (s *Sim) haltMotor(prefix string) {
	if prefix == "" {
		return
	}
	s.mu.Lock()
	// The motion goroutine observes .STOP on its next tick; reflect the
	// halt immediately for readers.
	s.setLocked(prefix+".DMOV", int16(1))
	s.setLocked(prefix+".MOVN", int16(0))
	s.mu.Unlock()
}

// runScaler emulates one count cycle: wait .TP, fill channels, clear .CNT.
func (s *Sim) runScaler(prefix string) {
	s.mu.Lock()
	tp, _ := s.pvs[prefix+".TP"].value.(float64)
	freq, _ := s.pvs[prefix+".FREQ"].value.(float64)
	s.mu.Unlock()

	time.Sleep(time.Duration(tp * float64(time.Second)))

	s.mu.Lock()
	defer s.mu.Unlock()
	clock := int32(tp * freq)
	for pv := range s.pvs {
		if !strings.HasPrefix(pv, prefix+".S") {
			continue
		}
		if pv == prefix+".S1" {
			s.setLocked(pv, clock)
		} else if _, ok := s.pvs[pv].value.(int32); ok {
			// Deterministic nonzero counts keyed on the channel number.
			s.setLocked(pv, int32(1000)+int32(len(pv)))
		}
	}
	s.setLocked(prefix+".CNT", int16(0))
}

// isNonZero reports whether a PV value is logically set.
func isNonZero(v any) bool {
	switch x := v.(type) {
	case int16:
		return x != 0
	case int32:
		return x != 0
	case int:
		return x != 0
	case float64:
		return x != 0
	case byte:
		return x != 0
	default:
		return false
	}
}
