package devices

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/apsidal/beamline-core/internal/epics/ca"
)

// Positioner is a generic setpoint/readback pair, optionally with
// actuate/done signals for records that latch a setpoint and move on
// command (undulator-style) rather than on write.
//
// Without a done signal, Set writes the setpoint with completion
// confirmation and then waits for the readback to settle within
// Tolerance. With one, Set writes the setpoint, fires the actuate
// signal, and waits for done to clear.
type Positioner struct {
	base

	setpoint *Signal
	readback *Signal
	actuate  *Signal // optional
	done     *Signal // optional, nonzero while moving
	stopSig  *Signal // optional

	// Tolerance is the settle deadband for done-less positioners.
	Tolerance float64
}

// PositionerSpec names the PVs a Positioner binds.
type PositionerSpec struct {
	Name     string
	Setpoint string
	Readback string
	Actuate  string // optional
	Done     string // optional
	Stop     string // optional
	Kind     Kind   // kind of the readback; setpoint follows as normal
	Units    string
}

// NewPositioner declares a positioner from its PV spec.
func NewPositioner(spec PositionerSpec, labels ...string) *Positioner {
	p := &Positioner{Tolerance: 1e-3}
	p.name = spec.Name
	p.labels = labels

	kind := spec.Kind
	if kind == KindOmitted {
		kind = KindNormal
	}
	p.readback = p.add(&Signal{Name: "", PV: spec.Readback, Kind: kind, Type: ca.DBRDouble, Units: spec.Units})
	p.setpoint = p.add(&Signal{Name: "setpoint", PV: spec.Setpoint, Kind: KindNormal, Type: ca.DBRDouble, Writable: true, Units: spec.Units})
	if spec.Actuate != "" {
		p.actuate = p.add(&Signal{Name: "actuate", PV: spec.Actuate, Kind: KindOmitted, Type: ca.DBRShort, Writable: true})
	}
	if spec.Done != "" {
		p.done = p.add(&Signal{Name: "done", PV: spec.Done, Kind: KindOmitted, Type: ca.DBRShort})
	}
	if spec.Stop != "" {
		p.stopSig = p.add(&Signal{Name: "stop_signal", PV: spec.Stop, Kind: KindOmitted, Type: ca.DBRShort, Writable: true})
	}
	return p
}

// Set moves the positioner and blocks until it settles.
func (p *Positioner) Set(ctx context.Context, target float64) error {
	if p.done != nil {
		if err := p.setpoint.Put(ctx, target); err != nil {
			return err
		}
		if p.actuate != nil {
			if err := p.actuate.Put(ctx, int16(1)); err != nil {
				return err
			}
		}
		return p.waitDone(ctx, target)
	}

	if err := p.setpoint.PutWait(ctx, target); err != nil {
		return err
	}
	return p.waitSettle(ctx, target)
}

// waitDone polls the done signal until it clears.
func (p *Positioner) waitDone(ctx context.Context, target float64) error {
	ticker := time.NewTicker(movePollInterval)
	defer ticker.Stop()

	started := false
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s -> %g: %w", ErrMoveFailed, p.name, target, ctx.Err())
		case <-ticker.C:
		}
		busy, err := p.done.GetFloat(ctx)
		if err != nil {
			return err
		}
		if busy != 0 {
			started = true
			continue
		}
		if started {
			return nil
		}
		// Busy may clear before the first poll on short moves; accept
		// when the readback already agrees.
		rbv, err := p.Position(ctx)
		if err != nil {
			return err
		}
		if math.Abs(rbv-target) <= p.Tolerance {
			return nil
		}
	}
}

// waitSettle polls the readback until it reaches the target.
func (p *Positioner) waitSettle(ctx context.Context, target float64) error {
	ticker := time.NewTicker(movePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s -> %g: %w", ErrMoveFailed, p.name, target, ctx.Err())
		case <-ticker.C:
		}
		rbv, err := p.Position(ctx)
		if err != nil {
			return err
		}
		if math.Abs(rbv-target) <= p.Tolerance {
			return nil
		}
	}
}

// Position returns the current readback.
func (p *Positioner) Position(ctx context.Context) (float64, error) {
	return p.readback.GetFloat(ctx)
}

// Stop fires the stop signal when one is declared.
func (p *Positioner) Stop(ctx context.Context) error {
	if p.stopSig == nil {
		return nil
	}
	return p.stopSig.Put(ctx, int16(1))
}

// group is a composite device: its own signals plus child devices whose
// signals, readings and data keys are aggregated.
type group struct {
	base
	children []Device
}

// addChild registers a child device.
func (g *group) addChild(d Device) {
	g.children = append(g.children, d)
}

// Signals returns the group's own signals plus every child's.
func (g *group) Signals() []*Signal {
	out := append([]*Signal{}, g.base.signals...)
	for _, c := range g.children {
		out = append(out, c.Signals()...)
	}
	return out
}

// Connect connects the group's own signals and every child.
func (g *group) Connect(ctx context.Context, tr Transport) error {
	if err := g.base.Connect(ctx, tr); err != nil {
		return err
	}
	for _, c := range g.children {
		if err := c.Connect(ctx, tr); err != nil {
			return fmt.Errorf("%s: %w", c.Name(), err)
		}
	}
	return nil
}

// Read merges the group's readings with every child's.
func (g *group) Read(ctx context.Context) (map[string]Reading, error) {
	out, err := g.base.Read(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range g.children {
		sub, err := c.Read(ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range sub {
			out[k] = v
		}
	}
	return out, nil
}

// ReadConfiguration merges config readings across children.
func (g *group) ReadConfiguration(ctx context.Context) (map[string]Reading, error) {
	out, err := g.base.ReadConfiguration(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range g.children {
		sub, err := c.ReadConfiguration(ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range sub {
			out[k] = v
		}
	}
	return out, nil
}

// Describe merges data keys across children.
func (g *group) Describe() map[string]DataKey {
	out := g.base.Describe()
	for _, c := range g.children {
		for k, v := range c.Describe() {
			out[k] = v
		}
	}
	return out
}
