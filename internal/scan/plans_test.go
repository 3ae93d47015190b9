package scan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apsidal/beamline-core/internal/devices"
)

func testEngine() (*Engine, *captureSink) {
	engine := NewEngine("25-ID-C", "APS", "test")
	sink := &captureSink{}
	engine.Subscribe(sink)
	return engine, sink
}

func simChamber(t *testing.T, name, scaler, preamp string, channel int) (*devices.IonChamber, *devices.Sim) {
	t.Helper()
	sim := devices.NewSim()
	sim.SimulateScaler(scaler+":scaler1", 4)
	ic := devices.NewIonChamber(name, scaler, channel, preamp, "")
	if err := ic.Connect(context.Background(), sim); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := ic.SetExposure(context.Background(), 0.01); err != nil {
		t.Fatalf("exposure: %v", err)
	}
	return ic, sim
}

func TestCountPlan(t *testing.T) {
	engine, sink := testEngine()
	ic, _ := simChamber(t, "I0", "TEST:3820", "TEST:SR01", 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := engine.Execute(ctx, &Count{Detectors: []devices.Device{ic}, Num: 3}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	events := sink.byType(DocEvent)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, doc := range events {
		ev := doc.(*Event)
		if ev.SeqNum != i+1 {
			t.Errorf("event %d seq = %d", i, ev.SeqNum)
		}
		if _, ok := ev.Data["I0_net_counts"]; !ok {
			t.Errorf("event %d missing counts: %v", i, ev.Data)
		}
	}

	descs := sink.byType(DocDescriptor)
	if len(descs) != 1 {
		t.Fatalf("got %d descriptors, want 1", len(descs))
	}
	d := descs[0].(*EventDescriptor)
	if d.StreamName != PrimaryStream {
		t.Errorf("stream = %s", d.StreamName)
	}
	if _, ok := d.DataKeys["I0_net_counts"]; !ok {
		t.Errorf("descriptor missing counts key: %v", d.DataKeys)
	}
}

func TestCountPlanValidation(t *testing.T) {
	engine, _ := testEngine()
	ic, _ := simChamber(t, "I0", "TEST:3820", "TEST:SR01", 2)

	tests := []struct {
		name string
		plan *Count
	}{
		{name: "zero num", plan: &Count{Detectors: []devices.Device{ic}, Num: 0}},
		{name: "no detectors", plan: &Count{Num: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := engine.Execute(context.Background(), tt.plan, nil); !errors.Is(err, ErrInvalidPlan) {
				t.Fatalf("expected ErrInvalidPlan, got %v", err)
			}
		})
	}
}

func TestLineScanPlan(t *testing.T) {
	engine, sink := testEngine()

	sim := devices.NewSim()
	sim.SimulateMotor("TEST:m1", 1000)
	motor := devices.NewMotor("TEST:m1", "stage_x")
	if err := motor.Connect(context.Background(), sim); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := engine.Execute(ctx, &LineScan{
		Motor: motor, Start: 0, Stop: 2, Num: 5,
	}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	events := sink.byType(DocEvent)
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}
	wantPositions := []float64{0, 0.5, 1.0, 1.5, 2.0}
	for i, doc := range events {
		ev := doc.(*Event)
		pos, ok := ev.Data["stage_x"].(float64)
		if !ok {
			t.Fatalf("event %d missing readback: %v", i, ev.Data)
		}
		if diff := pos - wantPositions[i]; diff > 1e-6 || diff < -1e-6 {
			t.Errorf("event %d position = %g, want %g", i, pos, wantPositions[i])
		}
	}
}

func TestMoveMotorsPlan(t *testing.T) {
	engine, _ := testEngine()

	sim := devices.NewSim()
	sim.SimulateMotor("TEST:m1", 1000)
	sim.SimulateMotor("TEST:m2", 1000)
	m1 := devices.NewMotor("TEST:m1", "stage_x")
	m2 := devices.NewMotor("TEST:m2", "stage_y")
	for _, m := range []*devices.Motor{m1, m2} {
		if err := m.Connect(context.Background(), sim); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := engine.Execute(ctx, &MoveMotors{Moves: []Move{
		{Motor: m1, Target: 1.0},
		{Motor: m2, Target: -2.0},
	}}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if pos, _ := m1.Position(ctx); pos != 1.0 {
		t.Errorf("stage_x = %g, want 1", pos)
	}
	if pos, _ := m2.Position(ctx); pos != -2.0 {
		t.Errorf("stage_y = %g, want -2", pos)
	}

	if (&MoveMotors{}).PlanName() != "mv" {
		t.Error("default plan name")
	}
	if got := RecallPosition("abc123", nil).PlanName(); got != "recall_motor_position:abc123" {
		t.Errorf("recall plan name = %s", got)
	}
}

func TestRecordDarkCurrentPlan(t *testing.T) {
	engine, _ := testEngine()
	ic, sim := simChamber(t, "I0", "TEST:3820", "TEST:SR01", 2)

	openPV, closePV, statePV := devices.APSShutterPVs("PSS:TEST:", "A")
	shutter := devices.NewShutter("hutch_shutter", openPV, closePV, statePV)
	if err := shutter.Connect(context.Background(), sim); err != nil {
		t.Fatalf("connect: %v", err)
	}
	// Shutter starts open; the simulated state follows commands after a
	// relay delay.
	sim.Define(statePV, int16(devices.ShutterOpen))
	go func() {
		for i := 0; i < 200; i++ {
			time.Sleep(10 * time.Millisecond)
			if sim.Value(closePV) == int16(1) {
				sim.Define(closePV, int16(0))
				sim.Define(statePV, int16(devices.ShutterClosed))
			}
			if sim.Value(openPV) == int16(1) {
				sim.Define(openPV, int16(0))
				sim.Define(statePV, int16(devices.ShutterOpen))
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := engine.Execute(ctx, &RecordDarkCurrent{
		Chambers: []*devices.IonChamber{ic},
		Shutters: []*devices.Shutter{shutter},
		Seconds:  0.05,
	}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if got := sim.Value("TEST:3820:scaler1_offset_time.VAL"); got != 0.05 {
		t.Errorf("offset time = %v, want 0.05", got)
	}
	// Shutter restored to open.
	state, err := shutter.Position(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if int(state) != devices.ShutterOpen {
		t.Errorf("shutter state = %g, want open", state)
	}
}

func TestSetEnergyPlanValidation(t *testing.T) {
	engine, _ := testEngine()

	sim := devices.NewSim()
	sim.SimulateMotor("TEST:Energy", 1e6)
	motor := devices.NewMotor("TEST:Energy", "energy")
	if err := motor.Connect(context.Background(), sim); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if _, err := engine.Execute(context.Background(), &SetEnergy{Energy: motor, EnergyEV: -5}, nil); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("expected ErrInvalidPlan, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := engine.Execute(ctx, &SetEnergy{Energy: motor, EnergyEV: 8500}, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if pos, _ := motor.Position(ctx); pos != 8500 {
		t.Errorf("energy = %g, want 8500", pos)
	}
}
