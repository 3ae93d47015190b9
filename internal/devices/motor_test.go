package devices

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func simMotor(t *testing.T, prefix, name string, velocity float64) (*Motor, *Sim) {
	t.Helper()
	sim := NewSim()
	sim.SimulateMotor(prefix, velocity)
	m := NewMotor(prefix, name)
	if err := m.Connect(context.Background(), sim); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return m, sim
}

func TestMotorSet(t *testing.T) {
	m, _ := simMotor(t, "TEST:m1", "stage_x", 100)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Set(ctx, 2.5); err != nil {
		t.Fatalf("set: %v", err)
	}
	pos, err := m.Position(ctx)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if math.Abs(pos-2.5) > 1e-9 {
		t.Errorf("position = %g, want 2.5", pos)
	}
}

func TestMotorSetAlreadyAtTarget(t *testing.T) {
	m, _ := simMotor(t, "TEST:m2", "stage_y", 100)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Moving to the current position must not hang waiting for motion
	// that never starts.
	if err := m.Set(ctx, 0); err != nil {
		t.Fatalf("no-op set: %v", err)
	}
}

func TestMotorSetContextCancelled(t *testing.T) {
	m, _ := simMotor(t, "TEST:m3", "stage_z", 0.1) // 1000s to arrive

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := m.Set(ctx, 100)
	if !errors.Is(err, ErrMoveFailed) {
		t.Fatalf("expected ErrMoveFailed, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline in chain, got %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestMotorAutoName(t *testing.T) {
	sim := NewSim()
	sim.SimulateMotor("TEST:m4", 100)
	sim.Define("TEST:m4.DESC", "Sample Stage Theta")

	m := NewMotor("TEST:m4", "")
	if err := m.Connect(context.Background(), sim); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.AutoName(context.Background()); err != nil {
		t.Fatalf("auto name: %v", err)
	}
	if m.Name() != "sample_stage_theta" {
		t.Errorf("name = %q, want sample_stage_theta", m.Name())
	}
}

func TestMotorAutoNameEmptyDescription(t *testing.T) {
	sim := NewSim()
	sim.SimulateMotor("TEST:m5", 100)
	sim.Define("TEST:m5.DESC", "")

	m := NewMotor("TEST:m5", "")
	if err := m.Connect(context.Background(), sim); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.AutoName(context.Background()); err == nil {
		t.Fatal("expected error for empty description")
	}
}

func TestMotorSetFlyParams(t *testing.T) {
	tests := []struct {
		name    string
		start   float64
		stop    float64
		num     int
		dwell   float64
		wantErr bool
	}{
		{name: "valid", start: 0, stop: 1, num: 5, dwell: 0.1},
		{name: "reversed range", start: 1, stop: -1, num: 11, dwell: 0.5},
		{name: "one point", start: 0, stop: 1, num: 1, dwell: 0.1, wantErr: true},
		{name: "zero dwell", start: 0, stop: 1, num: 5, dwell: 0, wantErr: true},
		{name: "negative dwell", start: 0, stop: 1, num: 5, dwell: -1, wantErr: true},
		{name: "zero range", start: 2, stop: 2, num: 5, dwell: 0.1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMotor("TEST:fly", "flyer")
			err := m.SetFlyParams(tt.start, tt.stop, tt.num, tt.dwell)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidFlyParams) {
					t.Fatalf("expected ErrInvalidFlyParams, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			pixels := m.PixelPositions()
			if len(pixels) != tt.num {
				t.Fatalf("got %d pixels, want %d", len(pixels), tt.num)
			}
			if pixels[0] != tt.start || pixels[len(pixels)-1] != tt.stop {
				t.Errorf("pixel range [%g, %g], want [%g, %g]",
					pixels[0], pixels[len(pixels)-1], tt.start, tt.stop)
			}
		})
	}
}

func TestMotorKickoffWithoutParams(t *testing.T) {
	m, _ := simMotor(t, "TEST:m6", "flyer", 100)
	if err := m.Kickoff(context.Background()); !errors.Is(err, ErrInvalidFlyParams) {
		t.Fatalf("expected ErrInvalidFlyParams, got %v", err)
	}
}

func TestMotorFlyScan(t *testing.T) {
	m, sim := simMotor(t, "TEST:m7", "aerotech", 200)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.SetFlyParams(0, 1, 5, 0.01); err != nil {
		t.Fatalf("fly params: %v", err)
	}
	if err := m.Kickoff(ctx); err != nil {
		t.Fatalf("kickoff: %v", err)
	}

	// Taxi position is past the scan start, slew velocity programmed.
	if rbv, _ := sim.Value("TEST:m7.RBV").(float64); rbv >= 0 {
		t.Errorf("taxi position %g, want < 0", rbv)
	}
	slew, _ := sim.Value("TEST:m7.VELO").(float64)
	if want := 25.0; math.Abs(slew-want) > 1e-9 { // 0.25 units / 0.01 s
		t.Errorf("slew velocity = %g, want %g", slew, want)
	}

	if err := m.Complete(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Original velocity restored after the slew.
	if velo, _ := sim.Value("TEST:m7.VELO").(float64); velo != 200 {
		t.Errorf("velocity after fly = %g, want 200", velo)
	}

	events, err := m.CollectFly(ctx)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(events) < 2 {
		t.Fatalf("collected %d events, want at least 2", len(events))
	}
	for _, ev := range events {
		if _, ok := ev.Data["aerotech"]; !ok {
			t.Fatalf("event missing readback key: %v", ev.Data)
		}
	}

	// Collect drains the buffer.
	if _, err := m.CollectFly(ctx); !errors.Is(err, ErrNoFlyData) {
		t.Errorf("second collect: expected ErrNoFlyData, got %v", err)
	}
}

func TestMotorPredict(t *testing.T) {
	m := NewMotor("TEST:m8", "predictor")
	if err := m.SetFlyParams(0, 1, 5, 0.1); err != nil {
		t.Fatalf("fly params: %v", err)
	}

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.recorded = []flyPoint{
		{t: t0, v: 0},
		{t: t0.Add(time.Second), v: 0.5},
		{t: t0.Add(2 * time.Second), v: 1.0},
	}

	tests := []struct {
		name     string
		at       time.Time
		wantPos  float64
		wantSnap float64
	}{
		{name: "midway", at: t0.Add(500 * time.Millisecond), wantPos: 0.25, wantSnap: 0.25},
		{name: "exact sample", at: t0.Add(time.Second), wantPos: 0.5, wantSnap: 0.5},
		{name: "between pixels", at: t0.Add(1200 * time.Millisecond), wantPos: 0.6, wantSnap: 0.5},
		{name: "before trace clamps", at: t0.Add(-time.Second), wantPos: 0, wantSnap: 0},
		{name: "after trace clamps", at: t0.Add(time.Hour), wantPos: 1, wantSnap: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Predict(tt.at)
			if err != nil {
				t.Fatalf("predict: %v", err)
			}
			pos := got["predictor"].(float64)
			if math.Abs(pos-tt.wantPos) > 1e-9 {
				t.Errorf("position = %g, want %g", pos, tt.wantPos)
			}
			snap := got["predictor_user_setpoint"].(float64)
			if math.Abs(snap-tt.wantSnap) > 1e-9 {
				t.Errorf("setpoint snap = %g, want %g", snap, tt.wantSnap)
			}
		})
	}
}

func TestMotorPredictNoData(t *testing.T) {
	m := NewMotor("TEST:m9", "empty")
	if _, err := m.Predict(time.Now()); !errors.Is(err, ErrNoFlyData) {
		t.Fatalf("expected ErrNoFlyData, got %v", err)
	}
}

func TestMotorReadAndDescribe(t *testing.T) {
	m, sim := simMotor(t, "TEST:m10", "stage", 100)
	sim.Define("TEST:m10.RBV", 1.25)

	readings, err := m.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	r, ok := readings["stage"]
	if !ok {
		t.Fatalf("readback key missing: %v", readings)
	}
	if r.Value != 1.25 {
		t.Errorf("readback = %v, want 1.25", r.Value)
	}
	if _, ok := readings["stage_user_setpoint"]; !ok {
		t.Error("setpoint key missing from readings")
	}

	desc := m.Describe()
	if dk, ok := desc["stage"]; !ok || dk.Source != "ca://TEST:m10.RBV" {
		t.Errorf("describe stage = %+v", desc["stage"])
	}

	cfg, err := m.ReadConfiguration(context.Background())
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if _, ok := cfg["stage_velocity"]; !ok {
		t.Error("velocity missing from configuration")
	}
	if _, ok := cfg["stage"]; ok {
		t.Error("readback leaked into configuration")
	}
}
