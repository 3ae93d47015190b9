package devices

import (
	"context"
	"errors"
	"testing"
)

func simDetector(t *testing.T, prefix, name string) (*AreaDetector, *Sim) {
	t.Helper()
	sim := NewSim()
	d := NewAreaDetector(prefix, name)
	if err := d.Connect(context.Background(), sim); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return d, sim
}

func TestAreaDetectorLastFile(t *testing.T) {
	sim := NewSim()
	sim.Define("25idSimDet:HDF1:FullFileName_RBV", "/net/s25data/eiger/scan_0042.h5")

	d := NewAreaDetector("25idSimDet:", "eiger")
	if err := d.Connect(context.Background(), sim); err != nil {
		t.Fatalf("connect: %v", err)
	}

	path, err := d.LastFile(context.Background())
	if err != nil {
		t.Fatalf("last file: %v", err)
	}
	if path != "/net/s25data/eiger/scan_0042.h5" {
		t.Errorf("last file = %q", path)
	}
}

func TestAreaDetectorLastFileNotString(t *testing.T) {
	sim := NewSim()
	// A misconfigured IOC can serve a numeric record at the readback PV.
	sim.Define("25idSimDet:HDF1:FullFileName_RBV", 0.0)

	d := NewAreaDetector("25idSimDet:", "eiger")
	if err := d.Connect(context.Background(), sim); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := d.LastFile(context.Background())
	if !errors.Is(err, ErrNotString) {
		t.Fatalf("expected ErrNotString, got %v", err)
	}
}

func TestAreaDetectorStageUnstage(t *testing.T) {
	d, sim := simDetector(t, "25idSimDet:", "eiger")
	ctx := context.Background()

	if err := d.Stage(ctx); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if v := sim.Value("25idSimDet:HDF1:Capture"); v != int16(1) {
		t.Errorf("capture after stage = %v", v)
	}
	if err := d.Unstage(ctx); err != nil {
		t.Fatalf("unstage: %v", err)
	}
	if v := sim.Value("25idSimDet:HDF1:Capture"); v != int16(0) {
		t.Errorf("capture after unstage = %v", v)
	}
}
