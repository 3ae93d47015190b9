package dbimport

import (
	"testing"
)

func TestDetectMotors(t *testing.T) {
	records := []Record{
		{Type: "motor", Name: "255idc:m1", Fields: map[string]string{"DESC": "Aerotech Horiz", "EGU": "mm"}},
		{Type: "motor", Name: "255idc:m2", Fields: map[string]string{}},
		{Type: "ai", Name: "255idc:temp1", Fields: map[string]string{}},
	}

	devices, used := detectMotors(records)
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}
	if len(used) != 2 {
		t.Fatalf("got %d used records, want 2", len(used))
	}

	described := devices[0]
	if described.SuggestedName != "aerotech_horiz" {
		t.Errorf("SuggestedName = %q, want aerotech_horiz", described.SuggestedName)
	}
	if described.Motor == nil || described.Motor.Prefix != "255idc:m1" {
		t.Errorf("Motor config = %+v, want prefix 255idc:m1", described.Motor)
	}

	// DESC and EGU lift confidence above a bare record.
	bare := devices[1]
	if described.Confidence <= bare.Confidence {
		t.Errorf("described confidence %v should exceed bare %v", described.Confidence, bare.Confidence)
	}
	if described.Confidence > maxConfidence {
		t.Errorf("confidence %v exceeds cap %v", described.Confidence, maxConfidence)
	}
}

func TestDetectIonChambers(t *testing.T) {
	records := []Record{
		{Type: "scaler", Name: "255idc:scaler1", Fields: map[string]string{
			"NM2": "I0",
			"NM3": "It",
			"NM4": "", // unnamed channel is skipped
		}},
	}

	devices, used := detectIonChambers(records)
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}
	if len(used) != 1 || used[0] != "255idc:scaler1" {
		t.Fatalf("used = %v", used)
	}

	first := devices[0]
	if first.SuggestedName != "i0" {
		t.Errorf("SuggestedName = %q, want i0", first.SuggestedName)
	}
	if first.IonChamber == nil {
		t.Fatal("IonChamber config missing")
	}
	if first.IonChamber.ScalerChannel != 2 {
		t.Errorf("ScalerChannel = %d, want 2", first.IonChamber.ScalerChannel)
	}
	if first.IonChamber.ScalerPrefix != "255idc:scaler1" {
		t.Errorf("ScalerPrefix = %q", first.IonChamber.ScalerPrefix)
	}
}

func TestDetectShutters(t *testing.T) {
	t.Run("full trio is high confidence", func(t *testing.T) {
		records := []Record{
			{Type: "bo", Name: "25ida:shutter:Open", Fields: map[string]string{"DESC": "Front End Shutter"}},
			{Type: "bo", Name: "25ida:shutter:Close", Fields: map[string]string{}},
			{Type: "bi", Name: "25ida:shutter:Sts", Fields: map[string]string{}},
		}

		devices, used := detectShutters(records)
		if len(devices) != 1 {
			t.Fatalf("got %d devices, want 1", len(devices))
		}
		if len(used) != 3 {
			t.Errorf("used = %v, want all three records", used)
		}

		sh := devices[0]
		if sh.SuggestedName != "front_end_shutter" {
			t.Errorf("SuggestedName = %q", sh.SuggestedName)
		}
		if sh.Confidence < ConfidenceHigh {
			t.Errorf("confidence = %v, want >= %v", sh.Confidence, ConfidenceHigh)
		}
		if sh.Shutter == nil || sh.Shutter.StatePV != "25ida:shutter:Sts" {
			t.Errorf("Shutter config = %+v", sh.Shutter)
		}
	})

	t.Run("pair without state is medium confidence", func(t *testing.T) {
		records := []Record{
			{Type: "bo", Name: "25ida:fes:Open", Fields: map[string]string{}},
			{Type: "bo", Name: "25ida:fes:Close", Fields: map[string]string{}},
		}

		devices, _ := detectShutters(records)
		if len(devices) != 1 {
			t.Fatalf("got %d devices, want 1", len(devices))
		}
		if lvl := ConfidenceLevel(devices[0].Confidence); lvl != "medium" {
			t.Errorf("confidence level = %s, want medium", lvl)
		}
		if devices[0].Shutter.StatePV != "" {
			t.Errorf("StatePV = %q, want empty", devices[0].Shutter.StatePV)
		}
	})

	t.Run("open without close is ignored", func(t *testing.T) {
		records := []Record{
			{Type: "bo", Name: "25ida:broken:Open", Fields: map[string]string{}},
		}

		devices, used := detectShutters(records)
		if len(devices) != 0 || len(used) != 0 {
			t.Errorf("devices = %v, used = %v, want none", devices, used)
		}
	})
}

func TestDetectDevices_ConsumptionOrder(t *testing.T) {
	// A motor record must be claimed by the motor rule, never by the
	// looser shutter grouping, and unclaimed records end up unassigned.
	db := `
record(motor, "255idc:m1") {
    field(DESC, "Sample X")
}
record(bo, "255idc:sh:Open") {
}
record(bo, "255idc:sh:Close") {
}
record(ai, "255idc:drain") {
}
`
	result, err := NewParser().ParseBytes([]byte(db), "mixed.db")
	if err != nil {
		t.Fatalf("ParseBytes() error = %v", err)
	}

	types := make(map[string]int)
	for _, d := range result.Devices {
		types[d.DetectedType]++
	}
	if types[TypeMotor] != 1 || types[TypeShutter] != 1 {
		t.Errorf("detected types = %v, want 1 motor and 1 shutter", types)
	}
	if len(result.UnassignedRecords) != 1 || result.UnassignedRecords[0] != "255idc:drain" {
		t.Errorf("UnassignedRecords = %v", result.UnassignedRecords)
	}
}

func TestSuggestName(t *testing.T) {
	tests := []struct {
		label string
		want  string
	}{
		{"Aerotech Horiz", "aerotech_horiz"},
		{"I0", "i0"},
		{"  KB Mirror (vert)  ", "kb_mirror_vert"},
		{"!!!", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := suggestName(tt.label); got != tt.want {
			t.Errorf("suggestName(%q) = %q, want %q", tt.label, got, tt.want)
		}
	}
}

func TestConfidenceLevel(t *testing.T) {
	tests := []struct {
		confidence float64
		want       string
	}{
		{0.95, "high"},
		{ConfidenceHigh, "high"},
		{0.65, "medium"},
		{ConfidenceMedium, "medium"},
		{0.30, "low"},
	}

	for _, tt := range tests {
		if got := ConfidenceLevel(tt.confidence); got != tt.want {
			t.Errorf("ConfidenceLevel(%v) = %q, want %q", tt.confidence, got, tt.want)
		}
	}
}
