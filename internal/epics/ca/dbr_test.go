package ca

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"
)

func TestEncodeDecodePlain(t *testing.T) {
	tests := []struct {
		name  string
		dtype DBRType
		value any
		want  any
	}{
		{"double", DBRDouble, 8333.47, 8333.47},
		{"double from int", DBRDouble, 42, 42.0},
		{"float", DBRFloat, float32(1.5), float32(1.5)},
		{"long", DBRLong, int32(100000), int32(100000)},
		{"long from int", DBRLong, 7, int32(7)},
		{"short", DBRShort, int16(-12), int16(-12)},
		{"enum", DBREnum, uint16(3), uint16(3)},
		{"char", DBRChar, byte(0xAB), byte(0xAB)},
		{"string", DBRString, "mono_energy", "mono_energy"},
		{"empty string", DBRString, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := EncodeValue(tt.dtype, tt.value)
			if err != nil {
				t.Fatalf("EncodeValue() error: %v", err)
			}

			tv, err := DecodeValue(tt.dtype, 1, payload)
			if err != nil {
				t.Fatalf("DecodeValue() error: %v", err)
			}
			if tv.Value != tt.want {
				t.Errorf("value = %v (%T), want %v (%T)", tv.Value, tv.Value, tt.want, tt.want)
			}
			if !tv.Timestamp.IsZero() {
				t.Error("plain type should decode with zero timestamp")
			}
		})
	}
}

func TestEncodeValueErrors(t *testing.T) {
	tests := []struct {
		name  string
		dtype DBRType
		value any
	}{
		{"string too long", DBRString, string(make([]byte, 40))},
		{"wrong type for string", DBRString, 42},
		{"short overflow", DBRShort, 100000},
		{"enum negative", DBREnum, -1},
		{"long overflow", DBRLong, int64(1) << 40},
		{"non-integral for long", DBRLong, 1.5},
		{"time type rejected", DBRTimeDouble, 1.0},
		{"unsupported go type", DBRDouble, struct{}{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EncodeValue(tt.dtype, tt.value); !errors.Is(err, ErrEncodingFailed) {
				t.Errorf("expected ErrEncodingFailed, got %v", err)
			}
		})
	}
}

// encodeTimeDouble builds a DBR_TIME_DOUBLE payload the way a server would.
func encodeTimeDouble(status, severity uint16, ts time.Time, values ...float64) []byte {
	buf := make([]byte, 16+8*len(values))
	binary.BigEndian.PutUint16(buf[0:2], status)
	binary.BigEndian.PutUint16(buf[2:4], severity)
	secs, nsec := toEpicsTime(ts)
	binary.BigEndian.PutUint32(buf[4:8], secs)
	binary.BigEndian.PutUint32(buf[8:12], nsec)
	// 4 bytes of struct padding, then the value array.
	for i, v := range values {
		binary.BigEndian.PutUint64(buf[16+8*i:], math.Float64bits(v))
	}
	return buf
}

func TestDecodeTimeDouble(t *testing.T) {
	ts := time.Date(2026, 3, 5, 14, 30, 0, 250_000_000, time.UTC)
	payload := encodeTimeDouble(3, 1, ts, 8333.47)

	tv, err := DecodeValue(DBRTimeDouble, 1, payload)
	if err != nil {
		t.Fatalf("DecodeValue() error: %v", err)
	}

	if tv.Value != 8333.47 {
		t.Errorf("value = %v, want 8333.47", tv.Value)
	}
	if tv.Status != 3 {
		t.Errorf("status = %d, want 3", tv.Status)
	}
	if tv.Severity != 1 {
		t.Errorf("severity = %d, want 1", tv.Severity)
	}
	if !tv.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", tv.Timestamp, ts)
	}
}

func TestDecodeTimeDoubleArray(t *testing.T) {
	ts := time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC)
	payload := encodeTimeDouble(0, 0, ts, 1.0, 2.0, 3.0)

	tv, err := DecodeValue(DBRTimeDouble, 3, payload)
	if err != nil {
		t.Fatalf("DecodeValue() error: %v", err)
	}

	vals, ok := tv.Value.([]float64)
	if !ok {
		t.Fatalf("value type = %T, want []float64", tv.Value)
	}
	if len(vals) != 3 || vals[0] != 1.0 || vals[2] != 3.0 {
		t.Errorf("values = %v, want [1 2 3]", vals)
	}
}

func TestDecodeValueShortPayload(t *testing.T) {
	if _, err := DecodeValue(DBRTimeDouble, 1, make([]byte, 10)); !errors.Is(err, ErrDecodingFailed) {
		t.Errorf("expected ErrDecodingFailed, got %v", err)
	}
	if _, err := DecodeValue(DBRDouble, 4, make([]byte, 16)); !errors.Is(err, ErrDecodingFailed) {
		t.Errorf("expected ErrDecodingFailed for short array, got %v", err)
	}
}

func TestEpicsTimeRoundTrip(t *testing.T) {
	// The EPICS epoch is 1990-01-01; the offset to Unix is fixed.
	epoch := time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := epicsTime(0, 0); !got.Equal(epoch) {
		t.Errorf("epicsTime(0,0) = %v, want %v", got, epoch)
	}

	now := time.Date(2026, 8, 29, 9, 0, 0, 123_456_789, time.UTC)
	secs, nsec := toEpicsTime(now)
	if got := epicsTime(secs, nsec); !got.Equal(now) {
		t.Errorf("round trip = %v, want %v", got, now)
	}

	// Pre-epoch times clamp to zero rather than wrapping.
	secs, nsec = toEpicsTime(time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC))
	if secs != 0 || nsec != 0 {
		t.Errorf("pre-epoch time = (%d,%d), want (0,0)", secs, nsec)
	}
}

func TestDBRTypeConversions(t *testing.T) {
	if DBRDouble.Time() != DBRTimeDouble {
		t.Error("DBRDouble.Time() != DBRTimeDouble")
	}
	if DBRTimeDouble.Time() != DBRTimeDouble {
		t.Error("Time() should be idempotent on time forms")
	}
	if DBRTimeLong.Plain() != DBRLong {
		t.Error("DBRTimeLong.Plain() != DBRLong")
	}
	if DBRShort.Plain() != DBRShort {
		t.Error("Plain() should be idempotent on plain forms")
	}
}
