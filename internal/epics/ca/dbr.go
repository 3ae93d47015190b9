package ca

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// DBR encoding constants.
const (
	// dbrStringSize is the fixed wire size of a DBR string element.
	dbrStringSize = 40

	// epicsEpochOffset converts EPICS timestamps (seconds since
	// 1990-01-01 00:00:00 UTC) to Unix timestamps.
	epicsEpochOffset int64 = 631152000

	// timeMetaSize is the common metadata prefix of the DBR_TIME_*
	// forms: status(2) + severity(2) + timestamp(8). Per-type struct
	// padding is added on top by metaSize.
	timeMetaSize = 12
)

// DBRType identifies a Channel Access data request buffer type.
type DBRType uint16

// Plain DBR types carry only the value array.
const (
	DBRString DBRType = 0
	DBRShort  DBRType = 1
	DBRFloat  DBRType = 2
	DBREnum   DBRType = 3
	DBRChar   DBRType = 4
	DBRLong   DBRType = 5
	DBRDouble DBRType = 6
)

// DBR_TIME_* types prefix the value array with alarm status, alarm
// severity and the IOC timestamp.
const (
	DBRTimeString DBRType = 14
	DBRTimeShort  DBRType = 15
	DBRTimeFloat  DBRType = 16
	DBRTimeEnum   DBRType = 17
	DBRTimeChar   DBRType = 18
	DBRTimeLong   DBRType = 19
	DBRTimeDouble DBRType = 20
)

// String returns the protocol name of the DBR type.
func (t DBRType) String() string {
	switch t {
	case DBRString:
		return "DBR_STRING"
	case DBRShort:
		return "DBR_SHORT"
	case DBRFloat:
		return "DBR_FLOAT"
	case DBREnum:
		return "DBR_ENUM"
	case DBRChar:
		return "DBR_CHAR"
	case DBRLong:
		return "DBR_LONG"
	case DBRDouble:
		return "DBR_DOUBLE"
	case DBRTimeString:
		return "DBR_TIME_STRING"
	case DBRTimeShort:
		return "DBR_TIME_SHORT"
	case DBRTimeFloat:
		return "DBR_TIME_FLOAT"
	case DBRTimeEnum:
		return "DBR_TIME_ENUM"
	case DBRTimeChar:
		return "DBR_TIME_CHAR"
	case DBRTimeLong:
		return "DBR_TIME_LONG"
	case DBRTimeDouble:
		return "DBR_TIME_DOUBLE"
	default:
		return fmt.Sprintf("DBR(%d)", uint16(t))
	}
}

// Time returns the DBR_TIME_* form of a plain type. Time forms are
// returned unchanged.
func (t DBRType) Time() DBRType {
	if t >= DBRTimeString {
		return t
	}
	return t + DBRTimeString
}

// Plain returns the plain form of a DBR_TIME_* type. Plain forms are
// returned unchanged.
func (t DBRType) Plain() DBRType {
	if t >= DBRTimeString {
		return t - DBRTimeString
	}
	return t
}

// elementSize returns the wire size of one element of the plain type.
func (t DBRType) elementSize() int {
	switch t.Plain() {
	case DBRString:
		return dbrStringSize
	case DBRShort, DBREnum:
		return 2
	case DBRChar:
		return 1
	case DBRLong, DBRFloat:
		return 4
	case DBRDouble:
		return 8
	default:
		return 0
	}
}

// metaSize returns the size of the metadata prefix for DBR_TIME_* types,
// including the alignment padding before the value array.
func (t DBRType) metaSize() int {
	if t < DBRTimeString {
		return 0
	}
	// status(2) + severity(2) + secs(4) + nsec(4), then the struct
	// padding the C dbr_time_* definitions carry before the value array.
	switch t {
	case DBRTimeShort:
		return timeMetaSize + 2
	case DBRTimeChar:
		return timeMetaSize + 3
	case DBRTimeDouble:
		return timeMetaSize + 4
	default:
		return timeMetaSize
	}
}

// TimeValue is a decoded DBR_TIME_* payload: the value array plus the
// alarm state and IOC timestamp that accompanied it.
type TimeValue struct {
	// Value holds the decoded value: string, int16, float32, uint16,
	// []byte, int32 or float64 for scalar reads, or the corresponding
	// slice type when the element count is greater than one.
	Value any

	// Status is the EPICS alarm status code (0 = NO_ALARM).
	Status uint16

	// Severity is the EPICS alarm severity (0 = NO_ALARM, 1 = MINOR,
	// 2 = MAJOR, 3 = INVALID).
	Severity uint16

	// Timestamp is the IOC-side record processing time.
	Timestamp time.Time
}

// epicsTime converts EPICS epoch seconds/nanoseconds to time.Time.
func epicsTime(secs, nsec uint32) time.Time {
	return time.Unix(int64(secs)+epicsEpochOffset, int64(nsec)).UTC()
}

// toEpicsTime converts a time.Time to EPICS epoch seconds/nanoseconds.
func toEpicsTime(t time.Time) (secs, nsec uint32) {
	s := t.Unix() - epicsEpochOffset
	if s < 0 {
		return 0, 0
	}
	return uint32(s), uint32(t.Nanosecond()) //nolint:gosec // range-checked
}

// EncodeValue encodes a Go value as a DBR payload of the given plain type.
//
// Accepted Go types per DBR type:
//   - DBRString: string (max 39 bytes, null terminator is required)
//   - DBRShort:  int16 / int / float64 (integral)
//   - DBRFloat:  float32 / float64
//   - DBREnum:   uint16 / int
//   - DBRChar:   byte / []byte
//   - DBRLong:   int32 / int / float64 (integral)
//   - DBRDouble: float64 / float32 / int
//
// Parameters:
//   - t: Plain DBR type to encode as (time forms are rejected)
//   - value: Go value to encode
//
// Returns:
//   - []byte: Unpadded payload (EncodeMessage applies protocol padding)
//   - error: ErrEncodingFailed if the value cannot be represented
func EncodeValue(t DBRType, value any) ([]byte, error) {
	if t >= DBRTimeString {
		return nil, fmt.Errorf("%w: cannot write time type %s", ErrEncodingFailed, t)
	}

	switch t {
	case DBRString:
		s, ok := value.(string)
		if !ok {
			return nil, encodeTypeError(t, value)
		}
		if len(s) >= dbrStringSize {
			return nil, fmt.Errorf("%w: string %q exceeds %d bytes",
				ErrEncodingFailed, s, dbrStringSize-1)
		}
		buf := make([]byte, dbrStringSize)
		copy(buf, s)
		return buf, nil

	case DBRShort:
		v, err := toInt64(t, value)
		if err != nil {
			return nil, err
		}
		if v < math.MinInt16 || v > math.MaxInt16 {
			return nil, rangeError(t, value)
		}
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(int16(v))) //nolint:gosec // range-checked
		return buf, nil

	case DBREnum:
		v, err := toInt64(t, value)
		if err != nil {
			return nil, err
		}
		if v < 0 || v > math.MaxUint16 {
			return nil, rangeError(t, value)
		}
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(v)) //nolint:gosec // range-checked
		return buf, nil

	case DBRChar:
		switch v := value.(type) {
		case byte:
			return []byte{v}, nil
		case []byte:
			out := make([]byte, len(v))
			copy(out, v)
			return out, nil
		default:
			return nil, encodeTypeError(t, value)
		}

	case DBRLong:
		v, err := toInt64(t, value)
		if err != nil {
			return nil, err
		}
		if v < math.MinInt32 || v > math.MaxInt32 {
			return nil, rangeError(t, value)
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(int32(v))) //nolint:gosec // range-checked
		return buf, nil

	case DBRFloat:
		f, err := toFloat64(t, value)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(f)))
		return buf, nil

	case DBRDouble:
		f, err := toFloat64(t, value)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(f))
		return buf, nil

	default:
		return nil, fmt.Errorf("%w: unsupported DBR type %s", ErrEncodingFailed, t)
	}
}

// toInt64 coerces the integral Go types accepted for write requests.
func toInt64(t DBRType, value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint16:
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%w: %v is not integral for %s", ErrEncodingFailed, v, t)
		}
		return int64(v), nil
	default:
		return 0, encodeTypeError(t, value)
	}
}

// toFloat64 coerces the numeric Go types accepted for float writes.
func toFloat64(t DBRType, value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, encodeTypeError(t, value)
	}
}

func encodeTypeError(t DBRType, value any) error {
	return fmt.Errorf("%w: cannot encode %T as %s", ErrEncodingFailed, value, t)
}

func rangeError(t DBRType, value any) error {
	return fmt.Errorf("%w: %v out of range for %s", ErrEncodingFailed, value, t)
}

// DecodeValue decodes a DBR payload into a TimeValue.
//
// Plain types decode with a zero timestamp and NO_ALARM state; the
// DBR_TIME_* forms fill in status, severity and the IOC timestamp. A
// count of one yields a scalar; larger counts yield a slice.
//
// Parameters:
//   - t: DBR type the payload was requested as
//   - count: Element count from the message header
//   - payload: Raw payload (including protocol padding)
//
// Returns:
//   - TimeValue: Decoded value with metadata
//   - error: ErrDecodingFailed if the payload is shorter than required
func DecodeValue(t DBRType, count int, payload []byte) (TimeValue, error) {
	if count < 1 {
		count = 1
	}

	tv := TimeValue{}
	meta := t.metaSize()
	elem := t.elementSize()
	if elem == 0 {
		return tv, fmt.Errorf("%w: unsupported DBR type %s", ErrDecodingFailed, t)
	}

	need := meta + elem*count
	if len(payload) < need {
		return tv, fmt.Errorf("%w: %s payload %d bytes, need %d",
			ErrDecodingFailed, t, len(payload), need)
	}

	if meta > 0 {
		tv.Status = binary.BigEndian.Uint16(payload[0:2])
		tv.Severity = binary.BigEndian.Uint16(payload[2:4])
		secs := binary.BigEndian.Uint32(payload[4:8])
		nsec := binary.BigEndian.Uint32(payload[8:12])
		tv.Timestamp = epicsTime(secs, nsec)
	}

	data := payload[meta:]
	value, err := decodeArray(t.Plain(), count, data)
	if err != nil {
		return tv, err
	}
	tv.Value = value
	return tv, nil
}

// decodeArray decodes count elements of a plain DBR type.
func decodeArray(t DBRType, count int, data []byte) (any, error) {
	switch t {
	case DBRString:
		vals := make([]string, count)
		for i := range count {
			raw := data[i*dbrStringSize : (i+1)*dbrStringSize]
			vals[i] = cString(raw)
		}
		if count == 1 {
			return vals[0], nil
		}
		return vals, nil

	case DBRShort:
		vals := make([]int16, count)
		for i := range count {
			vals[i] = int16(binary.BigEndian.Uint16(data[i*2:])) //nolint:gosec // wire format
		}
		if count == 1 {
			return vals[0], nil
		}
		return vals, nil

	case DBREnum:
		vals := make([]uint16, count)
		for i := range count {
			vals[i] = binary.BigEndian.Uint16(data[i*2:])
		}
		if count == 1 {
			return vals[0], nil
		}
		return vals, nil

	case DBRChar:
		vals := make([]byte, count)
		copy(vals, data[:count])
		if count == 1 {
			return vals[0], nil
		}
		return vals, nil

	case DBRLong:
		vals := make([]int32, count)
		for i := range count {
			vals[i] = int32(binary.BigEndian.Uint32(data[i*4:])) //nolint:gosec // wire format
		}
		if count == 1 {
			return vals[0], nil
		}
		return vals, nil

	case DBRFloat:
		vals := make([]float32, count)
		for i := range count {
			vals[i] = math.Float32frombits(binary.BigEndian.Uint32(data[i*4:]))
		}
		if count == 1 {
			return vals[0], nil
		}
		return vals, nil

	case DBRDouble:
		vals := make([]float64, count)
		for i := range count {
			vals[i] = math.Float64frombits(binary.BigEndian.Uint64(data[i*8:]))
		}
		if count == 1 {
			return vals[0], nil
		}
		return vals, nil

	default:
		return nil, fmt.Errorf("%w: unsupported DBR type %s", ErrDecodingFailed, t)
	}
}

// cString trims a fixed-size null-padded DBR string.
func cString(raw []byte) string {
	if i := strings.IndexByte(string(raw), 0); i >= 0 {
		return string(raw[:i])
	}
	return string(raw)
}
