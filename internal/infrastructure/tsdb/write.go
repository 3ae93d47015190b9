package tsdb

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// WriteSignal writes a single PV monitor sample to VictoriaMetrics.
//
// This is the high-rate path: camonitor callbacks call it directly and
// the sample is batched, not sent, so the callback never blocks on I/O.
//
// Parameters:
//   - device: Device name (e.g., "aerotech_horiz", "I0")
//   - signal: Signal name within the device (e.g., "readback", "net_counts")
//   - value: The sample value
//   - ts: EPICS timestamp of the sample
//
// Example:
//
//	client.WriteSignal("aerotech_horiz", "readback", 12.5031, ts)
func (c *Client) WriteSignal(device string, signal string, value float64, ts time.Time) {
	c.addLine(formatLineProtocol(
		"signals",
		map[string]string{
			"device": device,
			"signal": signal,
		},
		map[string]interface{}{
			"value": value,
		},
		ts,
	))
}

// WriteFlyEvent writes one fly-scan pixel.
//
// Each pixel becomes one point in the fly_events measurement, tagged by
// run and stream, with every data key as a field. Fly scans emit pixels
// at dwell rate (tens to hundreds of Hz), which is why they go through
// this batched line protocol path rather than the InfluxDB client.
//
// Parameters:
//   - runUID: UID of the run the pixel belongs to
//   - stream: Stream name (usually "primary")
//   - data: Data key to value for this pixel
//   - ts: Aligned pixel timestamp
func (c *Client) WriteFlyEvent(runUID string, stream string, data map[string]float64, ts time.Time) {
	if len(data) == 0 {
		return
	}

	fields := make(map[string]interface{}, len(data))
	for k, v := range data {
		fields[k] = v
	}

	c.addLine(formatLineProtocol(
		"fly_events",
		map[string]string{
			"run_uid": runUID,
			"stream":  stream,
		},
		fields,
		ts,
	))
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("system_stats",
//	    map[string]string{"host": "core-01"},
//	    map[string]interface{}{"cpu_percent": 45.2, "memory_mb": 512})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.addLine(formatLineProtocol(measurement, tags, fields, time.Now()))
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	c.addLine(formatLineProtocol(measurement, tags, fields, timestamp))
}

// formatLineProtocol formats a data point as an InfluxDB line protocol string.
//
// Format: measurement,tag1=val1,tag2=val2 field1=val1,field2=val2 timestamp_ns
//
// VictoriaMetrics accepts this format on the /write endpoint.
func formatLineProtocol(measurement string, tags map[string]string, fields map[string]interface{}, t time.Time) string {
	var b strings.Builder

	// Measurement (escaped to prevent injection)
	b.WriteString(escapeMeasurement(measurement))

	// Tags (sorted for deterministic output and testability)
	tagKeys := make([]string, 0, len(tags))
	for k := range tags {
		tagKeys = append(tagKeys, k)
	}
	sort.Strings(tagKeys)
	for _, k := range tagKeys {
		b.WriteByte(',')
		b.WriteString(escapeTag(k))
		b.WriteByte('=')
		b.WriteString(escapeTag(tags[k]))
	}

	// Fields (sorted for deterministic output)
	fieldKeys := make([]string, 0, len(fields))
	for k := range fields {
		fieldKeys = append(fieldKeys, k)
	}
	sort.Strings(fieldKeys)
	b.WriteByte(' ')
	first := true
	for _, k := range fieldKeys {
		v := fields[k]
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(escapeTag(k))
		b.WriteByte('=')
		switch val := v.(type) {
		case float64:
			b.WriteString(fmt.Sprintf("%g", val))
		case int:
			b.WriteString(fmt.Sprintf("%di", val))
		case int64:
			b.WriteString(fmt.Sprintf("%di", val))
		case bool:
			if val {
				b.WriteString("true")
			} else {
				b.WriteString("false")
			}
		case string:
			b.WriteString(fmt.Sprintf("%q", val))
		default:
			b.WriteString(fmt.Sprintf("%v", val))
		}
	}

	// Timestamp in nanoseconds
	b.WriteByte(' ')
	b.WriteString(fmt.Sprintf("%d", t.UnixNano()))

	return b.String()
}

// escapeTag escapes special characters in tag keys/values per line protocol spec.
// Commas, equals signs, and spaces must be backslash-escaped.
// Newlines are stripped to prevent line protocol injection.
func escapeTag(s string) string {
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, " ", "\\ ")
	s = strings.ReplaceAll(s, ",", "\\,")
	s = strings.ReplaceAll(s, "=", "\\=")
	return s
}

// escapeMeasurement escapes special characters in measurement names.
// Newlines are stripped to prevent line protocol injection.
func escapeMeasurement(s string) string {
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, " ", "\\ ")
	s = strings.ReplaceAll(s, ",", "\\,")
	return s
}
