package influxdb

import (
	"context"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/apsidal/beamline-core/internal/scan"
)

// Measurement names used by beamline writes.
const (
	// MeasurementReadings holds periodic monitor readings (ring current,
	// shutter state, slow sensor channels).
	MeasurementReadings = "readings"

	// MeasurementScanEvents holds one point per scan event, tagged with
	// the run and stream it belongs to.
	MeasurementScanEvents = "scan_events"
)

// SetBeamline sets the beamline tag stamped onto every point.
//
// Call once after Connect, before any writes. An empty name omits the tag.
func (c *Client) SetBeamline(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beamline = name
}

// WriteReading writes one device signal reading.
//
// The point is tagged with beamline, device, and signal, with a single
// "value" field. Writes are non-blocking and batched by the write API;
// errors are delivered via the SetOnError callback.
//
// Parameters:
//   - device: Device name ("ring_current", "front_end_shutter")
//   - signal: Signal name within the device ("value", "open")
//   - value: The reading
//   - ts: Timestamp of the reading (EPICS timestamp when available)
func (c *Client) WriteReading(device, signal string, value float64, ts time.Time) {
	if !c.IsConnected() {
		return
	}

	tags := map[string]string{
		"device": device,
		"signal": signal,
	}
	c.addBeamlineTag(tags)

	point := influxdb2.NewPoint(
		MeasurementReadings,
		tags,
		map[string]any{"value": value},
		ts,
	)
	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with arbitrary tags and fields.
//
// Use the typed helpers (WriteReading, EventSink) where they fit; this
// is the escape hatch for one-off measurements.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom point with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, ts)
	c.writeAPI.WritePoint(point)
}

// addBeamlineTag stamps the configured beamline name onto tags, if set.
func (c *Client) addBeamlineTag(tags map[string]string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.beamline != "" {
		tags["beamline"] = c.beamline
	}
}

// EventSink streams scan documents into InfluxDB.
//
// It implements scan.Sink: every event becomes one point in the
// scan_events measurement, tagged with the run UID and stream name and
// carrying the event's numeric data keys as fields. Descriptors are
// tracked so events can be attributed to their stream; a run stop
// flushes the batch so short scans land promptly.
//
// Non-numeric data values (strings, arrays) are skipped; the catalog
// keeps the full record.
type EventSink struct {
	client *Client

	mu      sync.Mutex
	streams map[string]streamInfo // descriptor UID -> stream identity
}

// streamInfo identifies the run and stream a descriptor belongs to.
type streamInfo struct {
	runUID string
	name   string
}

// NewEventSink returns a sink writing scan events through client.
func NewEventSink(client *Client) *EventSink {
	return &EventSink{
		client:  client,
		streams: make(map[string]streamInfo),
	}
}

// Consume handles one scan document.
//
// Returns nil for all document types when the client is disconnected:
// time-series export is best-effort and must never abort a scan.
func (s *EventSink) Consume(_ context.Context, t scan.DocumentType, doc any) error {
	switch t {
	case scan.DocDescriptor:
		desc, ok := doc.(*scan.EventDescriptor)
		if !ok {
			return nil
		}
		s.mu.Lock()
		s.streams[desc.UID] = streamInfo{runUID: desc.RunUID, name: desc.StreamName}
		s.mu.Unlock()

	case scan.DocEvent:
		ev, ok := doc.(*scan.Event)
		if !ok {
			return nil
		}
		s.writeEvent(ev)

	case scan.DocStop:
		stop, ok := doc.(*scan.RunStop)
		if !ok {
			return nil
		}
		s.mu.Lock()
		for uid, info := range s.streams {
			if info.runUID == stop.RunUID {
				delete(s.streams, uid)
			}
		}
		s.mu.Unlock()
		s.client.Flush()
	}

	return nil
}

// writeEvent converts one event into a point and queues it.
func (s *EventSink) writeEvent(ev *scan.Event) {
	if !s.client.IsConnected() {
		return
	}

	s.mu.Lock()
	info, known := s.streams[ev.DescriptorUID]
	s.mu.Unlock()
	if !known {
		// Descriptor never seen (sink attached mid-run); drop rather
		// than write unattributable points.
		return
	}

	fields := make(map[string]any, len(ev.Data))
	for key, value := range ev.Data {
		switch v := value.(type) {
		case float64:
			fields[key] = v
		case float32:
			fields[key] = float64(v)
		case int:
			fields[key] = float64(v)
		case int32:
			fields[key] = float64(v)
		case int64:
			fields[key] = float64(v)
		}
	}
	if len(fields) == 0 {
		return
	}
	fields["seq_num"] = int64(ev.SeqNum)

	tags := map[string]string{
		"run_uid": info.runUID,
		"stream":  info.name,
	}
	s.client.addBeamlineTag(tags)

	point := write.NewPoint(MeasurementScanEvents, tags, fields, ev.Time)
	s.client.writeAPI.WritePoint(point)
}
