package tsdb

import (
	"context"
	"sync"

	"github.com/apsidal/beamline-core/internal/scan"
)

// EventSink adapts the client to the scan engine's sink interface. Each
// event becomes one scan_pixels sample tagged with the run UID and
// stream name. Descriptors are tracked so events can be attributed to
// their stream; a run stop flushes the batch.
//
// Non-numeric data values are skipped; the catalog keeps the full record.
type EventSink struct {
	client *Client

	mu      sync.Mutex
	streams map[string]streamInfo // descriptor UID -> stream identity
}

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

// Consume handles one scan document. Export is best-effort: a
// disconnected client never aborts a scan.
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

// writeEvent queues one event's numeric data keys.
func (s *EventSink) writeEvent(ev *scan.Event) {
	if !s.client.IsConnected() {
		return
	}

	s.mu.Lock()
	info, known := s.streams[ev.DescriptorUID]
	s.mu.Unlock()
	if !known {
		// Descriptor never seen (sink attached mid-run); drop rather
		// than write unattributable samples.
		return
	}

	data := make(map[string]float64, len(ev.Data))
	for key, value := range ev.Data {
		switch v := value.(type) {
		case float64:
			data[key] = v
		case float32:
			data[key] = float64(v)
		case int:
			data[key] = float64(v)
		case int32:
			data[key] = float64(v)
		case int64:
			data[key] = float64(v)
		}
	}
	if len(data) == 0 {
		return
	}

	s.client.WriteFlyEvent(info.runUID, info.name, data, ev.Time)
}
