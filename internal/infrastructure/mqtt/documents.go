package mqtt

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/apsidal/beamline-core/internal/scan"
)

// DocumentSink publishes scan documents to the document bus as CBOR.
// It implements scan.Sink, so it can be subscribed directly to the run
// engine.
//
// Each document goes to two topics: the per-type firehose
// (beamline/documents/{type}) and the per-run topic
// (beamline/documents/run/{uid}/{type}) for consumers following a
// single run.
type DocumentSink struct {
	client *Client
	qos    byte
	topics Topics
}

// NewDocumentSink creates a sink publishing through an established
// client.
//
// Parameters:
//   - client: Connected MQTT client
//   - qos: QoS level for document publishes (1 recommended)
func NewDocumentSink(client *Client, qos byte) *DocumentSink {
	return &DocumentSink{client: client, qos: qos}
}

// Consume encodes one document and publishes it.
//
// Broker errors are returned to the engine, which logs them without
// failing the run.
func (s *DocumentSink) Consume(_ context.Context, t scan.DocumentType, doc any) error {
	payload, err := cbor.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding %s document: %w", t, err)
	}

	if err := s.client.Publish(s.topics.Document(string(t)), payload, s.qos, false); err != nil {
		return fmt.Errorf("publishing %s document: %w", t, err)
	}

	if uid := runUID(doc); uid != "" {
		if err := s.client.Publish(s.topics.RunDocument(uid, string(t)), payload, s.qos, false); err != nil {
			return fmt.Errorf("publishing %s document for run %s: %w", t, uid, err)
		}
	}
	return nil
}

// runUID extracts the owning run UID from a document. Events carry
// only their descriptor UID, so they appear on the firehose topic
// alone.
func runUID(doc any) string {
	switch d := doc.(type) {
	case *scan.RunStart:
		return d.UID
	case *scan.EventDescriptor:
		return d.RunUID
	case *scan.RunStop:
		return d.RunUID
	default:
		return ""
	}
}
