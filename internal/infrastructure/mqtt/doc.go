// Package mqtt provides MQTT client connectivity for the beamline
// document bus.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// MQTT carries scan documents and live readings out of the controls
// process to downstream consumers (analysis pipelines, GUIs, archiver
// feeders) without coupling them to the process lifetime.
//
//	controls process → MQTT Broker → analysis / GUIs / archivers
//
// Scan documents are published as CBOR on beamline/documents/{type};
// commands arrive on beamline/command/# and are answered on the
// per-request response topic.
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Performance Characteristics
//
//   - Connection: <1 second to local broker
//   - Publish latency: <10ms for QoS 1 to local broker
//   - Reconnect: Exponential backoff 1s-60s with jitter
//   - Message throughput: Broker-limited (typically 10K+ msg/sec)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to all scan documents
//	err = client.Subscribe(mqtt.Topics{}.AllDocuments(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s (%d bytes)", topic, len(payload))
//	        return nil
//	    })
//
//	// Publish a reading
//	topic := mqtt.Topics{}.Reading("aerotech_horiz", "user_readback")
//	client.Publish(topic, []byte(`{"value":1.5}`), 1, false)
package mqtt
