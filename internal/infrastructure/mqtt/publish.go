package mqtt

import (
	"fmt"
	"sync/atomic"
)

// maxPayloadSize caps outgoing payloads at 1MB. A full area-detector frame
// does not belong on the document bus; anything that large should go to
// the TSDB or the catalog instead.
const maxPayloadSize = 1 << 20

// Publish sends a message to the given topic and waits for the broker to
// acknowledge it (for QoS > 0) or for the write to complete (QoS 0).
//
// Parameters:
//   - topic: Destination topic, e.g. "beamline/documents/event"
//   - payload: Message body, at most 1MB
//   - qos: Quality of Service level (0, 1, or 2)
//   - retained: Whether the broker keeps the message for late subscribers
//
// Retained messages suit state topics like beamline/status, where a
// console attaching mid-shift needs the current value immediately. Run
// documents are never retained: replaying a stale stop document to a new
// subscriber would misreport the engine as idle.
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := c.publish(topic, payload, qos, retained); err != nil {
		atomic.AddUint64(&c.publishErrors, 1)
		return err
	}
	atomic.AddUint64(&c.published, 1)
	return nil
}

func (c *Client) publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}

// PublishString publishes a string payload. Equivalent to Publish with
// []byte(payload).
func (c *Client) PublishString(topic string, payload string, qos byte, retained bool) error {
	return c.Publish(topic, []byte(payload), qos, retained)
}

// PublishRetained publishes a retained message at the configured default
// QoS. Use for state topics where late subscribers need the current value.
func (c *Client) PublishRetained(topic string, payload []byte) error {
	return c.Publish(topic, payload, byte(c.cfg.QoS), true)
}
