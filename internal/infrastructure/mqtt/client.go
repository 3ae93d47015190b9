package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/apsidal/beamline-core/internal/infrastructure/config"
)

// Client is the beamline's connection to the document bus.
//
// The run engine publishes its documents through this client, and device
// readings fan out on it for consoles and downstream consumers. Because
// those consumers key off the retained beamline/status topic to decide
// whether the controls daemon is alive, the client carries an LWT: if the
// daemon crashes mid-scan the broker flips the status to offline on its
// behalf.
//
// All methods are safe for concurrent use. Subscriptions survive broker
// reconnects: the client re-subscribes every tracked topic each time the
// paho auto-reconnect succeeds.
type Client struct {
	client  pahomqtt.Client
	options *pahomqtt.ClientOptions
	cfg     config.MQTTConfig

	// subscriptions is the re-subscription table. Keyed by exact topic
	// pattern as passed to Subscribe.
	subscriptions map[string]subscription
	subMu         sync.RWMutex

	connected bool
	connMu    sync.RWMutex

	// Connection lifecycle callbacks, optional.
	onConnect    func()
	onDisconnect func(err error)
	callbackMu   sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex

	// Bus counters, read via Statistics.
	published     uint64
	publishErrors uint64
	received      uint64
}

// Logger is the minimal logging surface the client needs. Satisfied by
// logging.Logger and *slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// subscription holds what restoreSubscriptions needs to replay a Subscribe
// call after reconnect.
type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler is the callback signature for received messages.
//
// Handlers run on paho's delivery goroutines and must not block: a slow
// handler stalls delivery for every other subscription on the connection.
//
// Parameters:
//   - topic: The concrete topic the message arrived on (wildcards expanded)
//   - payload: The raw payload bytes
//
// Returns:
//   - error: Logged via the client's logger; does not nack the message
type MessageHandler func(topic string, payload []byte) error

// Stats is a snapshot of the client's bus counters.
//
// Received counts messages delivered to handlers, including ones whose
// handler returned an error. PublishErrors counts Publish calls that
// failed validation, timed out, or were rejected by the broker.
type Stats struct {
	Published     uint64
	PublishErrors uint64
	Received      uint64
	Subscriptions int
}

// Connect establishes a connection to the MQTT broker.
//
// It configures the LWT before dialling so the offline status is armed
// from the first CONNECT packet, enables paho's auto-reconnect with the
// backoff limits from config, and publishes the retained online status
// once the session is up.
//
// Parameters:
//   - cfg: MQTT configuration from iconfig.toml
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: If the initial connection fails within the timeout
func Connect(cfg config.MQTTConfig) (*Client, error) {
	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID)

	c := &Client{
		cfg:           cfg,
		options:       opts,
		subscriptions: make(map[string]subscription),
	}

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})

	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("MQTT reconnecting", "broker", cfg.Broker.Host)
		}
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect handler runs asynchronously and may not have fired
	// yet. Mark connected here so IsConnected is true as soon as Connect
	// returns; the handler still owns re-subscription and the status
	// publish.
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	return c, nil
}

// handleConnect runs on initial connect and every reconnect.
func (c *Client) handleConnect() {
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	c.restoreSubscriptions()
	c.publishOnlineStatus()

	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

// handleDisconnect runs when the broker connection drops.
func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// restoreSubscriptions replays every tracked subscription after reconnect.
// A topic that fails to restore is logged and kept in the table so the
// next reconnect retries it.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, sub := range c.subscriptions {
		token := c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
		if token.WaitTimeout(defaultPublishTimeout) && token.Error() != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("MQTT re-subscription failed",
					"topic", sub.topic,
					"error", token.Error(),
				)
			}
		}
	}
}

// publishOnlineStatus publishes the retained online status for the daemon.
func (c *Client) publishOnlineStatus() {
	topic := Topics{}.Status()
	payload := onlinePayload(c.cfg.Broker.ClientID)
	c.client.Publish(topic, byte(c.cfg.QoS), true, payload)
}

// Close gracefully disconnects from the MQTT broker.
//
// A graceful shutdown publishes an offline status with reason
// "graceful_shutdown", distinct from the LWT's "unexpected_disconnect",
// so consoles can tell a planned daemon stop from a crash. The client
// then quiesces pending operations and drops the connection.
//
// Returns:
//   - error: Currently always nil; kept for interface symmetry with the
//     other infrastructure clients
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	if c.IsConnected() {
		topic := Topics{}.Status()
		payload := offlinePayload(c.cfg.Broker.ClientID)
		token := c.client.Publish(topic, byte(c.cfg.QoS), true, payload)
		token.WaitTimeout(defaultPublishTimeout)
	}

	c.client.Disconnect(defaultDisconnectQuiesce)

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	return nil
}

// HealthCheck verifies the MQTT connection is alive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	return nil
}

// IsConnected reports the current connection state. During a reconnect
// window this returns false even though paho is still retrying.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// Statistics returns a snapshot of the bus counters. The daemon logs it
// at shutdown alongside the TSDB write counters.
func (c *Client) Statistics() Stats {
	return Stats{
		Published:     atomic.LoadUint64(&c.published),
		PublishErrors: atomic.LoadUint64(&c.publishErrors),
		Received:      atomic.LoadUint64(&c.received),
		Subscriptions: c.SubscriptionCount(),
	}
}

// SetOnConnect sets a callback invoked on initial connect and on every
// reconnect, after subscriptions have been restored.
func (c *Client) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets a callback invoked when the connection is lost.
// The error describes why the broker went away.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetLogger sets a logger for handler errors, panics, and reconnect
// events. Without one those conditions are silent.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// wrapHandler adapts a MessageHandler to paho's signature, adding panic
// recovery. A panicking handler must not take down the delivery goroutine
// mid-scan.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if logger := c.getLogger(); logger != nil {
					logger.Error("MQTT handler panic recovered",
						"topic", msg.Topic(),
						"panic", r,
					)
				}
			}
		}()

		atomic.AddUint64(&c.received, 1)

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("MQTT handler returned error",
					"topic", msg.Topic(),
					"error", err,
				)
			}
		}
	}
}
