package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/apsidal/beamline-core/internal/infrastructure/config"
)

const (
	// defaultConnectTimeout bounds the initial broker dial.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout bounds publish and subscribe acknowledgments.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is how long Disconnect waits for in-flight
	// operations, in milliseconds as paho wants it.
	defaultDisconnectQuiesce = 1000

	// defaultKeepAlive is the MQTT keepalive interval. Hutch networks sit
	// behind connection-tracking firewalls that drop idle flows, so the
	// PING traffic doubles as a keepalive for those.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the highest QoS level MQTT defines.
	maxQoS = 2

	tlsMinVersion = tls.VersionTLS12
)

// statusPayload is the JSON body published on the beamline status topic,
// both by the daemon itself and by the broker via LWT.
type statusPayload struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// buildClientOptions translates the [mqtt] config section into paho
// options: broker URL (tcp or ssl), client ID, optional credentials,
// clean session, and auto-reconnect with the configured backoff window.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port))

	opts.SetClientID(cfg.Broker.ClientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	// Clean session: the daemon replays its own subscriptions on
	// reconnect, so broker-side session state would only go stale.
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second)
	opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	return opts
}

// configureLWT arms the Last Will and Testament on the beamline status
// topic. The broker publishes it if the daemon drops without a DISCONNECT
// packet, so consoles see "offline" even when the daemon never got the
// chance to say so itself.
//
// QoS 1 and retained: a console that connects after the crash still sees
// the last status. The timestamp is stamped at connect time, not at the
// moment of failure; the broker cannot know the latter.
func configureLWT(opts *pahomqtt.ClientOptions, clientID string) {
	payload := marshalStatus(statusPayload{
		Status:    "offline",
		ClientID:  clientID,
		Reason:    "unexpected_disconnect",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	opts.SetWill(Topics{}.Status(), string(payload), 1, true)
}

// onlinePayload builds the status body published after each (re)connect.
func onlinePayload(clientID string) []byte {
	return marshalStatus(statusPayload{
		Status:    "online",
		ClientID:  clientID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// offlinePayload builds the status body for a graceful shutdown.
func offlinePayload(clientID string) []byte {
	return marshalStatus(statusPayload{
		Status:    "offline",
		ClientID:  clientID,
		Reason:    "graceful_shutdown",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// marshalStatus encodes a status payload. Client IDs come from operator
// config, so go through the encoder rather than pasting them into a
// format string.
func marshalStatus(p statusPayload) []byte {
	data, err := json.Marshal(p)
	if err != nil {
		// statusPayload contains only strings; Marshal cannot fail.
		return []byte(`{"status":"offline"}`)
	}
	return data
}
