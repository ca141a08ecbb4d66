package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/rkek9501/MqttClient/internal/session"
)

// Connection constants.
const (
	// defaultConnectTimeout bounds the network dial inside paho.
	defaultConnectTimeout = 10 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on close.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is used when Params.KeepAlive is zero.
	defaultKeepAlive = 60 * time.Second

	// presenceQoS is the QoS of presence and last-will messages.
	presenceQoS = 1

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// brokerURL returns the paho broker URL for p.
func brokerURL(p session.Params) string {
	scheme := "tcp"
	if p.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.Host, p.Port)
}

// buildClientOptions creates paho options from session parameters.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS setting)
//   - Client ID and optional credentials
//   - Clean session mode
//   - TLS configuration (if enabled)
//
// paho's own reconnect logic is switched off. Reconnection belongs to the
// session watchdog, which needs every drop reported and every retry visible.
func buildClientOptions(p session.Params) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(brokerURL(p))
	opts.SetClientID(p.ClientID)

	if p.Username != "" {
		opts.SetUsername(p.Username)
		opts.SetPassword(p.Password)
	}

	// Clean session: the session re-applies its subscriptions itself.
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(defaultConnectTimeout)

	keepAlive := p.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	opts.SetKeepAlive(keepAlive)

	if p.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
		})
	}

	return opts
}

// configureLWT sets up Last Will and Testament for offline detection.
//
// The broker publishes the will if the client vanishes without a clean
// disconnect, so other clients watching the presence topic see it go offline.
//
// Topic: <prefix>/<client_id>/status
// QoS: 1
// Retained: true (new subscribers see last status)
func configureLWT(opts *pahomqtt.ClientOptions, p session.Params) {
	if p.PresencePrefix == "" {
		return
	}
	opts.SetBinaryWill(
		PresenceTopic(p.PresencePrefix, p.ClientID),
		buildPresencePayload(p.ClientID, presenceOffline, reasonUnexpected),
		presenceQoS,
		true,
	)
}
