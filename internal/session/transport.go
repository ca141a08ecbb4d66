package session

import (
	"context"
	"time"
)

// QoS is an MQTT quality of service level (0, 1 or 2).
type QoS byte

const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
	ExactlyOnce QoS = 2
)

// maxQoS is the highest valid QoS level.
const maxQoS = ExactlyOnce

// Valid reports whether q is 0, 1 or 2.
func (q QoS) Valid() bool {
	return q <= maxQoS
}

// Params describes how to reach the broker.
//
// The session never interprets these values; they are handed to the
// Transport unchanged on every Open, including reconnects.
type Params struct {
	Host     string
	Port     int
	ClientID string
	Username string
	Password string

	// TLS selects an encrypted connection. Certificate handling is up to the transport.
	TLS bool

	KeepAlive time.Duration

	// PresencePrefix, when set, makes the transport publish retained online/offline
	// status under "<prefix>/<client id>/status" and register a matching will.
	PresencePrefix string
}

// Message is a topic and payload pair. Payloads are copied across the
// transport boundary.
type Message struct {
	Topic   string
	Payload []byte
}

// Delivery is an inbound message as reported by the transport.
type Delivery struct {
	Message
	QoS      QoS
	Retained bool
	At       time.Time
}

// DisconnectEvent is reported by the transport when its connection ends.
type DisconnectEvent struct {
	// Reason is the error the transport gave for the drop, if any.
	Reason error

	// Unexpected is false only when the close was requested locally.
	Unexpected bool

	At time.Time
}

// MessageHandler receives inbound deliveries.
type MessageHandler func(Delivery)

// DisconnectHandler receives disconnect notifications.
type DisconnectHandler func(DisconnectEvent)

// Transport is the broker connection capability the session drives.
//
// The receiver is the connection handle. Only the Session calls these
// methods. OnMessage and OnDisconnected replace any previously registered
// handler, so registering on every reconnect is harmless.
type Transport interface {
	Open(ctx context.Context, params Params) error
	Close(ctx context.Context) error
	Publish(ctx context.Context, msg Message, qos QoS, retained bool) error
	SubscribeBatch(ctx context.Context, subs []Subscription) error
	OnMessage(handler MessageHandler)
	OnDisconnected(handler DisconnectHandler)

	// IsConnected is a best-effort liveness probe.
	IsConnected() bool
}
