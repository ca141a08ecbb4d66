package influxdb

import (
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/rkek9501/MqttClient/internal/session"
)

// Measurement names.
const (
	measurementStatus    = "session_status"
	measurementReconnect = "session_reconnects"
	measurementMessages  = "session_messages"
)

// Message directions used as the direction tag.
const (
	directionIn      = "in"
	directionOut     = "out"
	directionDropped = "dropped"
)

var _ session.Telemetry = (*Client)(nil)

// StatusChanged records a status transition.
//
// The connected field is 1 while connected so dashboards can graph uptime.
func (c *Client) StatusChanged(t session.Transition) {
	c.writePoint(statusPoint(c.clientID, t))
}

// ReconnectAttempt records one watchdog reconnect attempt and how long it took.
func (c *Client) ReconnectAttempt(duration time.Duration, err error) {
	c.writePoint(reconnectPoint(c.clientID, duration, err, time.Now()))
}

// MessagePublished records an outbound message.
func (c *Client) MessagePublished(topic string, size int) {
	c.writePoint(messagePoint(c.clientID, directionOut, topic, size, time.Now()))
}

// MessageReceived records an inbound message.
func (c *Client) MessageReceived(topic string, size int) {
	c.writePoint(messagePoint(c.clientID, directionIn, topic, size, time.Now()))
}

// MessageDropped records an inbound message lost to a full queue.
func (c *Client) MessageDropped(topic string) {
	c.writePoint(messagePoint(c.clientID, directionDropped, topic, 0, time.Now()))
}

func (c *Client) writePoint(p *write.Point) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(p)
}

func statusPoint(clientID string, t session.Transition) *write.Point {
	connected := 0
	if t.To == session.StatusConnected {
		connected = 1
	}
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}

	return write.NewPoint(
		measurementStatus,
		map[string]string{
			"client_id": clientID,
			"status":    t.To.String(),
			"cause":     t.Cause.String(),
		},
		map[string]interface{}{
			"connected": connected,
			"from":      t.From.String(),
		},
		at,
	)
}

func reconnectPoint(clientID string, duration time.Duration, err error, at time.Time) *write.Point {
	fields := map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
		"success":     err == nil,
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	return write.NewPoint(
		measurementReconnect,
		map[string]string{"client_id": clientID},
		fields,
		at,
	)
}

// messagePoint tags by the first topic level only; full topics would make
// the series cardinality unbounded.
func messagePoint(clientID, direction, topic string, size int, at time.Time) *write.Point {
	return write.NewPoint(
		measurementMessages,
		map[string]string{
			"client_id":  clientID,
			"direction":  direction,
			"topic_root": topicRoot(topic),
		},
		map[string]interface{}{
			"count": 1,
			"bytes": size,
		},
		at,
	)
}

// topicRoot returns the first level of an MQTT topic.
func topicRoot(topic string) string {
	if i := strings.IndexByte(topic, '/'); i >= 0 {
		topic = topic[:i]
	}
	if topic == "" {
		return "_"
	}
	return topic
}
