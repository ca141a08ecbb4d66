package session

import "errors"

// Domain-specific errors for session operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrTransportUnavailable is returned when connect or reconnect cannot reach the broker.
	ErrTransportUnavailable = errors.New("session: transport unavailable")

	// ErrNotConnected is returned when publish or subscribe is attempted without a live connection.
	ErrNotConnected = errors.New("session: not connected")

	// ErrAlreadyConnected is returned by Connect while a session is live.
	ErrAlreadyConnected = errors.New("session: already connected")

	// ErrSubscribeFailed is returned when the broker rejects or times out a subscription batch.
	ErrSubscribeFailed = errors.New("session: subscribe failed")

	// ErrDisconnectedLocally is returned by Reconnect while an explicit
	// Disconnect is still holding the session down.
	ErrDisconnectedLocally = errors.New("session: disconnected locally")

	// ErrNoParams is returned by Reconnect before Connect has supplied connection parameters.
	ErrNoParams = errors.New("session: no connection parameters")

	// ErrInvalidTopic is returned for empty topics, wildcards in publish topics
	// and malformed subscription filters.
	ErrInvalidTopic = errors.New("session: invalid topic")

	// ErrInvalidQoS is returned when a QoS level is not 0, 1 or 2.
	ErrInvalidQoS = errors.New("session: invalid QoS level (must be 0, 1, or 2)")

	// ErrPayloadTooLarge is returned when a publish payload exceeds the maximum size.
	ErrPayloadTooLarge = errors.New("session: payload too large")
)
