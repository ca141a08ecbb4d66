// Package mqtt provides the paho-backed broker transport for the session.
//
// This package manages:
//   - One paho client per connection attempt, with paho's own reconnect off
//   - Batched subscriptions with SUBACK result checking
//   - Publishing with context-bounded acknowledgement waits
//   - Last Will and Testament plus retained presence status
//
// # Architecture
//
// Client implements session.Transport. The session owns the connection
// lifecycle; this package only translates between paho and the session types.
//
//	session.Session → mqtt.Client → paho → broker
//	broker → paho → mqtt.Client → session.Dispatcher
//
// Connection loss from paho is reported once through OnDisconnected as an
// unexpected drop. A Close requested by the session is never reported.
//
// # Presence
//
// When Params.PresencePrefix is set, the client registers a retained last
// will on <prefix>/<client_id>/status and publishes "online" there after
// connecting and "offline" before a graceful close.
//
// # Security Considerations
//
//   - TLS is used when Params.TLS is set (minimum TLS 1.2)
//   - Credentials are sent only when a username is configured
//
// # Usage
//
//	transport := mqtt.New()
//	transport.SetLogger(log)
//	sess, err := session.New(transport, sm, disp, session.Options{...})
package mqtt
