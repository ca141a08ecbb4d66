// Package session manages the lifecycle of a client connection to an MQTT broker.
//
// This package manages:
//   - A single authoritative connection status (StateMachine)
//   - Connect, reconnect, publish, subscribe and disconnect (Session)
//   - Translation of transport callbacks into status changes and handler calls (Dispatcher)
//   - Periodic health supervision with automatic reconnection (Watchdog)
//
// # Architecture
//
// The broker connection itself is a Transport supplied by the caller
// (internal/infrastructure/mqtt provides one backed by paho). Only the
// Session drives it. The transport reports inbound messages and drops to the
// Dispatcher, which updates the StateMachine and calls registered handlers.
// The Watchdog runs on its own goroutine, reads the StateMachine and calls
// Session.Reconnect when the transport dropped the connection.
//
//	application → Session → Transport
//	Transport   → Dispatcher → StateMachine, handlers
//	Watchdog    → StateMachine (read), Session.Reconnect
//
// Status moves only along Init→Connected, Connected→Disconnected and
// Disconnected→Connected. The subscription set is re-applied after every move
// into Connected, before Connect or Reconnect returns.
//
// # Policies
//
//   - Publish and Subscribe while not connected return ErrNotConnected; they do
//     not try the transport.
//   - An explicit Disconnect holds the watchdog off for the settle delay, after
//     which a dropped-and-disconnected session is reconnected like any other.
//     Options.StickyDisconnect keeps it down until the application connects
//     again. A reconnect that was already under way when Disconnect ran
//     returns ErrDisconnectedLocally instead of reopening.
//   - A failed first Connect leaves the status at Init unless
//     Options.RetryFirstConnect is set.
//
// # Usage
//
//	sm := session.NewStateMachine()
//	disp := session.NewDispatcher(sm, session.DispatcherOptions{Logger: log})
//	sess, err := session.New(transport, sm, disp, session.Options{
//	    Subscriptions: []session.Subscription{{Filter: "test/#", QoS: session.AtLeastOnce}},
//	    Logger:        log,
//	})
//	if err != nil {
//	    return err
//	}
//
//	go disp.Run(ctx)
//	go session.NewWatchdog(sm, sess, 2*time.Second, log).Run(ctx)
//
//	if err := sess.Connect(ctx, params); err != nil {
//	    log.Error("connect failed", "error", err)
//	}
package session
