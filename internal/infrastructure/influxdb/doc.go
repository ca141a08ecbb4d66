// Package influxdb records MQTT session telemetry in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library and implements
// session.Telemetry, so it can be handed straight to the dispatcher and
// the session. session.New subscribes it to status changes.
//
// # Measurements
//
//   - session_status: one point per status change (tags status, cause)
//   - session_reconnects: one point per watchdog attempt (duration_ms, success)
//   - session_messages: one point per message (tags direction, topic_root)
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB, cfg.Broker.ClientID)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	disp := session.NewDispatcher(sm, session.DispatcherOptions{Telemetry: client})
//	sess, err := session.New(transport, sm, disp, session.Options{Telemetry: client})
//
// # Error Handling
//
// Writes are non-blocking and batched; failures arrive on the SetOnError
// callback. Connection and health check errors are returned directly.
package influxdb
