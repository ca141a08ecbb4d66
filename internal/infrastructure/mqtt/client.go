package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/rkek9501/MqttClient/internal/session"
)

// Client is a session.Transport backed by paho.mqtt.golang.
//
// Each Open builds a fresh paho client from the given parameters; nothing
// is retried or restored automatically. The session decides when to reopen
// and which filters to subscribe.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Callbacks from a paho client that has since been replaced are ignored.
type Client struct {
	client   pahomqtt.Client
	params   session.Params
	clientMu sync.RWMutex

	// Callbacks for inbound events (set via OnMessage/OnDisconnected).
	onMessage    session.MessageHandler
	onDisconnect session.DisconnectHandler
	callbackMu   sync.RWMutex

	// logger for error/panic logging (optional, set via SetLogger).
	logger   Logger
	loggerMu sync.RWMutex

	// newClient creates the underlying paho client.
	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client
}

var (
	_ session.Transport     = (*Client)(nil)
	_ session.HealthChecker = (*Client)(nil)
)

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// New returns a transport that is not yet connected.
func New() *Client {
	return &Client{newClient: pahomqtt.NewClient}
}

// Open connects to the broker described by params.
//
// Any previous connection is dropped first. When params.PresencePrefix is
// set, a retained last will is registered and an online status is
// published after the connection is accepted.
//
// Returns:
//   - error: wraps ErrConnectionFailed or ErrTimeout
func (c *Client) Open(ctx context.Context, params session.Params) error {
	opts := buildClientOptions(params)
	configureLWT(opts, params)

	var pc pahomqtt.Client
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleConnectionLost(pc, err)
	})
	opts.SetDefaultPublishHandler(func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.handleMessage(msg)
	})

	pc = c.newClient(opts)

	c.clientMu.Lock()
	previous := c.client
	c.client = nil
	c.clientMu.Unlock()
	if previous != nil && previous.IsConnectionOpen() {
		previous.Disconnect(0)
	}

	if err := waitToken(ctx, pc.Connect()); err != nil {
		pc.Disconnect(0)
		return fmt.Errorf("%w: %s: %w", ErrConnectionFailed, brokerURL(params), err)
	}

	c.clientMu.Lock()
	c.client = pc
	c.params = params
	c.clientMu.Unlock()

	if params.PresencePrefix != "" {
		c.publishPresence(ctx, pc, params, presenceOnline, "")
	}
	return nil
}

// Close gracefully disconnects from the broker.
//
// It publishes an offline presence status (different from the last will)
// and waits briefly for pending operations. Closing a client that is not
// connected is not an error. Close does not report a disconnect event.
func (c *Client) Close(ctx context.Context) error {
	c.clientMu.Lock()
	pc := c.client
	params := c.params
	c.client = nil
	c.clientMu.Unlock()

	if pc == nil {
		return nil
	}

	if pc.IsConnectionOpen() && params.PresencePrefix != "" {
		c.publishPresence(ctx, pc, params, presenceOffline, reasonGraceful)
	}

	pc.Disconnect(defaultDisconnectQuiesce)
	return nil
}

// IsConnected reports whether the current paho client holds an open connection.
func (c *Client) IsConnected() bool {
	c.clientMu.RLock()
	defer c.clientMu.RUnlock()
	return c.client != nil && c.client.IsConnectionOpen()
}

// HealthCheck verifies the MQTT connection is alive.
//
// Returns:
//   - error: nil if healthy, ErrNotConnected otherwise
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

// OnMessage sets the handler for every inbound message, replacing any
// earlier one.
func (c *Client) OnMessage(h session.MessageHandler) {
	c.callbackMu.Lock()
	c.onMessage = h
	c.callbackMu.Unlock()
}

// OnDisconnected sets the handler for connection loss, replacing any
// earlier one.
func (c *Client) OnDisconnected(h session.DisconnectHandler) {
	c.callbackMu.Lock()
	c.onDisconnect = h
	c.callbackMu.Unlock()
}

// SetLogger sets a logger for error and panic logging.
// If not set, errors in handlers are silently ignored.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// getLogger returns the current logger (may be nil).
func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// current returns the connected paho client or ErrNotConnected.
func (c *Client) current() (pahomqtt.Client, error) {
	c.clientMu.RLock()
	defer c.clientMu.RUnlock()
	if c.client == nil || !c.client.IsConnectionOpen() {
		return nil, ErrNotConnected
	}
	return c.client, nil
}

// handleConnectionLost is called by paho when the connection drops.
func (c *Client) handleConnectionLost(pc pahomqtt.Client, err error) {
	c.clientMu.Lock()
	stale := c.client != pc
	if !stale {
		c.client = nil
	}
	c.clientMu.Unlock()

	if stale {
		if logger := c.getLogger(); logger != nil {
			logger.Debug("ignoring connection loss from replaced client", "error", err)
		}
		return
	}

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(session.DisconnectEvent{Reason: err, Unexpected: true, At: time.Now()})
	}
}

// handleMessage converts a paho message and hands it to the message handler.
func (c *Client) handleMessage(msg pahomqtt.Message) {
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

	c.callbackMu.RLock()
	handler := c.onMessage
	c.callbackMu.RUnlock()
	if handler == nil {
		return
	}

	handler(session.Delivery{
		Message: session.Message{
			Topic:   msg.Topic(),
			Payload: msg.Payload(),
		},
		QoS:      session.QoS(msg.Qos()),
		Retained: msg.Retained(),
		At:       time.Now(),
	})
}

// publishPresence publishes a retained presence status. Failures are logged
// and otherwise ignored.
func (c *Client) publishPresence(ctx context.Context, pc pahomqtt.Client, p session.Params, status, reason string) {
	topic := PresenceTopic(p.PresencePrefix, p.ClientID)
	payload := buildPresencePayload(p.ClientID, status, reason)

	if err := waitToken(ctx, pc.Publish(topic, presenceQoS, true, payload)); err != nil {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("presence publish failed",
				"topic", topic,
				"status", status,
				"error", err,
			)
		}
	}
}

// waitToken blocks until token completes or ctx is done.
func waitToken(ctx context.Context, token pahomqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}
