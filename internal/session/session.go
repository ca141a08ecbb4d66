package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Session defaults.
const (
	// DefaultSettleDelay is the grace period after Disconnect closes the transport.
	DefaultSettleDelay = 2 * time.Second

	// DefaultOperationTimeout bounds every transport round trip.
	DefaultOperationTimeout = 10 * time.Second

	// maxPayloadSize prevents resource exhaustion and aligns with typical broker limits.
	maxPayloadSize = 1 << 20 // 1MB

	reconnectKey = "reconnect"
)

// Options configures a Session.
type Options struct {
	// Subscriptions are applied after every successful Connect and Reconnect.
	Subscriptions []Subscription

	// PublishQoS is the QoS used by Publish.
	PublishQoS QoS

	// SettleDelay follows the transport close in Disconnect.
	// Zero uses DefaultSettleDelay; a negative value disables it.
	SettleDelay time.Duration

	// OperationTimeout bounds each transport call. Zero uses DefaultOperationTimeout.
	OperationTimeout time.Duration

	// RetryFirstConnect routes a failed first Connect into StatusDisconnected
	// so the watchdog keeps retrying it. When false the status stays Init.
	RetryFirstConnect bool

	// StickyDisconnect keeps an explicit Disconnect in force until the next
	// Connect. When false the watchdog may reconnect once the settle delay
	// has passed.
	StickyDisconnect bool

	Logger    Logger
	Telemetry Telemetry
}

// Session is the application-facing connect/publish/subscribe/disconnect API.
//
// It is the only component that drives the Transport. Status changes go
// through the shared StateMachine; inbound events flow through the Dispatcher.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Open and Close on the transport are serialized.
//   - Concurrent Reconnect calls share a single attempt.
type Session struct {
	transport  Transport
	sm         *StateMachine
	dispatcher *Dispatcher
	subs       *SubscriptionSet

	publishQoS        QoS
	settleDelay       time.Duration
	opTimeout         time.Duration
	retryFirstConnect bool
	stickyDisconnect  bool

	logger    Logger
	telemetry Telemetry

	params   *Params
	paramsMu sync.RWMutex

	// connMu serializes Open and Close on the transport.
	connMu sync.Mutex

	reconnects singleflight.Group

	published   []MessageHandler
	publishedMu sync.RWMutex
}

// New creates a session around transport. sm and dispatcher are shared with
// the watchdog and the transport callbacks respectively.
//
// Returns:
//   - error: if opts contains an invalid subscription or QoS
func New(transport Transport, sm *StateMachine, dispatcher *Dispatcher, opts Options) (*Session, error) {
	subs, err := NewSubscriptionSet(opts.Subscriptions...)
	if err != nil {
		return nil, fmt.Errorf("initial subscriptions: %w", err)
	}
	if !opts.PublishQoS.Valid() {
		return nil, ErrInvalidQoS
	}

	if opts.SettleDelay == 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = DefaultOperationTimeout
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Telemetry == nil {
		opts.Telemetry = noopTelemetry{}
	} else {
		sm.OnTransition(opts.Telemetry.StatusChanged)
	}

	return &Session{
		transport:         transport,
		sm:                sm,
		dispatcher:        dispatcher,
		subs:              subs,
		publishQoS:        opts.PublishQoS,
		settleDelay:       opts.SettleDelay,
		opTimeout:         opts.OperationTimeout,
		retryFirstConnect: opts.RetryFirstConnect,
		stickyDisconnect:  opts.StickyDisconnect,
		logger:            opts.Logger,
		telemetry:         opts.Telemetry,
	}, nil
}

// Connect opens the transport with params, marks the session connected and
// applies the subscription set.
//
// params are kept and reused unchanged by Reconnect. On failure the status
// is left as it was, unless RetryFirstConnect is set and this was the first
// attempt, in which case it moves to Disconnected for the watchdog.
//
// Returns:
//   - error: wraps ErrTransportUnavailable or ErrSubscribeFailed on failure
func (s *Session) Connect(ctx context.Context, params Params) error {
	if s.sm.CurrentStatus() == StatusConnected {
		return ErrAlreadyConnected
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()

	// Another Connect or a reconnect may have finished while we waited.
	if s.sm.CurrentStatus() == StatusConnected {
		return ErrAlreadyConnected
	}

	p := params
	s.paramsMu.Lock()
	s.params = &p
	s.paramsMu.Unlock()

	if err := s.open(ctx, p); err != nil {
		s.logger.Error("connect failed",
			"broker", brokerAddr(p),
			"error", err,
		)
		if s.retryFirstConnect {
			s.sm.MarkConnectFailed()
		}
		return err
	}

	s.logger.Info("connected", "broker", brokerAddr(p), "client_id", p.ClientID)
	return s.establish(ctx)
}

// Reconnect reopens the transport with the parameters given to Connect,
// marks the session connected and re-applies the subscription set.
//
// Concurrent calls share one attempt and its result. Errors are returned to
// the caller; the watchdog logs and swallows them. While an explicit
// Disconnect holds the session down, ErrDisconnectedLocally is returned
// without touching the transport.
func (s *Session) Reconnect(ctx context.Context) error {
	s.paramsMu.RLock()
	params := s.params
	s.paramsMu.RUnlock()

	if params == nil {
		return ErrNoParams
	}

	_, err, _ := s.reconnects.Do(reconnectKey, func() (any, error) {
		return nil, s.reconnect(ctx, *params)
	})
	return err
}

func (s *Session) reconnect(ctx context.Context, params Params) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	snap := s.sm.Snapshot()
	if snap.Status == StatusConnected && s.transport.IsConnected() {
		return nil
	}
	// A Disconnect may have landed after the caller decided to reconnect.
	if !s.ReconnectAllowed(snap) {
		s.logger.Debug("reconnect held after explicit disconnect", "since", snap.Since)
		return ErrDisconnectedLocally
	}

	start := time.Now()
	err := s.open(ctx, params)
	s.telemetry.ReconnectAttempt(time.Since(start), err)
	if err != nil {
		return err
	}

	s.logger.Info("reconnected", "broker", brokerAddr(params))
	return s.establish(ctx)
}

// ReconnectAllowed reports whether a reconnect may replace the state in snap.
//
// Only an explicit Disconnect holds reconnects back. With StickyDisconnect
// the hold lasts until the next Connect; otherwise it ends once the settle
// delay (DefaultSettleDelay when the delay is disabled) has passed since
// the disconnect.
func (s *Session) ReconnectAllowed(snap Snapshot) bool {
	if snap.Status != StatusDisconnected || snap.Cause != CauseLocal {
		return true
	}
	if s.stickyDisconnect {
		return false
	}
	return time.Since(snap.Since) >= s.localHold()
}

func (s *Session) localHold() time.Duration {
	if s.settleDelay > 0 {
		return s.settleDelay
	}
	return DefaultSettleDelay
}

// open registers the transport callbacks and opens the connection.
// Callers hold connMu.
func (s *Session) open(ctx context.Context, params Params) error {
	s.registerHandlers()

	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.transport.Open(opCtx, params); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}
	return nil
}

// establish marks the session connected and applies the subscription set.
// If the subscriptions cannot be applied the connection is torn down so the
// watchdog retries the whole sequence. Callers hold connMu.
func (s *Session) establish(ctx context.Context) error {
	s.sm.MarkConnected()

	if err := s.applySubscriptions(ctx); err != nil {
		s.logger.Warn("subscriptions not applied, dropping connection", "error", err)

		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opTimeout)
		defer cancel()
		if closeErr := s.transport.Close(closeCtx); closeErr != nil {
			s.logger.Debug("close after failed subscribe", "error", closeErr)
		}
		s.sm.MarkDisconnected(CauseRemote)
		return err
	}
	return nil
}

// registerHandlers hands the dispatcher callbacks to the transport.
// The transport replaces earlier registrations, so repeating this is safe.
func (s *Session) registerHandlers() {
	s.transport.OnMessage(s.dispatcher.Deliver)
	s.transport.OnDisconnected(s.dispatcher.Disconnected)
}

// applySubscriptions issues one batched subscribe for the whole set.
func (s *Session) applySubscriptions(ctx context.Context) error {
	s.registerHandlers()

	subs := s.subs.List()
	if len(subs) == 0 {
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.transport.SubscribeBatch(opCtx, subs); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	s.logger.Info("subscriptions applied", "count", len(subs))
	return nil
}

// Subscribe adds subs to the subscription set and subscribes to them in one
// batch.
//
// The filters are kept even when the session is not connected; they are
// applied on the next successful Connect or Reconnect and ErrNotConnected is
// returned to say so.
func (s *Session) Subscribe(ctx context.Context, subs ...Subscription) error {
	if len(subs) == 0 {
		return nil
	}
	if err := s.subs.Add(subs...); err != nil {
		return err
	}

	if s.sm.CurrentStatus() != StatusConnected {
		return ErrNotConnected
	}

	s.registerHandlers()

	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.transport.SubscribeBatch(opCtx, subs); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// Publish sends payload to topic with the session's default QoS.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	return s.PublishQoS(ctx, topic, payload, s.publishQoS, false)
}

// PublishQoS sends payload to topic.
//
// Publishing requires StatusConnected; otherwise ErrNotConnected is returned
// without touching the transport. Delivery beyond that is whatever the
// transport and broker provide for qos.
func (s *Session) PublishQoS(ctx context.Context, topic string, payload []byte, qos QoS, retained bool) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	if !qos.Valid() {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrPayloadTooLarge, len(payload), maxPayloadSize)
	}

	if s.sm.CurrentStatus() != StatusConnected {
		return ErrNotConnected
	}

	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}

	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.transport.Publish(opCtx, msg, qos, retained); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}

	s.telemetry.MessagePublished(topic, len(payload))
	s.notifyPublished(Delivery{Message: msg, QoS: qos, Retained: retained, At: time.Now()})
	return nil
}

// Disconnect closes the session on purpose.
//
// The status moves to Disconnected before the transport is closed, so the
// watchdog sees the intent immediately and does not reconnect. After the
// close a fixed settle delay lets in-flight work quiesce. Unless
// StickyDisconnect is set, the watchdog may bring the session back once
// that delay has passed.
//
// Returns:
//   - error: the transport's close error, after the settle delay
func (s *Session) Disconnect(ctx context.Context) error {
	s.sm.MarkDisconnected(CauseLocal)

	s.connMu.Lock()
	// A reconnect that held connMu may have completed in the meantime.
	s.sm.MarkDisconnected(CauseLocal)

	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	closeErr := s.transport.Close(opCtx)
	cancel()
	s.connMu.Unlock()

	if closeErr != nil {
		s.logger.Warn("transport close failed", "error", closeErr)
	} else {
		s.logger.Info("disconnected")
	}

	if s.settleDelay > 0 {
		timer := time.NewTimer(s.settleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}

	if closeErr != nil {
		return fmt.Errorf("closing transport: %w", closeErr)
	}
	return nil
}

// OnPublished registers fn to be called after every successful publish.
func (s *Session) OnPublished(fn MessageHandler) {
	if fn == nil {
		return
	}
	s.publishedMu.Lock()
	s.published = append(s.published, fn)
	s.publishedMu.Unlock()
}

func (s *Session) notifyPublished(d Delivery) {
	s.publishedMu.RLock()
	defer s.publishedMu.RUnlock()
	for _, fn := range s.published {
		fn(d)
	}
}

// HealthChecker is implemented by transports that can check their
// connection more thoroughly than IsConnected.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheck reports whether the session is connected. When the transport
// implements HealthChecker its verdict is included.
//
// Returns:
//   - error: nil if healthy, ErrNotConnected or the transport's error otherwise
func (s *Session) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("session health check: %w", ctx.Err())
	default:
	}

	if s.sm.CurrentStatus() != StatusConnected || !s.transport.IsConnected() {
		return ErrNotConnected
	}
	if hc, ok := s.transport.(HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("transport health check: %w", err)
		}
	}
	return nil
}

// Status returns the current connection status.
func (s *Session) Status() Status {
	return s.sm.CurrentStatus()
}

// Subscriptions returns the subscription set in registration order.
func (s *Session) Subscriptions() []Subscription {
	return s.subs.List()
}

// Params returns the parameters supplied to Connect, if any.
func (s *Session) Params() (Params, bool) {
	s.paramsMu.RLock()
	defer s.paramsMu.RUnlock()
	if s.params == nil {
		return Params{}, false
	}
	return *s.params, true
}

func brokerAddr(p Params) string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}
