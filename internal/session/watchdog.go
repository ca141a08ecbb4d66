package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWatchdogInterval is the delay between watchdog checks.
const DefaultWatchdogInterval = 2 * time.Second

// WatchdogState is the phase the watchdog loop is in.
type WatchdogState int32

const (
	WatchdogIdle WatchdogState = iota
	WatchdogChecking
	WatchdogReconnecting
)

// String returns the lower-case name of the state.
func (s WatchdogState) String() string {
	switch s {
	case WatchdogIdle:
		return "idle"
	case WatchdogChecking:
		return "checking"
	case WatchdogReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Reconnector is what the watchdog calls to heal a dropped connection.
// *Session implements it.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// ReconnectGate lets a Reconnector decide which disconnected states it will
// heal. *Session implements it. Without a gate the watchdog leaves a local
// disconnect alone.
type ReconnectGate interface {
	ReconnectAllowed(snap Snapshot) bool
}

// WatchdogStats summarises the watchdog's work.
type WatchdogStats struct {
	Ticks     uint64        `json:"ticks"`
	Attempts  uint64        `json:"attempts"`
	Failures  uint64        `json:"failures"`
	LastError string        `json:"last_error,omitempty"`
	Interval  time.Duration `json:"interval"`
}

// Watchdog periodically inspects the state machine and reconnects a session
// that was dropped by the transport.
//
// Each tick reads the status; if it is Disconnected and the reconnector's
// gate allows it, Reconnect is called and awaited. Errors and panics
// from Reconnect are logged and the loop continues. The delay before the next
// tick always runs, whatever the tick did. Because the loop awaits each
// attempt before sleeping, at most one attempt is ever in flight.
type Watchdog struct {
	sm          *StateMachine
	reconnector Reconnector
	interval    time.Duration
	logger      Logger

	state    atomic.Int32
	ticks    atomic.Uint64
	attempts atomic.Uint64
	failures atomic.Uint64

	lastErr   error
	lastErrMu sync.RWMutex
}

// NewWatchdog creates a watchdog. A non-positive interval uses DefaultWatchdogInterval.
func NewWatchdog(sm *StateMachine, r Reconnector, interval time.Duration, logger Logger) *Watchdog {
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Watchdog{
		sm:          sm,
		reconnector: r,
		interval:    interval,
		logger:      logger,
	}
}

// Run supervises the connection until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	w.logger.Debug("watchdog started", "interval", w.interval)
	defer w.logger.Debug("watchdog stopped")

	for {
		w.tick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.interval):
		}
	}
}

// tick performs one check and, if needed, one reconnect attempt.
func (w *Watchdog) tick(ctx context.Context) {
	defer w.state.Store(int32(WatchdogIdle))

	if ctx.Err() != nil {
		return
	}

	w.ticks.Add(1)
	w.state.Store(int32(WatchdogChecking))

	snap := w.sm.Snapshot()
	if !w.shouldReconnect(snap) {
		return
	}

	w.state.Store(int32(WatchdogReconnecting))
	w.attempts.Add(1)
	w.logger.Info("connection down, reconnecting",
		"cause", snap.Cause.String(),
		"down_for", time.Since(snap.Since).Round(time.Millisecond),
	)

	err := w.attempt(ctx)
	if errors.Is(err, ErrDisconnectedLocally) {
		w.logger.Info("reconnect abandoned, session disconnected locally")
		return
	}
	if err != nil {
		w.failures.Add(1)
		w.lastErrMu.Lock()
		w.lastErr = err
		w.lastErrMu.Unlock()

		w.logger.Warn("reconnect failed, will retry",
			"error", err,
			"retry_in", w.interval,
		)
		return
	}

	w.lastErrMu.Lock()
	w.lastErr = nil
	w.lastErrMu.Unlock()
}

func (w *Watchdog) shouldReconnect(snap Snapshot) bool {
	if snap.Status != StatusDisconnected {
		return false
	}
	if gate, ok := w.reconnector.(ReconnectGate); ok {
		return gate.ReconnectAllowed(snap)
	}
	return snap.Cause != CauseLocal
}

// attempt calls Reconnect and converts a panic into an error.
func (w *Watchdog) attempt(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reconnect panic: %v", r)
		}
	}()
	return w.reconnector.Reconnect(ctx)
}

// State returns the phase the loop is currently in.
func (w *Watchdog) State() WatchdogState {
	return WatchdogState(w.state.Load())
}

// Stats returns counters for the loop.
func (w *Watchdog) Stats() WatchdogStats {
	stats := WatchdogStats{
		Ticks:    w.ticks.Load(),
		Attempts: w.attempts.Load(),
		Failures: w.failures.Load(),
		Interval: w.interval,
	}

	w.lastErrMu.RLock()
	if w.lastErr != nil {
		stats.LastError = w.lastErr.Error()
	}
	w.lastErrMu.RUnlock()

	return stats
}
