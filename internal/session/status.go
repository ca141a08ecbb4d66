package session

import (
	"sync"
	"time"
)

// Status is the connection status tracked by the StateMachine.
type Status int

const (
	// StatusInit means no connection has been established yet.
	StatusInit Status = iota

	// StatusConnected means the transport reports an active session.
	StatusConnected

	// StatusDisconnected means a connection was lost or closed after an attempt.
	StatusDisconnected
)

// String returns the lower-case name of the status.
func (s Status) String() string {
	switch s {
	case StatusInit:
		return "init"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Cause records why the session entered StatusDisconnected.
type Cause int

const (
	// CauseNone is used while the status is not Disconnected.
	CauseNone Cause = iota

	// CauseLocal is an explicit Disconnect by the application.
	CauseLocal

	// CauseRemote is a drop reported by the transport.
	CauseRemote

	// CauseConnectFailed is a first connection attempt that never succeeded.
	CauseConnectFailed
)

// String returns the lower-case name of the cause.
func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseLocal:
		return "local"
	case CauseRemote:
		return "remote"
	case CauseConnectFailed:
		return "connect_failed"
	default:
		return "unknown"
	}
}

// Snapshot is a consistent view of the state machine.
type Snapshot struct {
	Status Status
	Cause  Cause
	Since  time.Time
}

// Transition describes a status change delivered to observers.
type Transition struct {
	From  Status
	To    Status
	Cause Cause
	At    time.Time
}

// StateMachine owns the connection status.
//
// It is the only writer of Status. The Session and the Dispatcher call its
// transition methods; the Watchdog and everything else only read.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Observers run on the goroutine that performed the transition, after the lock is released.
type StateMachine struct {
	mu     sync.RWMutex
	status Status
	cause  Cause
	since  time.Time

	observers  []func(Transition)
	observerMu sync.RWMutex
}

// NewStateMachine returns a state machine in StatusInit.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		status: StatusInit,
		since:  time.Now(),
	}
}

// MarkConnected moves the status to Connected.
//
// Callers are responsible for re-applying subscriptions.
func (m *StateMachine) MarkConnected() {
	m.transition(StatusConnected, CauseNone, func(Status, Cause) bool { return true })
}

// MarkDisconnected moves a Connected session to Disconnected.
//
// It is idempotent when already Disconnected, except that a local cause
// replaces a remote one: an explicit Disconnect stays explicit even if the
// transport reports the close afterwards. Calling it in StatusInit does nothing.
func (m *StateMachine) MarkDisconnected(cause Cause) {
	m.transition(StatusDisconnected, cause, func(from Status, prev Cause) bool {
		switch from {
		case StatusConnected:
			return true
		case StatusDisconnected:
			return cause == CauseLocal && prev != CauseLocal
		default:
			return false
		}
	})
}

// MarkConnectFailed moves an Init session to Disconnected so the watchdog
// retries it. It has no effect in any other status.
func (m *StateMachine) MarkConnectFailed() {
	m.transition(StatusDisconnected, CauseConnectFailed, func(from Status, _ Cause) bool {
		return from == StatusInit
	})
}

// CurrentStatus returns the current status.
func (m *StateMachine) CurrentStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Snapshot returns status, cause and time of the last change atomically.
func (m *StateMachine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{Status: m.status, Cause: m.cause, Since: m.since}
}

// OnTransition registers an observer that is called after every status change.
func (m *StateMachine) OnTransition(fn func(Transition)) {
	if fn == nil {
		return
	}
	m.observerMu.Lock()
	m.observers = append(m.observers, fn)
	m.observerMu.Unlock()
}

// transition applies a change when allow accepts the current status and
// cause. A cause-only change restarts Since. Observers are notified only when
// the status value actually moved.
func (m *StateMachine) transition(to Status, cause Cause, allow func(from Status, prev Cause) bool) {
	m.mu.Lock()
	from := m.status
	if !allow(from, m.cause) {
		m.mu.Unlock()
		return
	}
	if from == to {
		m.cause = cause
		m.since = time.Now()
		m.mu.Unlock()
		return
	}
	now := time.Now()
	m.status = to
	m.cause = cause
	m.since = now
	m.mu.Unlock()

	t := Transition{From: from, To: to, Cause: cause, At: now}

	m.observerMu.RLock()
	observers := make([]func(Transition), len(m.observers))
	copy(observers, m.observers)
	m.observerMu.RUnlock()

	for _, fn := range observers {
		fn(t)
	}
}
