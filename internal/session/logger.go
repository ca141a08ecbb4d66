package session

import "time"

// Logger defines the logging interface used by the session components.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Telemetry receives counters and timings from the session components.
// Implementations must not block.
type Telemetry interface {
	StatusChanged(t Transition)
	ReconnectAttempt(duration time.Duration, err error)
	MessagePublished(topic string, size int)
	MessageReceived(topic string, size int)
	MessageDropped(topic string)
}

// noopTelemetry discards everything.
type noopTelemetry struct{}

func (noopTelemetry) StatusChanged(Transition)              {}
func (noopTelemetry) ReconnectAttempt(time.Duration, error) {}
func (noopTelemetry) MessagePublished(string, int)          {}
func (noopTelemetry) MessageReceived(string, int)           {}
func (noopTelemetry) MessageDropped(string)                 {}
