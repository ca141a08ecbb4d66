package journal

import (
	"context"
	"sync"
	"time"

	"github.com/rkek9501/MqttClient/internal/session"
)

// Recorder defaults.
const (
	recorderQueueSize = 512
	writeTimeout      = 2 * time.Second
)

// Logger is the subset of the application logger the recorder needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Recorder feeds session events into a Repository.
//
// Hooks registered by Attach only enqueue; Run performs the writes on its own
// goroutine so a slow disk never holds up the session. When the queue is
// full the event is dropped and counted.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Recorder struct {
	repo     Repository
	clientID string
	logger   Logger
	queue    chan func(ctx context.Context) error

	mu      sync.Mutex
	dropped uint64
	failed  uint64
}

// NewRecorder creates a recorder that tags every entry with clientID.
func NewRecorder(repo Repository, clientID string, logger Logger) *Recorder {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Recorder{
		repo:     repo,
		clientID: clientID,
		logger:   logger,
		queue:    make(chan func(ctx context.Context) error, recorderQueueSize),
	}
}

// Attach registers the recorder with the state machine, the dispatcher and
// the session. Pass nil for any source that should not be recorded.
func (r *Recorder) Attach(sm *session.StateMachine, disp *session.Dispatcher, sess *session.Session) {
	if sm != nil {
		sm.OnTransition(r.RecordTransition)
	}
	if disp != nil {
		disp.HandleMessages(func(d session.Delivery) { r.RecordDelivery(DirectionIn, d) })
	}
	if sess != nil {
		sess.OnPublished(func(d session.Delivery) { r.RecordDelivery(DirectionOut, d) })
	}
}

// RecordTransition queues a status change.
func (r *Recorder) RecordTransition(t session.Transition) {
	entry := &Transition{
		ClientID: r.clientID,
		From:     t.From.String(),
		To:       t.To.String(),
		Cause:    t.Cause.String(),
		At:       t.At,
	}
	r.enqueue(func(ctx context.Context) error {
		return r.repo.RecordTransition(ctx, entry)
	})
}

// RecordDelivery queues a message in the given direction.
func (r *Recorder) RecordDelivery(dir Direction, d session.Delivery) {
	entry := &Message{
		ClientID:    r.clientID,
		Direction:   dir,
		Topic:       d.Topic,
		QoS:         int(d.QoS),
		Retained:    d.Retained,
		PayloadSize: len(d.Payload),
		Preview:     Preview(d.Payload),
		At:          d.At,
	}
	r.enqueue(func(ctx context.Context) error {
		return r.repo.RecordMessage(ctx, entry)
	})
}

func (r *Recorder) enqueue(write func(ctx context.Context) error) {
	select {
	case r.queue <- write:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.logger.Debug("journal queue full, entry dropped")
	}
}

// Run writes queued entries until ctx is cancelled, then flushes whatever
// is still queued.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return
		case write := <-r.queue:
			r.write(context.Background(), write)
		}
	}
}

func (r *Recorder) flush() {
	for {
		select {
		case write := <-r.queue:
			r.write(context.Background(), write)
		default:
			return
		}
	}
}

func (r *Recorder) write(parent context.Context, write func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(parent, writeTimeout)
	defer cancel()

	if err := write(ctx); err != nil {
		r.mu.Lock()
		r.failed++
		r.mu.Unlock()
		r.logger.Warn("journal write failed", "error", err)
	}
}

// Stats returns the number of dropped and failed entries.
func (r *Recorder) Stats() (dropped, failed uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped, r.failed
}
