package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// defaultQueueSize is the number of inbound deliveries buffered between
// the transport callback and the dispatch goroutine.
const defaultQueueSize = 256

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// QueueSize bounds the inbound delivery buffer. Zero uses the default (256).
	QueueSize int

	Logger    Logger
	Telemetry Telemetry
}

type messageEntry struct {
	id     uint64
	filter string
	fn     MessageHandler
}

type disconnectEntry struct {
	id uint64
	fn DisconnectHandler
}

// Dispatcher turns transport callbacks into status updates and handler calls.
//
// Deliver and Disconnected are registered with the transport and return
// quickly: deliveries are queued and handed to message handlers by Run on
// its own goroutine, in arrival order. A full queue drops the delivery.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Dispatcher struct {
	sm        *StateMachine
	logger    Logger
	telemetry Telemetry
	queue     chan Delivery

	mu          sync.RWMutex
	nextID      uint64
	messages    []messageEntry
	disconnects []disconnectEntry
}

// NewDispatcher creates a dispatcher that reports drops to sm.
func NewDispatcher(sm *StateMachine, opts DispatcherOptions) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Telemetry == nil {
		opts.Telemetry = noopTelemetry{}
	}

	return &Dispatcher{
		sm:        sm,
		logger:    opts.Logger,
		telemetry: opts.Telemetry,
		queue:     make(chan Delivery, opts.QueueSize),
	}
}

// HandleMessages registers fn for every delivery. The returned func removes it.
func (d *Dispatcher) HandleMessages(fn MessageHandler) (remove func()) {
	return d.addMessage("", fn)
}

// HandleTopic registers fn for deliveries whose topic matches filter.
func (d *Dispatcher) HandleTopic(filter string, fn MessageHandler) (remove func(), err error) {
	if err := ValidateFilter(filter); err != nil {
		return nil, err
	}
	return d.addMessage(filter, fn), nil
}

// HandleDisconnects registers fn for disconnect notifications.
func (d *Dispatcher) HandleDisconnects(fn DisconnectHandler) (remove func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.disconnects = append(d.disconnects, disconnectEntry{id: id, fn: fn})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, e := range d.disconnects {
			if e.id == id {
				d.disconnects = append(d.disconnects[:i], d.disconnects[i+1:]...)
				return
			}
		}
	}
}

func (d *Dispatcher) addMessage(filter string, fn MessageHandler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.messages = append(d.messages, messageEntry{id: id, filter: filter, fn: fn})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, e := range d.messages {
			if e.id == id {
				d.messages = append(d.messages[:i], d.messages[i+1:]...)
				return
			}
		}
	}
}

// Deliver is the transport's message callback. It never blocks.
func (d *Dispatcher) Deliver(msg Delivery) {
	if msg.At.IsZero() {
		msg.At = time.Now()
	}

	select {
	case d.queue <- msg:
		d.telemetry.MessageReceived(msg.Topic, len(msg.Payload))
	default:
		d.logger.Warn("inbound queue full, message dropped",
			"topic", msg.Topic,
			"queue_size", cap(d.queue),
		)
		d.telemetry.MessageDropped(msg.Topic)
	}
}

// Disconnected is the transport's disconnect callback.
//
// The status always moves to Disconnected. A drop that was not caused by a
// local close is logged with its reason.
func (d *Dispatcher) Disconnected(ev DisconnectEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	cause := CauseRemote
	if !ev.Unexpected {
		cause = CauseLocal
	}
	d.sm.MarkDisconnected(cause)

	if ev.Unexpected {
		d.logger.Warn("connection lost unexpectedly", "reason", reasonText(ev.Reason))
	} else {
		d.logger.Info("connection closed")
	}

	d.mu.RLock()
	handlers := make([]disconnectEntry, len(d.disconnects))
	copy(handlers, d.disconnects)
	d.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	go func() {
		for _, h := range handlers {
			d.callDisconnect(h.fn, ev)
		}
	}()
}

// Run hands queued deliveries to message handlers until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.queue:
			d.dispatch(msg)
		}
	}
}

// Pending returns the number of queued deliveries.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

func (d *Dispatcher) dispatch(msg Delivery) {
	d.mu.RLock()
	handlers := make([]messageEntry, len(d.messages))
	copy(handlers, d.messages)
	d.mu.RUnlock()

	for _, h := range handlers {
		if h.filter != "" && !MatchTopic(h.filter, msg.Topic) {
			continue
		}
		d.callMessage(h.fn, msg)
	}
}

func (d *Dispatcher) callMessage(fn MessageHandler, msg Delivery) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("message handler panic recovered",
				"topic", msg.Topic,
				"panic", r,
			)
		}
	}()
	fn(msg)
}

func (d *Dispatcher) callDisconnect(fn DisconnectHandler, ev DisconnectEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("disconnect handler panic recovered", "panic", r)
		}
	}()
	fn(ev)
}

// ReportTo returns a message handler that prints each delivery to w.
func ReportTo(w io.Writer) MessageHandler {
	var mu sync.Mutex
	return func(msg Delivery) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "QoS: %d\nTopic: %s\nPayload: %s\n", msg.QoS, msg.Topic, msg.Payload)
	}
}

func reasonText(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}
