package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var errBrokerDown = errors.New("dial tcp 127.0.0.1:1883: connect: connection refused")

type publishCall struct {
	msg      Message
	qos      QoS
	retained bool
}

// fakeTransport is an in-memory Transport for exercising the session.
type fakeTransport struct {
	mu sync.Mutex

	openErrs     []error // consumed one per Open; nil entries succeed
	openDelay    time.Duration
	closeErr     error
	subscribeErr error

	connected    bool
	opens        int
	closes       int
	published    []publishCall
	batches      [][]Subscription
	onMessage    MessageHandler
	onDisconnect DisconnectHandler
	registered   int

	// onClose runs at the start of Close, before the connection is torn down.
	onClose func()

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeTransport) Open(ctx context.Context, _ Params) error {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	if f.openDelay > 0 {
		select {
		case <-time.After(f.openDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		if err != nil {
			return err
		}
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Close(context.Context) error {
	f.mu.Lock()
	hook := f.onClose
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.connected = false
	return f.closeErr
}

func (f *fakeTransport) Publish(_ context.Context, msg Message, qos QoS, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return errors.New("not connected")
	}
	f.published = append(f.published, publishCall{msg: msg, qos: qos, retained: retained})
	return nil
}

func (f *fakeTransport) SubscribeBatch(_ context.Context, subs []Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	batch := make([]Subscription, len(subs))
	copy(batch, subs)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeTransport) OnMessage(h MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = h
	f.registered++
}

func (f *fakeTransport) OnDisconnected(h DisconnectHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnect = h
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// drop simulates the broker going away.
func (f *fakeTransport) drop(reason error) {
	f.mu.Lock()
	f.connected = false
	h := f.onDisconnect
	f.mu.Unlock()
	if h != nil {
		h(DisconnectEvent{Reason: reason, Unexpected: true})
	}
}

// deliver simulates an inbound message.
func (f *fakeTransport) deliver(topic, payload string) {
	f.mu.Lock()
	h := f.onMessage
	f.mu.Unlock()
	if h != nil {
		h(Delivery{Message: Message{Topic: topic, Payload: []byte(payload)}, QoS: AtLeastOnce})
	}
}

func (f *fakeTransport) failNextOpens(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErrs = append(f.openErrs, errs...)
}

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeTransport) publishes() []publishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishCall, len(f.published))
	copy(out, f.published)
	return out
}

func (f *fakeTransport) subscribeBatches() [][]Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]Subscription, len(f.batches))
	copy(out, f.batches)
	return out
}

func testParams() Params {
	return Params{Host: "127.0.0.1", Port: 1883, ClientID: "session-test"}
}

func defaultSubs() []Subscription {
	return []Subscription{
		{Filter: "test/#", QoS: AtLeastOnce},
		{Filter: "new/case", QoS: AtLeastOnce},
	}
}

// newTestSession wires a session around a fake transport with short delays.
func newTestSession(opts Options) (*Session, *fakeTransport, *StateMachine, *Dispatcher) {
	ft := &fakeTransport{}
	sm := NewStateMachine()
	disp := NewDispatcher(sm, DispatcherOptions{})
	if opts.SettleDelay == 0 {
		opts.SettleDelay = -1
	}
	if opts.OperationTimeout == 0 {
		opts.OperationTimeout = time.Second
	}
	s, err := New(ft, sm, disp, opts)
	if err != nil {
		panic(err)
	}
	return s, ft, sm, disp
}
