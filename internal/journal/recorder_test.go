package journal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rkek9501/MqttClient/internal/session"
)

// memRepo is an in-memory Repository.
type memRepo struct {
	mu          sync.Mutex
	transitions []*Transition
	messages    []*Message
	err         error
}

func (r *memRepo) RecordTransition(_ context.Context, t *Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.transitions = append(r.transitions, t)
	return nil
}

func (r *memRepo) RecordMessage(_ context.Context, m *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.messages = append(r.messages, m)
	return nil
}

func (r *memRepo) Recent(context.Context, int) ([]Entry, error) { return nil, nil }

func (r *memRepo) counts() (transitions, messages int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transitions), len(r.messages)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecorder_AttachRecordsTransitionsAndDeliveries(t *testing.T) {
	repo := &memRepo{}
	sm := session.NewStateMachine()
	disp := session.NewDispatcher(sm, session.DispatcherOptions{})
	rec := NewRecorder(repo, "client-1", nil)
	rec.Attach(sm, disp, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disp.Run(ctx)
	go rec.Run(ctx)

	sm.MarkConnected()
	disp.Deliver(session.Delivery{
		Message: session.Message{Topic: "test/a", Payload: []byte("hello")},
		QoS:     session.AtLeastOnce,
	})

	waitFor(t, func() bool {
		tr, msg := repo.counts()
		return tr == 1 && msg == 1
	})

	repo.mu.Lock()
	defer repo.mu.Unlock()

	tr := repo.transitions[0]
	if tr.From != "init" || tr.To != "connected" || tr.ClientID != "client-1" {
		t.Errorf("transition = %+v", tr)
	}
	msg := repo.messages[0]
	if msg.Direction != DirectionIn || msg.Topic != "test/a" || msg.QoS != 1 || msg.PayloadSize != 5 || msg.Preview != "hello" {
		t.Errorf("message = %+v", msg)
	}
}

func TestRecorder_RecordDeliveryOut(t *testing.T) {
	repo := &memRepo{}
	rec := NewRecorder(repo, "client-1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)

	rec.RecordDelivery(DirectionOut, session.Delivery{Message: session.Message{Topic: "new/case", Payload: []byte("x")}})

	waitFor(t, func() bool {
		_, msg := repo.counts()
		return msg == 1
	})
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if repo.messages[0].Direction != DirectionOut {
		t.Errorf("Direction = %s, want out", repo.messages[0].Direction)
	}
}

func TestRecorder_FailedWritesAreCounted(t *testing.T) {
	repo := &memRepo{err: errors.New("disk full")}
	rec := NewRecorder(repo, "client-1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)

	rec.RecordTransition(session.Transition{From: session.StatusInit, To: session.StatusConnected, At: time.Now()})

	waitFor(t, func() bool {
		_, failed := rec.Stats()
		return failed == 1
	})
}

func TestRecorder_FullQueueDrops(t *testing.T) {
	repo := &memRepo{}
	rec := NewRecorder(repo, "client-1", nil)

	// Run is not started, so nothing drains the queue.
	for i := 0; i < recorderQueueSize+3; i++ {
		rec.RecordTransition(session.Transition{From: session.StatusInit, To: session.StatusConnected})
	}

	dropped, _ := rec.Stats()
	if dropped != 3 {
		t.Errorf("dropped = %d, want 3", dropped)
	}
}

func TestRecorder_RunFlushesOnCancel(t *testing.T) {
	repo := &memRepo{}
	rec := NewRecorder(repo, "client-1", nil)

	for i := 0; i < 10; i++ {
		rec.RecordTransition(session.Transition{From: session.StatusInit, To: session.StatusConnected})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	// Run may take a few entries from the queue before seeing ctx.Done,
	// but every queued entry is written either way.
	if tr, _ := repo.counts(); tr != 10 {
		t.Errorf("transitions written = %d, want 10", tr)
	}
}
