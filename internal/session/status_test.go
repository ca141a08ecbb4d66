package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_InitialState(t *testing.T) {
	sm := NewStateMachine()

	assert.Equal(t, StatusInit, sm.CurrentStatus())
	snap := sm.Snapshot()
	assert.Equal(t, CauseNone, snap.Cause)
	assert.False(t, snap.Since.IsZero())
}

func TestStateMachine_Transitions(t *testing.T) {
	tests := []struct {
		name      string
		steps     func(sm *StateMachine)
		wantState Status
		wantCause Cause
	}{
		{
			name:      "init to connected",
			steps:     func(sm *StateMachine) { sm.MarkConnected() },
			wantState: StatusConnected,
			wantCause: CauseNone,
		},
		{
			name:      "disconnect from init is ignored",
			steps:     func(sm *StateMachine) { sm.MarkDisconnected(CauseRemote) },
			wantState: StatusInit,
			wantCause: CauseNone,
		},
		{
			name: "connected to disconnected",
			steps: func(sm *StateMachine) {
				sm.MarkConnected()
				sm.MarkDisconnected(CauseRemote)
			},
			wantState: StatusDisconnected,
			wantCause: CauseRemote,
		},
		{
			name: "disconnected back to connected",
			steps: func(sm *StateMachine) {
				sm.MarkConnected()
				sm.MarkDisconnected(CauseRemote)
				sm.MarkConnected()
			},
			wantState: StatusConnected,
			wantCause: CauseNone,
		},
		{
			name: "local cause wins over later remote report",
			steps: func(sm *StateMachine) {
				sm.MarkConnected()
				sm.MarkDisconnected(CauseLocal)
				sm.MarkDisconnected(CauseRemote)
			},
			wantState: StatusDisconnected,
			wantCause: CauseLocal,
		},
		{
			name: "local cause upgrades earlier remote report",
			steps: func(sm *StateMachine) {
				sm.MarkConnected()
				sm.MarkDisconnected(CauseRemote)
				sm.MarkDisconnected(CauseLocal)
			},
			wantState: StatusDisconnected,
			wantCause: CauseLocal,
		},
		{
			name:      "connect failure from init",
			steps:     func(sm *StateMachine) { sm.MarkConnectFailed() },
			wantState: StatusDisconnected,
			wantCause: CauseConnectFailed,
		},
		{
			name: "connect failure ignored once connected",
			steps: func(sm *StateMachine) {
				sm.MarkConnected()
				sm.MarkConnectFailed()
			},
			wantState: StatusConnected,
			wantCause: CauseNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateMachine()
			tt.steps(sm)

			snap := sm.Snapshot()
			assert.Equal(t, tt.wantState, snap.Status)
			assert.Equal(t, tt.wantCause, snap.Cause)
		})
	}
}

func TestStateMachine_ObserversSeeOnlyRealChanges(t *testing.T) {
	sm := NewStateMachine()

	var got []Transition
	sm.OnTransition(func(tr Transition) { got = append(got, tr) })
	sm.OnTransition(nil)

	sm.MarkDisconnected(CauseRemote) // ignored in Init
	sm.MarkConnected()
	sm.MarkConnected() // no change
	sm.MarkDisconnected(CauseRemote)
	sm.MarkDisconnected(CauseLocal) // cause only

	require.Len(t, got, 2)
	assert.Equal(t, StatusInit, got[0].From)
	assert.Equal(t, StatusConnected, got[0].To)
	assert.Equal(t, StatusConnected, got[1].From)
	assert.Equal(t, StatusDisconnected, got[1].To)
	assert.Equal(t, CauseRemote, got[1].Cause)
}

func TestStateMachine_ConcurrentAccess(t *testing.T) {
	sm := NewStateMachine()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			sm.MarkConnected()
		}()
		go func() {
			defer wg.Done()
			sm.MarkDisconnected(CauseRemote)
		}()
		go func() {
			defer wg.Done()
			s := sm.CurrentStatus()
			assert.Contains(t, []Status{StatusInit, StatusConnected, StatusDisconnected}, s)
		}()
	}
	wg.Wait()
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "init", StatusInit.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "unknown", Status(42).String())
	assert.Equal(t, "connect_failed", CauseConnectFailed.String())
}
