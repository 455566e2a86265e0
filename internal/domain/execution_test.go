package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateGroupsPartition(t *testing.T) {
	for _, s := range AllStates() {
		if s == StateNone {
			assert.Zero(t, s.Groups())
			continue
		}
		primary := 0
		for _, g := range []ExecutionStateGroup{GroupBeforeExecution, GroupExecuting, GroupTerminal} {
			if s.In(g) {
				primary++
			}
		}
		assert.Equal(t, 1, primary, "state %s", s)

		secondary := 0
		for _, g := range []ExecutionStateGroup{GroupNotCompleted, GroupNotExecuted, GroupFailure} {
			if s.In(g) {
				secondary++
				assert.True(t, s.IsTerminal(), "state %s", s)
			}
		}
		assert.LessOrEqual(t, secondary, 1, "state %s", s)
	}
}

func TestStatePredicates(t *testing.T) {
	assert.True(t, StatePending.IsBeforeExecution())
	assert.True(t, StateTriggered.IsExecuting())
	assert.True(t, StateCompleted.IsTerminal())
	assert.False(t, StateCompleted.IsFailure())
	assert.True(t, StateInterrupted.IsIncomplete())
	assert.True(t, StateDisabled.IsUnexecuted())
	assert.True(t, StateStartFailed.IsFailure())
	assert.False(t, StateNone.IsTerminal())
}

func TestStateText(t *testing.T) {
	for _, s := range AllStates() {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var parsed ExecutionState
		require.NoError(t, parsed.UnmarshalText(text))
		assert.Equal(t, s, parsed)
	}

	s, err := ParseExecutionState("start_failed")
	require.NoError(t, err)
	assert.Equal(t, StateStartFailed, s)

	_, err = ParseExecutionState("bogus")
	assert.Error(t, err)
}

func TestNewExecutionErrorRejectsNonFailure(t *testing.T) {
	_, err := NewExecutionError("boom", StateCompleted, nil)
	require.ErrorIs(t, err, ErrNotFailureState)

	e, err := NewExecutionError("boom", StateFailed, map[string]any{"exit_code": 2})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, e.State)
	assert.Equal(t, 2, e.Params["exit_code"])

	assert.Panics(t, func() { MustExecutionError("x", StateRunning, nil) })
}

func TestUnexpectedError(t *testing.T) {
	cause := errors.New("disk on fire")
	e := UnexpectedError(cause)
	assert.Equal(t, StateError, e.State)
	assert.ErrorIs(t, e, cause)
	assert.Contains(t, e.Error(), "disk on fire")
}

func TestLifecycleManagement(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var m LifecycleManagement

	assert.False(t, m.SetState(StateNone, t0))
	assert.True(t, m.SetState(StateCreated, t0))
	assert.True(t, m.SetState(StateRunning, t0.Add(time.Second)))
	assert.False(t, m.SetState(StateRunning, t0.Add(2*time.Second)))
	assert.True(t, m.SetState(StateCompleted, t0.Add(3*time.Second)))

	l := m.Lifecycle()
	assert.Equal(t, []ExecutionState{StateCreated, StateRunning, StateCompleted}, l.States())
	assert.Equal(t, StateCompleted, l.State())
	assert.True(t, l.Executed())
	assert.Equal(t, StateRunning, l.FirstExecutingState())

	changed, ok := l.Changed(StateRunning)
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Second), changed)

	d, ok := l.ExecutionTime(t0.Add(time.Hour))
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, d)

	// the copy is detached from the management ledger
	m.SetState(StateFailed, t0.Add(4*time.Second))
	assert.Equal(t, StateCompleted, l.State())
}

func TestLifecycleNotFinished(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewExecutionLifecycle(
		StateChange{StateCreated, t0},
		StateChange{StateRunning, t0.Add(time.Second)},
	)
	_, ok := l.ExecutionFinished()
	assert.False(t, ok)

	d, ok := l.ExecutionTime(t0.Add(10 * time.Second))
	require.True(t, ok)
	assert.Equal(t, 9*time.Second, d)

	empty := NewExecutionLifecycle()
	assert.Equal(t, StateNone, empty.State())
	_, ok = empty.ExecutionTime(t0)
	assert.False(t, ok)
}

func TestLifecycleJSON(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewExecutionLifecycle(
		StateChange{StateCreated, t0},
		StateChange{StatePending, t0.Add(time.Second)},
		StateChange{StateCancelled, t0.Add(2 * time.Second)},
	)

	data, err := json.Marshal(l)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"PENDING"`)

	var decoded ExecutionLifecycle
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, l.States(), decoded.States())
	finished, ok := decoded.ExecutionFinished()
	require.True(t, ok)
	assert.True(t, finished.Equal(t0.Add(2*time.Second)))
}
