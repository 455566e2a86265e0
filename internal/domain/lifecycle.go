package domain

import (
	"encoding/json"
	"time"
)

// StateChange records when a state was entered.
type StateChange struct {
	State   ExecutionState `json:"state"`
	Changed time.Time      `json:"changed"`
}

// ExecutionLifecycle is an ordered, read-only ledger of state changes.
// Each state appears at most once.
type ExecutionLifecycle struct {
	changes []StateChange
}

// NewExecutionLifecycle builds a lifecycle from changes, dropping NONE and repeated states.
func NewExecutionLifecycle(changes ...StateChange) ExecutionLifecycle {
	var m LifecycleManagement
	for _, c := range changes {
		m.SetState(c.State, c.Changed)
	}
	return m.Lifecycle()
}

// State returns the latest state or NONE for an empty lifecycle.
func (l ExecutionLifecycle) State() ExecutionState {
	if len(l.changes) == 0 {
		return StateNone
	}
	return l.changes[len(l.changes)-1].State
}

func (l ExecutionLifecycle) States() []ExecutionState {
	states := make([]ExecutionState, len(l.changes))
	for i, c := range l.changes {
		states[i] = c.State
	}
	return states
}

func (l ExecutionLifecycle) StateChanges() []StateChange {
	return append([]StateChange(nil), l.changes...)
}

// Changed returns when the state was entered.
func (l ExecutionLifecycle) Changed(state ExecutionState) (time.Time, bool) {
	for _, c := range l.changes {
		if c.State == state {
			return c.Changed, true
		}
	}
	return time.Time{}, false
}

// LastChanged returns the time of the latest state change.
func (l ExecutionLifecycle) LastChanged() (time.Time, bool) {
	if len(l.changes) == 0 {
		return time.Time{}, false
	}
	return l.changes[len(l.changes)-1].Changed, true
}

// Created returns the time of the first recorded state.
func (l ExecutionLifecycle) Created() (time.Time, bool) {
	if len(l.changes) == 0 {
		return time.Time{}, false
	}
	return l.changes[0].Changed, true
}

// FirstExecutingState returns the first state of the EXECUTING group, or NONE.
func (l ExecutionLifecycle) FirstExecutingState() ExecutionState {
	for _, c := range l.changes {
		if c.State.IsExecuting() {
			return c.State
		}
	}
	return StateNone
}

// Executed reports whether the execution has ever started.
func (l ExecutionLifecycle) Executed() bool {
	return l.FirstExecutingState() != StateNone
}

// ExecutionStarted returns when the first executing state was entered.
func (l ExecutionLifecycle) ExecutionStarted() (time.Time, bool) {
	s := l.FirstExecutingState()
	if s == StateNone {
		return time.Time{}, false
	}
	return l.Changed(s)
}

// ExecutionFinished returns when the terminal state was entered.
func (l ExecutionLifecycle) ExecutionFinished() (time.Time, bool) {
	if !l.State().IsTerminal() {
		return time.Time{}, false
	}
	return l.LastChanged()
}

// ExecutionTime returns how long the execution ran. An unfinished execution is
// measured up to now.
func (l ExecutionLifecycle) ExecutionTime(now time.Time) (time.Duration, bool) {
	start, ok := l.ExecutionStarted()
	if !ok {
		return 0, false
	}
	end, finished := l.ExecutionFinished()
	if !finished {
		end = now
	}
	return end.Sub(start), true
}

func (l ExecutionLifecycle) MarshalJSON() ([]byte, error) {
	if l.changes == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l.changes)
}

func (l *ExecutionLifecycle) UnmarshalJSON(data []byte) error {
	var changes []StateChange
	if err := json.Unmarshal(data, &changes); err != nil {
		return err
	}
	*l = NewExecutionLifecycle(changes...)
	return nil
}

// LifecycleManagement is the mutable form of the ledger. It is not safe for
// concurrent use; the owner guards it.
type LifecycleManagement struct {
	changes []StateChange
}

// SetState appends a state change. NONE and states already present are ignored.
func (m *LifecycleManagement) SetState(state ExecutionState, changed time.Time) bool {
	if state == StateNone {
		return false
	}
	for _, c := range m.changes {
		if c.State == state {
			return false
		}
	}
	m.changes = append(m.changes, StateChange{State: state, Changed: changed})
	return true
}

func (m *LifecycleManagement) State() ExecutionState {
	if len(m.changes) == 0 {
		return StateNone
	}
	return m.changes[len(m.changes)-1].State
}

// Lifecycle returns an independent copy of the ledger.
func (m *LifecycleManagement) Lifecycle() ExecutionLifecycle {
	return ExecutionLifecycle{changes: append([]StateChange(nil), m.changes...)}
}
