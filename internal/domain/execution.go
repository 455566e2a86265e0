// internal/domain/execution.go
package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ExecutionStateGroup classifies execution states. A state can belong to several groups.
type ExecutionStateGroup uint8

const (
	GroupBeforeExecution ExecutionStateGroup = 1 << iota
	GroupExecuting
	GroupTerminal
	GroupNotCompleted
	GroupNotExecuted
	GroupFailure
)

var groupNames = []struct {
	group ExecutionStateGroup
	name  string
}{
	{GroupBeforeExecution, "BEFORE_EXECUTION"},
	{GroupExecuting, "EXECUTING"},
	{GroupTerminal, "TERMINAL"},
	{GroupNotCompleted, "NOT_COMPLETED"},
	{GroupNotExecuted, "NOT_EXECUTED"},
	{GroupFailure, "FAILURE"},
}

func (g ExecutionStateGroup) String() string {
	var parts []string
	for _, gn := range groupNames {
		if g&gn.group != 0 {
			parts = append(parts, gn.name)
		}
	}
	return strings.Join(parts, "|")
}

// ExecutionState is a point in the lifecycle of a job instance.
type ExecutionState uint8

const (
	StateNone ExecutionState = iota
	StateCreated
	StatePending
	StateWaiting
	StateTriggered
	StateStarted
	StateRunning
	StateCompleted
	StateStopped
	StateInterrupted
	StateDisabled
	StateCancelled
	StateSkipped
	StateSuspended
	StateStartFailed
	StateFailed
	StateError
)

// stateTable is indexed by ExecutionState and never modified.
var stateTable = [...]struct {
	name   string
	groups ExecutionStateGroup
}{
	StateNone:        {"NONE", 0},
	StateCreated:     {"CREATED", GroupBeforeExecution},
	StatePending:     {"PENDING", GroupBeforeExecution},
	StateWaiting:     {"WAITING", GroupBeforeExecution},
	StateTriggered:   {"TRIGGERED", GroupExecuting},
	StateStarted:     {"STARTED", GroupExecuting},
	StateRunning:     {"RUNNING", GroupExecuting},
	StateCompleted:   {"COMPLETED", GroupTerminal},
	StateStopped:     {"STOPPED", GroupTerminal | GroupNotCompleted},
	StateInterrupted: {"INTERRUPTED", GroupTerminal | GroupNotCompleted},
	StateDisabled:    {"DISABLED", GroupTerminal | GroupNotExecuted},
	StateCancelled:   {"CANCELLED", GroupTerminal | GroupNotExecuted},
	StateSkipped:     {"SKIPPED", GroupTerminal | GroupNotExecuted},
	StateSuspended:   {"SUSPENDED", GroupTerminal | GroupNotExecuted},
	StateStartFailed: {"START_FAILED", GroupTerminal | GroupFailure},
	StateFailed:      {"FAILED", GroupTerminal | GroupFailure},
	StateError:       {"ERROR", GroupTerminal | GroupFailure},
}

// AllStates returns every defined state in declaration order.
func AllStates() []ExecutionState {
	states := make([]ExecutionState, len(stateTable))
	for i := range stateTable {
		states[i] = ExecutionState(i)
	}
	return states
}

func (s ExecutionState) valid() bool {
	return int(s) < len(stateTable)
}

// Groups returns the set of groups the state belongs to.
func (s ExecutionState) Groups() ExecutionStateGroup {
	if !s.valid() {
		return 0
	}
	return stateTable[s].groups
}

// In reports whether the state belongs to all the given groups.
func (s ExecutionState) In(group ExecutionStateGroup) bool {
	return group != 0 && s.Groups()&group == group
}

func (s ExecutionState) IsBeforeExecution() bool { return s.In(GroupBeforeExecution) }
func (s ExecutionState) IsExecuting() bool       { return s.In(GroupExecuting) }
func (s ExecutionState) IsTerminal() bool        { return s.In(GroupTerminal) }
func (s ExecutionState) IsIncomplete() bool      { return s.In(GroupNotCompleted) }
func (s ExecutionState) IsUnexecuted() bool      { return s.In(GroupNotExecuted) }
func (s ExecutionState) IsFailure() bool         { return s.In(GroupFailure) }

func (s ExecutionState) String() string {
	if !s.valid() {
		return fmt.Sprintf("ExecutionState(%d)", uint8(s))
	}
	return stateTable[s].name
}

// ParseExecutionState resolves a state by its name, case-insensitively.
func ParseExecutionState(name string) (ExecutionState, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for i, e := range stateTable {
		if e.name == upper {
			return ExecutionState(i), nil
		}
	}
	return StateNone, fmt.Errorf("unknown execution state %q", name)
}

func (s ExecutionState) MarshalText() ([]byte, error) {
	if !s.valid() {
		return nil, fmt.Errorf("invalid execution state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *ExecutionState) UnmarshalText(text []byte) error {
	parsed, err := ParseExecutionState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

var ErrNotFailureState = errors.New("execution error state must belong to the FAILURE group")

// ExecutionError is a classified execution failure. State is always a FAILURE state.
type ExecutionError struct {
	Message    string         `json:"message"`
	State      ExecutionState `json:"state"`
	Unexpected error          `json:"-"`
	Params     map[string]any `json:"params,omitempty"`
}

// NewExecutionError rejects states outside the FAILURE group.
func NewExecutionError(message string, state ExecutionState, params map[string]any) (*ExecutionError, error) {
	if !state.IsFailure() {
		return nil, fmt.Errorf("%w: %s", ErrNotFailureState, state)
	}
	return &ExecutionError{Message: message, State: state, Params: params}, nil
}

// MustExecutionError is NewExecutionError for states known at compile time.
func MustExecutionError(message string, state ExecutionState, params map[string]any) *ExecutionError {
	e, err := NewExecutionError(message, state, params)
	if err != nil {
		panic(err)
	}
	return e
}

// UnexpectedError wraps an unclassified failure into an ERROR state execution error.
func UnexpectedError(err error) *ExecutionError {
	return &ExecutionError{
		Message:    err.Error(),
		State:      StateError,
		Unexpected: err,
	}
}

// WithCause attaches the underlying error.
func (e *ExecutionError) WithCause(err error) *ExecutionError {
	e.Unexpected = err
	return e
}

func (e *ExecutionError) Error() string {
	if e.Unexpected != nil && e.Unexpected.Error() != e.Message {
		return fmt.Sprintf("%s: %s: %v", e.State, e.Message, e.Unexpected)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Message)
}

func (e *ExecutionError) Unwrap() error { return e.Unexpected }

// Clone returns a copy whose params map is not shared.
func (e *ExecutionError) Clone() *ExecutionError {
	if e == nil {
		return nil
	}
	c := *e
	if e.Params != nil {
		c.Params = make(map[string]any, len(e.Params))
		for k, v := range e.Params {
			c.Params[k] = v
		}
	}
	return &c
}

// Execution is a unit of work the runner drives.
//
// Execute returns the state the work ended in. A classified failure is reported
// as an *ExecutionError, anything else returned as error is treated as
// unexpected. Asynchronous executions may return a non-terminal state.
type Execution interface {
	IsAsync() bool
	Execute(ctx context.Context) (ExecutionState, error)
	Status() string
	Stop()
	Interrupt()
}

// ExecutionOutputObserver receives raw output lines of an execution.
type ExecutionOutputObserver interface {
	ExecutionOutputUpdate(output string)
}

// OutputFunc adapts a function to ExecutionOutputObserver.
type OutputFunc struct{ fn func(string) }

func NewOutputFunc(fn func(string)) *OutputFunc { return &OutputFunc{fn: fn} }

func (f *OutputFunc) ExecutionOutputUpdate(output string) { f.fn(output) }

// OutputExecution is an Execution producing output lines.
type OutputExecution interface {
	Execution
	AddOutputObserver(o ExecutionOutputObserver)
	RemoveOutputObserver(o ExecutionOutputObserver)
}

// ExecutionResult is the final outcome of an asynchronous execution.
type ExecutionResult struct {
	State ExecutionState
	Err   error
}

// AsyncExecution reports completion of work that outlives Execute.
type AsyncExecution interface {
	Execution
	Done() <-chan ExecutionResult
}
