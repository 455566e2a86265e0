package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"taro/internal/domain"
	"taro/internal/observer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testExecution returns a preset outcome. With wait set it blocks until stopped.
type testExecution struct {
	state     domain.ExecutionState
	err       error
	panicWith any
	wait      bool
	async     bool
	output    []string

	mu          sync.Mutex
	executed    bool
	stopped     bool
	interrupted bool
	release     chan struct{}
	once        sync.Once
	observers   *observer.Registry[domain.ExecutionOutputObserver]
}

func newTestExecution(state domain.ExecutionState, err error) *testExecution {
	return &testExecution{
		state:     state,
		err:       err,
		release:   make(chan struct{}),
		observers: observer.NewRegistry[domain.ExecutionOutputObserver](nil),
	}
}

func (e *testExecution) IsAsync() bool { return e.async }

func (e *testExecution) Execute(ctx context.Context) (domain.ExecutionState, error) {
	e.mu.Lock()
	e.executed = true
	e.mu.Unlock()

	if e.panicWith != nil {
		panic(e.panicWith)
	}
	for _, line := range e.output {
		e.observers.Notify(func(o domain.ExecutionOutputObserver) { o.ExecutionOutputUpdate(line) })
	}
	if e.wait {
		select {
		case <-e.release:
			return domain.StateStopped, nil
		case <-ctx.Done():
			return domain.StateInterrupted, nil
		}
	}
	return e.state, e.err
}

func (e *testExecution) Status() string { return "" }

func (e *testExecution) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.once.Do(func() { close(e.release) })
}

func (e *testExecution) Interrupt() {
	e.mu.Lock()
	e.interrupted = true
	e.mu.Unlock()
	e.once.Do(func() { close(e.release) })
}

func (e *testExecution) wasExecuted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executed
}

type outputTestExecution struct{ *testExecution }

func (e outputTestExecution) AddOutputObserver(o domain.ExecutionOutputObserver) {
	e.observers.Add(o)
}

func (e outputTestExecution) RemoveOutputObserver(o domain.ExecutionOutputObserver) {
	e.observers.Remove(o)
}

type stateRecorder struct {
	mu     sync.Mutex
	states []domain.ExecutionState
}

func (r *stateRecorder) StateUpdate(info domain.JobInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, info.State())
}

func (r *stateRecorder) get() []domain.ExecutionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ExecutionState(nil), r.states...)
}

func (r *stateRecorder) reached(state domain.ExecutionState) func() bool {
	return func() bool {
		for _, s := range r.get() {
			if s == state {
				return true
			}
		}
		return false
	}
}

func states(s ...domain.ExecutionState) []domain.ExecutionState { return s }

func TestExecutionStateChanges(t *testing.T) {
	exec := newTestExecution(domain.StateCompleted, nil)
	inst := New("j1", exec)
	rec := &stateRecorder{}
	inst.AddStateObserver(rec)

	final := inst.Run(t.Context())

	assert.Equal(t, domain.StateCompleted, final)
	assert.Equal(t, states(domain.StateCreated, domain.StateRunning, domain.StateCompleted), inst.Lifecycle().States())
	assert.Equal(t, states(domain.StateRunning, domain.StateCompleted), rec.get())
	assert.Nil(t, inst.ExecError())
	assert.NotEmpty(t, inst.ID().InstanceID)
}

func TestPendingLatch(t *testing.T) {
	exec := newTestExecution(domain.StateCompleted, nil)
	inst := New("j1", exec, WithInstanceID("i1"))
	release, err := inst.CreateLatch(domain.StatePending)
	require.NoError(t, err)
	rec := &stateRecorder{}
	inst.AddStateObserver(rec)

	done := make(chan struct{})
	go func() {
		defer close(done)
		inst.Run(t.Context())
	}()

	require.Eventually(t, rec.reached(domain.StatePending), time.Second, 5*time.Millisecond)
	assert.Equal(t, states(domain.StateCreated, domain.StatePending), inst.Lifecycle().States())
	assert.False(t, exec.wasExecuted())

	release()
	release()
	<-done
	assert.Equal(t,
		states(domain.StateCreated, domain.StatePending, domain.StateRunning, domain.StateCompleted),
		inst.Lifecycle().States())
}

func TestLatchReleasedBeforeRun(t *testing.T) {
	inst := New("j1", newTestExecution(domain.StateCompleted, nil))
	releasePending, err := inst.CreateLatch(domain.StatePending)
	require.NoError(t, err)
	releaseWaiting, err := inst.CreateLatch(domain.StateWaiting)
	require.NoError(t, err)

	releaseWaiting()
	releasePending()
	inst.Run(t.Context())

	assert.Equal(t,
		states(domain.StateCreated, domain.StatePending, domain.StateWaiting, domain.StateRunning, domain.StateCompleted),
		inst.Lifecycle().States())
}

func TestInvalidLatchState(t *testing.T) {
	inst := New("j1", newTestExecution(domain.StateCompleted, nil))
	for _, s := range []domain.ExecutionState{domain.StateCreated, domain.StateRunning, domain.StateCompleted, domain.StateNone} {
		_, err := inst.CreateLatch(s)
		assert.ErrorIs(t, err, ErrInvalidLatchState, s.String())
	}
}

func TestCancellationBeforeStart(t *testing.T) {
	exec := newTestExecution(domain.StateCompleted, nil)
	inst := New("j1", exec)

	inst.Stop()
	inst.Run(t.Context())

	assert.Equal(t, states(domain.StateCreated, domain.StateCancelled), inst.Lifecycle().States())
	assert.False(t, exec.wasExecuted())
}

func TestInterruptBeforeStart(t *testing.T) {
	exec := newTestExecution(domain.StateCompleted, nil)
	inst := New("j1", exec)
	_, err := inst.CreateLatch(domain.StatePending)
	require.NoError(t, err)

	inst.Interrupt()
	inst.Run(t.Context())

	assert.Equal(t, states(domain.StateCreated, domain.StateCancelled), inst.Lifecycle().States())
}

func TestCancellationWhileGated(t *testing.T) {
	exec := newTestExecution(domain.StateCompleted, nil)
	inst := New("j1", exec)
	_, err := inst.CreateLatch(domain.StatePending)
	require.NoError(t, err)
	rec := &stateRecorder{}
	inst.AddStateObserver(rec)

	done := make(chan struct{})
	go func() {
		defer close(done)
		inst.Run(t.Context())
	}()
	require.Eventually(t, rec.reached(domain.StatePending), time.Second, 5*time.Millisecond)

	inst.Stop()
	<-done
	assert.Equal(t, states(domain.StateCreated, domain.StatePending, domain.StateCancelled), inst.Lifecycle().States())
	assert.False(t, exec.wasExecuted())
}

func TestContextDoneWhileGated(t *testing.T) {
	inst := New("j1", newTestExecution(domain.StateCompleted, nil))
	_, err := inst.CreateLatch(domain.StatePending)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	assert.Equal(t, domain.StateCancelled, inst.Run(ctx))
}

func TestStopWhileRunning(t *testing.T) {
	exec := newTestExecution(domain.StateCompleted, nil)
	exec.wait = true
	inst := New("j1", exec)
	rec := &stateRecorder{}
	inst.AddStateObserver(rec)

	done := make(chan struct{})
	go func() {
		defer close(done)
		inst.Run(t.Context())
	}()
	require.Eventually(t, rec.reached(domain.StateRunning), time.Second, 5*time.Millisecond)

	inst.Stop()
	inst.Stop()
	<-done
	assert.Equal(t, states(domain.StateCreated, domain.StateRunning, domain.StateStopped), inst.Lifecycle().States())
	assert.True(t, exec.stopped)
}

func TestClassifiedFailure(t *testing.T) {
	execErr := domain.MustExecutionError("exit 3", domain.StateFailed, map[string]any{"exit_code": 3})
	inst := New("j1", newTestExecution(domain.StateNone, execErr))

	assert.Equal(t, domain.StateFailed, inst.Run(t.Context()))
	got := inst.ExecError()
	require.NotNil(t, got)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, 3, got.Params["exit_code"])
	assert.Equal(t, domain.StateFailed, inst.CreateInfo().ExecError.State)
}

func TestErrorWrapsUnexpected(t *testing.T) {
	cause := errors.New("unexpected")
	inst := New("j1", newTestExecution(domain.StateCompleted, fmt.Errorf("run: %w", cause)))

	assert.Equal(t, domain.StateError, inst.Run(t.Context()))
	assert.Equal(t, states(domain.StateCreated, domain.StateRunning, domain.StateError), inst.Lifecycle().States())
	got := inst.ExecError()
	require.NotNil(t, got)
	assert.ErrorIs(t, got.Unexpected, cause)
}

func TestPanicBecomesError(t *testing.T) {
	exec := newTestExecution(domain.StateCompleted, nil)
	exec.panicWith = "kaboom"
	inst := New("j1", exec)

	assert.Equal(t, domain.StateError, inst.Run(t.Context()))
	assert.Contains(t, inst.ExecError().Message, "kaboom")
}

func TestFailureStateWithoutError(t *testing.T) {
	inst := New("j1", newTestExecution(domain.StateStartFailed, nil))

	assert.Equal(t, domain.StateStartFailed, inst.Run(t.Context()))
	require.NotNil(t, inst.ExecError())
	assert.Equal(t, domain.StateStartFailed, inst.ExecError().State)
}

func TestSyncExecutionReturningNonTerminalState(t *testing.T) {
	inst := New("j1", newTestExecution(domain.StateRunning, nil))

	assert.Equal(t, domain.StateError, inst.Run(t.Context()))
}

type asyncExecution struct {
	*testExecution
	done chan domain.ExecutionResult
}

func (e *asyncExecution) Execute(context.Context) (domain.ExecutionState, error) {
	go func() { e.done <- domain.ExecutionResult{State: domain.StateCompleted} }()
	return domain.StateStarted, nil
}

func (e *asyncExecution) Done() <-chan domain.ExecutionResult { return e.done }

func TestAsyncExecution(t *testing.T) {
	exec := &asyncExecution{testExecution: newTestExecution(domain.StateNone, nil), done: make(chan domain.ExecutionResult, 1)}
	exec.async = true
	inst := New("j1", exec)

	assert.Equal(t, domain.StateCompleted, inst.Run(t.Context()))
	assert.Equal(t,
		states(domain.StateCreated, domain.StateTriggered, domain.StateStarted, domain.StateCompleted),
		inst.Lifecycle().States())
}

func TestSkip(t *testing.T) {
	exec := newTestExecution(domain.StateCompleted, nil)
	inst := New("j1", exec)

	require.Error(t, inst.Skip(domain.StateCompleted))
	require.NoError(t, inst.Skip(domain.StateDisabled))
	assert.Equal(t, domain.StateDisabled, inst.Run(t.Context()))
	assert.Equal(t, states(domain.StateCreated, domain.StateDisabled), inst.Lifecycle().States())
	assert.False(t, exec.wasExecuted())
	assert.ErrorIs(t, inst.Skip(domain.StateSkipped), ErrAlreadyStarted)
}

func TestWarnings(t *testing.T) {
	inst := New("j1", newTestExecution(domain.StateCompleted, nil))
	var counts []int
	inst.AddWarningObserver(domain.NewWarningFunc(func(info domain.JobInfo, w domain.Warn, ctx domain.WarnEventCtx) {
		assert.Equal(t, "slow", w.Name)
		assert.Equal(t, ctx.Count, info.Warnings["slow"])
		counts = append(counts, ctx.Count)
	}))

	inst.AddWarning(domain.Warn{Name: "slow"})
	assert.True(t, inst.AddWarningIfNotTerminal(domain.Warn{Name: "slow"}))
	inst.Run(t.Context())
	assert.False(t, inst.AddWarningIfNotTerminal(domain.Warn{Name: "slow"}))

	assert.Equal(t, []int{1, 2}, counts)
	assert.Equal(t, map[string]int{"slow": 2}, inst.Warnings())
}

func TestOutputForwarding(t *testing.T) {
	base := newTestExecution(domain.StateCompleted, nil)
	for n := 1; n <= 12; n++ {
		base.output = append(base.output, fmt.Sprintf("line %d", n))
	}
	inst := New("j1", outputTestExecution{base})

	var got []string
	inst.AddOutputObserver(domain.NewJobOutputFunc(func(info domain.JobInfo, line string) {
		assert.Equal(t, "j1", info.JobID())
		got = append(got, line)
	}))
	inst.Run(t.Context())

	assert.Equal(t, base.output, got)
	last := inst.LastOutput()
	require.Len(t, last, lastOutputSize)
	assert.Equal(t, "line 3", last[0])
	assert.Equal(t, "line 12", inst.Status())
	assert.Zero(t, base.observers.Len())
}

func TestObserverFailureIsolated(t *testing.T) {
	inst := New("j1", newTestExecution(domain.StateCompleted, nil))
	inst.AddStateObserver(domain.NewStateFunc(func(domain.JobInfo) { panic("observer bug") }))
	rec := &stateRecorder{}
	inst.AddStateObserver(rec)

	assert.Equal(t, domain.StateCompleted, inst.Run(t.Context()))
	assert.Equal(t, states(domain.StateRunning, domain.StateCompleted), rec.get())
}

func TestRemoveStateObserver(t *testing.T) {
	inst := New("j1", newTestExecution(domain.StateCompleted, nil))
	rec := &stateRecorder{}
	inst.AddStateObserver(rec)
	inst.RemoveStateObserver(rec)

	Run(t.Context(), "j2", newTestExecution(domain.StateCompleted, nil))
	inst.Run(t.Context())
	assert.Empty(t, rec.get())
}

func TestParamsAndClock(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	params := map[string]string{"env": "prod"}
	inst := New("j1", newTestExecution(domain.StateCompleted, nil),
		WithParams(params), WithClock(func() time.Time { return fixed }))
	params["env"] = "dev"

	inst.Run(t.Context())
	info := inst.CreateInfo()
	assert.Equal(t, "prod", info.Params["env"])
	created, ok := info.Lifecycle.Changed(domain.StateCreated)
	require.True(t, ok)
	assert.Equal(t, fixed, created)
}
