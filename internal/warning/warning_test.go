package warning

import (
	"context"
	"sync"
	"testing"
	"time"

	"taro/internal/domain"
	"taro/internal/observer"
	"taro/internal/runner"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sleepExecution completes after a delay and prints preset lines first.
type sleepExecution struct {
	delay     time.Duration
	lines     []string
	observers *observer.Registry[domain.ExecutionOutputObserver]
}

func newSleepExecution(delay time.Duration, lines ...string) *sleepExecution {
	return &sleepExecution{delay: delay, lines: lines, observers: observer.NewRegistry[domain.ExecutionOutputObserver](nil)}
}

func (e *sleepExecution) IsAsync() bool { return false }

func (e *sleepExecution) Execute(ctx context.Context) (domain.ExecutionState, error) {
	for _, l := range e.lines {
		e.observers.Notify(func(o domain.ExecutionOutputObserver) { o.ExecutionOutputUpdate(l) })
	}
	select {
	case <-time.After(e.delay):
		return domain.StateCompleted, nil
	case <-ctx.Done():
		return domain.StateInterrupted, nil
	}
}

func (e *sleepExecution) Status() string { return "" }
func (e *sleepExecution) Stop()          {}
func (e *sleepExecution) Interrupt()     {}

func (e *sleepExecution) AddOutputObserver(o domain.ExecutionOutputObserver) {
	e.observers.Add(o)
}

func (e *sleepExecution) RemoveOutputObserver(o domain.ExecutionOutputObserver) {
	e.observers.Remove(o)
}

type warnRecorder struct {
	mu    sync.Mutex
	warns []domain.Warn
	ctxs  []domain.WarnEventCtx
}

func (r *warnRecorder) NewWarning(_ domain.JobInfo, w domain.Warn, ctx domain.WarnEventCtx) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warns = append(r.warns, w)
	r.ctxs = append(r.ctxs, ctx)
}

func (r *warnRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.warns)
}

func TestExecTimeNotExceeded(t *testing.T) {
	inst := runner.New("j", newSleepExecution(10*time.Millisecond))
	rec := &warnRecorder{}
	inst.AddWarningObserver(rec)
	ExecTimeExceeded(inst, "exec_time", 200*time.Millisecond)

	inst.Run(t.Context())
	time.Sleep(250 * time.Millisecond)

	assert.Zero(t, rec.count())
	assert.Empty(t, inst.Warnings())
}

func TestExecTimeExceeded(t *testing.T) {
	inst := runner.New("j", newSleepExecution(200*time.Millisecond))
	rec := &warnRecorder{}
	inst.AddWarningObserver(rec)
	ExecTimeExceeded(inst, "exec_time", 20*time.Millisecond)

	inst.Run(t.Context())

	require.Equal(t, 1, rec.count())
	assert.Equal(t, "exec_time", rec.warns[0].Name)
	assert.InDelta(t, 0.02, rec.warns[0].Params["exceeded_sec"], 1e-9)
	assert.Equal(t, 1, rec.ctxs[0].Count)
	assert.Equal(t, map[string]int{"exec_time": 1}, inst.Warnings())
}

func TestExecTimeIgnoresRepeatedExecutingStates(t *testing.T) {
	inst := runner.New("j", newSleepExecution(0))
	w := ExecTimeExceeded(inst, "exec_time", time.Hour)

	w.StateUpdate(infoIn(domain.StateTriggered))
	first := w.timer
	w.StateUpdate(infoIn(domain.StateTriggered, domain.StateStarted))
	assert.Same(t, first, w.timer)

	w.StateUpdate(infoIn(domain.StateTriggered, domain.StateStarted, domain.StateCompleted))
	assert.Nil(t, w.timer)
	w.StateUpdate(infoIn(domain.StateRunning))
	assert.Nil(t, w.timer)
}

func infoIn(states ...domain.ExecutionState) domain.JobInfo {
	changes := []domain.StateChange{{State: domain.StateCreated, Changed: time.Now()}}
	for _, s := range states {
		changes = append(changes, domain.StateChange{State: s, Changed: time.Now()})
	}
	return domain.JobInfo{Lifecycle: domain.NewExecutionLifecycle(changes...)}
}

func TestOutputMatches(t *testing.T) {
	exec := newSleepExecution(0, "all good", "ERROR: disk full", "warning", "another ERROR here")
	inst := runner.New("j", exec)
	rec := &warnRecorder{}
	inst.AddWarningObserver(rec)
	_, err := OutputMatches(inst, "error_output", "ERROR")
	require.NoError(t, err)

	inst.Run(t.Context())

	require.Equal(t, 2, rec.count())
	assert.Equal(t, "ERROR: disk full", rec.warns[0].Params["matches"])
	assert.Equal(t, "another ERROR here", rec.warns[1].Params["matches"])
	assert.Equal(t, []domain.WarnEventCtx{{Count: 1}, {Count: 2}}, rec.ctxs)
	assert.Equal(t, 2, inst.Warnings()["error_output"])
}

func TestOutputMatchesInvalidPattern(t *testing.T) {
	inst := runner.New("j", newSleepExecution(0))
	_, err := OutputMatches(inst, "bad", "(")
	assert.Error(t, err)
}
