// internal/runner/instance.go
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"taro/internal/domain"
	"taro/internal/observer"

	"github.com/google/uuid"
)

// ErrInvalidLatchState is returned when a latch is requested for a state that is
// not a waiting state before execution.
var ErrInvalidLatchState = errors.New("latch state must be a BEFORE_EXECUTION state other than CREATED")

// ErrAlreadyStarted is returned when an instance is skipped after it was run.
var ErrAlreadyStarted = errors.New("job instance already started")

const lastOutputSize = 10

// Option configures an Instance.
type Option func(*Instance)

func WithInstanceID(id string) Option {
	return func(i *Instance) { i.id.InstanceID = id }
}

func WithParams(params map[string]string) Option {
	return func(i *Instance) { i.params = maps.Clone(params) }
}

func WithLogger(logger *slog.Logger) Option {
	return func(i *Instance) { i.logger = logger }
}

// WithClock overrides the time source used for state changes.
func WithClock(now func() time.Time) Option {
	return func(i *Instance) { i.now = now }
}

type latch struct {
	state    domain.ExecutionState
	released chan struct{}
	once     sync.Once
}

func (l *latch) release() {
	l.once.Do(func() { close(l.released) })
}

// Instance drives one execution through its lifecycle and publishes its
// state, warning and output events. It implements domain.JobInstance.
type Instance struct {
	id     domain.JobInstanceID
	exec   domain.Execution
	params map[string]string
	logger *slog.Logger
	now    func() time.Time

	// transitionMu keeps state notifications in transition order.
	transitionMu sync.Mutex

	mu         sync.RWMutex
	lifecycle  domain.LifecycleManagement
	warnings   map[string]int
	execError  *domain.ExecutionError
	lastOutput []string
	latches    []*latch
	started    bool
	cancelled  bool

	stopped  chan struct{}
	stopOnce sync.Once

	stateObservers   *observer.Registry[domain.ExecutionStateObserver]
	warningObservers *observer.Registry[domain.WarningObserver]
	outputObservers  *observer.Registry[domain.JobOutputObserver]
	forwarder        *outputForwarder
}

var _ domain.JobInstance = (*Instance)(nil)

// New creates an instance in the CREATED state.
func New(jobID string, exec domain.Execution, opts ...Option) *Instance {
	i := &Instance{
		id:       domain.JobInstanceID{JobID: jobID},
		exec:     exec,
		logger:   slog.Default(),
		now:      time.Now,
		warnings: make(map[string]int),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.id.InstanceID == "" {
		i.id.InstanceID = uuid.New().String()
	}
	i.logger = i.logger.With("component", "runner", "job_id", i.id.JobID, "instance_id", i.id.InstanceID)
	i.stateObservers = observer.NewRegistry[domain.ExecutionStateObserver](i.logger)
	i.warningObservers = observer.NewRegistry[domain.WarningObserver](i.logger)
	i.outputObservers = observer.NewRegistry[domain.JobOutputObserver](i.logger)

	i.lifecycle.SetState(domain.StateCreated, i.now())

	if oe, ok := exec.(domain.OutputExecution); ok {
		i.forwarder = &outputForwarder{instance: i}
		oe.AddOutputObserver(i.forwarder)
	}
	return i
}

// Run constructs an instance and runs it to completion.
func Run(ctx context.Context, jobID string, exec domain.Execution, opts ...Option) *Instance {
	i := New(jobID, exec, opts...)
	i.Run(ctx)
	return i
}

func (i *Instance) ID() domain.JobInstanceID { return i.id }

// CreateLatch adds a gate the instance waits at before execution. Gates are
// passed in creation order. The returned release function is idempotent and may
// be called before the instance reaches the gate.
func (i *Instance) CreateLatch(state domain.ExecutionState) (func(), error) {
	if !state.IsBeforeExecution() || state == domain.StateCreated {
		return nil, fmt.Errorf("%w: %s", ErrInvalidLatchState, state)
	}
	l := &latch{state: state, released: make(chan struct{})}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.started {
		return nil, ErrAlreadyStarted
	}
	i.latches = append(i.latches, l)
	return l.release, nil
}

// Run drives the instance until it reaches a terminal state, or a non-terminal
// state returned by an asynchronous execution without completion reporting.
// Run has effect only once.
func (i *Instance) Run(ctx context.Context) domain.ExecutionState {
	i.mu.Lock()
	if i.started {
		state := i.lifecycle.State()
		i.mu.Unlock()
		return state
	}
	i.started = true
	latches := append([]*latch(nil), i.latches...)
	i.mu.Unlock()

	if oe, ok := i.exec.(domain.OutputExecution); ok {
		defer oe.RemoveOutputObserver(i.forwarder)
	}

	if i.isCancelled() {
		return i.cancelRun()
	}

	for _, l := range latches {
		i.setState(l.state)
		select {
		case <-l.released:
		case <-i.stopped:
			return i.cancelRun()
		case <-ctx.Done():
			i.logger.Info("context done while waiting", "state", l.state, "error", ctx.Err())
			return i.cancelRun()
		}
	}

	if i.isCancelled() || ctx.Err() != nil {
		return i.cancelRun()
	}

	if i.exec.IsAsync() {
		i.setState(domain.StateTriggered)
	} else {
		i.setState(domain.StateRunning)
	}

	state, err := i.execute(ctx)
	if err == nil && !state.IsTerminal() && state != domain.StateNone && i.exec.IsAsync() {
		i.setState(state)
		ae, ok := i.exec.(domain.AsyncExecution)
		if !ok {
			return state
		}
		state, err = i.awaitAsync(ctx, ae)
	}
	return i.finish(state, err)
}

func (i *Instance) execute(ctx context.Context) (state domain.ExecutionState, err error) {
	defer func() {
		if r := recover(); r != nil {
			state, err = domain.StateNone, fmt.Errorf("execution panicked: %v", r)
		}
	}()
	return i.exec.Execute(ctx)
}

func (i *Instance) awaitAsync(ctx context.Context, ae domain.AsyncExecution) (domain.ExecutionState, error) {
	select {
	case res := <-ae.Done():
		return res.State, res.Err
	case <-ctx.Done():
		i.exec.Interrupt()
		res := <-ae.Done()
		return res.State, res.Err
	}
}

// finish classifies the outcome of the execution and records the terminal state.
func (i *Instance) finish(state domain.ExecutionState, err error) domain.ExecutionState {
	var execErr *domain.ExecutionError
	switch {
	case err != nil:
		if !errors.As(err, &execErr) || !execErr.State.IsFailure() {
			execErr = domain.UnexpectedError(err)
		}
		state = execErr.State
	case state.IsFailure():
		execErr = domain.MustExecutionError("execution ended in "+state.String(), state, nil)
	case !state.IsTerminal():
		execErr = domain.UnexpectedError(fmt.Errorf("execution returned non-terminal state %s", state))
		state = execErr.State
	}

	if execErr != nil {
		if execErr.State == domain.StateError {
			i.logger.Error("unexpected execution error", "error", err)
		} else {
			i.logger.Warn("execution failed", "state", execErr.State, "error", execErr.Message)
		}
		i.mu.Lock()
		i.execError = execErr
		i.mu.Unlock()
	}
	i.setState(state)
	return i.State()
}

func (i *Instance) cancelRun() domain.ExecutionState {
	i.setState(domain.StateCancelled)
	return i.State()
}

// Skip ends an instance that has not been run with a NOT_EXECUTED state, e.g. DISABLED.
func (i *Instance) Skip(state domain.ExecutionState) error {
	if !state.IsUnexecuted() {
		return fmt.Errorf("cannot skip with state %s: not a NOT_EXECUTED state", state)
	}
	i.mu.Lock()
	if i.started {
		i.mu.Unlock()
		return ErrAlreadyStarted
	}
	i.started = true
	i.mu.Unlock()
	i.setState(state)
	return nil
}

// Stop requests a graceful stop. It is safe to call at any time and more than once.
func (i *Instance) Stop() {
	i.markCancelled()
	i.exec.Stop()
}

// Interrupt requests an immediate stop.
func (i *Instance) Interrupt() {
	i.markCancelled()
	i.exec.Interrupt()
}

func (i *Instance) markCancelled() {
	i.mu.Lock()
	i.cancelled = true
	i.mu.Unlock()
	i.stopOnce.Do(func() { close(i.stopped) })
}

func (i *Instance) isCancelled() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.cancelled
}

// setState records the state and notifies state observers. Nothing is recorded
// once the instance reached a terminal state.
func (i *Instance) setState(state domain.ExecutionState) bool {
	i.transitionMu.Lock()
	defer i.transitionMu.Unlock()

	i.mu.Lock()
	if i.lifecycle.State().IsTerminal() {
		i.mu.Unlock()
		return false
	}
	if !i.lifecycle.SetState(state, i.now()) {
		i.mu.Unlock()
		return false
	}
	info := i.createInfoLocked()
	i.mu.Unlock()

	if state.IsTerminal() {
		i.logger.Info("job instance finished", "state", state)
	} else {
		i.logger.Debug("job instance state changed", "state", state)
	}
	i.stateObservers.Notify(func(o domain.ExecutionStateObserver) { o.StateUpdate(info) })
	return true
}

func (i *Instance) State() domain.ExecutionState {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lifecycle.State()
}

func (i *Instance) Lifecycle() domain.ExecutionLifecycle {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lifecycle.Lifecycle()
}

// Status returns the execution status, falling back to the last output line.
func (i *Instance) Status() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.statusLocked()
}

func (i *Instance) statusLocked() string {
	if s := i.exec.Status(); s != "" {
		return s
	}
	if n := len(i.lastOutput); n > 0 {
		return i.lastOutput[n-1]
	}
	return ""
}

func (i *Instance) LastOutput() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]string(nil), i.lastOutput...)
}

func (i *Instance) Warnings() map[string]int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return maps.Clone(i.warnings)
}

func (i *Instance) ExecError() *domain.ExecutionError {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.execError.Clone()
}

func (i *Instance) CreateInfo() domain.JobInfo {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.createInfoLocked()
}

func (i *Instance) createInfoLocked() domain.JobInfo {
	return domain.JobInfo{
		ID:        i.id,
		Lifecycle: i.lifecycle.Lifecycle(),
		Status:    i.statusLocked(),
		Warnings:  maps.Clone(i.warnings),
		ExecError: i.execError.Clone(),
		Params:    maps.Clone(i.params),
	}
}

func (i *Instance) AddWarning(w domain.Warn) {
	i.addWarning(w, false)
}

func (i *Instance) AddWarningIfNotTerminal(w domain.Warn) bool {
	return i.addWarning(w, true)
}

func (i *Instance) addWarning(w domain.Warn, onlyIfNotTerminal bool) bool {
	i.mu.Lock()
	if onlyIfNotTerminal && i.lifecycle.State().IsTerminal() {
		i.mu.Unlock()
		return false
	}
	i.warnings[w.Name]++
	count := i.warnings[w.Name]
	info := i.createInfoLocked()
	i.mu.Unlock()

	i.logger.Warn("new warning", "warning", w.Name, "count", count, "params", w.Params)
	i.warningObservers.Notify(func(o domain.WarningObserver) {
		o.NewWarning(info, w, domain.WarnEventCtx{Count: count})
	})
	return true
}

func (i *Instance) AddStateObserver(o domain.ExecutionStateObserver) { i.stateObservers.Add(o) }

func (i *Instance) RemoveStateObserver(o domain.ExecutionStateObserver) {
	i.stateObservers.Remove(o)
}

func (i *Instance) AddWarningObserver(o domain.WarningObserver) { i.warningObservers.Add(o) }

func (i *Instance) RemoveWarningObserver(o domain.WarningObserver) {
	i.warningObservers.Remove(o)
}

func (i *Instance) AddOutputObserver(o domain.JobOutputObserver) { i.outputObservers.Add(o) }

func (i *Instance) RemoveOutputObserver(o domain.JobOutputObserver) {
	i.outputObservers.Remove(o)
}

// outputForwarder relays execution output to the instance's output observers.
type outputForwarder struct {
	instance *Instance
}

func (f *outputForwarder) ExecutionOutputUpdate(output string) {
	i := f.instance
	i.mu.Lock()
	i.lastOutput = append(i.lastOutput, output)
	if len(i.lastOutput) > lastOutputSize {
		i.lastOutput = i.lastOutput[len(i.lastOutput)-lastOutputSize:]
	}
	info := i.createInfoLocked()
	i.mu.Unlock()

	i.outputObservers.Notify(func(o domain.JobOutputObserver) { o.OutputUpdate(info, output) })
}
