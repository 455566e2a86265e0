// internal/infra/shell/program_execution.go
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"taro/internal/domain"
	"taro/internal/observer"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// readerJoinTimeout bounds how long Execute waits for the output reader after
// the process exited. A descendant still holding the pipe would block it forever.
const readerJoinTimeout = time.Second

// ProgramExecution runs an external program synchronously.
type ProgramExecution struct {
	args       []string
	readOutput bool
	logger     *slog.Logger
	tracer     trace.Tracer
	observers  *observer.Registry[domain.ExecutionOutputObserver]

	mu          sync.Mutex
	cmd         *exec.Cmd
	status      string
	stopped     bool
	interrupted bool
}

var _ domain.OutputExecution = (*ProgramExecution)(nil)

// NewProgramExecution creates an execution of args[0] with the remaining arguments.
// With readOutput the combined stdout and stderr is published line by line;
// otherwise the program inherits the standard streams.
func NewProgramExecution(args []string, readOutput bool, logger *slog.Logger) *ProgramExecution {
	logger = logger.With("executor_type", "program")
	return &ProgramExecution{
		args:       append([]string(nil), args...),
		readOutput: readOutput,
		logger:     logger,
		tracer:     otel.Tracer("taro-program-execution"),
		observers:  observer.NewRegistry[domain.ExecutionOutputObserver](logger),
	}
}

func (e *ProgramExecution) IsAsync() bool { return false }

// Execute runs the program until it exits.
func (e *ProgramExecution) Execute(ctx context.Context) (domain.ExecutionState, error) {
	ctx, span := e.tracer.Start(ctx, "execution.program.Execute",
		trace.WithAttributes(attribute.String("program.args", strings.Join(e.args, " "))))
	defer span.End()

	state, err := e.execute(ctx)
	span.SetAttributes(attribute.String("execution.state", state.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "program execution failed")
	}
	return state, err
}

func (e *ProgramExecution) execute(ctx context.Context) (domain.ExecutionState, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return domain.StateStopped, nil
	}
	if e.interrupted {
		e.mu.Unlock()
		return domain.StateInterrupted, nil
	}
	if len(e.args) == 0 {
		e.mu.Unlock()
		return domain.StateNone, domain.MustExecutionError("no program to execute", domain.StateFailed, nil)
	}

	cmd := exec.Command(e.args[0], e.args[1:]...)
	var reader, writer *os.File
	if e.readOutput {
		var err error
		reader, writer, err = os.Pipe()
		if err != nil {
			e.mu.Unlock()
			return domain.StateNone, domain.MustExecutionError("failed to create output pipe", domain.StateFailed, nil).WithCause(err)
		}
		cmd.Stdout, cmd.Stderr = writer, writer
	} else {
		cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	}

	e.logger.InfoContext(ctx, "starting program", "program", e.args[0], "args", e.args[1:])
	if err := cmd.Start(); err != nil {
		e.mu.Unlock()
		if reader != nil {
			_ = reader.Close()
			_ = writer.Close()
		}
		return domain.StateNone, domain.MustExecutionError(err.Error(), domain.StateFailed,
			map[string]any{"program": e.args[0]}).WithCause(err)
	}
	e.cmd = cmd
	e.mu.Unlock()

	var readerDone chan struct{}
	if reader != nil {
		// the child holds its own copy of the write end
		_ = writer.Close()
		readerDone = make(chan struct{})
		go e.read(reader, readerDone)
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waitDone:
	case <-ctx.Done():
		e.logger.InfoContext(ctx, "context done, killing program", "error", ctx.Err())
		e.Interrupt()
		waitErr = <-waitDone
	}

	if reader != nil {
		select {
		case <-readerDone:
		case <-time.After(readerJoinTimeout):
			e.logger.Warn("output reader still running after program exit")
		}
		_ = reader.Close()
		<-readerDone
	}

	return e.classify(waitErr)
}

func (e *ProgramExecution) classify(waitErr error) (domain.ExecutionState, error) {
	if waitErr == nil {
		e.logger.Info("program completed", "program", e.args[0])
		return domain.StateCompleted, nil
	}

	e.mu.Lock()
	stopped, interrupted := e.stopped, e.interrupted
	e.mu.Unlock()
	switch {
	case stopped:
		return domain.StateStopped, nil
	case interrupted:
		return domain.StateInterrupted, nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code := exitErr.ExitCode()
		e.logger.Warn("program failed", "program", e.args[0], "exit_code", code)
		return domain.StateNone, domain.MustExecutionError(fmt.Sprintf("process returned non-zero code %d", code),
			domain.StateFailed, map[string]any{"exit_code": code})
	}
	return domain.StateNone, domain.MustExecutionError(waitErr.Error(), domain.StateFailed, nil).WithCause(waitErr)
}

func (e *ProgramExecution) read(r *os.File, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		e.mu.Lock()
		e.status = line
		e.mu.Unlock()
		e.observers.Notify(func(o domain.ExecutionOutputObserver) { o.ExecutionOutputUpdate(line) })
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		e.logger.Warn("failed to read program output", "error", err)
	}
}

// Status returns the last output line.
func (e *ProgramExecution) Status() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Stop asks the program to terminate. Before start it prevents the program from running.
func (e *ProgramExecution) Stop() {
	e.mu.Lock()
	e.stopped = true
	cmd := e.cmd
	e.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
}

// Interrupt kills the program.
func (e *ProgramExecution) Interrupt() {
	e.mu.Lock()
	e.interrupted = true
	cmd := e.cmd
	e.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func (e *ProgramExecution) AddOutputObserver(o domain.ExecutionOutputObserver) {
	e.observers.Add(o)
}

func (e *ProgramExecution) RemoveOutputObserver(o domain.ExecutionOutputObserver) {
	e.observers.Remove(o)
}
