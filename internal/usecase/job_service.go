package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"taro/internal/domain"
	httpexec "taro/internal/infra/http"
	"taro/internal/infra/shell"
	"taro/internal/logging"
	"taro/internal/persistence"
	"taro/internal/runner"
	"taro/internal/warning"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// ExecTimeWarning is the name of the warning raised by Job.Warnings.ExecTime.
	ExecTimeWarning = "exec_time"
	// OutputWarning is the name of the warning raised by Job.Warnings.Output.
	OutputWarning = "output_matches"
)

// Plugin observes every instance created by the service.
type Plugin interface {
	domain.ExecutionStateObserver
	domain.WarningObserver
}

// JobService creates and runs job instances and queries their history.
type JobService struct {
	manager *persistence.Manager
	plugins []Plugin
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time

	mu       sync.RWMutex
	disabled []domain.DisabledJob
}

// Option configures a JobService.
type Option func(*JobService)

func WithPlugins(plugins ...Plugin) Option {
	return func(s *JobService) { s.plugins = append(s.plugins, plugins...) }
}

func WithDisabledJobs(rules []domain.DisabledJob) Option {
	return func(s *JobService) { s.disabled = slices.Clone(rules) }
}

func WithClock(now func() time.Time) Option {
	return func(s *JobService) { s.now = now }
}

// NewJobService creates a new JobService instance.
func NewJobService(manager *persistence.Manager, logger *slog.Logger, opts ...Option) *JobService {
	s := &JobService{
		manager: manager,
		logger:  logger,
		tracer:  otel.Tracer("taro-usecase"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetDisabledJobs replaces the rules applied to instances created afterwards.
func (s *JobService) SetDisabledJobs(rules []domain.DisabledJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled = slices.Clone(rules)
}

// IsDisabled reports whether any active rule disables the job.
func (s *JobService) IsDisabled(jobID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	return slices.ContainsFunc(s.disabled, func(d domain.DisabledJob) bool { return d.Matches(jobID, now) })
}

// NewExecution creates the execution described by the job's executor.
func (s *JobService) NewExecution(job *domain.Job) (domain.Execution, error) {
	logger := s.logger.With("job_id", job.ID)
	switch job.ExecutorType {
	case domain.ExecutorTypeProgram, "":
		return shell.NewProgramExecution(job.Executor.Args, job.Executor.ReadOutput, logger), nil
	case domain.ExecutorTypeHTTP:
		return httpexec.NewHTTPExecution(job.Executor.Method, job.Executor.URL, job.RetryPolicy, logger), nil
	default:
		return nil, fmt.Errorf("job %s: invalid executor type: %s", job.ID, job.ExecutorType)
	}
}

// NewInstance creates an instance of the job with its warnings, history storage
// and plugins attached.
func (s *JobService) NewInstance(job *domain.Job, opts ...runner.Option) (*runner.Instance, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	exec, err := s.NewExecution(job)
	if err != nil {
		return nil, err
	}

	opts = append([]runner.Option{runner.WithLogger(s.logger), runner.WithParams(job.Properties)}, opts...)
	inst := runner.New(job.ID, exec, opts...)

	if job.Warnings.ExecTime > 0 {
		warning.ExecTimeExceeded(inst, ExecTimeWarning, job.Warnings.ExecTime)
	}
	if job.Warnings.Output != "" {
		if _, err := warning.OutputMatches(inst, OutputWarning, job.Warnings.Output); err != nil {
			return nil, err
		}
	}
	if s.manager != nil && s.manager.Enabled() {
		inst.AddStateObserver(persistence.StoreOnTerminal(s.manager, s.logger))
	}
	for _, p := range s.plugins {
		inst.AddStateObserver(p)
		inst.AddWarningObserver(p)
	}
	return inst, nil
}

// Run creates an instance of the job and runs it to a terminal state.
// Instances of disabled jobs end in DISABLED without executing.
func (s *JobService) Run(ctx context.Context, job *domain.Job, opts ...runner.Option) (*runner.Instance, error) {
	inst, err := s.NewInstance(job, opts...)
	if err != nil {
		return nil, err
	}
	return inst, s.RunInstance(ctx, inst)
}

// RunInstance runs an instance created by NewInstance.
func (s *JobService) RunInstance(ctx context.Context, inst *runner.Instance) error {
	ctx, span := s.tracer.Start(ctx, "service.Run", trace.WithAttributes(
		attribute.String("job.id", inst.ID().JobID),
		attribute.String("job.instance_id", inst.ID().InstanceID),
	))
	defer span.End()
	ctx = logging.ContextAttrs(ctx, slog.String("instance_id", inst.ID().InstanceID))

	if s.IsDisabled(inst.ID().JobID) {
		s.logger.Info("job disabled", "job_id", inst.ID().JobID)
		if err := inst.Skip(domain.StateDisabled); err != nil {
			span.RecordError(err)
			return err
		}
	} else {
		inst.Run(ctx)
	}

	state := inst.State()
	span.SetAttributes(attribute.String("execution.state", state.String()))
	if state.IsFailure() {
		span.SetStatus(codes.Error, "job instance failed")
	}
	return nil
}

// History lists stored job instances.
func (s *JobService) History(ctx context.Context, opts domain.ReadOptions) ([]domain.JobInfo, error) {
	ctx, span := s.tracer.Start(ctx, "service.History")
	defer span.End()
	span.SetAttributes(
		attribute.String("filter.id", opts.ID),
		attribute.String("sort", string(opts.Sort)),
		attribute.Int("limit", opts.Limit),
	)

	jobs, err := s.manager.ReadJobs(ctx, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read job history")
	}
	return jobs, err
}

// Clean removes history records exceeding the retention settings.
func (s *JobService) Clean(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "service.Clean")
	defer span.End()

	if err := s.manager.CleanUp(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to clean job history")
		return err
	}
	return nil
}

// Remove deletes history records matching the id pattern.
func (s *JobService) Remove(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "service.Remove")
	defer span.End()
	span.SetAttributes(attribute.String("filter.id", id))

	if err := s.manager.RemoveJob(ctx, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to remove job history")
		return err
	}
	return nil
}
