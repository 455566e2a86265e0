// internal/scheduler/cron_scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"taro/internal/domain"
	"taro/internal/runner"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// parser accepts standard five field expressions, an optional leading seconds
// field and descriptors such as @hourly or @every 5m.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a schedule expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// JobRunner runs a single instance of a job.
type JobRunner interface {
	Run(ctx context.Context, job *domain.Job, opts ...runner.Option) (*runner.Instance, error)
}

// cronScheduler triggers jobs at the right time and hands them to the runner.
type cronScheduler struct {
	cron   *cron.Cron
	runner JobRunner
	logger *slog.Logger
	tracer trace.Tracer

	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]cron.EntryID
}

func New(runner JobRunner, logger *slog.Logger) domain.Schedular {
	logger = logger.With("component", "cron-scheduler")
	return &cronScheduler{
		cron:   cron.New(cron.WithParser(parser), cron.WithLogger(cronLogger{logger})),
		runner: runner,
		logger: logger,
		tracer: otel.Tracer("taro-scheduler"),
		ctx:    context.Background(),
		jobs:   make(map[string]cron.EntryID),
	}
}

// Start runs the scheduler until ctx is done, then waits for running jobs.
// Running jobs see the cancellation through their context.
func (s *cronScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.logger.Info("cron scheduler started", "jobs", len(s.Jobs()))
	s.cron.Start()
	<-ctx.Done()
	s.logger.Info("cron scheduler stopping...")
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("cron scheduler stopped")
	return ctx.Err()
}

// AddJob schedules a job, replacing a job with the same id.
func (s *cronScheduler) AddJob(job *domain.Job) error {
	if job.Schedule == "" {
		return fmt.Errorf("job %s has no schedule", job.ID)
	}
	if err := job.Validate(); err != nil {
		return err
	}
	schedule, err := ParseSchedule(job.Schedule)
	if err != nil {
		s.logger.Error("invalid job schedule", "job_id", job.ID, "schedule", job.Schedule, "error", err)
		return fmt.Errorf("job %s: invalid schedule %q: %w", job.ID, job.Schedule, err)
	}

	var wrapped cron.Job = &cronJobWrapper{
		job:       job,
		scheduler: s,
		logger:    s.logger.With("job_id", job.ID),
	}
	if job.ConcurrencyPolicy == domain.ConcurrencyPolicyForbid {
		wrapped = cron.NewChain(cron.SkipIfStillRunning(cronLogger{s.logger.With("job_id", job.ID)})).Then(wrapped)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.jobs[job.ID]; ok {
		s.cron.Remove(entryID)
	}
	s.jobs[job.ID] = s.cron.Schedule(schedule, wrapped)
	s.logger.Info("added job to scheduler", "job_id", job.ID, "schedule", job.Schedule)
	return nil
}

// RemoveJob removes a job from the scheduler. Unknown ids are ignored.
func (s *cronScheduler) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.jobs[id]; ok {
		s.cron.Remove(entryID)
		delete(s.jobs, id)
		s.logger.Info("removed job from scheduler", "job_id", id)
	}
	return nil
}

// Jobs returns the ids of scheduled jobs in sorted order.
func (s *cronScheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.jobs))
}

func (s *cronScheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

type cronJobWrapper struct {
	job       *domain.Job
	scheduler *cronScheduler
	logger    *slog.Logger
}

// Run is called by the cron library on every tick.
func (w *cronJobWrapper) Run() {
	ctx := w.scheduler.baseContext()
	if ctx.Err() != nil {
		return
	}
	ctx, span := w.scheduler.tracer.Start(ctx, "scheduler.Trigger",
		trace.WithAttributes(attribute.String("job.id", w.job.ID)))
	defer span.End()

	w.logger.Info("triggering job")
	inst, err := w.scheduler.runner.Run(ctx, w.job)
	if err != nil {
		w.logger.Error("failed to run job", "error", err)
		span.RecordError(err)
		return
	}
	span.SetAttributes(attribute.String("execution.state", inst.State().String()))
}

// cronLogger adapts slog to the cron library logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
