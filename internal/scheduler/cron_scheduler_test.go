package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"taro/internal/domain"
	"taro/internal/runner"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRunner struct {
	runs    atomic.Int32
	hold    time.Duration
	lastCtx atomic.Pointer[context.Context]
}

func (r *countingRunner) Run(ctx context.Context, job *domain.Job, _ ...runner.Option) (*runner.Instance, error) {
	r.runs.Add(1)
	r.lastCtx.Store(&ctx)
	select {
	case <-time.After(r.hold):
	case <-ctx.Done():
	}
	return runner.New(job.ID, nil), nil
}

func job(id, schedule string) *domain.Job {
	return &domain.Job{ID: id, Schedule: schedule, Executor: domain.JobExecutor{Args: []string{"true"}}}
}

func TestParseSchedule(t *testing.T) {
	for _, expr := range []string{"*/5 * * * *", "0 */5 * * * *", "@hourly", "@every 1m"} {
		_, err := ParseSchedule(expr)
		assert.NoError(t, err, expr)
	}
	_, err := ParseSchedule("not a schedule")
	assert.Error(t, err)
}

func TestAddAndRemoveJobs(t *testing.T) {
	s := New(&countingRunner{}, slog.Default())

	require.NoError(t, s.AddJob(job("b", "@hourly")))
	require.NoError(t, s.AddJob(job("a", "@daily")))
	require.NoError(t, s.AddJob(job("a", "@hourly")))
	assert.Equal(t, []string{"a", "b"}, s.Jobs())

	require.NoError(t, s.RemoveJob("a"))
	require.NoError(t, s.RemoveJob("unknown"))
	assert.Equal(t, []string{"b"}, s.Jobs())
}

func TestAddJobRejectsInvalid(t *testing.T) {
	s := New(&countingRunner{}, slog.Default())

	assert.Error(t, s.AddJob(job("no-schedule", "")))
	assert.Error(t, s.AddJob(job("bad", "61 * * * *")))
	assert.Error(t, s.AddJob(&domain.Job{ID: "no-args", Schedule: "@hourly"}))
	assert.Empty(t, s.Jobs())
}

func TestTriggersJobs(t *testing.T) {
	r := &countingRunner{}
	s := New(r, slog.Default())
	require.NoError(t, s.AddJob(job("tick", "@every 1s")))

	ctx, cancel := context.WithTimeout(t.Context(), 2500*time.Millisecond)
	defer cancel()
	err := s.Start(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, r.runs.Load(), int32(2))
}

func TestForbidSkipsOverlappingRuns(t *testing.T) {
	r := &countingRunner{hold: 5 * time.Second}
	s := New(r, slog.Default())
	j := job("slow", "@every 1s")
	j.ConcurrencyPolicy = domain.ConcurrencyPolicyForbid
	require.NoError(t, s.AddJob(j))

	ctx, cancel := context.WithTimeout(t.Context(), 2500*time.Millisecond)
	defer cancel()
	_ = s.Start(ctx)

	assert.Equal(t, int32(1), r.runs.Load())
	last := r.lastCtx.Load()
	require.NotNil(t, last)
	assert.Error(t, (*last).Err(), "running jobs see the scheduler shutdown")
}
