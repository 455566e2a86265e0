package usecase

import (
	"context"
	"log/slog"
	"sync"

	"taro/internal/domain"
)

// SchedularService keeps the scheduler in sync with the configured jobs.
type SchedularService struct {
	schedular domain.Schedular
	logger    *slog.Logger

	mu   sync.Mutex
	jobs map[string]domain.Job
}

func NewSchedularService(schedular domain.Schedular, logger *slog.Logger) *SchedularService {
	return &SchedularService{
		schedular: schedular,
		logger:    logger.With("component", "schedular-service"),
		jobs:      make(map[string]domain.Job),
	}
}

// Load schedules every job with a schedule and unschedules jobs no longer present.
// Jobs that cannot be scheduled are logged and skipped. It returns the number of
// scheduled jobs.
func (s *SchedularService) Load(jobs []domain.Job) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]domain.Job, len(jobs))
	for _, j := range jobs {
		if j.Schedule != "" {
			wanted[j.ID] = j
		}
	}

	for id := range s.jobs {
		if _, ok := wanted[id]; !ok {
			_ = s.schedular.RemoveJob(id)
			delete(s.jobs, id)
		}
	}
	for id, j := range wanted {
		if err := s.schedular.AddJob(&j); err != nil {
			s.logger.Error("failed to schedule job", "job_id", id, "error", err)
			_ = s.schedular.RemoveJob(id)
			delete(s.jobs, id)
			continue
		}
		s.jobs[id] = j
	}
	return len(s.jobs)
}

// Start loads the jobs and runs the scheduler until ctx is done.
func (s *SchedularService) Start(ctx context.Context, jobs []domain.Job) error {
	n := s.Load(jobs)
	s.logger.Info("scheduler service starting", "scheduled_jobs", n)
	return s.schedular.Start(ctx)
}
