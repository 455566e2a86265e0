package main

import (
	"context"
	"time"

	"taro/internal/config"
	"taro/internal/scheduler"
	"taro/internal/usecase"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run configured jobs on their schedules until interrupted",
	Args:  cobra.NoArgs,
	RunE:  doSchedule,
}

func doSchedule(cmd *cobra.Command, _ []string) error {
	jobs, err := application.cfg.JobsToRun()
	if err != nil {
		return err
	}

	logger := application.logger
	cronScheduler := scheduler.New(application.service, logger)
	schedularService := usecase.NewSchedularService(cronScheduler, logger)

	if application.loader.File() != "" {
		application.loader.Watch(func(cfg *config.Config, err error) {
			if err != nil {
				logger.Error("ignoring invalid configuration change", "error", err)
				return
			}
			jobs, err := cfg.JobsToRun()
			if err != nil {
				logger.Error("ignoring invalid configuration change", "error", err)
				return
			}
			application.service.SetDisabledJobs(cfg.DisabledJobRules())
			n := schedularService.Load(jobs)
			logger.Info("configuration reloaded", "scheduled_jobs", n)
		})
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		return schedularService.Start(ctx, jobs)
	})
	if application.cfg.Metrics.Textfile != "" {
		g.Go(func() error {
			writeMetricsPeriodically(ctx, application.cfg.Metrics.Interval)
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func writeMetricsPeriodically(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			application.writeMetrics()
			return
		case <-ticker.C:
			application.writeMetrics()
		}
	}
}
