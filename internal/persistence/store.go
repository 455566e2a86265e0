package persistence

import (
	"context"
	"log/slog"
	"time"

	"taro/internal/domain"
)

const storeTimeout = 10 * time.Second

// StoreObserver stores job instances once they reach a terminal state.
type StoreObserver struct {
	manager *Manager
	logger  *slog.Logger
}

func StoreOnTerminal(manager *Manager, logger *slog.Logger) *StoreObserver {
	return &StoreObserver{manager: manager, logger: logger.With("component", "persistence-observer")}
}

func (o *StoreObserver) StateUpdate(info domain.JobInfo) {
	if !info.State().IsTerminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := o.manager.StoreJob(ctx, info); err != nil {
		o.logger.Error("failed to store job instance", "job_id", info.JobID(), "instance_id", info.InstanceID(), "error", err)
	}
}
