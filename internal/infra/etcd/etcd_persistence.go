// internal/infra/etcd/etcd_persistence.go
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"taro/internal/domain"
	"taro/internal/persistence"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	BackendName = "etcd"
	HistoryDir  = "/taro/history/"
	cleanupLock = "history-cleanup"
	// maxTxnOps stays below the default etcd --max-txn-ops of 128.
	maxTxnOps = 100
)

// Config configures the etcd backend.
type Config struct {
	Endpoints []string
	Timeout   time.Duration
}

type etcdPersistence struct {
	client *clientv3.Client
	locker domain.Locker
	logger *slog.Logger
	tracer trace.Tracer
	owned  bool
}

// Register adds the backend to the catalog. The client is created when the backend is loaded.
func Register(c *persistence.Catalog, cfg Config, logger *slog.Logger) {
	c.Register(BackendName, func() (domain.Persistence, error) {
		client, err := NewClient(cfg.Endpoints, cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		return newEtcdPersistence(client, logger, true), nil
	})
}

// NewEtcdPersistence creates a history backend storing one key per job instance
// under /taro/history/{job_id}/{instance_id}. The client stays owned by the caller.
func NewEtcdPersistence(client *clientv3.Client, logger *slog.Logger) domain.Persistence {
	return newEtcdPersistence(client, logger, false)
}

func newEtcdPersistence(client *clientv3.Client, logger *slog.Logger, owned bool) *etcdPersistence {
	return &etcdPersistence{
		client: client,
		locker: NewEtcdLocker(client),
		logger: logger.With("component", "etcd-persistence"),
		tracer: otel.Tracer("taro-etcd-persistence"),
		owned:  owned,
	}
}

func key(id domain.JobInstanceID) string {
	return path.Join(HistoryDir, id.JobID, id.InstanceID)
}

func (p *etcdPersistence) StoreJob(ctx context.Context, info domain.JobInfo) error {
	ctx, span := p.tracer.Start(ctx, "persistence.etcd.StoreJob")
	defer span.End()

	infoJSON, err := json.Marshal(info)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal job info")
		return fmt.Errorf("failed to marshal job %s to JSON: %w", info.ID, err)
	}

	k := key(info.ID)
	span.SetAttributes(
		attribute.String("job.id", info.JobID()),
		attribute.String("job.instance_id", info.InstanceID()),
		attribute.String("etcd.key", k),
	)

	if _, err := p.client.Put(ctx, k, string(infoJSON)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put job info to etcd")
		return fmt.Errorf("failed to save job %s to etcd: %w", info.ID, err)
	}
	return nil
}

// readAll loads every stored job. Entries that cannot be decoded are skipped.
func (p *etcdPersistence) readAll(ctx context.Context) ([]domain.JobInfo, error) {
	resp, err := p.client.Get(ctx, HistoryDir, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list job history from etcd: %w", err)
	}

	jobs := make([]domain.JobInfo, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var info domain.JobInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			p.logger.Warn("failed to unmarshal job info from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		jobs = append(jobs, info)
	}
	return jobs, nil
}

func (p *etcdPersistence) ReadJobs(ctx context.Context, opts domain.ReadOptions) ([]domain.JobInfo, error) {
	ctx, span := p.tracer.Start(ctx, "persistence.etcd.ReadJobs",
		trace.WithAttributes(attribute.String("filter.id", opts.ID)))
	defer span.End()

	all, err := p.readAll(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read job history")
		return nil, err
	}
	jobs := persistence.Query(all, opts)
	span.SetAttributes(attribute.Int("records_returned", len(jobs)))
	return jobs, nil
}

func (p *etcdPersistence) RemoveJob(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	all, err := p.readAll(ctx)
	if err != nil {
		return err
	}
	var matched []domain.JobInfo
	for _, j := range all {
		if j.Matches(id) {
			matched = append(matched, j)
		}
	}
	return p.delete(ctx, matched)
}

// CleanUp removes old records. Only one process cleans a shared store at a time;
// when another one holds the lock the cleanup is skipped.
func (p *etcdPersistence) CleanUp(ctx context.Context, maxRecords int, maxAge time.Duration) error {
	ctx, span := p.tracer.Start(ctx, "persistence.etcd.CleanUp")
	defer span.End()

	lock, err := p.locker.Lock(ctx, cleanupLock)
	if errors.Is(err, domain.ErrLockNotAcquired) {
		p.logger.Debug("history cleanup already running elsewhere")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer func() {
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			p.logger.Warn("failed to release cleanup lock", "error", err)
		}
	}()

	all, err := p.readAll(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	victims := persistence.Victims(all, maxRecords, maxAge, time.Now())
	span.SetAttributes(attribute.Int("records_removed", len(victims)))
	return p.delete(ctx, victims)
}

func (p *etcdPersistence) delete(ctx context.Context, jobs []domain.JobInfo) error {
	for start := 0; start < len(jobs); start += maxTxnOps {
		end := min(start+maxTxnOps, len(jobs))
		ops := make([]clientv3.Op, 0, end-start)
		for _, j := range jobs[start:end] {
			ops = append(ops, clientv3.OpDelete(key(j.ID)))
		}
		if _, err := p.client.Txn(ctx).Then(ops...).Commit(); err != nil {
			return fmt.Errorf("failed to delete job history from etcd: %w", err)
		}
	}
	return nil
}

func (p *etcdPersistence) Close() error {
	if !p.owned {
		return nil
	}
	return p.client.Close()
}
