// internal/infra/sqlite/sqlite_persistence.go
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taro/internal/domain"
	"taro/internal/persistence"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"
)

const (
	BackendName = "sqlite"
	driverName  = "sqlite"
)

// Config locates the history database.
type Config struct {
	// Path is a filesystem path or ":memory:". Empty selects the default location.
	Path string
}

// DefaultPath returns ~/.local/share/taro/jobs.db.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "jobs.db"
	}
	return filepath.Join(home, ".local", "share", "taro", "jobs.db")
}

type sqlitePersistence struct {
	db     *sql.DB
	logger *slog.Logger
	tracer trace.Tracer
}

// Register adds the backend to the catalog.
func Register(c *persistence.Catalog, cfg Config, logger *slog.Logger) {
	c.Register(BackendName, func() (domain.Persistence, error) {
		return NewSQLitePersistence(context.Background(), cfg, logger)
	})
}

// NewSQLitePersistence opens the database and creates the schema when missing.
func NewSQLitePersistence(ctx context.Context, cfg Config, logger *slog.Logger) (domain.Persistence, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return newSQLitePersistence(db, logger), nil
}

func newSQLitePersistence(db *sql.DB, logger *slog.Logger) *sqlitePersistence {
	return &sqlitePersistence{
		db:     db,
		logger: logger.With("component", "sqlite-persistence"),
		tracer: otel.Tracer("taro-sqlite-persistence"),
	}
}

// Open opens (and creates if needed) the SQLite database.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = DefaultPath()
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = "file:" + filepath.Clean(path)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// one connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}
	if path != ":memory:" {
		for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("configure sqlite (%s): %w", pragma, err)
			}
		}
	}
	return db, nil
}

// Migrate creates the history schema in-place.
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS history (
			job_id TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			created INTEGER NOT NULL,
			finished INTEGER,
			exec_time INTEGER,
			state TEXT NOT NULL,
			info TEXT NOT NULL,
			PRIMARY KEY (job_id, instance_id)
		);`,
		`CREATE INDEX IF NOT EXISTS history_created ON history(created);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate history schema: %w", err)
		}
	}
	return tx.Commit()
}

var orderColumns = map[domain.SortCriteria]string{
	domain.SortCreated:  "created",
	domain.SortFinished: "COALESCE(finished, 0)",
	domain.SortTime:     "COALESCE(exec_time, 0)",
}

func (p *sqlitePersistence) ReadJobs(ctx context.Context, opts domain.ReadOptions) ([]domain.JobInfo, error) {
	ctx, span := p.tracer.Start(ctx, "persistence.sqlite.ReadJobs",
		trace.WithAttributes(attribute.String("filter.id", opts.ID)))
	defer span.End()

	if opts.ID != "" {
		// id patterns are globs on either part of the id; filter in Go
		all, err := p.query(ctx, "SELECT info FROM history")
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to read history")
			return nil, err
		}
		return persistence.Query(all, opts), nil
	}

	column, ok := orderColumns[opts.Sort]
	if !ok {
		column = orderColumns[domain.SortCreated]
	}
	direction := "DESC"
	if opts.Asc {
		direction = "ASC"
	}
	source := "history"
	if opts.Last {
		source = `(SELECT *, ROW_NUMBER() OVER (PARTITION BY job_id ORDER BY created DESC) AS rn
			FROM history) WHERE rn = 1`
	}
	q := fmt.Sprintf("SELECT info FROM %s ORDER BY %s %s, created %s", source, column, direction, direction)
	args := []any{}
	if opts.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	jobs, err := p.query(ctx, q, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read history")
		return nil, err
	}
	span.SetAttributes(attribute.Int("records_returned", len(jobs)))
	return jobs, nil
}

func (p *sqlitePersistence) query(ctx context.Context, q string, args ...any) ([]domain.JobInfo, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var jobs []domain.JobInfo
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		var info domain.JobInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			p.logger.Warn("failed to unmarshal stored job", "error", err)
			continue
		}
		jobs = append(jobs, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history rows: %w", err)
	}
	return jobs, nil
}

func (p *sqlitePersistence) StoreJob(ctx context.Context, info domain.JobInfo) error {
	ctx, span := p.tracer.Start(ctx, "persistence.sqlite.StoreJob",
		trace.WithAttributes(
			attribute.String("job.id", info.JobID()),
			attribute.String("job.instance_id", info.InstanceID()),
		))
	defer span.End()

	raw, err := json.Marshal(info)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal job %s: %w", info.ID, err)
	}

	created, _ := info.Lifecycle.Created()
	var finished, execTime sql.NullInt64
	if t, ok := info.Lifecycle.ExecutionFinished(); ok {
		finished = sql.NullInt64{Int64: t.UnixNano(), Valid: true}
	}
	if d, ok := info.Lifecycle.ExecutionTime(time.Now()); ok {
		execTime = sql.NullInt64{Int64: int64(d), Valid: true}
	}

	_, err = p.db.ExecContext(ctx, `INSERT INTO history (job_id, instance_id, created, finished, exec_time, state, info)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, instance_id) DO UPDATE SET
			created = excluded.created,
			finished = excluded.finished,
			exec_time = excluded.exec_time,
			state = excluded.state,
			info = excluded.info`,
		info.JobID(), info.InstanceID(), created.UnixNano(), finished, execTime, info.State().String(), string(raw))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to insert history row")
		return fmt.Errorf("failed to store job %s: %w", info.ID, err)
	}
	return nil
}

func (p *sqlitePersistence) RemoveJob(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	rows, err := p.db.QueryContext(ctx, "SELECT job_id, instance_id FROM history")
	if err != nil {
		return fmt.Errorf("failed to list history ids: %w", err)
	}
	var matched []domain.JobInstanceID
	for rows.Next() {
		var jid domain.JobInstanceID
		if err := rows.Scan(&jid.JobID, &jid.InstanceID); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan history id: %w", err)
		}
		if jid.MatchesPattern(id) {
			matched = append(matched, jid)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate history ids: %w", err)
	}
	if len(matched) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, jid := range matched {
		if _, err := tx.ExecContext(ctx, "DELETE FROM history WHERE job_id = ? AND instance_id = ?", jid.JobID, jid.InstanceID); err != nil {
			return fmt.Errorf("failed to remove job %s: %w", jid, err)
		}
	}
	return tx.Commit()
}

func (p *sqlitePersistence) CleanUp(ctx context.Context, maxRecords int, maxAge time.Duration) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var removed int64
	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge).UnixNano()
		res, err := tx.ExecContext(ctx, "DELETE FROM history WHERE COALESCE(finished, created) < ?", cutoff)
		if err != nil {
			return fmt.Errorf("failed to clean up history by age: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if maxRecords >= 0 {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM history WHERE rowid IN (SELECT rowid FROM history ORDER BY created DESC LIMIT -1 OFFSET ?)",
			maxRecords)
		if err != nil {
			return fmt.Errorf("failed to clean up history by count: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cleanup: %w", err)
	}
	if removed > 0 {
		p.logger.Debug("history cleaned up", "removed", removed)
	}
	return nil
}

func (p *sqlitePersistence) Close() error {
	if err := p.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}
