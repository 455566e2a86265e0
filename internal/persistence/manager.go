// internal/persistence/manager.go
package persistence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"taro/internal/domain"

	"github.com/cockroachdb/errors"
)

var (
	ErrPersistenceDisabled = errors.New("persistence is disabled")
	ErrPersistenceNotFound = errors.New("persistence backend not found")
	ErrEmptyJobPattern     = errors.New("job id pattern must not be empty")
)

// Settings controls which backend is used and how much history is retained.
type Settings struct {
	Enabled bool
	Type    string
	// MaxAge is an ISO-8601 duration; empty keeps records regardless of age.
	MaxAge string
	// MaxRecords caps the number of stored records; negative means unlimited.
	MaxRecords int
}

// Manager owns the active backend. The backend is created on first use and
// cached; switching to another backend closes the cached one first.
type Manager struct {
	catalog *Catalog
	logger  *slog.Logger

	mu       sync.RWMutex
	settings Settings
	backends map[string]domain.Persistence
}

func NewManager(catalog *Catalog, settings Settings, logger *slog.Logger) *Manager {
	return &Manager{
		catalog:  catalog,
		settings: settings,
		logger:   logger.With("component", "persistence"),
		backends: make(map[string]domain.Persistence),
	}
}

func (m *Manager) Settings() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// Enabled reports whether a real backend is configured.
func (m *Manager) Enabled() bool {
	return m.Settings().Enabled
}

// SwitchBackend selects another backend name. It is loaded on next use.
func (m *Manager) SwitchBackend(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings.Type = name
}

// backend returns the cached backend for the configured type, loading it when needed.
func (m *Manager) backend() (domain.Persistence, error) {
	m.mu.RLock()
	if !m.settings.Enabled {
		m.mu.RUnlock()
		return noPersistence{}, nil
	}
	if b, ok := m.backends[m.settings.Type]; ok {
		m.mu.RUnlock()
		return b, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	name := m.settings.Type
	if b, ok := m.backends[name]; ok {
		return b, nil
	}

	factory, ok := m.catalog.Lookup(name)
	if !ok {
		return nil, errors.WithHintf(
			errors.Wrapf(ErrPersistenceNotFound, "type %q", name),
			"available backends: %v", m.catalog.Names())
	}

	for other, b := range m.backends {
		if err := b.Close(); err != nil {
			m.logger.Warn("failed to close persistence backend", "type", other, "error", err)
		}
		delete(m.backends, other)
	}

	b, err := factory()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load persistence backend %q", name)
	}
	m.backends[name] = b
	m.logger.Debug("persistence backend loaded", "type", name)
	return b, nil
}

func (m *Manager) ReadJobs(ctx context.Context, opts domain.ReadOptions) ([]domain.JobInfo, error) {
	b, err := m.backend()
	if err != nil {
		return nil, err
	}
	return b.ReadJobs(ctx, opts)
}

// NumOfJob counts the stored instances matching the id pattern.
func (m *Manager) NumOfJob(ctx context.Context, id string) (int, error) {
	jobs, err := m.ReadJobs(ctx, domain.ReadOptions{ID: id, Limit: -1})
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}

// StoreJob stores the job and applies the retention settings. Cleanup failures
// are logged and do not fail the store.
func (m *Manager) StoreJob(ctx context.Context, info domain.JobInfo) error {
	b, err := m.backend()
	if err != nil {
		return err
	}
	if err := b.StoreJob(ctx, info); err != nil {
		return errors.Wrapf(err, "failed to store job %s", info.ID)
	}
	if err := m.cleanUp(ctx, b); err != nil {
		m.logger.Warn("history cleanup failed", "error", err)
	}
	return nil
}

// RemoveJob deletes the stored instances matching the id pattern. An empty
// pattern is rejected; it would match the whole history.
func (m *Manager) RemoveJob(ctx context.Context, id string) error {
	b, err := m.backend()
	if err != nil {
		return err
	}
	if id == "" {
		return errors.WithHint(ErrEmptyJobPattern, "use clean to apply the retention settings instead")
	}
	return b.RemoveJob(ctx, id)
}

// CleanUp applies the retention settings.
func (m *Manager) CleanUp(ctx context.Context) error {
	if !m.Enabled() {
		return disabledError()
	}
	b, err := m.backend()
	if err != nil {
		return err
	}
	return m.cleanUp(ctx, b)
}

func (m *Manager) cleanUp(ctx context.Context, b domain.Persistence) error {
	s := m.Settings()
	maxRecords := s.MaxRecords
	var maxAge time.Duration
	if s.MaxAge != "" {
		d, err := ParseISODuration(s.MaxAge)
		if err != nil {
			m.logger.Warn("invalid persistence max_age, age based cleanup skipped", "max_age", s.MaxAge, "error", err)
		} else {
			maxAge = d
		}
	}
	if maxRecords < 0 && maxAge == 0 {
		return nil
	}
	return b.CleanUp(ctx, maxRecords, maxAge)
}

// Close releases the cached backend. It is safe to call more than once; a later
// operation loads the backend again.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for name, b := range m.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, errors.Wrapf(err, "failed to close persistence backend %q", name))
		}
		delete(m.backends, name)
	}
	return errors.Join(errs...)
}

// noPersistence is used when persistence is disabled. Every operation fails.
type noPersistence struct{}

func disabledError() error {
	return errors.WithHint(ErrPersistenceDisabled,
		"enable it with persistence.enabled: true in the configuration file")
}

func (noPersistence) ReadJobs(context.Context, domain.ReadOptions) ([]domain.JobInfo, error) {
	return nil, disabledError()
}

func (noPersistence) StoreJob(context.Context, domain.JobInfo) error { return disabledError() }

func (noPersistence) RemoveJob(context.Context, string) error { return disabledError() }

func (noPersistence) CleanUp(context.Context, int, time.Duration) error { return disabledError() }

func (noPersistence) Close() error { return nil }
