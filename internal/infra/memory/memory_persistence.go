// Package memory provides a volatile persistence backend.
package memory

import (
	"context"
	"sync"
	"time"

	"taro/internal/domain"
	"taro/internal/persistence"
)

const BackendName = "memory"

type memoryPersistence struct {
	mu   sync.RWMutex
	jobs []domain.JobInfo
	now  func() time.Time
}

// NewMemoryPersistence creates an empty in-memory backend.
func NewMemoryPersistence() domain.Persistence {
	return &memoryPersistence{now: time.Now}
}

// Register adds the backend to the catalog.
func Register(c *persistence.Catalog) {
	c.Register(BackendName, func() (domain.Persistence, error) {
		return NewMemoryPersistence(), nil
	})
}

func (p *memoryPersistence) ReadJobs(_ context.Context, opts domain.ReadOptions) ([]domain.JobInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return persistence.Query(p.jobs, opts), nil
}

// StoreJob stores the job, replacing a stored instance with the same id.
func (p *memoryPersistence) StoreJob(_ context.Context, info domain.JobInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, j := range p.jobs {
		if j.ID == info.ID {
			p.jobs[i] = info
			return nil
		}
	}
	p.jobs = append(p.jobs, info)
	return nil
}

func (p *memoryPersistence) RemoveJob(_ context.Context, id string) error {
	if id == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.jobs[:0]
	for _, j := range p.jobs {
		if !j.Matches(id) {
			kept = append(kept, j)
		}
	}
	clear(p.jobs[len(kept):])
	p.jobs = kept
	return nil
}

func (p *memoryPersistence) CleanUp(_ context.Context, maxRecords int, maxAge time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	victims := persistence.Victims(p.jobs, maxRecords, maxAge, p.now())
	if len(victims) == 0 {
		return nil
	}
	remove := make(map[domain.JobInstanceID]struct{}, len(victims))
	for _, v := range victims {
		remove[v.ID] = struct{}{}
	}
	kept := make([]domain.JobInfo, 0, len(p.jobs)-len(remove))
	for _, j := range p.jobs {
		if _, ok := remove[j.ID]; !ok {
			kept = append(kept, j)
		}
	}
	p.jobs = kept
	return nil
}

func (p *memoryPersistence) Close() error { return nil }
