package persistence

import (
	"slices"
	"sync"

	"taro/internal/domain"
)

// Factory creates a backend instance.
type Factory func() (domain.Persistence, error)

// Catalog maps backend names to their factories.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name.
func (c *Catalog) Register(name string, f Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[name] = f
}

func (c *Catalog) Lookup(name string) (Factory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.factories[name]
	return f, ok
}

// Names returns the registered backend names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.factories))
	for n := range c.factories {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
