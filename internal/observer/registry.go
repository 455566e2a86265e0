// internal/observer/registry.go
package observer

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

// Registry is a set of observers notified in registration order.
// Delivery happens on the caller's goroutine; a panicking observer is logged
// and does not prevent delivery to the others.
type Registry[O any] struct {
	mu        sync.RWMutex
	observers []O
	logger    *slog.Logger
}

func NewRegistry[O any](logger *slog.Logger) *Registry[O] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry[O]{logger: logger}
}

// Add registers the observer. Adding an already registered observer is a no-op.
// Observers must be comparable (typically pointers).
func (r *Registry[O]) Add(o O) bool {
	if !isComparable(o) {
		r.logger.Warn("unsupported observer", "type", fmt.Sprintf("%T", o))
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.observers {
		if any(existing) == any(o) {
			return false
		}
	}
	r.observers = append(r.observers, o)
	return true
}

// Remove unregisters the observer. Removing an unknown observer is a no-op.
func (r *Registry[O]) Remove(o O) {
	if !isComparable(o) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.observers {
		if any(existing) == any(o) {
			r.observers = append(r.observers[:i:i], r.observers[i+1:]...)
			return
		}
	}
}

func (r *Registry[O]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}

// Notify delivers to a snapshot of the registered observers.
func (r *Registry[O]) Notify(deliver func(O)) {
	r.mu.RLock()
	snapshot := append([]O(nil), r.observers...)
	r.mu.RUnlock()

	for _, o := range snapshot {
		r.safeDeliver(o, deliver)
	}
}

func (r *Registry[O]) safeDeliver(o O, deliver func(O)) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("observer failed", "observer", fmt.Sprintf("%T", o), "panic", rec)
		}
	}()
	deliver(o)
}

func isComparable(o any) bool {
	if o == nil {
		return false
	}
	v := reflect.ValueOf(o)
	if v.Kind() == reflect.Pointer && v.IsNil() {
		return false
	}
	return v.Type().Comparable()
}
