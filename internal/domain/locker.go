// internal/domain/locker.go
package domain

import (
	"context"
	"errors"
)

// ErrLockNotAcquired is returned when a lock is already held by another process.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Lock represents an acquired lock.
type Lock interface {
	// Unlock releases the lock.
	Unlock(ctx context.Context) error
}

// Locker guards maintenance work shared by several processes, such as history
// cleanup on a common store.
type Locker interface {
	// Lock attempts to acquire a lock for the given name without blocking.
	// If the lock is already held, it must return ErrLockNotAcquired.
	Lock(ctx context.Context, name string) (Lock, error)
}
