// internal/infra/etcd/etcd_locker.go
package etcd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taro/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	// LockPrefix is the root of taro locks in etcd.
	LockPrefix = "/taro/locks/"
	// LockSessionTTL bounds how long a crashed holder keeps a lock, in seconds.
	LockSessionTTL = 10
	// lockAttempt bounds one TryLock round trip; a held lock fails at once with ErrLocked
	lockAttempt = 100 * time.Millisecond
)

// etcdLock implements domain.Lock.
type etcdLock struct {
	mutex   *concurrency.Mutex
	session *concurrency.Session
	name    string
}

// Unlock releases the lock and closes its session, revoking the lease.
func (l *etcdLock) Unlock(ctx context.Context) error {
	defer func() { _ = l.session.Close() }()

	if err := l.mutex.Unlock(ctx); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.name, err)
	}
	return nil
}

// etcdLocker implements domain.Locker.
type etcdLocker struct {
	client *clientv3.Client
}

func NewEtcdLocker(client *clientv3.Client) domain.Locker {
	return &etcdLocker{client: client}
}

// Lock tries to acquire the named lock for a short moment.
func (l *etcdLocker) Lock(ctx context.Context, name string) (domain.Lock, error) {
	// a session per attempt; the lock is released when its lease expires
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(LockSessionTTL), concurrency.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session for lock %s: %w", name, err)
	}

	mutex := concurrency.NewMutex(session, LockPrefix+name)

	tryCtx, cancel := context.WithTimeout(ctx, lockAttempt)
	defer cancel()

	if err := mutex.TryLock(tryCtx); err != nil {
		_ = session.Close()
		if errors.Is(err, concurrency.ErrLocked) || errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.ErrLockNotAcquired
		}
		return nil, fmt.Errorf("failed to try acquiring etcd lock %s: %w", name, err)
	}

	return &etcdLock{mutex: mutex, session: session, name: name}, nil
}
