// Package lock provides named, expiring mutual exclusion so two workers never
// run the same stream cycle at once.
package lock

import (
	"context"
	"sync"
	"time"
)

// retryInterval is how often a contended lock is retried while waiting.
const retryInterval = 50 * time.Millisecond

// Locker acquires named locks.
type Locker interface {
	// TryLock waits up to wait for name. A lock that cannot be taken in time
	// yields ok == false and a nil error. The lock expires after ttl unless
	// released earlier; release is safe to call more than once.
	TryLock(ctx context.Context, name string, wait, ttl time.Duration) (release func(), ok bool, err error)
}

// retry calls attempt until it succeeds, fails, wait elapses or ctx is done.
func retry(ctx context.Context, wait time.Duration, attempt func() (bool, error)) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		ok, err := attempt()
		if err != nil || ok {
			return ok, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(min(retryInterval, remaining)):
		}
	}
}

// MemoryLocker is a process local Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memLock
	clock func() time.Time
	seq   uint64
}

type memLock struct {
	id      uint64
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memLock), clock: time.Now}
}

func (m *MemoryLocker) TryLock(ctx context.Context, name string, wait, ttl time.Duration) (func(), bool, error) {
	var id uint64
	ok, err := retry(ctx, wait, func() (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		now := m.clock()
		if cur, taken := m.held[name]; taken && now.Before(cur.expires) {
			return false, nil
		}
		m.seq++
		id = m.seq
		m.held[name] = memLock{id: id, expires: now.Add(ttl)}
		return true, nil
	})
	if err != nil || !ok {
		return func() {}, false, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if cur, taken := m.held[name]; taken && cur.id == id {
				delete(m.held, name)
			}
		})
	}
	return release, true, nil
}
