// Package lock provides per-path, direction-tagged mutual exclusion used by
// ReadRouter (pulling EXTERNAL→LOCAL), WriteRouter, SyncScheduler, and
// EvictionEngine to coordinate access to a single virtual path. Locks are
// advisory across the module and authoritative within it: every component
// that might race on a path must go through Manager.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/hybridfs/hybridfs/pkg/errors"
	"github.com/hybridfs/hybridfs/pkg/types"
)

// staleAge is how long a held lock may live before the background scrubber
// force-releases it and logs a warning.
const staleAge = 30 * time.Second

type heldLock struct {
	direction types.Direction
	acquiredAt time.Time
	waiters    int
	free       *sync.Cond
}

// Manager tracks one monitor per locked path.
type Manager struct {
	mu     sync.Mutex
	locks  map[string]*heldLock
	logf   func(format string, args ...any)
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Manager and starts its stale-lock scrubber. logf may be nil,
// in which case scrubber warnings are discarded.
func New(logf func(format string, args ...any)) *Manager {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	m := &Manager{
		locks:  make(map[string]*heldLock),
		logf:   logf,
		stopCh: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.scrubLoop()
	return m
}

// Acquire blocks until path is free or timeout elapses, then holds it under
// dir. Returns FileBusy if timeout expires while another direction holds it.
func (m *Manager) Acquire(ctx context.Context, path string, dir types.Direction, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		existing, held := m.locks[path]
		if !held {
			m.locks[path] = &heldLock{
				direction:  dir,
				acquiredAt: time.Now(),
				free:       sync.NewCond(&m.mu),
			}
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errors.New(errors.ErrCodeFileBusy, "path is locked by a concurrent operation").
				WithComponent("lock").WithDetail("path", path).
				WithDetail("held_direction", string(existing.direction))
		}

		select {
		case <-ctx.Done():
			return errors.New(errors.ErrCodeFileBusy, "lock wait canceled").
				WithComponent("lock").WithDetail("path", path).WithCause(ctx.Err())
		default:
		}

		existing.waiters++
		waitDone := make(chan struct{})
		go func() {
			timer := time.NewTimer(remaining)
			defer timer.Stop()
			select {
			case <-timer.C:
				m.mu.Lock()
				existing.free.Broadcast()
				m.mu.Unlock()
			case <-waitDone:
			}
		}()
		existing.free.Wait()
		close(waitDone)
		existing.waiters--
	}
}

// Release frees path and wakes one waiter, if any.
func (m *Manager) Release(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, held := m.locks[path]
	if !held {
		return
	}
	delete(m.locks, path)
	existing.free.Signal()
}

// Cancel force-releases a lock regardless of holder, used when an E→L pull
// must be aborted for an incoming write (SPEC_FULL.md §4.6).
func (m *Manager) Cancel(path string) {
	m.Release(path)
}

// Holder reports the current lock on path, if any.
func (m *Manager) Holder(path string) (types.FileLock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, held := m.locks[path]
	if !held {
		return types.FileLock{}, false
	}
	return types.FileLock{Direction: existing.direction, AcquiredAt: existing.acquiredAt}, true
}

// Close stops the scrubber goroutine.
func (m *Manager) Close() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) scrubLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.scrubStale()
		}
	}
}

func (m *Manager) scrubStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for path, l := range m.locks {
		if now.Sub(l.acquiredAt) > staleAge {
			m.logf("lock: force-releasing stale lock on %s held since %s", path, l.acquiredAt)
			delete(m.locks, path)
			l.free.Broadcast()
		}
	}
}
