package router

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hybridfs/hybridfs/pkg/errors"
	"github.com/hybridfs/hybridfs/pkg/types"
)

// debounceWindow is how long a dirtying op waits before notifying
// SyncScheduler, coalescing bursts of writes into one enqueue, grounded on
// internal/buffer/writebuffer.go's per-key debounce+flush-loop.
const debounceWindow = 5 * time.Second

// defaultWriteWaitTimeout is how long a write blocks on an L→E lock before
// surfacing WriteTimeout.
const defaultWriteWaitTimeout = 5 * time.Second

// WriteRouter routes every write to LOCAL, coordinating with the lock
// manager and debounce-notifying SyncScheduler once a path goes dirty.
type WriteRouter struct {
	index        IndexStore
	locks        LockManager
	resolver     PathResolver
	invalidator  Invalidator
	notifier     Notifier
	enableDelete bool
	waitTimeout  time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWriteRouter creates a WriteRouter. enableDelete gates whether an
// Unlink of an ExternalOnly-reachable path propagates to EXTERNAL
// (SPEC_FULL.md §9 Open Question 1).
func NewWriteRouter(index IndexStore, locks LockManager, resolver PathResolver, invalidator Invalidator, notifier Notifier, enableDelete bool) *WriteRouter {
	return &WriteRouter{
		index:        index,
		locks:        locks,
		resolver:     resolver,
		invalidator:  invalidator,
		notifier:     notifier,
		enableDelete: enableDelete,
		waitTimeout:  defaultWriteWaitTimeout,
		pending:      make(map[string]*time.Timer),
	}
}

// PrepareWrite resolves the LOCAL path a write should target, waiting on an
// L→E lock (up to waitTimeout) or canceling an in-flight E→L pull.
func (w *WriteRouter) PrepareWrite(ctx context.Context, pair types.SyncPair, diskMountPath, virtualPath string) (string, error) {
	localAbs, _, err := w.resolver.Resolve(pair, diskMountPath, virtualPath)
	if err != nil {
		return "", err
	}

	if entry, ok := w.index.Get(virtualPath); ok && entry.Lock != nil {
		switch entry.Lock.Direction {
		case types.DirectionExternalToLocal:
			w.locks.Cancel(virtualPath)
		default:
			if err := w.locks.Acquire(ctx, virtualPath, types.DirectionLocalToExternal, w.waitTimeout); err != nil {
				return "", errors.New(errors.ErrCodeWriteTimeout, "timed out waiting for sync lock").
					WithComponent("router").WithOperation("write").WithDetail("path", virtualPath).WithCause(err)
			}
			w.locks.Release(virtualPath)
		}
	}

	if err := os.MkdirAll(filepath.Dir(localAbs), 0750); err != nil {
		return "", errors.New(errors.ErrCodeInsufficientSpace, "failed to prepare local directory for write").
			WithComponent("router").WithOperation("write").WithCause(err)
	}

	return localAbs, nil
}

// CompleteWrite marks virtualPath dirty after a successful write and
// debounce-notifies SyncScheduler.
func (w *WriteRouter) CompleteWrite(pairID, virtualPath string, size int64, modifiedAt time.Time) {
	entry, ok := w.index.Get(virtualPath)
	if !ok {
		entry = &types.FileEntry{VirtualPath: virtualPath, Location: types.LocationNotExists}
	}

	updated := *entry
	if updated.Location == types.LocationNotExists || updated.Location == types.LocationDeleted {
		updated.Location = types.LocationLocalOnly
	}
	updated.IsDirty = true
	updated.Size = size
	updated.ModifiedAt = modifiedAt
	updated.AccessedAt = modifiedAt
	w.index.Put(&updated)

	if w.invalidator != nil {
		w.invalidator.Invalidate(filepath.Dir(virtualPath))
	}
	w.scheduleNotify(pairID, virtualPath)
}

// Create materializes parent directories and an empty LocalOnly entry.
func (w *WriteRouter) Create(ctx context.Context, pair types.SyncPair, diskMountPath, virtualPath string) (string, error) {
	localAbs, err := w.PrepareWrite(ctx, pair, diskMountPath, virtualPath)
	if err != nil {
		return "", err
	}

	f, err := os.OpenFile(localAbs, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
	if err != nil {
		return "", errors.New(errors.ErrCodeInvalidPath, "failed to create file").
			WithComponent("router").WithOperation("create").WithCause(err)
	}
	_ = f.Close()

	now := time.Now()
	w.index.Put(&types.FileEntry{
		VirtualPath: virtualPath,
		Location:    types.LocationLocalOnly,
		IsDirty:     true,
		CreatedAt:   now,
		ModifiedAt:  now,
		AccessedAt:  now,
	})
	if w.invalidator != nil {
		w.invalidator.Invalidate(filepath.Dir(virtualPath))
	}
	w.scheduleNotify(pair.ID, virtualPath)

	return localAbs, nil
}

// Rename moves the LOCAL file (and best-effort the EXTERNAL file), re-keys
// the Index, and invalidates both the old and new parent listings.
func (w *WriteRouter) Rename(pair types.SyncPair, diskMountPath, oldPath, newPath string) error {
	oldLocal, oldExternal, err := w.resolver.Resolve(pair, diskMountPath, oldPath)
	if err != nil {
		return err
	}
	newLocal, newExternal, err := w.resolver.Resolve(pair, diskMountPath, newPath)
	if err != nil {
		return err
	}

	entry, ok := w.index.Get(oldPath)
	if !ok {
		return errors.New(errors.ErrCodeFileNotFound, "no such file").
			WithComponent("router").WithOperation("rename").WithDetail("path", oldPath)
	}

	if entry.Location == types.LocationLocalOnly || entry.Location == types.LocationBoth {
		if err := os.MkdirAll(filepath.Dir(newLocal), 0750); err != nil {
			return errors.New(errors.ErrCodeInvalidPath, "failed to prepare rename target directory").
				WithComponent("router").WithOperation("rename").WithCause(err)
		}
		if err := os.Rename(oldLocal, newLocal); err != nil {
			return errors.New(errors.ErrCodeInvalidPath, "failed to rename local file").
				WithComponent("router").WithOperation("rename").WithCause(err)
		}
	}

	if entry.Location == types.LocationBoth && newExternal != "" && oldExternal != "" {
		_ = os.MkdirAll(filepath.Dir(newExternal), 0750)
		_ = os.Rename(oldExternal, newExternal) // best-effort
	}

	w.index.Delete(oldPath)
	renamed := *entry
	renamed.VirtualPath = newPath
	renamed.IsDirty = true
	renamed.ModifiedAt = time.Now()
	w.index.Put(&renamed)

	if w.invalidator != nil {
		w.invalidator.Invalidate(filepath.Dir(oldPath))
		w.invalidator.Invalidate(filepath.Dir(newPath))
	}
	w.scheduleNotify(pair.ID, newPath)

	return nil
}

// Unlink removes virtualPath: Both drops the LOCAL copy (leaving
// ExternalOnly), LocalOnly removes the entry outright, and an ExternalOnly
// entry is only ever deleted on EXTERNAL when enableDelete is set.
func (w *WriteRouter) Unlink(pair types.SyncPair, diskMountPath, virtualPath string) error {
	entry, ok := w.index.Get(virtualPath)
	if !ok {
		return errors.New(errors.ErrCodeFileNotFound, "no such file").
			WithComponent("router").WithOperation("unlink").WithDetail("path", virtualPath)
	}

	localAbs, externalAbs, err := w.resolver.Resolve(pair, diskMountPath, virtualPath)
	if err != nil {
		return err
	}

	switch entry.Location {
	case types.LocationLocalOnly:
		_ = os.Remove(localAbs)
		w.index.Delete(virtualPath)

	case types.LocationBoth:
		_ = os.Remove(localAbs)
		updated := *entry
		updated.Location = types.LocationExternalOnly
		updated.IsDirty = false
		w.index.Put(&updated)

	case types.LocationExternalOnly:
		if w.enableDelete && externalAbs != "" {
			if err := os.Remove(externalAbs); err != nil && !os.IsNotExist(err) {
				return errors.New(errors.ErrCodeTargetReadonly, "failed to delete external file").
					WithComponent("router").WithOperation("unlink").WithCause(err)
			}
			w.index.Delete(virtualPath)
		}
		// enable_delete=false: the virtual entry stays ExternalOnly; the
		// caller's unlink only ever removes what LOCAL actually holds.

	default:
		return errors.New(errors.ErrCodeFileNotFound, "no such file").
			WithComponent("router").WithOperation("unlink").WithDetail("path", virtualPath)
	}

	if w.invalidator != nil {
		w.invalidator.Invalidate(filepath.Dir(virtualPath))
	}
	return nil
}

// scheduleNotify debounces notifications for (pairID, virtualPath): bursts
// of dirtying ops within debounceWindow collapse into a single enqueue.
func (w *WriteRouter) scheduleNotify(pairID, virtualPath string) {
	if w.notifier == nil {
		return
	}

	key := pairID + "\x00" + virtualPath

	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, exists := w.pending[key]; exists {
		timer.Stop()
	}
	w.pending[key] = time.AfterFunc(debounceWindow, func() {
		w.mu.Lock()
		delete(w.pending, key)
		w.mu.Unlock()
		w.notifier.NotifyDirty(pairID, virtualPath)
	})
}
