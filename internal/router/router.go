// Package router implements the two path-resolution policies that sit
// between the FUSE bridge and the two backing stores: ReadRouter decides
// which side of a sync pair a read should hit (pulling EXTERNAL→LOCAL on
// demand), and WriteRouter always targets LOCAL, coordinating with the lock
// manager and debounce-notifying SyncScheduler once a file goes dirty.
package router

import (
	"context"
	"time"

	"github.com/hybridfs/hybridfs/pkg/types"
)

// IndexStore is the subset of internal/index.Index the routers need.
type IndexStore interface {
	Get(virtualPath string) (*types.FileEntry, bool)
	Put(entry *types.FileEntry)
	Delete(virtualPath string)
}

// LockManager is the subset of internal/lock.Manager the routers need.
type LockManager interface {
	Acquire(ctx context.Context, path string, dir types.Direction, timeout time.Duration) error
	Release(path string)
	Cancel(path string)
}

// PathResolver is the subset of internal/pathresolver.Resolver the routers need.
type PathResolver interface {
	Resolve(pair types.SyncPair, diskMountPath, virtualPath string) (localAbs, externalAbs string, err error)
}

// Invalidator is the subset of internal/mergeview.View the routers need to
// drop stale listing cache entries after a write/delete/rename.
type Invalidator interface {
	Invalidate(prefix string)
}

// Notifier receives debounced dirty-path notifications for SyncScheduler.
type Notifier interface {
	NotifyDirty(pairID, virtualPath string)
}
