// Package eviction implements the EvictionEngine: scans Index entries for
// LOCAL-space reclaim candidates once free space drops below a threshold (or
// on explicit/periodic request), selects candidates by the configured
// strategy, and deletes their LOCAL copies while leaving EXTERNAL intact.
//
// Candidate ordering is grounded on internal/cache/lru.go's
// WeightedLRUCache.Evict/EvictByWeight selection, adapted from byte-range
// cache entries to whole-file Index entries and from a single weight metric
// to the three named strategies (AccessTime/ModifiedTime/SizeFirst).
package eviction

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hybridfs/hybridfs/pkg/errors"
	"github.com/hybridfs/hybridfs/pkg/types"
)

// IndexStore is the subset of internal/index.Index the engine needs.
type IndexStore interface {
	All() []*types.FileEntry
	Get(virtualPath string) (*types.FileEntry, bool)
	Put(entry *types.FileEntry)
}

// LockManager is the subset of internal/lock.Manager the engine needs.
type LockManager interface {
	Acquire(ctx context.Context, path string, dir types.Direction, timeout time.Duration) error
	Release(path string)
}

// PathResolver is the subset of internal/pathresolver.Resolver the engine needs.
type PathResolver interface {
	Resolve(pair types.SyncPair, diskMountPath, virtualPath string) (localAbs, externalAbs string, err error)
}

// ActivityRecorder records eviction activity for the control plane's history feed.
type ActivityRecorder interface {
	Record(types.ActivityRecord)
}

// FreeSpaceChecker reports bytes currently free on a sync pair's LOCAL store.
type FreeSpaceChecker func(localDir string) (int64, error)

// Options configures an Engine run.
type Options struct {
	Strategy         types.EvictionStrategy
	TriggerThreshold int64
	TargetFreeSpace  int64
	MaxFilesPerRun   int
	MinFileAge       time.Duration
	ExcludePatterns  []string
}

// Engine selects and evicts LOCAL-space reclaim candidates for one sync pair.
type Engine struct {
	index     IndexStore
	locks     LockManager
	resolver  PathResolver
	activity  ActivityRecorder
	freeSpace FreeSpaceChecker
	opts      Options
}

// New creates an Engine.
func New(index IndexStore, locks LockManager, resolver PathResolver, activity ActivityRecorder, freeSpace FreeSpaceChecker, opts Options) *Engine {
	if opts.MaxFilesPerRun <= 0 {
		opts.MaxFilesPerRun = 100
	}
	if opts.MinFileAge <= 0 {
		opts.MinFileAge = time.Hour
	}
	if opts.Strategy == "" {
		opts.Strategy = types.EvictionAccessTime
	}
	return &Engine{index: index, locks: locks, resolver: resolver, activity: activity, freeSpace: freeSpace, opts: opts}
}

// Result summarizes one eviction run.
type Result struct {
	FilesEvicted int
	BytesFreed   int64
	TargetMet    bool
}

// EvictNow runs a reclaim pass for pair regardless of trigger condition,
// satisfying both the explicit control-plane `evict` operation and
// SyncScheduler's DiskFull recovery hook.
func (e *Engine) EvictNow(ctx context.Context, pair types.SyncPair, localDir, diskMountPath string) (Result, error) {
	freeBefore, err := e.freeSpace(localDir)
	if err != nil {
		freeBefore = 0
	}
	needed := e.opts.TargetFreeSpace - freeBefore
	if needed <= 0 {
		return Result{TargetMet: true}, nil
	}

	candidates := e.selectCandidates(pair)

	var freed int64
	var count int
	for _, entry := range candidates {
		if count >= e.opts.MaxFilesPerRun || freed >= needed {
			break
		}

		localAbs, _, err := e.resolver.Resolve(pair, diskMountPath, entry.VirtualPath)
		if err != nil {
			continue
		}

		if err := e.locks.Acquire(ctx, entry.VirtualPath, types.DirectionLocalToExternal, 0); err != nil {
			continue // fail-fast: skip a candidate that's mid-operation
		}

		if rmErr := os.Remove(localAbs); rmErr != nil && !os.IsNotExist(rmErr) {
			e.locks.Release(entry.VirtualPath)
			continue
		}

		updated := *entry
		updated.Location = types.LocationExternalOnly
		e.index.Put(&updated)
		e.locks.Release(entry.VirtualPath)

		freed += entry.Size
		count++
	}

	result := Result{FilesEvicted: count, BytesFreed: freed, TargetMet: freed >= needed}

	if e.activity != nil {
		kind := types.ActivityEvictionCompleted
		if !result.TargetMet {
			kind = types.ActivityEvictionFailed
		}
		e.activity.Record(types.ActivityRecord{
			Kind: kind, Title: string(kind), Timestamp: time.Now(),
			SyncPairID: pair.ID, FilesCount: int64(count), BytesCount: freed,
		})
	}

	if !result.TargetMet {
		return result, errors.New(errors.ErrCodeEvictionFailed, "eviction target not met after exhausting candidates").
			WithComponent("eviction").WithSyncPair(pair.ID).WithDetail("bytes_freed", freed)
	}

	return result, nil
}

// EvictFile drops the LOCAL copy of a single file, regardless of trigger
// thresholds or access-time ordering, satisfying the control plane's
// explicit per-file `evict_file` operation. The EXTERNAL copy is left
// untouched; a file with no LOCAL copy or one that is not yet eligible for
// eviction (dirty, or pinned) is rejected rather than silently ignored.
func (e *Engine) EvictFile(ctx context.Context, pair types.SyncPair, diskMountPath, virtualPath string) error {
	entry, ok := e.index.Get(virtualPath)
	if !ok {
		return errors.New(errors.ErrCodeIndexEntryNotFound, "no index entry for file").
			WithComponent("eviction").WithSyncPair(pair.ID).WithDetail("virtual_path", virtualPath)
	}
	if !entry.Evictable() {
		return errors.New(errors.ErrCodeEvictionFailed, "file is not evictable").
			WithComponent("eviction").WithSyncPair(pair.ID).WithDetail("virtual_path", virtualPath)
	}

	localAbs, _, err := e.resolver.Resolve(pair, diskMountPath, virtualPath)
	if err != nil {
		return errors.New(errors.ErrCodeEvictionFailed, "failed to resolve file path").
			WithComponent("eviction").WithSyncPair(pair.ID).WithCause(err)
	}

	if err := e.locks.Acquire(ctx, virtualPath, types.DirectionLocalToExternal, 0); err != nil {
		return errors.New(errors.ErrCodeLockFailure, "file is mid-operation").
			WithComponent("eviction").WithSyncPair(pair.ID).WithDetail("virtual_path", virtualPath).WithCause(err)
	}
	defer e.locks.Release(virtualPath)

	if rmErr := os.Remove(localAbs); rmErr != nil && !os.IsNotExist(rmErr) {
		return errors.New(errors.ErrCodeEvictionFailed, "failed to remove local copy").
			WithComponent("eviction").WithSyncPair(pair.ID).WithDetail("virtual_path", virtualPath).WithCause(rmErr)
	}

	updated := *entry
	updated.Location = types.LocationExternalOnly
	e.index.Put(&updated)

	if e.activity != nil {
		e.activity.Record(types.ActivityRecord{
			Kind: types.ActivityEvictionCompleted, Title: "file evicted", Timestamp: time.Now(),
			SyncPairID: pair.ID, FilesCount: 1, BytesCount: entry.Size,
		})
	}

	return nil
}

// ShouldTrigger reports whether LOCAL free space has dropped below the
// configured threshold.
func (e *Engine) ShouldTrigger(localDir string) bool {
	free, err := e.freeSpace(localDir)
	if err != nil {
		return false
	}
	return free < e.opts.TriggerThreshold
}

func (e *Engine) selectCandidates(pair types.SyncPair) []*types.FileEntry {
	cutoff := time.Now().Add(-e.opts.MinFileAge)

	var candidates []*types.FileEntry
	for _, entry := range e.index.All() {
		if !entry.Evictable() {
			continue
		}
		if entry.AccessedAt.After(cutoff) {
			continue
		}
		if matchesExclude(entry.VirtualPath, e.opts.ExcludePatterns) {
			continue
		}
		candidates = append(candidates, entry)
	}

	switch e.opts.Strategy {
	case types.EvictionModifiedTime:
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].ModifiedAt.Before(candidates[j].ModifiedAt) })
	case types.EvictionSizeFirst:
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Size > candidates[j].Size })
	default: // AccessTime
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].AccessedAt.Before(candidates[j].AccessedAt) })
	}

	return candidates
}

func matchesExclude(virtualPath string, patterns []string) bool {
	base := filepath.Base(virtualPath)
	for _, pattern := range patterns {
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}
