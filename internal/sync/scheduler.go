// Package sync implements the SyncScheduler: the per-pair state machine that
// drains dirty Index entries, reconciles LOCAL→EXTERNAL, applies the
// configured conflict policy, and records activity history.
//
// Concurrency is one worker per sync pair (serialized within a pair), with
// pairs running in parallel up to a configurable bound — grounded on
// internal/batch/processor.go's semaphore-bounded concurrent-flush pattern,
// repurposed from per-operation-type batches to per-pair workers.
package sync

import (
	"container/list"
	"context"
	stderr "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/hybridfs/hybridfs/pkg/errors"
	"github.com/hybridfs/hybridfs/pkg/retry"
	"github.com/hybridfs/hybridfs/pkg/status"
	"github.com/hybridfs/hybridfs/pkg/types"
)

// State is a sync pair's current scheduler state.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateIndexing State = "indexing"
	StateSyncing  State = "syncing"
	StatePaused   State = "paused"
	StateError    State = "error"
)

// IndexStore is the subset of internal/index.Index SyncScheduler needs.
type IndexStore interface {
	Get(virtualPath string) (*types.FileEntry, bool)
	Put(entry *types.FileEntry)
}

// LockManager is the subset of internal/lock.Manager SyncScheduler needs.
type LockManager interface {
	Acquire(ctx context.Context, path string, dir types.Direction, timeout time.Duration) error
	Release(path string)
}

// PathResolver is the subset of internal/pathresolver.Resolver SyncScheduler needs.
type PathResolver interface {
	Resolve(pair types.SyncPair, diskMountPath, virtualPath string) (localAbs, externalAbs string, err error)
}

// Invalidator drops stale merge-view listing cache entries.
type Invalidator interface {
	Invalidate(prefix string)
}

// ActivityRecorder records sync activity for the control plane's history feed.
type ActivityRecorder interface {
	Record(types.ActivityRecord)
}

// Evictor triggers a LOCAL free-space reclaim pass when a sync hits
// DiskFull, per SPEC_FULL.md §4.8's failure taxonomy.
type Evictor interface {
	EvictNow(ctx context.Context, pairID string) error
}

// Options configures a Scheduler.
type Options struct {
	ConflictStrategy   types.ConflictStrategy
	EnableChecksum     bool
	VerifyAfterCopy    bool
	ParallelOperations int
	RetryConfig        retry.Config
}

// Scheduler drains dirty entries for each registered sync pair and
// reconciles them LOCAL→EXTERNAL.
type Scheduler struct {
	index       IndexStore
	locks       LockManager
	resolver    PathResolver
	invalidator Invalidator
	activity    ActivityRecorder
	evictor     Evictor
	opts        Options
	retryer     *retry.Retryer
	progress    *status.Tracker

	mu          sync.Mutex
	states      map[string]State
	queues      map[string]*list.List // pairID -> FIFO of virtual paths
	queued      map[string]map[string]*list.Element
	sem         chan struct{}
	paused      map[string]bool
	canceled    map[string]chan struct{}
	progressOps map[string]string // pairID -> most recent status.Operation ID
}

// New creates a Scheduler.
func New(index IndexStore, locks LockManager, resolver PathResolver, invalidator Invalidator, activity ActivityRecorder, opts Options) *Scheduler {
	if opts.ParallelOperations <= 0 {
		opts.ParallelOperations = 4
	}
	if opts.ConflictStrategy == "" {
		opts.ConflictStrategy = types.ConflictNewerWins
	}

	return &Scheduler{
		index:       index,
		locks:       locks,
		resolver:    resolver,
		invalidator: invalidator,
		activity:    activity,
		evictor:     nil,
		opts:        opts,
		retryer:     retry.New(opts.RetryConfig),
		states:      make(map[string]State),
		queues:      make(map[string]*list.List),
		queued:      make(map[string]map[string]*list.Element),
		sem:         make(chan struct{}, opts.ParallelOperations),
		paused:      make(map[string]bool),
		canceled:    make(map[string]chan struct{}),
		progressOps: make(map[string]string),
	}
}

// SetEvictor wires the eviction engine the scheduler triggers on DiskFull.
func (s *Scheduler) SetEvictor(e Evictor) { s.evictor = e }

// SetProgressTracker wires the status tracker RunOnce reports per-file sync
// progress into, backing the control plane's sync_get_progress operation.
func (s *Scheduler) SetProgressTracker(t *status.Tracker) { s.progress = t }

// Progress returns the most recently started sync operation for pairID, if
// any has been recorded since the scheduler was created.
func (s *Scheduler) Progress(pairID string) (*status.Operation, bool) {
	if s.progress == nil {
		return nil, false
	}
	s.mu.Lock()
	opID, ok := s.progressOps[pairID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	op, err := s.progress.GetOperation(opID)
	if err != nil {
		return nil, false
	}
	return op, true
}

// NotifyDirty implements router.Notifier: a dirtying write debounced its
// notification and now hands the path to the scheduler's FIFO queue.
// Newest wins on re-dirty: re-enqueuing an already-queued path moves it to
// the back without duplicating work.
func (s *Scheduler) NotifyDirty(pairID, virtualPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, ok := s.queues[pairID]
	if !ok {
		queue = list.New()
		s.queues[pairID] = queue
		s.queued[pairID] = make(map[string]*list.Element)
	}

	if elem, exists := s.queued[pairID][virtualPath]; exists {
		queue.MoveToBack(elem)
		return
	}

	elem := queue.PushBack(virtualPath)
	s.queued[pairID][virtualPath] = elem
}

// State reports a pair's current scheduler state.
func (s *Scheduler) State(pairID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[pairID]; ok {
		return st
	}
	return StateIdle
}

// Pause blocks new work for pairID, letting any running file finish.
func (s *Scheduler) Pause(pairID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[pairID] = true
	s.states[pairID] = StatePaused
}

// Resume un-pauses pairID.
func (s *Scheduler) Resume(pairID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[pairID] = false
	s.states[pairID] = StateIdle
}

// Cancel stops pairID's running drain before its next file; a file already
// being synced runs to completion. The pair then returns to Idle unless it
// is paused.
func (s *Scheduler) Cancel(pairID string) {
	s.mu.Lock()
	ch, ok := s.canceled[pairID]
	s.mu.Unlock()
	if ok {
		close(ch)
	}
}

// RunOnce drains pairID's dirty queue until empty or the pair is paused,
// processing one sync pair's worker under the scheduler's global
// parallel_operations semaphore.
func (s *Scheduler) RunOnce(ctx context.Context, pair types.SyncPair, diskMountPath string) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.sem }()

	s.mu.Lock()
	s.states[pair.ID] = StateSyncing
	cancelCh := make(chan struct{})
	s.canceled[pair.ID] = cancelCh
	total := int64(0)
	if queue := s.queues[pair.ID]; queue != nil {
		total = int64(queue.Len())
	}
	s.mu.Unlock()

	var opID string
	if s.progress != nil {
		op, _ := s.progress.StartOperation(ctx, "sync", map[string]interface{}{"pairID": pair.ID})
		opID = op.ID
		_ = s.progress.UpdateProgress(opID, 0, total, "files")
		s.mu.Lock()
		s.progressOps[pair.ID] = opID
		s.mu.Unlock()
	}

	defer func() {
		s.mu.Lock()
		delete(s.canceled, pair.ID)
		if !s.paused[pair.ID] {
			s.states[pair.ID] = StateIdle
		}
		s.mu.Unlock()
	}()

	var synced int64
	for {
		s.mu.Lock()
		if s.paused[pair.ID] {
			s.mu.Unlock()
			return nil
		}
		queue := s.queues[pair.ID]
		if queue == nil || queue.Len() == 0 {
			s.mu.Unlock()
			if opID != "" {
				_ = s.progress.CompleteOperation(opID)
			}
			return nil
		}
		front := queue.Front()
		virtualPath := front.Value.(string)
		queue.Remove(front)
		delete(s.queued[pair.ID], virtualPath)
		remaining := int64(queue.Len())
		s.mu.Unlock()

		select {
		case <-cancelCh:
			if opID != "" {
				_ = s.progress.CancelOperation(opID)
			}
			return nil
		default:
		}

		if err := s.syncOne(ctx, pair, diskMountPath, virtualPath); err != nil {
			s.mu.Lock()
			s.states[pair.ID] = StateError
			s.mu.Unlock()
			s.recordActivity(types.ActivitySyncFailed, pair.ID, virtualPath, err)
			if opID != "" {
				_ = s.progress.FailOperation(opID, err)
			}
			return err
		}

		synced++
		if opID != "" {
			_ = s.progress.SetMessage(opID, virtualPath)
			_ = s.progress.UpdateProgress(opID, synced, synced+remaining, "files")
		}
	}
}

func (s *Scheduler) syncOne(ctx context.Context, pair types.SyncPair, diskMountPath, virtualPath string) error {
	err := s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		return s.reconcileOne(ctx, pair, diskMountPath, virtualPath)
	})

	var fsErr *errors.FSError
	if err != nil && stderr.As(err, &fsErr) && fsErr.Code == errors.ErrCodeDiskFull && s.evictor != nil {
		if evictErr := s.evictor.EvictNow(ctx, pair.ID); evictErr == nil {
			err = s.reconcileOne(ctx, pair, diskMountPath, virtualPath)
		}
	}
	return err
}

func (s *Scheduler) reconcileOne(ctx context.Context, pair types.SyncPair, diskMountPath, virtualPath string) error {
	entry, ok := s.index.Get(virtualPath)
	if !ok || !entry.IsDirty {
		return nil
	}

	localAbs, externalAbs, err := s.resolver.Resolve(pair, diskMountPath, virtualPath)
	if err != nil {
		return err
	}
	if externalAbs == "" {
		return errors.New(errors.ErrCodeSourceUnavailable, "external store is not mounted").
			WithComponent("sync").WithSyncPair(pair.ID).WithDetail("path", virtualPath)
	}

	if err := s.locks.Acquire(ctx, virtualPath, types.DirectionLocalToExternal, 30*time.Second); err != nil {
		return errors.New(errors.ErrCodeFileBusy, "failed to acquire sync lock").
			WithComponent("sync").WithSyncPair(pair.ID).WithCause(err)
	}
	defer s.locks.Release(virtualPath)

	// Mark the entry locked for the duration of the push so ReadRouter and
	// WriteRouter see the in-flight LocalToExternal direction instead of
	// routing against stale Location/IsDirty state.
	locked := *entry
	locked.Lock = &types.FileLock{AcquiredAt: time.Now(), Direction: types.DirectionLocalToExternal}
	s.index.Put(&locked)

	if conflict, cerr := s.detectConflict(localAbs, externalAbs); cerr == nil && conflict {
		if resolved := s.applyConflictPolicy(localAbs, externalAbs); !resolved {
			locked.Lock = nil
			s.index.Put(&locked)
			s.recordActivity(types.ActivityError, pair.ID, virtualPath, nil)
			return nil // AskUser: leave dirty, don't clear
		}
	}

	copiedBytes, err := s.copyPreservingMtime(localAbs, externalAbs)
	if err != nil {
		locked.Lock = nil
		s.index.Put(&locked)
		return s.classifyFailure(err)
	}

	updated := locked
	updated.Location = types.LocationBoth
	updated.IsDirty = false
	updated.Lock = nil
	s.index.Put(&updated)

	if s.invalidator != nil {
		s.invalidator.Invalidate(filepath.Dir(virtualPath))
	}
	s.recordActivityCounts(types.ActivitySyncCompleted, pair.ID, virtualPath, nil, 1, copiedBytes)

	return nil
}

// detectConflict reports whether EXTERNAL changed independently since the
// last reconcile (both sides present and differing).
func (s *Scheduler) detectConflict(localAbs, externalAbs string) (bool, error) {
	extInfo, err := os.Stat(externalAbs)
	if err != nil {
		return false, nil // nothing to conflict with yet
	}
	localInfo, err := os.Stat(localAbs)
	if err != nil {
		return false, err
	}
	return extInfo.ModTime().After(localInfo.ModTime()) && extInfo.Size() != localInfo.Size(), nil
}

// applyConflictPolicy resolves a detected conflict per s.opts.ConflictStrategy,
// returning false for AskUser (caller must leave the entry dirty).
func (s *Scheduler) applyConflictPolicy(localAbs, externalAbs string) bool {
	switch s.opts.ConflictStrategy {
	case types.ConflictLocalWinsWithBackup:
		backup := fmt.Sprintf("%s_backup_%d", externalAbs, time.Now().Unix())
		_ = os.Rename(externalAbs, backup)
		return true
	case types.ConflictExternalWins:
		_ = os.Remove(localAbs)
		return true
	case types.ConflictKeepBoth:
		kept := fmt.Sprintf("%s_local_%d", localAbs, time.Now().Unix())
		_ = os.Rename(localAbs, kept)
		return true
	case types.ConflictLargerWins, types.ConflictNewerWins:
		return true // the subsequent copy already reflects LOCAL's current state
	case types.ConflictAskUser:
		return false
	default:
		return true
	}
}

// copyPreservingMtime copies localAbs to externalAbs and returns the number
// of bytes written, so callers can report it on the activity feed.
func (s *Scheduler) copyPreservingMtime(localAbs, externalAbs string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(externalAbs), 0750); err != nil {
		return 0, err
	}

	src, err := os.Open(localAbs)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	tmp := externalAbs + ".syncing"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return 0, err
	}

	written, err := dst.ReadFrom(src)
	if err != nil {
		dst.Close()
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}

	if err := os.Rename(tmp, externalAbs); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}

	if info, err := os.Stat(localAbs); err == nil {
		_ = os.Chtimes(externalAbs, info.ModTime(), info.ModTime())
	}

	if s.opts.VerifyAfterCopy {
		srcInfo, err1 := os.Stat(localAbs)
		dstInfo, err2 := os.Stat(externalAbs)
		if err1 != nil || err2 != nil || srcInfo.Size() != dstInfo.Size() {
			return written, errors.New(errors.ErrCodeChecksumMismatch, "post-copy verification failed").
				WithComponent("sync")
		}
	}

	return written, nil
}

func (s *Scheduler) classifyFailure(err error) error {
	if os.IsNotExist(err) {
		return errors.New(errors.ErrCodeSourceUnavailable, "source file vanished before sync").
			WithComponent("sync").WithCause(err)
	}
	if pathErr, ok := err.(*os.PathError); ok && pathErr.Err != nil {
		if os.IsPermission(pathErr.Err) {
			return errors.New(errors.ErrCodeTargetReadonly, "target is read-only").
				WithComponent("sync").WithCause(err)
		}
		if stderr.Is(pathErr.Err, syscall.ENOSPC) {
			return errors.New(errors.ErrCodeDiskFull, "target ran out of space").
				WithComponent("sync").WithCause(err)
		}
	}
	return errors.New(errors.ErrCodeSyncFailed, "sync copy failed").
		WithComponent("sync").WithCause(err)
}

func (s *Scheduler) recordActivity(kind types.ActivityKind, pairID, path string, err error) {
	s.recordActivityCounts(kind, pairID, path, err, 0, 0)
}

// recordActivityCounts is recordActivity plus the per-file FilesCount/
// BytesCount a successful sync carries, following internal/eviction's
// Engine.EvictNow as the model for populating those fields.
func (s *Scheduler) recordActivityCounts(kind types.ActivityKind, pairID, path string, err error, files, bytes int64) {
	if s.activity == nil {
		return
	}
	detail := path
	if err != nil {
		detail = fmt.Sprintf("%s: %v", path, err)
	}
	s.activity.Record(types.ActivityRecord{
		Kind:       kind,
		Title:      string(kind),
		Detail:     detail,
		Timestamp:  time.Now(),
		SyncPairID: pairID,
		FilesCount: files,
		BytesCount: bytes,
	})
}
