// Package service is the composition root: it owns one PairRuntime per
// registered sync pair (index, tree-version manager, merge view, both
// routers, lock manager, sync scheduler, eviction engine, and FUSE mount)
// and drives the periodic sync/eviction ticking SPEC_FULL.md §4.8/§4.9
// describe, so a control plane on top only has to call Start/Stop/AddPair
// and read back PairRuntime state.
//
// Grounded on the teacher's internal/adapter/adapter.go ordered
// Start/Stop dependency composition, repurposed from a single S3-backend
// adapter into the Index -> TreeVersion -> routers -> scheduler ->
// eviction -> FUSE startup order this module needs per sync pair.
package service

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/hybridfs/hybridfs/internal/activity"
	"github.com/hybridfs/hybridfs/internal/circuit"
	"github.com/hybridfs/hybridfs/internal/config"
	"github.com/hybridfs/hybridfs/internal/eviction"
	"github.com/hybridfs/hybridfs/internal/fuse"
	"github.com/hybridfs/hybridfs/internal/index"
	"github.com/hybridfs/hybridfs/internal/lock"
	"github.com/hybridfs/hybridfs/internal/mergeview"
	"github.com/hybridfs/hybridfs/internal/metrics"
	"github.com/hybridfs/hybridfs/internal/pathresolver"
	"github.com/hybridfs/hybridfs/internal/privileged"
	"github.com/hybridfs/hybridfs/internal/router"
	syncsched "github.com/hybridfs/hybridfs/internal/sync"
	"github.com/hybridfs/hybridfs/internal/treeversion"
	"github.com/hybridfs/hybridfs/pkg/health"
	"github.com/hybridfs/hybridfs/pkg/retry"
	"github.com/hybridfs/hybridfs/pkg/status"
	"github.com/hybridfs/hybridfs/pkg/utils"
	"github.com/hybridfs/hybridfs/pkg/types"
)

// PairRuntime is everything wired up for one registered sync pair.
type PairRuntime struct {
	Pair types.SyncPair
	Disk types.Disk

	Index       *index.Index
	TreeVersion *treeversion.Manager
	View        *mergeview.View
	Resolver    *pathresolver.Resolver
	Locks       *lock.Manager

	PullRouter   *router.ReadRouter
	StreamRouter *router.ReadRouter
	Writer       *router.WriteRouter

	Scheduler *syncsched.Scheduler
	Eviction  *eviction.Engine

	FileSystem *fuse.FileSystem
	Mount      *fuse.MountManager
}

// pairEvictor adapts eviction.Engine's pair-parameterized EvictNow to the
// pairID-only signature syncsched.Evictor declares, since one Scheduler
// here is bound to exactly one pair already.
type pairEvictor struct {
	engine        *eviction.Engine
	pair          types.SyncPair
	diskMountPath string
}

func (e *pairEvictor) EvictNow(ctx context.Context, pairID string) error {
	_, err := e.engine.EvictNow(ctx, e.pair, e.pair.LocalDir(), e.diskMountPath)
	return err
}

// Service owns every registered sync pair's runtime and the background
// loop that drives periodic syncing and eviction.
type Service struct {
	cfg        *config.Configuration
	guard      pathresolver.AllowDenyList
	privileged *privileged.Ops
	activity   *activity.Recorder
	metrics    *metrics.Collector
	health     *health.Tracker
	progress   *status.Tracker
	logger     *utils.StructuredLogger

	mu      sync.RWMutex
	pairs   map[string]*PairRuntime
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	breakerMu sync.Mutex
	breakers  map[string]*circuit.CircuitBreaker
}

// New creates a Service from a validated configuration. The activity
// recorder is wired straight into the metrics collector so every sync and
// eviction event the scheduler/engine reports also becomes a Prometheus
// counter, without either package importing internal/metrics directly.
func New(cfg *config.Configuration) (*Service, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.EnablePerformanceMonitoring,
		Port:      cfg.MetricsPort,
		Path:      "/metrics",
		Namespace: "hybridfs",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics collector: %w", err)
	}

	healthTracker := health.NewTracker(health.DefaultConfig())
	progressTracker := status.NewTracker(status.TrackerConfig{HealthTracker: healthTracker})
	logger, err := newStructuredLogger(cfg.LogLevel, cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	rec := activity.New(activity.DefaultCapacity)
	rec.OnRecord(func(a types.ActivityRecord) {
		if a.Kind == types.ActivitySyncFailed || a.Kind == types.ActivityEvictionFailed || a.Kind == types.ActivityError {
			collector.RecordError(string(a.Kind), fmt.Errorf("%s", a.Detail))
		} else {
			collector.RecordOperation(string(a.Kind), 0, a.BytesCount, true)
		}
		recordComponentHealth(healthTracker, a)
	})

	guard := pathresolver.DefaultAllowDenyList()
	// Service's own calls into PrivilegedOps only ever target a sync pair's
	// own config-validated LocalPath/LocalDir, never an arbitrary caller-
	// supplied path, so they're exempted from the Allow basename whitelist
	// SPEC_FULL.md §4.1 defines for user/GUI-facing privileged requests.
	// The Deny list still applies unconditionally, so Service can never be
	// pointed at a system directory even by a misconfigured sync pair.
	internalGuard := pathresolver.AllowDenyList{Deny: guard.Deny}

	return &Service{
		cfg:        cfg,
		guard:      guard,
		privileged: privileged.New(internalGuard),
		activity:   rec,
		metrics:    collector,
		health:     healthTracker,
		progress:   progressTracker,
		logger:     logger,
		pairs:      make(map[string]*PairRuntime),
		breakers:   make(map[string]*circuit.CircuitBreaker),
	}, nil
}

// newStructuredLogger builds the process-wide utils.StructuredLogger every
// component logs through, per SPEC_FULL.md §2.1's ambient logging
// requirement. levelStr/logFile come straight from the validated
// configuration (cfg.LogLevel/cfg.LogFile); an invalid level string falls
// back to INFO rather than failing Service construction over a typo already
// caught by cfg.Validate's own level whitelist. A non-empty logFile gets
// size/backup-bounded rotation via utils.LogRotator rather than a bare
// append-only os.File, so a long-running daemon never fills its disk with
// its own logs.
func newStructuredLogger(levelStr, logFile string, maxSizeMB int64, maxBackups int) (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(levelStr)
	if err != nil {
		level = utils.INFO
	}

	cfg := &utils.StructuredLoggerConfig{
		Level:         level,
		Output:        os.Stdout,
		Format:        utils.FormatText,
		IncludeCaller: true,
	}

	if logFile != "" {
		cfg.Rotation = &utils.RotationConfig{
			Filename:   logFile,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			Compress:   true,
		}
	}

	return utils.NewStructuredLogger(cfg)
}

// recordComponentHealth forwards a sync/eviction/disk activity record into
// the health tracker's component success/error counters, per SPEC_FULL.md
// §2.1's ambient health-monitoring requirement, retargeted from the
// reference stack's internal/health.Monitor (deleted — see DESIGN.md) onto
// pkg/health.Tracker's lighter consecutive-error/recovery-threshold model.
func recordComponentHealth(tracker *health.Tracker, a types.ActivityRecord) {
	var component string
	switch {
	case a.DiskID != "":
		component = "disk:" + a.DiskID
	case a.SyncPairID != "":
		component = "sync:" + a.SyncPairID
	default:
		component = "service"
	}
	tracker.RegisterComponent(component)

	switch a.Kind {
	case types.ActivitySyncFailed, types.ActivityEvictionFailed, types.ActivityError, types.ActivityDiskDisconnected:
		tracker.RecordError(component, fmt.Errorf("%s", a.Detail))
	default:
		tracker.RecordSuccess(component)
	}
}

// Health returns the service's component health tracker, backing
// ControlPlane's get_full_state.
func (s *Service) Health() *health.Tracker {
	return s.health
}

// Progress returns the service's operation tracker, backing ControlPlane's
// sync_get_progress.
func (s *Service) Progress() *status.Tracker {
	return s.progress
}

// Logger returns the service's root structured logger. Callers outside
// internal/service (e.g. internal/controlplane, cmd/hybridfsd) should scope
// it to their own component with WithComponent before logging, the same way
// internal/service does for itself below.
func (s *Service) Logger() *utils.StructuredLogger {
	return s.logger
}

// diskBreaker returns the shared circuit breaker guarding EXTERNAL_DIR
// access for diskID, creating it on first use. Pairs sharing a disk also
// share its breaker: if one pair's sync finds the disk unreachable, the
// breaker trips for every pair on that disk instead of each one
// independently re-discovering the same failure every tick.
func (s *Service) diskBreaker(diskID string) *circuit.CircuitBreaker {
	s.breakerMu.Lock()
	defer s.breakerMu.Unlock()

	if b, ok := s.breakers[diskID]; ok {
		return b
	}

	b := circuit.NewCircuitBreaker(diskID, circuit.Config{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			s.logger.WithComponent("circuit").Infof("disk %s circuit breaker: %s -> %s", name, from, to)
			kind := types.ActivityDiskConnected
			if to == circuit.StateOpen {
				kind = types.ActivityDiskDisconnected
			}
			s.activity.Record(types.ActivityRecord{
				Kind:      kind,
				Title:     fmt.Sprintf("disk %s EXTERNAL_DIR access %s", name, to),
				DiskID:    name,
				Timestamp: time.Now(),
			})
		},
	})
	s.breakers[diskID] = b
	return b
}

// Activity returns the shared activity recorder, e.g. for a control plane
// to read sync_get_history from or subscribe to on_activities_updated.
func (s *Service) Activity() *activity.Recorder { return s.activity }

// Config returns the service's configuration.
func (s *Service) Config() *config.Configuration { return s.cfg }

// Pair returns a registered pair's runtime, or false if pairID is unknown.
func (s *Service) Pair(pairID string) (*PairRuntime, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.pairs[pairID]
	return rt, ok
}

// Pairs returns every registered pair's runtime.
func (s *Service) Pairs() []*PairRuntime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PairRuntime, 0, len(s.pairs))
	for _, rt := range s.pairs {
		out = append(out, rt)
	}
	return out
}

// ensureLocalBackingDir prepares localDir, the hidden hot-cache directory
// FUSE's merge view reads/writes behind the scenes. If the user's original
// directory already exists at targetPath (the future FUSE mountpoint) and
// hasn't been migrated yet, it is moved aside into localDir via
// PrivilegedOps' one-time rename (SPEC_FULL.md §4.12) and hidden so it no
// longer shows up in normal directory listings once the FUSE bridge takes
// over targetPath; targetPath is left (re-created if needed) as an empty
// mountpoint. If localDir already exists, this is a no-op restart and
// nothing is migrated again.
func (s *Service) ensureLocalBackingDir(targetPath, localDir string) error {
	if _, err := os.Stat(localDir); err == nil {
		return nil
	}

	if info, err := os.Stat(targetPath); err == nil && info.IsDir() {
		if err := s.privileged.MoveItem(targetPath, localDir); err != nil {
			return fmt.Errorf("migrating %s to hidden backing dir: %w", targetPath, err)
		}
		// Hidden, not locked: localDir stays under continuous read/write by
		// the index, routers, and sync scheduler, so the immutable flag
		// ProtectDirectory/LockDirectory applies is never appropriate here
		// — only HideDirectory, which keeps it out of normal directory
		// listings without blocking writes.
		if err := s.privileged.HideDirectory(localDir); err != nil {
			s.logger.WithComponent("service").Warnf("could not hide local backing dir %s: %v", localDir, err)
		}
		return s.privileged.CreateDirectory(targetPath)
	}

	return s.privileged.CreateDirectory(localDir)
}

// AddPair wires up a new sync pair: opens its index, reconciles its
// LOCAL/EXTERNAL tree manifests into the index, and builds the merge
// view, routers, scheduler, eviction engine, and FUSE bridge it will be
// mounted with once Start runs. The pair is not mounted here; Start (or
// MountPair, once the service is already running) does that.
func (s *Service) AddPair(pair types.SyncPair, disk types.Disk) (*PairRuntime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pairs[pair.ID]; exists {
		return nil, fmt.Errorf("sync pair %s is already registered", pair.ID)
	}

	localDir := pair.LocalDir()
	if err := s.ensureLocalBackingDir(pair.LocalPath, localDir); err != nil {
		return nil, fmt.Errorf("failed to prepare local cache dir %s: %w", localDir, err)
	}

	idx, err := index.New(index.DefaultConfig(localDir))
	if err != nil {
		return nil, fmt.Errorf("failed to open index for pair %s: %w", pair.ID, err)
	}

	tv := treeversion.New(pair.ExcludePatterns)
	externalDir := pair.ExternalDir(disk.MountPath)

	localEntries, err := s.reconcileManifest(tv, localDir, treeversion.SourceLocal, true)
	if err != nil {
		idx.Close()
		return nil, err
	}

	var externalEntries []*types.FileEntry
	if externalDir != "" {
		if _, statErr := os.Stat(externalDir); statErr == nil {
			externalEntries, err = s.reconcileManifest(tv, externalDir, treeversion.SourceExternal, false)
			if err != nil {
				idx.Close()
				return nil, err
			}
		}
	}

	for _, entry := range treeversion.Reconcile(localEntries, externalEntries, pair.Direction) {
		idx.Put(entry)
	}

	resolver := pathresolver.New(s.guard)
	lockLogger := s.logger.WithComponent("lock").WithField("pairID", pair.ID)
	locks := lock.New(func(format string, args ...any) {
		lockLogger.Infof(format, args...)
	})
	view := mergeview.New(pair.ID, idx, localDir, externalDir)

	pullRouter := router.NewReadRouter(idx, resolver, s.cfg.Sync.EnableChecksum, true)
	streamRouter := router.NewReadRouter(idx, resolver, s.cfg.Sync.EnableChecksum, false)

	retryCfg := retry.DefaultConfig()
	if len(s.cfg.Sync.RetryDelays) > 0 {
		retryCfg.InitialDelay = s.cfg.Sync.RetryDelays[0]
		retryCfg.MaxAttempts = len(s.cfg.Sync.RetryDelays) + 1
	}

	scheduler := syncsched.New(idx, locks, resolver, view, s.activity, syncsched.Options{
		ConflictStrategy:   types.ConflictStrategy(s.cfg.Sync.ConflictStrategy),
		EnableChecksum:     s.cfg.Sync.EnableChecksum,
		VerifyAfterCopy:    s.cfg.Sync.VerifyAfterCopy,
		ParallelOperations: s.cfg.Sync.ParallelOperations,
		RetryConfig:        retryCfg,
	})

	writer := router.NewWriteRouter(idx, locks, resolver, view, scheduler, s.cfg.Sync.EnableDelete)

	triggerThreshold := s.cfg.Eviction.TriggerThreshold
	targetFree := s.cfg.Eviction.TargetFreeSpace
	if pair.MaxLocalCacheBytes > 0 {
		triggerThreshold = pair.MaxLocalCacheBytes
	}
	if pair.TargetFreeBytes > 0 {
		targetFree = pair.TargetFreeBytes
	}

	evictionEngine := eviction.New(idx, locks, resolver, s.activity, freeSpaceOf, eviction.Options{
		Strategy:         types.EvictionStrategy(s.cfg.Eviction.Strategy),
		TriggerThreshold: triggerThreshold,
		TargetFreeSpace:  targetFree,
		MaxFilesPerRun:   s.cfg.Eviction.MaxFilesPerRun,
		MinFileAge:       s.cfg.Eviction.MinFileAge,
		ExcludePatterns:  pair.ExcludePatterns,
	})

	scheduler.SetEvictor(&pairEvictor{engine: evictionEngine, pair: pair, diskMountPath: disk.MountPath})
	scheduler.SetProgressTracker(s.progress)

	fsCfg := fuse.DefaultConfig(pair.TargetDir())
	diskMountPath := disk.MountPath
	fsys := fuse.NewFileSystem(pair, func() string { return diskMountPath },
		idx, view, pullRouter, streamRouter, writer, locks, resolver, fsCfg)
	mountMgr := fuse.NewMountManager(fsys, pair.TargetDir(), fuse.MountOptions{})

	rt := &PairRuntime{
		Pair: pair, Disk: disk,
		Index: idx, TreeVersion: tv, View: view, Resolver: resolver, Locks: locks,
		PullRouter: pullRouter, StreamRouter: streamRouter, Writer: writer,
		Scheduler: scheduler, Eviction: evictionEngine,
		FileSystem: fsys, Mount: mountMgr,
	}
	s.pairs[pair.ID] = rt
	return rt, nil
}

// reconcileManifest reads rootDir's tree-version manifest and rebuilds it
// (writing the refreshed manifest back) if it is missing or stale.
func (s *Service) reconcileManifest(tv *treeversion.Manager, rootDir string, source treeversion.Source, createIfMissing bool) ([]*types.FileEntry, error) {
	if createIfMissing {
		if err := os.MkdirAll(rootDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", rootDir, err)
		}
	}

	manifest, err := tv.Read(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read tree manifest at %s: %w", rootDir, err)
	}

	if !tv.NeedsRebuild(manifest, "") {
		return nil, nil
	}

	manifest, entries, err := tv.Rebuild(rootDir, source)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild tree manifest at %s: %w", rootDir, err)
	}
	if err := tv.Write(rootDir, manifest); err != nil {
		return nil, fmt.Errorf("failed to write tree manifest at %s: %w", rootDir, err)
	}
	return entries, nil
}

// Start mounts every registered pair's FUSE filesystem and begins the
// periodic sync/eviction loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("service already started")
	}
	pairs := make([]*PairRuntime, 0, len(s.pairs))
	for _, rt := range s.pairs {
		pairs = append(pairs, rt)
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.metrics.Start(ctx); err != nil {
		return fmt.Errorf("failed to start metrics collector: %w", err)
	}

	svcLog := s.logger.WithComponent("service")
	for _, rt := range pairs {
		if err := rt.Mount.Mount(ctx); err != nil {
			return fmt.Errorf("failed to mount sync pair %s: %w", rt.Pair.ID, err)
		}
		svcLog.Infof("mounted sync pair %s at %s", rt.Pair.ID, rt.Pair.TargetDir())
	}

	s.wg.Add(1)
	go s.runLoop(pairs)

	svcLog.Infof("hybridfs service started with %d sync pair(s)", len(pairs))
	return nil
}

// runLoop periodically drains each pair's dirty queue and checks each
// pair's free space against its eviction trigger, until Stop is called.
func (s *Service) runLoop(pairs []*PairRuntime) {
	defer s.wg.Done()

	syncInterval := s.cfg.Sync.AutoSyncInterval
	if syncInterval <= 0 {
		syncInterval = 30 * time.Second
	}
	evictInterval := s.cfg.Eviction.CheckInterval
	if evictInterval <= 0 {
		evictInterval = 5 * time.Minute
	}

	syncTicker := time.NewTicker(syncInterval)
	evictTicker := time.NewTicker(evictInterval)
	defer syncTicker.Stop()
	defer evictTicker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-syncTicker.C:
			for _, rt := range pairs {
				go func(rt *PairRuntime) {
					breaker := s.diskBreaker(rt.Disk.ID)
					err := breaker.Execute(func() error {
						return rt.Scheduler.RunOnce(context.Background(), rt.Pair, rt.Disk.MountPath)
					})
					if err != nil {
						s.logger.WithComponent("service").Errorf("sync pair %s: %v", rt.Pair.ID, err)
					}
				}(rt)
			}
		case <-evictTicker.C:
			if !s.cfg.Eviction.AutoEnabled {
				continue
			}
			for _, rt := range pairs {
				go func(rt *PairRuntime) {
					if !rt.Eviction.ShouldTrigger(rt.Pair.LocalDir()) {
						return
					}
					if _, err := rt.Eviction.EvictNow(context.Background(), rt.Pair, rt.Pair.LocalDir(), rt.Disk.MountPath); err != nil {
						s.logger.WithComponent("service").Errorf("eviction pair %s: %v", rt.Pair.ID, err)
					}
				}(rt)
			}
		}
	}
}

// Stop unmounts every pair, flushes each pair's index to disk, and stops
// the background loop and lock scrubbers.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("service not started")
	}
	s.started = false
	close(s.stopCh)
	pairs := make([]*PairRuntime, 0, len(s.pairs))
	for _, rt := range s.pairs {
		pairs = append(pairs, rt)
	}
	s.mu.Unlock()

	s.wg.Wait()

	svcLog := s.logger.WithComponent("service")
	var lastErr error
	for _, rt := range pairs {
		if rt.Mount.IsMounted() {
			if err := rt.Mount.Unmount(); err != nil {
				svcLog.Errorf("error unmounting sync pair %s: %v", rt.Pair.ID, err)
				lastErr = err
			}
		}
		if err := rt.Index.Flush(); err != nil {
			svcLog.Errorf("error flushing index for sync pair %s: %v", rt.Pair.ID, err)
			lastErr = err
		}
		if err := rt.Index.Close(); err != nil {
			svcLog.Errorf("error closing index for sync pair %s: %v", rt.Pair.ID, err)
			lastErr = err
		}
		rt.Locks.Close()
	}

	if err := s.metrics.Stop(ctx); err != nil {
		svcLog.Errorf("error stopping metrics collector: %v", err)
		lastErr = err
	}

	svcLog.Infof("hybridfs service stopped")
	return lastErr
}

// Metrics returns the shared metrics collector, e.g. for a control plane
// to expose alongside its own HTTP surface.
func (s *Service) Metrics() *metrics.Collector { return s.metrics }

// freeSpaceOf reports bytes currently free on the filesystem backing dir,
// grounded on internal/fuse's own statfs use of syscall.Statfs.
func freeSpaceOf(dir string) (int64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
