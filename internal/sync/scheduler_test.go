package sync

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybridfs/hybridfs/pkg/retry"
	"github.com/hybridfs/hybridfs/pkg/status"
	"github.com/hybridfs/hybridfs/pkg/types"
)

type memIndex struct {
	mu      sync.Mutex
	entries map[string]*types.FileEntry
}

func newMemIndex() *memIndex { return &memIndex{entries: make(map[string]*types.FileEntry)} }

func (m *memIndex) Get(path string) (*types.FileEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[path]
	return e, ok
}

func (m *memIndex) Put(entry *types.FileEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *entry
	m.entries[entry.VirtualPath] = &copied
}

type noopLocks struct{}

func (noopLocks) Acquire(ctx context.Context, path string, dir types.Direction, timeout time.Duration) error {
	return nil
}
func (noopLocks) Release(path string) {}

type fakeResolver struct{ localDir, externalDir string }

func (f fakeResolver) Resolve(pair types.SyncPair, diskMountPath, virtualPath string) (string, string, error) {
	external := ""
	if f.externalDir != "" {
		external = filepath.Join(f.externalDir, virtualPath)
	}
	return filepath.Join(f.localDir, virtualPath), external, nil
}

type captureActivity struct {
	mu      sync.Mutex
	records []types.ActivityRecord
}

func (c *captureActivity) Record(r types.ActivityRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
}

func fastRetry() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.MaxAttempts = 2
	return cfg
}

func TestNotifyDirty_DedupesReDirtyIntoSameSlot(t *testing.T) {
	s := New(newMemIndex(), noopLocks{}, fakeResolver{}, nil, nil, Options{RetryConfig: fastRetry()})

	s.NotifyDirty("pair-1", "/a.txt")
	s.NotifyDirty("pair-1", "/b.txt")
	s.NotifyDirty("pair-1", "/a.txt") // re-dirty moves to back, doesn't duplicate

	s.mu.Lock()
	length := s.queues["pair-1"].Len()
	s.mu.Unlock()
	assert.Equal(t, 2, length)
}

func TestRunOnce_SyncsDirtyEntryToExternal(t *testing.T) {
	localDir := t.TempDir()
	externalDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(localDir, "a.txt"), []byte("hello"), 0600))

	idx := newMemIndex()
	idx.Put(&types.FileEntry{VirtualPath: "/a.txt", Location: types.LocationLocalOnly, IsDirty: true})

	activity := &captureActivity{}
	s := New(idx, noopLocks{}, fakeResolver{localDir: localDir, externalDir: externalDir}, nil, activity,
		Options{ConflictStrategy: types.ConflictNewerWins, RetryConfig: fastRetry()})
	s.NotifyDirty("pair-1", "/a.txt")

	require.NoError(t, s.RunOnce(context.Background(), types.SyncPair{ID: "pair-1"}, "/Volumes/x"))

	data, err := os.ReadFile(filepath.Join(externalDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	entry, ok := idx.Get("/a.txt")
	require.True(t, ok)
	assert.Equal(t, types.LocationBoth, entry.Location)
	assert.False(t, entry.IsDirty)
	assert.Nil(t, entry.Lock)

	require.NotEmpty(t, activity.records)
	last := activity.records[len(activity.records)-1]
	assert.Equal(t, types.ActivitySyncCompleted, last.Kind)
	assert.EqualValues(t, 1, last.FilesCount)
	assert.EqualValues(t, len("hello"), last.BytesCount)
}

func TestRunOnce_RecordsProgressWhenTrackerWired(t *testing.T) {
	localDir := t.TempDir()
	externalDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(localDir, "a.txt"), []byte("hello"), 0600))

	idx := newMemIndex()
	idx.Put(&types.FileEntry{VirtualPath: "/a.txt", Location: types.LocationLocalOnly, IsDirty: true})

	s := New(idx, noopLocks{}, fakeResolver{localDir: localDir, externalDir: externalDir}, nil, nil,
		Options{RetryConfig: fastRetry()})

	tracker := status.NewTracker(status.DefaultTrackerConfig())
	s.SetProgressTracker(tracker)

	_, ok := s.Progress("pair-1")
	assert.False(t, ok, "no operation recorded before RunOnce is called")

	s.NotifyDirty("pair-1", "/a.txt")
	require.NoError(t, s.RunOnce(context.Background(), types.SyncPair{ID: "pair-1"}, "/Volumes/x"))

	op, ok := s.Progress("pair-1")
	require.True(t, ok)
	assert.Equal(t, status.StatusCompleted, op.Status)
	require.NotNil(t, op.Progress)
	assert.EqualValues(t, 1, op.Progress.Current)
}

func TestRunOnce_FailsWhenExternalNotMounted(t *testing.T) {
	localDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(localDir, "a.txt"), []byte("hello"), 0600))

	idx := newMemIndex()
	idx.Put(&types.FileEntry{VirtualPath: "/a.txt", Location: types.LocationLocalOnly, IsDirty: true})

	activity := &captureActivity{}
	s := New(idx, noopLocks{}, fakeResolver{localDir: localDir}, nil, activity, Options{RetryConfig: fastRetry()})
	s.NotifyDirty("pair-1", "/a.txt")

	err := s.RunOnce(context.Background(), types.SyncPair{ID: "pair-1"}, "")
	assert.Error(t, err)
}

func TestPauseBlocksNewWork(t *testing.T) {
	idx := newMemIndex()
	s := New(idx, noopLocks{}, fakeResolver{localDir: t.TempDir()}, nil, nil, Options{RetryConfig: fastRetry()})
	s.Pause("pair-1")
	s.NotifyDirty("pair-1", "/a.txt")

	require.NoError(t, s.RunOnce(context.Background(), types.SyncPair{ID: "pair-1"}, ""))
	assert.Equal(t, StatePaused, s.State("pair-1"))
}

func TestState_DefaultsToIdle(t *testing.T) {
	s := New(newMemIndex(), noopLocks{}, fakeResolver{}, nil, nil, Options{RetryConfig: fastRetry()})
	assert.Equal(t, StateIdle, s.State("unknown-pair"))
}
