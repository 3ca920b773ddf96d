package router

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybridfs/hybridfs/pkg/types"
)

type memIndex struct {
	mu      sync.Mutex
	entries map[string]*types.FileEntry
}

func newMemIndex() *memIndex {
	return &memIndex{entries: make(map[string]*types.FileEntry)}
}

func (m *memIndex) Get(virtualPath string) (*types.FileEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[virtualPath]
	return e, ok
}

func (m *memIndex) Put(entry *types.FileEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *entry
	m.entries[entry.VirtualPath] = &copied
}

func (m *memIndex) Delete(virtualPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, virtualPath)
}

type noopLocks struct{}

func (noopLocks) Acquire(ctx context.Context, path string, dir types.Direction, timeout time.Duration) error {
	return nil
}
func (noopLocks) Release(path string) {}
func (noopLocks) Cancel(path string)  {}

type fakeResolver struct {
	localDir, externalDir string
}

func (f fakeResolver) Resolve(pair types.SyncPair, diskMountPath, virtualPath string) (string, string, error) {
	local := filepath.Join(f.localDir, virtualPath)
	external := ""
	if f.externalDir != "" {
		external = filepath.Join(f.externalDir, virtualPath)
	}
	return local, external, nil
}

type captureNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (c *captureNotifier) NotifyDirty(pairID, virtualPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, pairID+":"+virtualPath)
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func TestReadRouter_LocalOnly(t *testing.T) {
	idx := newMemIndex()
	idx.Put(&types.FileEntry{VirtualPath: "/a.txt", Location: types.LocationLocalOnly})
	r := NewReadRouter(idx, fakeResolver{localDir: "/local", externalDir: "/external"}, true, true)

	target, err := r.Resolve(types.SyncPair{}, "/Volumes/x", "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "/local/a.txt", target)
}

func TestReadRouter_BothDefaultsToLocal(t *testing.T) {
	idx := newMemIndex()
	idx.Put(&types.FileEntry{VirtualPath: "/a.txt", Location: types.LocationBoth})
	r := NewReadRouter(idx, fakeResolver{localDir: "/local", externalDir: "/external"}, true, true)

	target, err := r.Resolve(types.SyncPair{}, "/Volumes/x", "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "/local/a.txt", target)
}

func TestReadRouter_BothLockedExternalToLocal(t *testing.T) {
	idx := newMemIndex()
	idx.Put(&types.FileEntry{
		VirtualPath: "/a.txt", Location: types.LocationBoth,
		Lock: &types.FileLock{Direction: types.DirectionExternalToLocal, AcquiredAt: time.Now()},
	})
	r := NewReadRouter(idx, fakeResolver{localDir: "/local", externalDir: "/external"}, true, true)

	target, err := r.Resolve(types.SyncPair{}, "/Volumes/x", "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "/external/a.txt", target)
}

func TestReadRouter_NotFound(t *testing.T) {
	idx := newMemIndex()
	r := NewReadRouter(idx, fakeResolver{localDir: "/local"}, true, true)

	_, err := r.Resolve(types.SyncPair{}, "", "/nope.txt")
	assert.Error(t, err)
}

func TestReadRouter_PullsExternalOnlyToLocal(t *testing.T) {
	localDir := t.TempDir()
	externalDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(externalDir, "a.txt"), []byte("hello"), 0600))

	idx := newMemIndex()
	idx.Put(&types.FileEntry{VirtualPath: "/a.txt", Location: types.LocationExternalOnly})
	r := NewReadRouter(idx, fakeResolver{localDir: localDir, externalDir: externalDir}, true, true)

	target, err := r.Resolve(types.SyncPair{}, "/Volumes/x", "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(localDir, "/a.txt"), target)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	entry, ok := idx.Get("/a.txt")
	require.True(t, ok)
	assert.Equal(t, types.LocationBoth, entry.Location)
	assert.False(t, entry.IsDirty)
	assert.NotEmpty(t, entry.Checksum)
}

func TestWriteRouter_CreateMarksLocalOnlyDirty(t *testing.T) {
	localDir := t.TempDir()
	idx := newMemIndex()
	notifier := &captureNotifier{}
	wr := NewWriteRouter(idx, noopLocks{}, fakeResolver{localDir: localDir}, nil, notifier, false)

	abs, err := wr.Create(context.Background(), types.SyncPair{ID: "pair-1"}, "", "/new.txt")
	require.NoError(t, err)
	assert.FileExists(t, abs)

	entry, ok := idx.Get("/new.txt")
	require.True(t, ok)
	assert.Equal(t, types.LocationLocalOnly, entry.Location)
	assert.True(t, entry.IsDirty)
}

func TestWriteRouter_UnlinkBothDropsLocalKeepsExternalOnly(t *testing.T) {
	localDir := t.TempDir()
	externalDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(localDir, "a.txt"), []byte("x"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(externalDir, "a.txt"), []byte("x"), 0600))

	idx := newMemIndex()
	idx.Put(&types.FileEntry{VirtualPath: "/a.txt", Location: types.LocationBoth})
	wr := NewWriteRouter(idx, noopLocks{}, fakeResolver{localDir: localDir, externalDir: externalDir}, nil, nil, false)

	require.NoError(t, wr.Unlink(types.SyncPair{}, "/Volumes/x", "/a.txt"))

	assert.NoFileExists(t, filepath.Join(localDir, "a.txt"))
	assert.FileExists(t, filepath.Join(externalDir, "a.txt"))

	entry, ok := idx.Get("/a.txt")
	require.True(t, ok)
	assert.Equal(t, types.LocationExternalOnly, entry.Location)
}

func TestWriteRouter_UnlinkExternalOnlyRespectsEnableDeleteFlag(t *testing.T) {
	externalDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(externalDir, "a.txt"), []byte("x"), 0600))

	idx := newMemIndex()
	idx.Put(&types.FileEntry{VirtualPath: "/a.txt", Location: types.LocationExternalOnly})
	wr := NewWriteRouter(idx, noopLocks{}, fakeResolver{localDir: t.TempDir(), externalDir: externalDir}, nil, nil, false)

	require.NoError(t, wr.Unlink(types.SyncPair{}, "/Volumes/x", "/a.txt"))
	assert.FileExists(t, filepath.Join(externalDir, "a.txt"))

	_, ok := idx.Get("/a.txt")
	assert.True(t, ok, "entry should remain when enable_delete is false")
}

func TestWriteRouter_UnlinkExternalOnlyDeletesWhenEnabled(t *testing.T) {
	externalDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(externalDir, "a.txt"), []byte("x"), 0600))

	idx := newMemIndex()
	idx.Put(&types.FileEntry{VirtualPath: "/a.txt", Location: types.LocationExternalOnly})
	wr := NewWriteRouter(idx, noopLocks{}, fakeResolver{localDir: t.TempDir(), externalDir: externalDir}, nil, nil, true)

	require.NoError(t, wr.Unlink(types.SyncPair{}, "/Volumes/x", "/a.txt"))
	assert.NoFileExists(t, filepath.Join(externalDir, "a.txt"))

	_, ok := idx.Get("/a.txt")
	assert.False(t, ok)
}

func TestWriteRouter_RenameMovesLocalAndReKeysIndex(t *testing.T) {
	localDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(localDir, "old.txt"), []byte("x"), 0600))

	idx := newMemIndex()
	idx.Put(&types.FileEntry{VirtualPath: "/old.txt", Location: types.LocationLocalOnly})
	wr := NewWriteRouter(idx, noopLocks{}, fakeResolver{localDir: localDir}, nil, nil, false)

	require.NoError(t, wr.Rename(types.SyncPair{}, "", "/old.txt", "/new.txt"))

	assert.NoFileExists(t, filepath.Join(localDir, "old.txt"))
	assert.FileExists(t, filepath.Join(localDir, "new.txt"))

	_, ok := idx.Get("/old.txt")
	assert.False(t, ok)
	entry, ok := idx.Get("/new.txt")
	require.True(t, ok)
	assert.True(t, entry.IsDirty)
}

func TestWriteRouter_CompleteWriteDebouncesNotify(t *testing.T) {
	idx := newMemIndex()
	idx.Put(&types.FileEntry{VirtualPath: "/a.txt", Location: types.LocationLocalOnly})
	notifier := &captureNotifier{}
	wr := NewWriteRouter(idx, noopLocks{}, fakeResolver{localDir: t.TempDir()}, nil, notifier, false)
	wr.waitTimeout = 50 * time.Millisecond

	wr.CompleteWrite("pair-1", "/a.txt", 10, time.Now())
	wr.CompleteWrite("pair-1", "/a.txt", 20, time.Now())

	assert.Equal(t, 0, notifier.count(), "notify should not fire before debounce window elapses")
}
