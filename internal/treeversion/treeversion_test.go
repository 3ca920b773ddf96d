package treeversion

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybridfs/hybridfs/pkg/types"
)

func TestRead_MissingManifest(t *testing.T) {
	m := New(nil)
	manifest, err := m.Read(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, manifest)
}

func TestNeedsRebuild(t *testing.T) {
	m := New(nil)

	assert.True(t, m.NeedsRebuild(nil, "v1"))
	assert.True(t, m.NeedsRebuild(&types.TreeVersionManifest{Format: "garbage"}, "v1"))
	assert.True(t, m.NeedsRebuild(&types.TreeVersionManifest{Format: types.ManifestFormatTag, TreeVersion: "v1"}, "v2"))
	assert.False(t, m.NeedsRebuild(&types.TreeVersionManifest{Format: types.ManifestFormatTag, TreeVersion: "v1"}, "v1"))
}

func TestRebuild_ScansTreeSkippingFuseAndExcludes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".FUSE"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".FUSE", "db.json"), []byte("{}"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("hello"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.tmp"), []byte("x"), 0600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "nested.txt"), []byte("yo"), 0600))

	m := New([]string{"*.tmp"})
	manifest, entries, err := m.Rebuild(dir, SourceLocal)
	require.NoError(t, err)

	assert.Equal(t, types.ManifestFormatTag, manifest.Format)
	assert.NotEmpty(t, manifest.TreeVersion)
	assert.NotEmpty(t, manifest.Checksum)

	var paths []string
	for _, e := range entries {
		paths = append(paths, e.VirtualPath)
	}
	assert.Contains(t, paths, "/keep.txt")
	assert.Contains(t, paths, "/sub/nested.txt")
	assert.Contains(t, paths, "/sub")
	assert.NotContains(t, paths, "/skip.tmp")
	assert.NotContains(t, paths, "/.FUSE/db.json")

	for _, e := range entries {
		assert.Equal(t, types.LocationLocalOnly, e.Location)
	}
}

func TestWriteThenRead_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	m := New(nil)

	manifest := &types.TreeVersionManifest{
		Version:     1,
		Format:      types.ManifestFormatTag,
		Source:      string(SourceLocal),
		TreeVersion: "abc123",
		LastScanAt:  time.Now(),
		FileCount:   0,
		Entries:     map[string]types.ManifestEntry{},
	}

	require.NoError(t, m.Write(dir, manifest))

	read, err := m.Read(dir)
	require.NoError(t, err)
	require.NotNil(t, read)
	assert.Equal(t, "abc123", read.TreeVersion)
}

func TestReconcile_EqualSizeAndMtimeIsClean(t *testing.T) {
	now := time.Now()
	local := []*types.FileEntry{{VirtualPath: "/a.txt", Size: 10, ModifiedAt: now}}
	external := []*types.FileEntry{{VirtualPath: "/a.txt", Size: 10, ModifiedAt: now}}

	merged := Reconcile(local, external, types.DirectionLocalToExternal)
	require.Len(t, merged, 1)
	assert.Equal(t, types.LocationBoth, merged[0].Location)
	assert.False(t, merged[0].IsDirty)
	assert.Nil(t, merged[0].Lock)
}

func TestReconcile_DifferingMarksDirtyWithDefaultLock(t *testing.T) {
	now := time.Now()
	local := []*types.FileEntry{{VirtualPath: "/a.txt", Size: 10, ModifiedAt: now}}
	external := []*types.FileEntry{{VirtualPath: "/a.txt", Size: 99, ModifiedAt: now.Add(time.Hour)}}

	merged := Reconcile(local, external, types.DirectionLocalToExternal)
	require.Len(t, merged, 1)
	assert.Equal(t, types.LocationBoth, merged[0].Location)
	assert.True(t, merged[0].IsDirty)
	require.NotNil(t, merged[0].Lock)
	assert.Equal(t, types.DirectionLocalToExternal, merged[0].Lock.Direction)
}

func TestReconcile_OneSidedEntriesPassThrough(t *testing.T) {
	local := []*types.FileEntry{{VirtualPath: "/local-only.txt", Location: types.LocationLocalOnly}}
	external := []*types.FileEntry{{VirtualPath: "/external-only.txt", Location: types.LocationExternalOnly}}

	merged := Reconcile(local, external, types.DirectionLocalToExternal)
	require.Len(t, merged, 2)
}
