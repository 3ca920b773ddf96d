// Package treeversion reads and rebuilds the per-backing-store ".FUSE/db.json"
// manifest each sync pair's LOCAL and EXTERNAL directories carry, detects when
// a manifest is missing, malformed, or stale against the Index, and performs
// the at-mount reconciliation scan that materializes FileEntry rows for a
// freshly (re)discovered tree.
//
// Persistence follows internal/index's atomic temp-file-then-rename JSON
// discipline, itself grounded on the teacher's persistent-cache pattern.
package treeversion

import (
	"encoding/json"
	"hash/fnv"
	"io/fs"
	"math/rand"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hybridfs/hybridfs/pkg/errors"
	"github.com/hybridfs/hybridfs/pkg/types"
)

const manifestRelPath = ".FUSE/db.json"

// Source tags which backing store a manifest was read from/written for.
type Source string

const (
	SourceLocal    Source = "local"
	SourceExternal Source = "external"
)

// Manager reads, rebuilds, and writes tree-version manifests for one sync
// pair's backing stores.
type Manager struct {
	excludePatterns []string
}

// New creates a Manager that skips the given exclude glob patterns (and
// .FUSE/ itself) while scanning.
func New(excludePatterns []string) *Manager {
	return &Manager{excludePatterns: excludePatterns}
}

// Read loads the manifest at rootDir/.FUSE/db.json, if present.
func (m *Manager) Read(rootDir string) (*types.TreeVersionManifest, error) {
	data, err := os.ReadFile(filepath.Join(rootDir, manifestRelPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.New(errors.ErrCodeDbReadFailed, "failed to read tree manifest").
			WithComponent("treeversion").WithCause(err)
	}

	var manifest types.TreeVersionManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, errors.New(errors.ErrCodeMetadataCorrupt, "tree manifest is not valid JSON").
			WithComponent("treeversion").WithCause(err)
	}
	return &manifest, nil
}

// NeedsRebuild reports whether rootDir's manifest is absent, malformed (wrong
// format tag), or version-mismatched against the Index's recorded version.
func (m *Manager) NeedsRebuild(manifest *types.TreeVersionManifest, indexVersion string) bool {
	if manifest == nil {
		return true
	}
	if manifest.Format != types.ManifestFormatTag {
		return true
	}
	if indexVersion != "" && manifest.TreeVersion != indexVersion {
		return true
	}
	return false
}

// Rebuild scans rootDir (skipping .FUSE/ and excludes), materializes a fresh
// manifest keyed by virtual path, and returns it alongside the FileEntry rows
// an Index rebuild should install for source.
func (m *Manager) Rebuild(rootDir string, source Source) (*types.TreeVersionManifest, []*types.FileEntry, error) {
	entries := make(map[string]types.ManifestEntry)
	var fileEntries []*types.FileEntry
	var totalSize int64

	err := filepath.WalkDir(rootDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == rootDir {
			return nil
		}

		rel, err := filepath.Rel(rootDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if rel == ".FUSE" || strings.HasPrefix(rel, ".FUSE/") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		base := path.Base(rel)
		for _, pattern := range m.excludePatterns {
			if matched, _ := path.Match(pattern, base); matched {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		virtualPath := "/" + rel
		isDir := d.IsDir()

		entry := types.ManifestEntry{
			ModifiedAt:  info.ModTime(),
			IsDirectory: &isDir,
		}
		if !isDir {
			size := info.Size()
			entry.Size = &size
			totalSize += size
		}
		entries[virtualPath] = entry

		location := types.LocationLocalOnly
		if source == SourceExternal {
			location = types.LocationExternalOnly
		}
		fileEntries = append(fileEntries, &types.FileEntry{
			VirtualPath: virtualPath,
			Location:    location,
			Size:        info.Size(),
			IsDirectory: isDir,
			ModifiedAt:  info.ModTime(),
			AccessedAt:  info.ModTime(),
		})

		return nil
	})
	if err != nil {
		return nil, nil, errors.New(errors.ErrCodeMetadataCorrupt, "failed to scan backing store tree").
			WithComponent("treeversion").WithCause(err)
	}

	manifest := &types.TreeVersionManifest{
		Version:     1,
		Format:      types.ManifestFormatTag,
		Source:      string(source),
		TreeVersion: newVersionTag(),
		LastScanAt:  time.Now(),
		FileCount:   len(entries),
		TotalSize:   totalSize,
		Checksum:    checksumEntries(entries),
		Entries:     entries,
	}

	return manifest, fileEntries, nil
}

// Write persists manifest to rootDir/.FUSE/db.json atomically.
func (m *Manager) Write(rootDir string, manifest *types.TreeVersionManifest) error {
	dir := filepath.Join(rootDir, ".FUSE")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return errors.New(errors.ErrCodeDbWriteFailed, "failed to create .FUSE directory").
			WithComponent("treeversion").WithCause(err)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return errors.New(errors.ErrCodeDbWriteFailed, "failed to marshal tree manifest").
			WithComponent("treeversion").WithCause(err)
	}

	target := filepath.Join(dir, "db.json")
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return errors.New(errors.ErrCodeDbWriteFailed, "failed to write tree manifest tmp file").
			WithComponent("treeversion").WithCause(err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return errors.New(errors.ErrCodeDbWriteFailed, "failed to replace tree manifest").
			WithComponent("treeversion").WithCause(err)
	}
	return nil
}

// Reconcile merges LOCAL and EXTERNAL rebuild results into Both/LocalOnly/
// ExternalOnly FileEntry rows per SPEC_FULL.md §4.3: equal size+mtime on both
// sides collapses to Both,¬dirty; differing collapses to Both,dirty with a
// default LocalToExternal lock direction unless the pair says otherwise.
func Reconcile(local, external []*types.FileEntry, defaultDirection types.Direction) []*types.FileEntry {
	byPath := make(map[string]*types.FileEntry, len(local)+len(external))
	localByPath := make(map[string]*types.FileEntry, len(local))

	for _, e := range local {
		localByPath[e.VirtualPath] = e
		copied := *e
		byPath[e.VirtualPath] = &copied
	}

	for _, e := range external {
		existing, ok := localByPath[e.VirtualPath]
		if !ok {
			copied := *e
			byPath[e.VirtualPath] = &copied
			continue
		}

		merged := *existing
		merged.Location = types.LocationBoth
		sameSize := existing.Size == e.Size
		sameTime := existing.ModifiedAt.Equal(e.ModifiedAt)
		if sameSize && sameTime {
			merged.IsDirty = false
		} else {
			merged.IsDirty = true
			dir := defaultDirection
			if dir == "" {
				dir = types.DirectionLocalToExternal
			}
			merged.Lock = &types.FileLock{Direction: dir, AcquiredAt: time.Now()}
		}
		byPath[e.VirtualPath] = &merged
	}

	result := make([]*types.FileEntry, 0, len(byPath))
	for _, e := range byPath {
		result = append(result, e)
	}
	return result
}

// newVersionTag mints a tree version string: unix-nano timestamp plus a
// random suffix, so concurrent rebuilds of the same tree never collide.
func newVersionTag() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatInt(rand.Int63n(1<<32), 36)
}

// checksumEntries computes an FNV-1a checksum over (path, mtime, size) for
// every manifest entry, per SPEC_FULL.md §9 Open Question 2.
func checksumEntries(entries map[string]types.ManifestEntry) string {
	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sortStrings(paths)

	h := fnv.New64a()
	for _, p := range paths {
		e := entries[p]
		h.Write([]byte(p))
		h.Write([]byte(e.ModifiedAt.UTC().Format(time.RFC3339Nano)))
		if e.Size != nil {
			h.Write([]byte(strconv.FormatInt(*e.Size, 10)))
		}
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
