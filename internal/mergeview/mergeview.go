// Package mergeview presents the unified directory tree a sync pair's FUSE
// mount exposes: each directory listing merges Index entries from both
// backing stores into one deduped view sorted by lowercase name, and file
// attributes prefer whichever side currently holds the bytes.
//
// The listing cache is a bounded, TTL'd LRU keyed by (SyncPairID, prefix),
// grounded on internal/cache/lru.go's container/list + expiry mechanics,
// adapted from byte-range caching to directory-listing caching.
package mergeview

import (
	"container/list"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hybridfs/hybridfs/pkg/types"
)

// IndexReader is the subset of internal/index.Index the merge view reads.
type IndexReader interface {
	Get(virtualPath string) (*types.FileEntry, bool)
	List(dir string) []*types.FileEntry
}

const (
	maxCacheEntries = 100
	cacheTTL        = 5 * time.Second
)

type cacheKey struct {
	pairID string
	prefix string
}

type cacheItem struct {
	key       cacheKey
	names     []string
	expiresAt time.Time
	element   *list.Element
}

// View merges one sync pair's Index with on-disk metadata to answer
// directory listings and attribute lookups.
type View struct {
	pairID string
	index  IndexReader
	local  string
	external string

	mu        sync.Mutex
	entries   map[cacheKey]*cacheItem
	evictList *list.List
}

// New creates a View over idx for one sync pair. localDir/externalDir are
// the pair's backing-store roots, used to stat on-disk attributes;
// externalDir may be empty when no disk is currently mounted.
func New(pairID string, idx IndexReader, localDir, externalDir string) *View {
	return &View{
		pairID:    pairID,
		index:     idx,
		local:     localDir,
		external:  externalDir,
		entries:   make(map[cacheKey]*cacheItem),
		evictList: list.New(),
	}
}

// ListDirectory returns the names of the Index entries that are direct
// children of prefix, deduped and sorted by their lowercase byte order, with
// NotExists/Deleted entries omitted. A name that exists only as part of a
// deeper path, with no Index entry of its own directly under prefix, is not
// listed; digit runs in names are compared character by character, not by
// numeric value.
func (v *View) ListDirectory(prefix string) []string {
	key := cacheKey{pairID: v.pairID, prefix: prefix}

	v.mu.Lock()
	if item, ok := v.entries[key]; ok {
		if time.Now().Before(item.expiresAt) {
			v.evictList.MoveToFront(item.element)
			names := item.names
			v.mu.Unlock()
			return names
		}
		v.removeLocked(item)
	}
	v.mu.Unlock()

	names := v.computeListing(prefix)

	v.mu.Lock()
	defer v.mu.Unlock()
	item := &cacheItem{key: key, names: names, expiresAt: time.Now().Add(cacheTTL)}
	item.element = v.evictList.PushFront(item)
	v.entries[key] = item
	v.evictIfNeeded()

	return names
}

func (v *View) computeListing(prefix string) []string {
	seen := make(map[string]bool)
	for _, entry := range v.index.List(prefix) {
		if entry.Location == types.LocationNotExists || entry.Location == types.LocationDeleted {
			continue
		}
		name := path.Base(entry.VirtualPath)
		seen[name] = true
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})
	return names
}

// Invalidate drops cached listings for prefix and every ancestor up to root,
// called after any write/delete/rename under prefix.
func (v *View) Invalidate(prefix string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for p := prefix; ; p = path.Dir(p) {
		key := cacheKey{pairID: v.pairID, prefix: p}
		if item, ok := v.entries[key]; ok {
			v.removeLocked(item)
		}
		if p == "/" || p == "." {
			break
		}
	}
}

func (v *View) removeLocked(item *cacheItem) {
	v.evictList.Remove(item.element)
	delete(v.entries, item.key)
}

func (v *View) evictIfNeeded() {
	for len(v.entries) > maxCacheEntries {
		back := v.evictList.Back()
		if back == nil {
			return
		}
		v.removeLocked(back.Value.(*cacheItem))
	}
}

// Attributes is the merged view of a path's metadata.
type Attributes struct {
	Exists      bool
	IsDirectory bool
	Size        int64
	ModifiedAt  time.Time
}

// GetAttributes merges Index metadata with on-disk size/mtime, preferring
// LOCAL when present. Root always exists.
func (v *View) GetAttributes(virtualPath string) Attributes {
	if virtualPath == "/" || virtualPath == "" {
		return Attributes{Exists: true, IsDirectory: true}
	}

	entry, ok := v.index.Get(virtualPath)
	if !ok {
		return Attributes{}
	}
	if entry.Location == types.LocationNotExists || entry.Location == types.LocationDeleted {
		return Attributes{}
	}

	attrs := Attributes{
		Exists:      true,
		IsDirectory: entry.IsDirectory,
		Size:        entry.Size,
		ModifiedAt:  entry.ModifiedAt,
	}

	if v.local != "" {
		if info, err := os.Stat(v.local + virtualPath); err == nil {
			attrs.Size = info.Size()
			attrs.ModifiedAt = info.ModTime()
			return attrs
		}
	}
	if v.external != "" {
		if info, err := os.Stat(v.external + virtualPath); err == nil {
			attrs.Size = info.Size()
			attrs.ModifiedAt = info.ModTime()
		}
	}

	return attrs
}
