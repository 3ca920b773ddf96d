// Package index maintains the persistent per-sync-pair path → FileEntry map
// that every other merge-filesystem component reads through: MergeView for
// readdir/getattr, the routers for location decisions, SyncScheduler for
// dirty tracking, and EvictionEngine for candidate selection.
//
// Persistence follows the teacher's persistent-cache discipline: an
// in-memory map guarded by a RWMutex, periodically flushed to a JSON file
// via temp-file-then-rename so a crash mid-write never corrupts the index,
// with path-traversal guards on the computed file paths.
package index

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hybridfs/hybridfs/pkg/errors"
	"github.com/hybridfs/hybridfs/pkg/types"
)

// Config configures a sync pair's on-disk index.
type Config struct {
	// Directory is where the index file is stored, normally the sync
	// pair's LocalDir so the index travels with the cache it describes.
	Directory string

	// FileName is the index file's base name within Directory.
	FileName string

	// SyncInterval is how often the in-memory index is flushed to disk.
	SyncInterval time.Duration
}

// DefaultConfig returns sensible defaults for a sync pair's index.
func DefaultConfig(directory string) Config {
	return Config{
		Directory:    directory,
		FileName:     "index.json",
		SyncInterval: 1 * time.Second,
	}
}

// Index is the persistent path → FileEntry map for one sync pair.
type Index struct {
	mu      sync.RWMutex
	entries map[string]*types.FileEntry
	config  Config

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New creates an Index and loads any existing on-disk state.
func New(config Config) (*Index, error) {
	if config.FileName == "" {
		config.FileName = "index.json"
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = 1 * time.Second
	}

	if err := os.MkdirAll(config.Directory, 0750); err != nil {
		return nil, errors.New(errors.ErrCodeDbWriteFailed, "failed to create index directory").
			WithComponent("index").WithCause(err)
	}

	idx := &Index{
		entries: make(map[string]*types.FileEntry),
		config:  config,
		stopCh:  make(chan struct{}),
	}

	if err := idx.load(); err != nil {
		return nil, err
	}

	idx.wg.Add(1)
	go idx.syncLoop()

	return idx, nil
}

// Get returns the FileEntry for a virtual path, if present.
func (idx *Index) Get(virtualPath string) (*types.FileEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	entry, ok := idx.entries[virtualPath]
	if !ok {
		return nil, false
	}
	copied := *entry
	return &copied, true
}

// Put inserts or replaces a FileEntry.
func (idx *Index) Put(entry *types.FileEntry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	copied := *entry
	idx.entries[entry.VirtualPath] = &copied
}

// Delete removes a virtual path from the index.
func (idx *Index) Delete(virtualPath string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.entries, virtualPath)
}

// List returns all entries whose virtual path is a direct child of dir
// (matching the semantics readdir needs: one level, not recursive).
func (idx *Index) List(dir string) []*types.FileEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	prefix := strings.TrimSuffix(dir, "/") + "/"
	if dir == "/" || dir == "" {
		prefix = "/"
	}

	var result []*types.FileEntry
	for path, entry := range idx.entries {
		if path == dir {
			continue
		}
		rest := strings.TrimPrefix(path, prefix)
		if rest == path || rest == "" {
			continue
		}
		if strings.Contains(rest, "/") {
			continue // not a direct child
		}
		copied := *entry
		result = append(result, &copied)
	}
	return result
}

// All returns every entry in the index; used by EvictionEngine's candidate
// scan and by TreeVersion reconciliation.
func (idx *Index) All() []*types.FileEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	result := make([]*types.FileEntry, 0, len(idx.entries))
	for _, entry := range idx.entries {
		copied := *entry
		result = append(result, &copied)
	}
	return result
}

// Count returns the number of tracked entries.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Close stops the sync loop and flushes the index one last time.
func (idx *Index) Close() error {
	idx.mu.Lock()
	if idx.closed {
		idx.mu.Unlock()
		return nil
	}
	idx.closed = true
	idx.mu.Unlock()

	close(idx.stopCh)
	idx.wg.Wait()

	return idx.save()
}

// Flush forces an immediate save, used by graceful-shutdown paths that want
// a guaranteed-durable index before returning.
func (idx *Index) Flush() error {
	return idx.save()
}

func (idx *Index) indexPath() (string, error) {
	path := filepath.Join(idx.config.Directory, idx.config.FileName)
	clean := filepath.Clean(path)
	if !strings.HasPrefix(clean, filepath.Clean(idx.config.Directory)) {
		return "", errors.New(errors.ErrCodeInvalidPath, "index path escapes its directory").
			WithComponent("index").WithDetail("path", path)
	}
	return clean, nil
}

func (idx *Index) load() error {
	path, err := idx.indexPath()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.New(errors.ErrCodeDbReadFailed, "failed to read index file").
			WithComponent("index").WithCause(err)
	}

	var entries map[string]*types.FileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return errors.New(errors.ErrCodeDbCorrupted, "index file is not valid JSON").
			WithComponent("index").WithCause(err)
	}

	idx.mu.Lock()
	idx.entries = entries
	idx.mu.Unlock()

	return nil
}

func (idx *Index) save() error {
	path, err := idx.indexPath()
	if err != nil {
		return err
	}

	idx.mu.RLock()
	data, err := json.Marshal(idx.entries)
	idx.mu.RUnlock()
	if err != nil {
		return errors.New(errors.ErrCodeDbWriteFailed, "failed to marshal index").
			WithComponent("index").WithCause(err)
	}

	tmpPath := path + ".tmp"
	if !strings.HasPrefix(filepath.Clean(tmpPath), filepath.Clean(idx.config.Directory)) {
		return errors.New(errors.ErrCodeInvalidPath, "index tmp path escapes its directory").
			WithComponent("index")
	}

	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return errors.New(errors.ErrCodeDbWriteFailed, "failed to write index tmp file").
			WithComponent("index").WithCause(err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.New(errors.ErrCodeDbWriteFailed, "failed to replace index file").
			WithComponent("index").WithCause(err)
	}

	return nil
}

func (idx *Index) syncLoop() {
	defer idx.wg.Done()

	ticker := time.NewTicker(idx.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-idx.stopCh:
			return
		case <-ticker.C:
			_ = idx.save()
		}
	}
}
