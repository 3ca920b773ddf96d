// Package types holds the data model shared across the merge-filesystem
// core: sync pairs, disks, file entries, tree manifests and activity
// records. Component packages (index, mergeview, router, sync, eviction,
// controlplane) all speak these types rather than inventing local copies.
package types

import "time"

// Direction tags which side of a sync pair a file is being moved toward.
type Direction string

const (
	DirectionLocalToExternal Direction = "local_to_external"
	DirectionExternalToLocal Direction = "external_to_local"
	DirectionBidirectional   Direction = "bidirectional"
)

// Location describes where a FileEntry's bytes currently live.
type Location string

const (
	LocationNotExists    Location = "not_exists"
	LocationLocalOnly    Location = "local_only"
	LocationExternalOnly Location = "external_only"
	LocationBoth         Location = "both"
	LocationDeleted      Location = "deleted"
)

// ConflictStrategy selects how SyncScheduler resolves a reconcile conflict.
type ConflictStrategy string

const (
	ConflictLocalWinsWithBackup ConflictStrategy = "local_wins_with_backup"
	ConflictNewerWins           ConflictStrategy = "newer_wins"
	ConflictLargerWins          ConflictStrategy = "larger_wins"
	ConflictExternalWins        ConflictStrategy = "external_wins"
	ConflictKeepBoth            ConflictStrategy = "keep_both"
	ConflictAskUser             ConflictStrategy = "ask_user"
)

// EvictionStrategy selects the LOCAL-space reclaim candidate order.
type EvictionStrategy string

const (
	EvictionAccessTime   EvictionStrategy = "access_time"
	EvictionModifiedTime EvictionStrategy = "modified_time"
	EvictionSizeFirst    EvictionStrategy = "size_first"
)

// Disk is a removable or fixed volume that may host an EXTERNAL_DIR.
type Disk struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MountPath string `json:"mount_path"`
	Priority  int    `json:"priority"`
	Enabled   bool   `json:"enabled"`
}

// SyncPair binds a mount point to its LOCAL cache and EXTERNAL store.
type SyncPair struct {
	ID                   string    `json:"id"`
	DiskID               string    `json:"disk_id"`
	LocalPath            string    `json:"local_path"`
	ExternalRelativePath string    `json:"external_relative_path"`
	Direction            Direction `json:"direction"`
	ExcludePatterns      []string  `json:"exclude_patterns"`
	MaxLocalCacheBytes   int64     `json:"max_local_cache_bytes"`
	TargetFreeBytes      int64     `json:"target_free_bytes"`
	AutoEvict            bool      `json:"auto_evict"`
}

// TargetDir is the FUSE mount point: the local path after the one-time
// rename of the user's original directory into "_Local".
func (p SyncPair) TargetDir() string { return p.LocalPath }

// LocalDir is the on-disk hot cache backing the mount.
func (p SyncPair) LocalDir() string { return p.LocalPath + "_Local" }

// ExternalDir resolves the pair's relative path against a disk mount.
func (p SyncPair) ExternalDir(diskMountPath string) string {
	if diskMountPath == "" {
		return ""
	}
	return diskMountPath + "/" + p.ExternalRelativePath
}

// FileLock is a per-path, direction-tagged exclusion held while a file is
// mid-reconcile (SyncScheduler), being evicted, or being written
// (WriteRouter); ReadRouter's pull takes no lock.
type FileLock struct {
	AcquiredAt time.Time `json:"acquired_at"`
	Direction  Direction `json:"direction"`
}

// FileEntry is the Index's unit of record for one virtual path.
type FileEntry struct {
	VirtualPath string    `json:"virtual_path"`
	Location    Location  `json:"location"`
	Size        int64     `json:"size"`
	IsDirectory bool      `json:"is_directory"`
	CreatedAt   time.Time `json:"created_at"`
	ModifiedAt  time.Time `json:"modified_at"`
	AccessedAt  time.Time `json:"accessed_at"`
	Checksum    string    `json:"checksum,omitempty"`
	IsDirty     bool      `json:"is_dirty"`
	Lock        *FileLock `json:"lock,omitempty"`
}

// Evictable reports whether the entry may be a LOCAL-space reclaim
// candidate: present on both sides, reconciled, and not mid-operation.
func (e FileEntry) Evictable() bool {
	return e.Location == LocationBoth && !e.IsDirty && e.Lock == nil
}

// ManifestEntry is one row of a TreeVersionManifest.
type ManifestEntry struct {
	Size        *int64    `json:"size,omitempty"`
	ModifiedAt  time.Time `json:"modifiedAt"`
	Checksum    string    `json:"checksum,omitempty"`
	IsDirectory *bool     `json:"isDirectory,omitempty"`
}

// ManifestFormatTag identifies the on-disk manifest schema.
const ManifestFormatTag = "DMSA_TREE_V1"

// TreeVersionManifest is the ".FUSE/db.json" persisted on each backing store.
type TreeVersionManifest struct {
	Version     int                      `json:"version"`
	Format      string                   `json:"format"`
	Source      string                   `json:"source"`
	TreeVersion string                   `json:"treeVersion"`
	LastScanAt  time.Time                `json:"lastScanAt"`
	FileCount   int                      `json:"fileCount"`
	TotalSize   int64                    `json:"totalSize"`
	Checksum    string                   `json:"checksum"`
	Entries     map[string]ManifestEntry `json:"entries"`
}

// ActivityKind enumerates the events surfaced through activity history.
type ActivityKind string

const (
	ActivitySyncStarted       ActivityKind = "sync_started"
	ActivitySyncCompleted     ActivityKind = "sync_completed"
	ActivitySyncFailed        ActivityKind = "sync_failed"
	ActivityEvictionCompleted ActivityKind = "eviction_completed"
	ActivityEvictionFailed    ActivityKind = "eviction_failed"
	ActivityDiskConnected     ActivityKind = "disk_connected"
	ActivityDiskDisconnected  ActivityKind = "disk_disconnected"
	ActivityIndexRebuilt      ActivityKind = "index_rebuilt"
	ActivityConfigUpdated     ActivityKind = "config_updated"
	ActivityError             ActivityKind = "error"
)

// ActivityRecord is one entry in the retained recent-activity history.
type ActivityRecord struct {
	ID          string       `json:"id"`
	Kind        ActivityKind `json:"kind"`
	Title       string       `json:"title"`
	Detail      string       `json:"detail,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
	SyncPairID  string       `json:"sync_pair_id,omitempty"`
	DiskID      string       `json:"disk_id,omitempty"`
	FilesCount  int64        `json:"files_count,omitempty"`
	BytesCount  int64        `json:"bytes_count,omitempty"`
}

// HealthStatus represents the health status of a component.
type HealthStatus struct {
	Status     string            `json:"status"`
	LastCheck  time.Time         `json:"last_check"`
	Response   time.Duration     `json:"response_time"`
	ErrorCount int64             `json:"error_count"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details"`
}

// PerformanceMetrics summarizes rolling throughput/latency for ControlPlane's
// get_full_state and the Prometheus collector's gauge snapshot.
type PerformanceMetrics struct {
	Timestamp       time.Time     `json:"timestamp"`
	ReadThroughput  float64       `json:"read_throughput"`
	WriteThroughput float64       `json:"write_throughput"`
	ReadLatency     time.Duration `json:"read_latency"`
	WriteLatency    time.Duration `json:"write_latency"`
	SyncBacklog     int64         `json:"sync_backlog"`
	PendingRequests int64         `json:"pending_requests"`
	ErrorRate       float64       `json:"error_rate"`
}
