/*
Package types holds the data model and cross-component interfaces for the
merge filesystem: SyncPair/Disk configuration, the FileEntry/Location/Lock
state machine that the Index persists, the TreeVersionManifest written to
each backing store, and the ActivityRecord history surfaced through the
control plane.

# Architecture

	┌─────────────────────────────────────────────┐
	│              FUSE Bridge                    │
	│           (internal/fuse)                   │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│   MergeView / ReadRouter / WriteRouter       │
	└─────────────────────────────────────────────┘
	          │        │        │        │
	┌─────────┴───┐ ┌──┴──┐ ┌───┴───┐ ┌──┴──────┐
	│    Index    │ │Lock │ │ Sync  │ │Eviction │
	└─────────────┘ └─────┘ └───────┘ └─────────┘

# Core types

FileEntry is the Index's unit of record: a virtual path's location (which
backing store holds it), dirty/lock state, and timestamps. SyncPair binds a
mount point to its LocalDir/ExternalDir pair and sync direction.
TreeVersionManifest is the ".FUSE/db.json" format written by TreeVersion and
read at startup to decide whether a side needs a rebuild scan.

# Thread safety

Values in this package are plain data; callers (Index, LockManager) own the
synchronization discipline described in SPEC_FULL.md §5.
*/
package types
