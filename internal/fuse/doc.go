/*
Package fuse is the kernel-facing bridge for the merge filesystem: it
translates POSIX VFS calls arriving at the mount point into MergeView
lookups, ReadRouter/WriteRouter location decisions, and LockManager
exclusion, then maps every resulting component error onto the POSIX
errno the kernel expects.

# Architecture

	User process (ls, cat, cp, vim, ...)
	        │ POSIX syscalls
	Kernel VFS
	        │
	go-fuse/v2 server
	        │
	this package (FileSystem / DirectoryNode / FileNode / FileHandle)
	        │                 │                  │
	   MergeView         ReadRouter/        LockManager
	  (listing, attrs)   WriteRouter       (per-path excl.)
	        │                 │                  │
	        └──────────── Index ─────────────────┘
	                         │
	              LOCAL_DIR / EXTERNAL_DIR

# Platform support

go-fuse/v2 is the sole bridge implementation; the reference stack's
winfsp/cgofuse variant is not carried (SPEC_FULL.md §9 Open Question 3 —
one mount implementation is enough to cover the kernel-callback table
without a cgo/Windows-only build tag).
*/
package fuse
