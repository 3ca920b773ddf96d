package fuse

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"path"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/hybridfs/hybridfs/internal/index"
	"github.com/hybridfs/hybridfs/internal/lock"
	"github.com/hybridfs/hybridfs/internal/mergeview"
	"github.com/hybridfs/hybridfs/internal/pathresolver"
	"github.com/hybridfs/hybridfs/internal/router"
	fserrors "github.com/hybridfs/hybridfs/pkg/errors"
	"github.com/hybridfs/hybridfs/pkg/types"
)

// safeInt64ToUint64 prevents a negative size/time field from wrapping to a
// huge unsigned value across the FUSE wire.
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// Config configures one sync pair's FUSE mount.
type Config struct {
	MountPoint   string        `yaml:"mount_point"`
	AllowOther   bool          `yaml:"allow_other"`
	Debug        bool          `yaml:"debug"`
	FSName       string        `yaml:"fsname"`
	Subtype      string        `yaml:"subtype"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
	DefaultUID   uint32        `yaml:"default_uid"`
	DefaultGID   uint32        `yaml:"default_gid"`
	DefaultMode  uint32        `yaml:"default_mode"`
	DirMode      uint32        `yaml:"dir_mode"`
}

// DefaultConfig returns sensible defaults for a sync pair's mount.
func DefaultConfig(mountPoint string) *Config {
	return &Config{
		MountPoint:   mountPoint,
		FSName:       "hybridfs",
		Subtype:      "dualstore",
		AttrTimeout:  time.Second,
		EntryTimeout: time.Second,
		DefaultUID:   safeUint32(os.Getuid()),
		DefaultGID:   safeUint32(os.Getgid()),
		DefaultMode:  0640,
		DirMode:      0750,
	}
}

func safeUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	return uint32(i)
}

// FileSystem is the go-fuse InodeEmbedder root for one sync pair's mount.
// Every kernel callback is a thin translation into MergeView (listing,
// attributes), ReadRouter/WriteRouter (location + mutation) and
// LockManager (mutual exclusion), grounded on the teacher's
// FileSystem/DirectoryNode/FileNode/FileHandle shape in the prior
// object-storage bridge.
type FileSystem struct {
	fs.Inode

	pair          types.SyncPair
	diskMountPath func() string

	resolver     *pathresolver.Resolver
	index        *index.Index
	view         *mergeview.View
	pullRouter   *router.ReadRouter // pullOnDemand=true: used by write-intent opens
	streamRouter *router.ReadRouter // pullOnDemand=false: used by read-only opens
	writer       *router.WriteRouter
	locks        *lock.Manager

	config *Config
}

// NewFileSystem wires one sync pair's already-constructed components into a
// mountable FUSE root.
func NewFileSystem(
	pair types.SyncPair,
	diskMountPath func() string,
	idx *index.Index,
	view *mergeview.View,
	pullRouter, streamRouter *router.ReadRouter,
	writer *router.WriteRouter,
	locks *lock.Manager,
	resolver *pathresolver.Resolver,
	config *Config,
) *FileSystem {
	if config == nil {
		config = DefaultConfig("")
	}
	return &FileSystem{
		pair:          pair,
		diskMountPath: diskMountPath,
		resolver:      resolver,
		index:         idx,
		view:          view,
		pullRouter:    pullRouter,
		streamRouter:  streamRouter,
		writer:        writer,
		locks:         locks,
		config:        config,
	}
}

// Root returns the mount's root directory node.
func (fsys *FileSystem) Root() fs.InodeEmbedder {
	return &DirectoryNode{fs: fsys, path: "/"}
}

func (fsys *FileSystem) fillAttr(attr *fuse.Attr, attrs mergeview.Attributes) {
	if attrs.IsDirectory {
		attr.Mode = fuse.S_IFDIR | fsys.config.DirMode
	} else {
		attr.Mode = fuse.S_IFREG | fsys.config.DefaultMode
		attr.Size = safeInt64ToUint64(attrs.Size)
	}
	attr.Uid = fsys.config.DefaultUID
	attr.Gid = fsys.config.DefaultGID
	t := safeInt64ToUint64(attrs.ModifiedAt.Unix())
	attr.Mtime, attr.Atime, attr.Ctime = t, t, t
}

func (fsys *FileSystem) fillEntryOut(attrs mergeview.Attributes, out *fuse.EntryOut) {
	fsys.fillAttr(&out.Attr, attrs)
	out.SetEntryTimeout(fsys.config.EntryTimeout)
	out.SetAttrTimeout(fsys.config.AttrTimeout)
}

func (fsys *FileSystem) statfs(out *fuse.StatfsOut) syscall.Errno {
	var st syscall.Statfs_t
	local := fsys.pair.LocalDir()
	if err := syscall.Statfs(local, &st); err != nil {
		return syscall.EIO
	}
	out.Blocks = uint64(st.Blocks)
	out.Bfree = uint64(st.Bfree)
	out.Bavail = uint64(st.Bavail)
	out.Files = uint64(st.Files)
	out.Ffree = uint64(st.Ffree)
	out.Bsize = uint32(st.Bsize)
	out.NameLen = 255
	return 0
}

// toErrno maps a component error onto the POSIX errno the kernel expects,
// per SPEC_FULL.md §4.10.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var fsErr *fserrors.FSError
	if stderrors.As(err, &fsErr) {
		return syscall.Errno(fsErr.Errno())
	}
	return syscall.EIO
}

// DirectoryNode represents one virtual directory.
type DirectoryNode struct {
	fs.Inode
	fs   *FileSystem
	path string
}

func (n *DirectoryNode) child(name string) string {
	return path.Join(n.path, name)
}

var _ fs.NodeLookuper = (*DirectoryNode)(nil)
var _ fs.NodeReaddirer = (*DirectoryNode)(nil)
var _ fs.NodeMkdirer = (*DirectoryNode)(nil)
var _ fs.NodeCreater = (*DirectoryNode)(nil)
var _ fs.NodeUnlinker = (*DirectoryNode)(nil)
var _ fs.NodeRmdirer = (*DirectoryNode)(nil)
var _ fs.NodeRenamer = (*DirectoryNode)(nil)
var _ fs.NodeStatfser = (*DirectoryNode)(nil)

// Lookup resolves one child of a directory via MergeView's merged attribute
// view (LOCAL preferred, EXTERNAL fallback).
func (n *DirectoryNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child := n.child(name)
	attrs := n.fs.view.GetAttributes(child)
	if !attrs.Exists {
		return nil, syscall.ENOENT
	}
	n.fs.fillEntryOut(attrs, out)

	if attrs.IsDirectory {
		return n.NewInode(ctx, &DirectoryNode{fs: n.fs, path: child}, fs.StableAttr{Mode: fuse.S_IFDIR}), 0
	}
	return n.NewInode(ctx, &FileNode{fs: n.fs, path: child}, fs.StableAttr{Mode: fuse.S_IFREG}), 0
}

// Readdir lists the unified LOCAL+EXTERNAL directory contents via MergeView.
func (n *DirectoryNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	names := n.fs.view.ListDirectory(n.path)
	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		attrs := n.fs.view.GetAttributes(n.child(name))
		mode := uint32(fuse.S_IFREG)
		if attrs.IsDirectory {
			mode = fuse.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: name, Mode: mode})
	}
	return fs.NewListDirStream(entries), 0
}

// Mkdir creates a directory LOCAL-side only; directories are structural and
// never sync as file content (SyncScheduler only moves FileEntry bytes).
func (n *DirectoryNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child := n.child(name)
	localAbs, _, err := n.fs.resolver.Resolve(n.fs.pair, n.fs.diskMountPath(), child)
	if err != nil {
		return nil, toErrno(err)
	}
	if err := os.MkdirAll(localAbs, os.FileMode(n.fs.config.DirMode)); err != nil {
		return nil, syscall.EIO
	}

	now := time.Now()
	n.fs.index.Put(&types.FileEntry{
		VirtualPath: child, Location: types.LocationLocalOnly, IsDirectory: true,
		CreatedAt: now, ModifiedAt: now, AccessedAt: now,
	})
	n.fs.view.Invalidate(n.path)

	attrs := n.fs.view.GetAttributes(child)
	n.fs.fillEntryOut(attrs, out)
	return n.NewInode(ctx, &DirectoryNode{fs: n.fs, path: child}, fs.StableAttr{Mode: fuse.S_IFDIR}), 0
}

// Create makes a new LocalOnly,dirty file via WriteRouter and opens it.
func (n *DirectoryNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	child := n.child(name)
	localAbs, err := n.fs.writer.Create(ctx, n.fs.pair, n.fs.diskMountPath(), child)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}

	file, oerr := os.OpenFile(localAbs, int(flags)|os.O_CREATE, os.FileMode(mode))
	if oerr != nil {
		return nil, nil, 0, syscall.EIO
	}

	attrs := n.fs.view.GetAttributes(child)
	n.fs.fillEntryOut(attrs, out)

	inode := n.NewInode(ctx, &FileNode{fs: n.fs, path: child}, fs.StableAttr{Mode: fuse.S_IFREG})
	return inode, &FileHandle{fs: n.fs, path: child, file: file}, 0, 0
}

// Unlink drops a file per WriteRouter's Location-keyed deletion policy.
func (n *DirectoryNode) Unlink(ctx context.Context, name string) syscall.Errno {
	if err := n.fs.writer.Unlink(n.fs.pair, n.fs.diskMountPath(), n.child(name)); err != nil {
		return toErrno(err)
	}
	n.fs.view.Invalidate(n.path)
	return 0
}

// Rmdir removes a LOCAL (and best-effort EXTERNAL) directory.
func (n *DirectoryNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	child := n.child(name)
	localAbs, externalAbs, err := n.fs.resolver.Resolve(n.fs.pair, n.fs.diskMountPath(), child)
	if err != nil {
		return toErrno(err)
	}

	if rmErr := os.Remove(localAbs); rmErr != nil && !os.IsNotExist(rmErr) {
		if stderrors.Is(rmErr, syscall.ENOTEMPTY) {
			return syscall.ENOTEMPTY
		}
		return syscall.EIO
	}
	if externalAbs != "" {
		_ = os.Remove(externalAbs)
	}

	n.fs.index.Delete(child)
	n.fs.view.Invalidate(n.path)
	return 0
}

// Rename moves a file or directory, re-keying the Index and invalidating
// both the source and destination listings.
func (n *DirectoryNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	destDir, ok := newParent.(*DirectoryNode)
	if !ok {
		return syscall.EINVAL
	}
	oldChild := n.child(name)
	newChild := destDir.child(newName)

	if err := n.fs.writer.Rename(n.fs.pair, n.fs.diskMountPath(), oldChild, newChild); err != nil {
		return toErrno(err)
	}
	n.fs.view.Invalidate(n.path)
	n.fs.view.Invalidate(destDir.path)
	return 0
}

// Statfs reports LOCAL_DIR's block counts, per SPEC_FULL.md §4.10.
func (n *DirectoryNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	return n.fs.statfs(out)
}

// FileNode represents one virtual file.
type FileNode struct {
	fs.Inode
	fs   *FileSystem
	path string
}

var _ fs.NodeOpener = (*FileNode)(nil)
var _ fs.NodeGetattrer = (*FileNode)(nil)
var _ fs.NodeSetattrer = (*FileNode)(nil)
var _ fs.NodeGetxattrer = (*FileNode)(nil)
var _ fs.NodeSetxattrer = (*FileNode)(nil)
var _ fs.NodeListxattrer = (*FileNode)(nil)
var _ fs.NodeRemovexattrer = (*FileNode)(nil)
var _ fs.NodeStatfser = (*FileNode)(nil)

// Open resolves the backing path to open. Read-only opens stream straight
// from whichever side MergeView's read policy selects without pulling;
// write-intent opens (O_WRONLY/O_RDWR/O_CREAT/O_TRUNC) ensure a LOCAL copy
// exists first, pulling EXTERNAL content over when it isn't a truncation.
func (f *FileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	pair, disk := f.fs.pair, f.fs.diskMountPath()
	writeIntent := flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_CREAT|syscall.O_TRUNC) != 0

	var target string
	var err error
	if writeIntent {
		target, err = f.fs.writer.PrepareWrite(ctx, pair, disk, f.path)
		if err == nil && flags&syscall.O_TRUNC == 0 {
			if entry, ok := f.fs.index.Get(f.path); ok && entry.Location == types.LocationExternalOnly {
				_, err = f.fs.pullRouter.Resolve(pair, disk, f.path)
			}
		}
	} else {
		target, err = f.fs.streamRouter.Resolve(pair, disk, f.path)
	}
	if err != nil {
		return nil, 0, toErrno(err)
	}

	file, oerr := os.OpenFile(target, int(flags), 0640)
	if oerr != nil {
		return nil, 0, syscall.EIO
	}
	return &FileHandle{fs: f.fs, path: f.path, file: file}, 0, 0
}

// Getattr reports MergeView's merged attributes for this path.
func (f *FileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attrs := f.fs.view.GetAttributes(f.path)
	if !attrs.Exists {
		return syscall.ENOENT
	}
	f.fs.fillAttr(&out.Attr, attrs)
	return 0
}

// Setattr handles truncate (marks dirty unconditionally) and utimens (marks
// dirty only when mtime, not just atime, changes), per SPEC_FULL.md §4.10.
func (f *FileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	pair, disk := f.fs.pair, f.fs.diskMountPath()
	localAbs, _, err := f.fs.resolver.Resolve(pair, disk, f.path)
	if err != nil {
		return toErrno(err)
	}

	dirty := false

	if size, ok := in.GetSize(); ok {
		if entry, eok := f.fs.index.Get(f.path); eok && entry.Location == types.LocationExternalOnly {
			if _, perr := f.fs.pullRouter.Resolve(pair, disk, f.path); perr != nil {
				return toErrno(perr)
			}
		}
		if err := os.Truncate(localAbs, int64(size)); err != nil {
			return syscall.EIO
		}
		dirty = true
	}

	if mtime, ok := in.GetMTime(); ok {
		atime := mtime
		if at, aok := in.GetATime(); aok {
			atime = at
		}
		_ = os.Chtimes(localAbs, atime, mtime)
		dirty = true
	} else if _, ok := in.GetATime(); ok {
		if st, serr := os.Stat(localAbs); serr == nil {
			_ = os.Chtimes(localAbs, time.Now(), st.ModTime())
		}
	}

	if dirty {
		size := int64(0)
		if st, serr := os.Stat(localAbs); serr == nil {
			size = st.Size()
		}
		f.fs.writer.CompleteWrite(pair.ID, f.path, size, time.Now())
		f.fs.view.Invalidate(path.Dir(f.path))
	}

	attrs := f.fs.view.GetAttributes(f.path)
	f.fs.fillAttr(&out.Attr, attrs)
	return 0
}

// Getxattr reads from whichever side currently holds the file.
func (f *FileNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	localAbs, externalAbs, err := f.fs.resolver.Resolve(f.fs.pair, f.fs.diskMountPath(), f.path)
	if err != nil {
		return 0, toErrno(err)
	}
	n, xerr := unixGetxattr(localAbs, attr, dest)
	if xerr != nil && externalAbs != "" {
		n, xerr = unixGetxattr(externalAbs, attr, dest)
	}
	if xerr != nil {
		return 0, syscall.ENODATA
	}
	return uint32(n), 0
}

// Setxattr always writes LOCAL and marks the entry dirty so the extended
// attribute travels on the next sync.
func (f *FileNode) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	localAbs, _, err := f.fs.resolver.Resolve(f.fs.pair, f.fs.diskMountPath(), f.path)
	if err != nil {
		return toErrno(err)
	}
	if err := unixSetxattr(localAbs, attr, data, int(flags)); err != nil {
		return syscall.EIO
	}
	if st, serr := os.Stat(localAbs); serr == nil {
		f.fs.writer.CompleteWrite(f.fs.pair.ID, f.path, st.Size(), time.Now())
	}
	return 0
}

func (f *FileNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	localAbs, _, err := f.fs.resolver.Resolve(f.fs.pair, f.fs.diskMountPath(), f.path)
	if err != nil {
		return 0, toErrno(err)
	}
	n, xerr := unixListxattr(localAbs, dest)
	if xerr != nil {
		return 0, syscall.EIO
	}
	return uint32(n), 0
}

func (f *FileNode) Removexattr(ctx context.Context, attr string) syscall.Errno {
	localAbs, _, err := f.fs.resolver.Resolve(f.fs.pair, f.fs.diskMountPath(), f.path)
	if err != nil {
		return toErrno(err)
	}
	if err := unixRemovexattr(localAbs, attr); err != nil {
		return syscall.EIO
	}
	return 0
}

func (f *FileNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	return f.fs.statfs(out)
}

// FileHandle wraps one open *os.File, tagging reads/writes back onto the
// virtual path for CompleteWrite notification.
type FileHandle struct {
	fs   *FileSystem
	path string
	file *os.File

	mu    sync.Mutex
	dirty bool
}

var _ fs.FileReader = (*FileHandle)(nil)
var _ fs.FileWriter = (*FileHandle)(nil)
var _ fs.FileFlusher = (*FileHandle)(nil)
var _ fs.FileFsyncer = (*FileHandle)(nil)
var _ fs.FileReleaser = (*FileHandle)(nil)

func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := fh.file.ReadAt(dest, off)
	if err != nil && !stderrors.Is(err, io.EOF) {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (fh *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := fh.file.WriteAt(data, off)
	if err != nil {
		return 0, syscall.EIO
	}

	fh.mu.Lock()
	fh.dirty = true
	fh.mu.Unlock()

	size := off + int64(n)
	if st, serr := fh.file.Stat(); serr == nil && st.Size() > size {
		size = st.Size()
	}
	fh.fs.writer.CompleteWrite(fh.fs.pair.ID, fh.path, size, time.Now())

	return uint32(n), 0
}

func (fh *FileHandle) Flush(ctx context.Context) syscall.Errno {
	fh.mu.Lock()
	wasDirty := fh.dirty
	fh.dirty = false
	fh.mu.Unlock()

	if !wasDirty {
		return 0
	}
	if err := fh.file.Sync(); err != nil {
		return syscall.EIO
	}
	return 0
}

func (fh *FileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	if err := fh.file.Sync(); err != nil {
		return syscall.EIO
	}
	return 0
}

func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	if err := fh.file.Close(); err != nil {
		return syscall.EIO
	}
	return 0
}
