package fuse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// MountOptions are the go-fuse server-level mount flags, kept separate from
// Config's filesystem-behavior knobs.
type MountOptions struct {
	AllowOther   bool          `yaml:"allow_other"`
	AllowRoot    bool          `yaml:"allow_root"`
	DefaultPerms bool          `yaml:"default_permissions"`
	Debug        bool          `yaml:"debug"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// MountManager owns the lifecycle of one sync pair's FUSE mount.
type MountManager struct {
	filesystem *FileSystem
	server     *fuse.Server
	mountPoint string
	options    MountOptions
	mounted    bool
}

// NewMountManager creates a MountManager for an already-wired FileSystem.
func NewMountManager(filesystem *FileSystem, mountPoint string, options MountOptions) *MountManager {
	if options.AttrTimeout == 0 {
		options.AttrTimeout = time.Second
	}
	if options.EntryTimeout == 0 {
		options.EntryTimeout = time.Second
	}
	return &MountManager{filesystem: filesystem, mountPoint: mountPoint, options: options}
}

// Mount mounts the filesystem at its configured mount point and begins
// serving requests in a background goroutine.
func (m *MountManager) Mount(ctx context.Context) error {
	if m.mounted {
		return fmt.Errorf("filesystem is already mounted at %s", m.mountPoint)
	}
	if err := m.validateMountPoint(); err != nil {
		return fmt.Errorf("invalid mount point: %w", err)
	}

	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:       m.filesystem.config.FSName,
			FsName:     m.filesystem.config.FSName,
			Debug:      m.options.Debug,
			AllowOther: m.options.AllowOther,
		},
		AttrTimeout:     &m.options.AttrTimeout,
		EntryTimeout:    &m.options.EntryTimeout,
		NullPermissions: !m.options.DefaultPerms,
	}
	if m.options.AllowRoot {
		opts.Options = append(opts.Options, "allow_root")
	}
	if m.filesystem.config.Subtype != "" {
		opts.Options = append(opts.Options, fmt.Sprintf("subtype=%s", m.filesystem.config.Subtype))
	}

	server, err := fs.Mount(m.mountPoint, m.filesystem.Root(), opts)
	if err != nil {
		return fmt.Errorf("failed to mount filesystem at %s: %w", m.mountPoint, err)
	}

	m.server = server
	m.mounted = true

	go func() {
		m.server.Wait()
		m.mounted = false
	}()

	return nil
}

// Unmount unmounts the filesystem, falling back to a lazy/force unmount if
// the normal path fails (e.g. a lingering open file handle).
func (m *MountManager) Unmount() error {
	if !m.mounted || m.server == nil {
		return fmt.Errorf("filesystem is not mounted at %s", m.mountPoint)
	}

	if err := m.server.Unmount(); err != nil {
		if forceErr := m.forceUnmount(); forceErr != nil {
			return fmt.Errorf("unmount failed: %w (force unmount also failed: %v)", err, forceErr)
		}
	}

	m.mounted = false
	m.server = nil
	return nil
}

// IsMounted reports whether this mount is currently active.
func (m *MountManager) IsMounted() bool { return m.mounted }

// MountPoint returns the mount path.
func (m *MountManager) MountPoint() string { return m.mountPoint }

// Wait blocks until the FUSE server stops serving.
func (m *MountManager) Wait() {
	if m.server != nil {
		m.server.Wait()
	}
}

func (m *MountManager) validateMountPoint() error {
	if m.mountPoint == "" {
		return fmt.Errorf("mount point cannot be empty")
	}
	info, err := os.Stat(m.mountPoint)
	if err != nil {
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", m.mountPoint)
	}
	if m.isAlreadyMounted() {
		return fmt.Errorf("mount point %s is already mounted", m.mountPoint)
	}
	return nil
}

func (m *MountManager) isAlreadyMounted() bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	return strings.Contains(string(data), filepath.Clean(m.mountPoint))
}

func (m *MountManager) forceUnmount() error {
	if err := syscall.Unmount(m.mountPoint, 2); err == nil { // MNT_DETACH (lazy)
		return nil
	}
	return syscall.Unmount(m.mountPoint, 1) // MNT_FORCE
}

// MountWatcher periodically checks that the actual mount state matches
// MountManager's expectation, surfacing drift (e.g. a manual `umount`) to
// the control plane via onDrift.
type MountWatcher struct {
	manager  *MountManager
	interval time.Duration
	onDrift  func(expectedMounted, actuallyMounted bool)
	stopCh   chan struct{}
	stopped  chan struct{}
}

// NewMountWatcher creates a MountWatcher.
func NewMountWatcher(manager *MountManager, interval time.Duration, onDrift func(expectedMounted, actuallyMounted bool)) *MountWatcher {
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &MountWatcher{
		manager: manager, interval: interval, onDrift: onDrift,
		stopCh: make(chan struct{}), stopped: make(chan struct{}),
	}
}

// Start begins the watch loop in a background goroutine.
func (w *MountWatcher) Start() { go w.run() }

// Stop ends the watch loop and waits for it to exit.
func (w *MountWatcher) Stop() {
	close(w.stopCh)
	<-w.stopped
}

func (w *MountWatcher) run() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			expected := w.manager.IsMounted()
			actual := w.manager.isAlreadyMounted()
			if expected != actual && w.onDrift != nil {
				w.onDrift(expected, actual)
			}
		}
	}
}
