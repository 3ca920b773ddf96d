// Package privileged implements the allow-listed elevated filesystem
// operations SPEC_FULL.md §4.12 names: directory lock/unlock (immutable
// flag), deny-write ACL grant/revoke, hide/unhide, the protect/unprotect
// composite, and the create/move/remove trio used for the one-time
// original-directory rename into "*_Local". Every operation validates its
// target against the global allow/deny guard (pathresolver.Resolver's
// CheckPrivileged) before touching the host filesystem. Ordinary FUSE paths
// go through Resolver.Resolve, which does not apply this guard.
//
// Grounded on internal/fuse/platform.go's golang.org/x/sys/unix xattr
// wrappers (extended here to the FS_IOC_*FLAGS ioctl pair for the
// immutable-flag lock/unlock operations); no higher-level ACL/xattr/chattr
// library appears anywhere in the pack.
package privileged

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/hybridfs/hybridfs/internal/pathresolver"
	"github.com/hybridfs/hybridfs/pkg/errors"
)

const (
	hiddenXattr  = "user.hybridfs.hidden"
	aclDenyXattr = "user.hybridfs.acl_deny_write"
)

// Ops performs elevated operations, each checked against guard first.
type Ops struct {
	resolver *pathresolver.Resolver
}

// New creates an Ops bound to the given global allow/deny guard.
func New(guard pathresolver.AllowDenyList) *Ops {
	return &Ops{resolver: pathresolver.New(guard)}
}

func (o *Ops) checked(absPath string) (string, error) {
	abs, err := filepath.Abs(absPath)
	if err != nil {
		return "", errors.New(errors.ErrCodeInvalidPath, "cannot resolve absolute path").
			WithComponent("privileged").WithDetail("path", absPath)
	}
	if err := o.resolver.CheckPrivileged(abs); err != nil {
		return "", err
	}
	return abs, nil
}

// LockDirectory sets the immutable flag (FS_IMMUTABLE_FL) on dir, preventing
// any modification, rename, or deletion until UnlockDirectory clears it.
func (o *Ops) LockDirectory(dir string) error {
	return o.setImmutable(dir, true)
}

// UnlockDirectory clears the immutable flag set by LockDirectory.
func (o *Ops) UnlockDirectory(dir string) error {
	return o.setImmutable(dir, false)
}

func (o *Ops) setImmutable(dir string, locked bool) error {
	abs, err := o.checked(dir)
	if err != nil {
		return err
	}

	fd, err := unix.Open(abs, unix.O_RDONLY, 0)
	if err != nil {
		return errors.New(errors.ErrCodePermissionDenied, "cannot open directory for locking").
			WithComponent("privileged").WithDetail("path", abs).WithCause(err)
	}
	defer unix.Close(fd)

	flags, err := unix.IoctlGetInt(fd, unix.FS_IOC_GETFLAGS)
	if err != nil {
		return errors.New(errors.ErrCodePermissionDenied, "cannot read directory flags").
			WithComponent("privileged").WithDetail("path", abs).WithCause(err)
	}

	if locked {
		flags |= unix.FS_IMMUTABLE_FL
	} else {
		flags &^= unix.FS_IMMUTABLE_FL
	}

	if err := unix.IoctlSetPointerInt(fd, unix.FS_IOC_SETFLAGS, flags); err != nil {
		return errors.New(errors.ErrCodePermissionDenied, "cannot set directory flags").
			WithComponent("privileged").WithDetail("path", abs).WithCause(err)
	}
	return nil
}

// SetACL records a deny-write entry for principal on dir. True POSIX ACLs
// (system.posix_acl_access) use a binary wire format no pack library
// exposes a builder for; this stores a newline-separated principal list in
// a plain xattr instead. Only this package reads that xattr back; no access
// check in internal/fuse or the control plane consults it
// (SPEC_FULL.md §9 notes this is an accepted simplification, not kernel-
// enforced ACL semantics).
func (o *Ops) SetACL(dir, principal string) error {
	abs, err := o.checked(dir)
	if err != nil {
		return err
	}
	principals, _ := o.readACL(abs)
	for _, p := range principals {
		if p == principal {
			return nil
		}
	}
	principals = append(principals, principal)
	return o.writeACL(abs, principals)
}

// RemoveACL clears a previously-set deny-write entry for principal on dir.
func (o *Ops) RemoveACL(dir, principal string) error {
	abs, err := o.checked(dir)
	if err != nil {
		return err
	}
	principals, err := o.readACL(abs)
	if err != nil {
		return err
	}
	kept := principals[:0]
	for _, p := range principals {
		if p != principal {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		if err := unix.Removexattr(abs, aclDenyXattr); err != nil && err != unix.ENODATA {
			return errors.New(errors.ErrCodePermissionDenied, "cannot remove ACL xattr").
				WithComponent("privileged").WithDetail("path", abs).WithCause(err)
		}
		return nil
	}
	return o.writeACL(abs, kept)
}

func (o *Ops) readACL(abs string) ([]string, error) {
	buf := make([]byte, 4096)
	n, err := unix.Getxattr(abs, aclDenyXattr, buf)
	if err != nil {
		if err == unix.ENODATA {
			return nil, nil
		}
		return nil, errors.New(errors.ErrCodePermissionDenied, "cannot read ACL xattr").
			WithComponent("privileged").WithDetail("path", abs).WithCause(err)
	}
	return splitNonEmpty(string(buf[:n])), nil
}

func (o *Ops) writeACL(abs string, principals []string) error {
	data := joinLines(principals)
	if err := unix.Setxattr(abs, aclDenyXattr, []byte(data), 0); err != nil {
		return errors.New(errors.ErrCodePermissionDenied, "cannot write ACL xattr").
			WithComponent("privileged").WithDetail("path", abs).WithCause(err)
	}
	return nil
}

// HideDirectory marks dir hidden via a custom xattr, without removing it
// from either backing store. internal/fuse's readdir does not read this
// xattr, so the mark does not change what directory listings show.
func (o *Ops) HideDirectory(dir string) error {
	abs, err := o.checked(dir)
	if err != nil {
		return err
	}
	if err := unix.Setxattr(abs, hiddenXattr, []byte("1"), 0); err != nil {
		return errors.New(errors.ErrCodePermissionDenied, "cannot set hidden xattr").
			WithComponent("privileged").WithDetail("path", abs).WithCause(err)
	}
	return nil
}

// UnhideDirectory clears the hidden marker set by HideDirectory.
func (o *Ops) UnhideDirectory(dir string) error {
	abs, err := o.checked(dir)
	if err != nil {
		return err
	}
	if err := unix.Removexattr(abs, hiddenXattr); err != nil && err != unix.ENODATA {
		return errors.New(errors.ErrCodePermissionDenied, "cannot remove hidden xattr").
			WithComponent("privileged").WithDetail("path", abs).WithCause(err)
	}
	return nil
}

// ProtectDirectory locks and hides dir in one call.
func (o *Ops) ProtectDirectory(dir string) error {
	if err := o.LockDirectory(dir); err != nil {
		return err
	}
	return o.HideDirectory(dir)
}

// UnprotectDirectory reverses ProtectDirectory.
func (o *Ops) UnprotectDirectory(dir string) error {
	if err := o.UnlockDirectory(dir); err != nil {
		return err
	}
	return o.UnhideDirectory(dir)
}

// CreateDirectory makes dir (and parents) after a privilege check. Used by
// the one-time original-directory rename SPEC_FULL.md §4.12 names.
func (o *Ops) CreateDirectory(dir string) error {
	abs, err := o.checked(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return errors.New(errors.ErrCodePermissionDenied, "cannot create directory").
			WithComponent("privileged").WithDetail("path", abs).WithCause(err)
	}
	return nil
}

// MoveItem renames src to dst after checking both paths.
func (o *Ops) MoveItem(src, dst string) error {
	absSrc, err := o.checked(src)
	if err != nil {
		return err
	}
	absDst, err := o.checked(dst)
	if err != nil {
		return err
	}
	if err := os.Rename(absSrc, absDst); err != nil {
		return errors.New(errors.ErrCodePermissionDenied, "cannot move item").
			WithComponent("privileged").WithDetail("path", fmt.Sprintf("%s -> %s", absSrc, absDst)).WithCause(err)
	}
	return nil
}

// RemoveItem recursively removes path after a privilege check.
func (o *Ops) RemoveItem(path string) error {
	abs, err := o.checked(path)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(abs); err != nil {
		return errors.New(errors.ErrCodePermissionDenied, "cannot remove item").
			WithComponent("privileged").WithDetail("path", abs).WithCause(err)
	}
	return nil
}

func splitNonEmpty(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
