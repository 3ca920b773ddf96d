// Package pathresolver maps a virtual path exposed through the FUSE mount
// onto its LOCAL and EXTERNAL backing-store absolute paths, rejecting
// escapes, `.FUSE/` crossing, and exclude-pattern matches before any other
// component touches the filesystem.
package pathresolver

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/hybridfs/hybridfs/pkg/errors"
	"github.com/hybridfs/hybridfs/pkg/types"
)

// reservedDir is never exposed through the merge view; it holds the
// per-backing-store tree manifest.
const reservedDir = ".FUSE"

// AllowDenyList configures the global guard used by privileged operations
// (lock/ACL/hide/protect) that must never be pointed at system directories.
type AllowDenyList struct {
	Allow []string // glob patterns, e.g. "downloads", "documents", "/Volumes/*"
	Deny  []string // glob patterns, e.g. "/System", "/usr"
}

// DefaultAllowDenyList matches SPEC_FULL.md §4.1's named examples.
func DefaultAllowDenyList() AllowDenyList {
	return AllowDenyList{
		Allow: []string{"downloads", "documents", "/Volumes/*"},
		Deny:  []string{"/System", "/System/*", "/usr", "/usr/*", "/bin", "/bin/*", "/sbin", "/sbin/*"},
	}
}

// Resolver resolves a sync pair's virtual paths against its two backing
// stores and enforces exclude patterns plus the global allow/deny guard.
type Resolver struct {
	guard AllowDenyList
}

// New creates a Resolver with the given allow/deny guard.
func New(guard AllowDenyList) *Resolver {
	return &Resolver{guard: guard}
}

// Resolve maps virtualPath (rooted at the pair's mount point) onto its
// LOCAL and EXTERNAL absolute paths, or an InvalidPath error if the path
// escapes the pair, crosses into .FUSE/, or matches an exclude pattern.
func (r *Resolver) Resolve(pair types.SyncPair, diskMountPath, virtualPath string) (localAbs, externalAbs string, err error) {
	clean, cerr := cleanVirtualPath(virtualPath)
	if cerr != nil {
		return "", "", cerr
	}

	for _, part := range strings.Split(clean, "/") {
		if part == reservedDir {
			return "", "", errors.New(errors.ErrCodeInvalidPath, "path crosses into reserved .FUSE directory").
				WithComponent("pathresolver").WithDetail("path", virtualPath)
		}
	}

	for _, pattern := range pair.ExcludePatterns {
		if matched, _ := path.Match(pattern, path.Base(clean)); matched {
			return "", "", errors.New(errors.ErrCodeInvalidPath, "path matches an exclude pattern").
				WithComponent("pathresolver").WithDetail("path", virtualPath).WithDetail("pattern", pattern)
		}
	}

	localAbs = filepath.Join(pair.LocalDir(), clean)
	if !strings.HasPrefix(filepath.Clean(localAbs), filepath.Clean(pair.LocalDir())) {
		return "", "", errors.New(errors.ErrCodeInvalidPath, "resolved LOCAL path escapes its sync pair").
			WithComponent("pathresolver").WithDetail("path", virtualPath)
	}

	externalDir := pair.ExternalDir(diskMountPath)
	if externalDir != "" {
		externalAbs = filepath.Join(externalDir, clean)
		if !strings.HasPrefix(filepath.Clean(externalAbs), filepath.Clean(externalDir)) {
			return "", "", errors.New(errors.ErrCodeInvalidPath, "resolved EXTERNAL path escapes its sync pair").
				WithComponent("pathresolver").WithDetail("path", virtualPath)
		}
	}

	return localAbs, externalAbs, nil
}

// cleanVirtualPath normalizes a virtual path and rejects `..` escapes.
func cleanVirtualPath(virtualPath string) (string, error) {
	if virtualPath == "" {
		virtualPath = "/"
	}
	clean := path.Clean("/" + virtualPath)
	if strings.Contains(virtualPath, "..") && clean != virtualPath {
		// path.Clean silently resolves ".." — if the input contained one,
		// treat it as a rejected escape attempt rather than trust the result.
		return "", errors.New(errors.ErrCodeInvalidPath, "path contains a directory traversal segment").
			WithComponent("pathresolver").WithDetail("path", virtualPath)
	}
	return strings.TrimPrefix(clean, "/"), nil
}

// CheckPrivileged validates an absolute host path against the global
// allow/deny guard used by PrivilegedOps (SPEC_FULL.md §4.1, §4.12).
func (r *Resolver) CheckPrivileged(absPath string) error {
	base := path.Base(absPath)

	for _, pattern := range r.guard.Deny {
		if matched, _ := path.Match(pattern, absPath); matched {
			return errors.New(errors.ErrCodePermissionDenied, "path is in the denied set").
				WithComponent("pathresolver").WithDetail("path", absPath)
		}
	}

	allowed := len(r.guard.Allow) == 0
	for _, pattern := range r.guard.Allow {
		if matched, _ := path.Match(pattern, absPath); matched {
			allowed = true
			break
		}
		if matched, _ := path.Match(pattern, base); matched {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.New(errors.ErrCodePermissionDenied, "path is not in the allowed set").
			WithComponent("pathresolver").WithDetail("path", absPath)
	}

	return nil
}
