package router

import (
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hybridfs/hybridfs/pkg/errors"
	"github.com/hybridfs/hybridfs/pkg/types"
)

// ReadRouter decides which backing store a read should hit, per
// SPEC_FULL.md §4.5's policy table, pulling EXTERNAL→LOCAL on demand.
type ReadRouter struct {
	index        IndexStore
	resolver     PathResolver
	checksum     bool
	pullOnDemand bool
}

// NewReadRouter creates a ReadRouter. checksum enables post-pull checksum
// verification; pullOnDemand controls whether an ExternalOnly,none read
// triggers an immediate pull (vs. serving straight from EXTERNAL).
func NewReadRouter(index IndexStore, resolver PathResolver, checksum, pullOnDemand bool) *ReadRouter {
	return &ReadRouter{index: index, resolver: resolver, checksum: checksum, pullOnDemand: pullOnDemand}
}

// Resolve returns the absolute path a read of virtualPath should open,
// pulling EXTERNAL→LOCAL first when the policy table calls for it. Every
// successful resolution bumps the entry's AccessedAt.
func (r *ReadRouter) Resolve(pair types.SyncPair, diskMountPath, virtualPath string) (string, error) {
	entry, ok := r.index.Get(virtualPath)
	if !ok {
		return "", errors.New(errors.ErrCodeFileNotFound, "no such file").
			WithComponent("router").WithOperation("read").WithDetail("path", virtualPath)
	}

	localAbs, externalAbs, err := r.resolver.Resolve(pair, diskMountPath, virtualPath)
	if err != nil {
		return "", err
	}

	direction := types.Direction("")
	if entry.Lock != nil {
		direction = entry.Lock.Direction
	}

	var target string
	switch entry.Location {
	case types.LocationLocalOnly:
		target = localAbs

	case types.LocationBoth:
		if direction == types.DirectionExternalToLocal {
			target = externalAbs
		} else {
			target = localAbs
		}

	case types.LocationExternalOnly:
		if externalAbs == "" {
			return "", errors.New(errors.ErrCodeExternalOffline, "external store is not mounted").
				WithComponent("router").WithOperation("read").WithDetail("path", virtualPath)
		}
		if direction == types.DirectionExternalToLocal {
			target = externalAbs
			break
		}
		if r.pullOnDemand {
			pulled, perr := r.pull(pair, virtualPath, localAbs, externalAbs, entry)
			if perr != nil {
				return "", perr
			}
			// pull already stored the promoted entry with a fresh AccessedAt.
			return pulled, nil
		} else {
			target = externalAbs
		}

	default:
		return "", errors.New(errors.ErrCodeFileNotFound, "no such file").
			WithComponent("router").WithOperation("read").WithDetail("path", virtualPath)
	}

	r.bumpAccessedAt(entry)
	return target, nil
}

func (r *ReadRouter) bumpAccessedAt(entry *types.FileEntry) {
	updated := *entry
	updated.AccessedAt = time.Now()
	r.index.Put(&updated)
}

// pull copies externalAbs to localAbs, ensuring parent directories exist,
// and promotes the entry to Both,¬dirty with an optional checksum.
func (r *ReadRouter) pull(pair types.SyncPair, virtualPath, localAbs, externalAbs string, entry *types.FileEntry) (string, error) {
	if err := os.MkdirAll(filepath.Dir(localAbs), 0750); err != nil {
		return "", errors.New(errors.ErrCodeExternalOffline, "failed to prepare local directory for pull").
			WithComponent("router").WithOperation("pull").WithCause(err)
	}

	src, err := os.Open(externalAbs)
	if err != nil {
		return "", errors.New(errors.ErrCodeExternalOffline, "external file is unreachable").
			WithComponent("router").WithOperation("pull").WithCause(err)
	}
	defer src.Close()

	tmp := localAbs + ".pulling"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return "", errors.New(errors.ErrCodeExternalOffline, "failed to create local pull target").
			WithComponent("router").WithOperation("pull").WithCause(err)
	}

	h := fnv.New64a()
	var w io.Writer = dst
	if r.checksum {
		w = io.MultiWriter(dst, h)
	}

	size, copyErr := io.Copy(w, src)
	closeErr := dst.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmp)
		if copyErr == nil {
			copyErr = closeErr
		}
		return "", errors.New(errors.ErrCodeExternalOffline, "failed to copy external file to local").
			WithComponent("router").WithOperation("pull").WithCause(copyErr)
	}

	if err := os.Rename(tmp, localAbs); err != nil {
		_ = os.Remove(tmp)
		return "", errors.New(errors.ErrCodeExternalOffline, "failed to finalize pulled file").
			WithComponent("router").WithOperation("pull").WithCause(err)
	}

	info, statErr := os.Stat(externalAbs)
	modTime := time.Now()
	if statErr == nil {
		modTime = info.ModTime()
	}
	if mErr := os.Chtimes(localAbs, modTime, modTime); mErr != nil {
		// best effort: mtime preservation isn't fatal to the pull
		_ = mErr
	}

	updated := *entry
	updated.Location = types.LocationBoth
	updated.IsDirty = false
	updated.Size = size
	updated.ModifiedAt = modTime
	updated.AccessedAt = time.Now()
	if r.checksum {
		updated.Checksum = strconv.FormatUint(h.Sum64(), 16)
	}
	r.index.Put(&updated)

	return localAbs, nil
}
