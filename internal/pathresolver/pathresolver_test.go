package pathresolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybridfs/hybridfs/pkg/errors"
	"github.com/hybridfs/hybridfs/pkg/types"
)

func testPair() types.SyncPair {
	return types.SyncPair{
		ID:                   "pair-1",
		LocalPath:            "/home/user/Photos",
		ExternalRelativePath: "Photos",
		ExcludePatterns:      []string{"*.tmp", ".DS_Store"},
	}
}

func TestResolve_Basic(t *testing.T) {
	r := New(DefaultAllowDenyList())
	pair := testPair()

	local, external, err := r.Resolve(pair, "/Volumes/Backup", "/vacation/beach.jpg")
	require.NoError(t, err)
	assert.Equal(t, "/home/user/Photos_Local/vacation/beach.jpg", local)
	assert.Equal(t, "/Volumes/Backup/Photos/vacation/beach.jpg", external)
}

func TestResolve_NoExternalDiskMounted(t *testing.T) {
	r := New(DefaultAllowDenyList())
	pair := testPair()

	local, external, err := r.Resolve(pair, "", "/vacation/beach.jpg")
	require.NoError(t, err)
	assert.Equal(t, "/home/user/Photos_Local/vacation/beach.jpg", local)
	assert.Empty(t, external)
}

func TestResolve_RejectsTraversal(t *testing.T) {
	r := New(DefaultAllowDenyList())
	pair := testPair()

	_, _, err := r.Resolve(pair, "/Volumes/Backup", "../../etc/passwd")
	require.Error(t, err)
	var fsErr *errors.FSError
	require.ErrorAs(t, err, &fsErr)
	assert.Equal(t, errors.ErrCodeInvalidPath, fsErr.Code)
}

func TestResolve_RejectsFuseCrossing(t *testing.T) {
	r := New(DefaultAllowDenyList())
	pair := testPair()

	_, _, err := r.Resolve(pair, "/Volumes/Backup", "/.FUSE/db.json")
	require.Error(t, err)
	var fsErr *errors.FSError
	require.ErrorAs(t, err, &fsErr)
	assert.Equal(t, errors.ErrCodeInvalidPath, fsErr.Code)
}

func TestResolve_RejectsExcludePattern(t *testing.T) {
	r := New(DefaultAllowDenyList())
	pair := testPair()

	_, _, err := r.Resolve(pair, "/Volumes/Backup", "/staging/upload.tmp")
	require.Error(t, err)
	var fsErr *errors.FSError
	require.ErrorAs(t, err, &fsErr)
	assert.Equal(t, errors.ErrCodeInvalidPath, fsErr.Code)
}

func TestCheckPrivileged_AllowList(t *testing.T) {
	r := New(DefaultAllowDenyList())

	assert.NoError(t, r.CheckPrivileged("/home/user/downloads"))
	assert.NoError(t, r.CheckPrivileged("/Volumes/Backup"))
}

func TestCheckPrivileged_DenyList(t *testing.T) {
	r := New(DefaultAllowDenyList())

	err := r.CheckPrivileged("/System")
	require.Error(t, err)
	var fsErr *errors.FSError
	require.ErrorAs(t, err, &fsErr)
	assert.Equal(t, errors.ErrCodePermissionDenied, fsErr.Code)
}

func TestCheckPrivileged_NotInAllowList(t *testing.T) {
	r := New(DefaultAllowDenyList())

	err := r.CheckPrivileged("/home/user/random-folder")
	require.Error(t, err)
	var fsErr *errors.FSError
	require.ErrorAs(t, err, &fsErr)
	assert.Equal(t, errors.ErrCodePermissionDenied, fsErr.Code)
}
