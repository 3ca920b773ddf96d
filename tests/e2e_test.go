//go:build e2e
// +build e2e

package tests

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/hybridfs/hybridfs/internal/config"
	"github.com/hybridfs/hybridfs/internal/service"
	"github.com/hybridfs/hybridfs/pkg/types"
)

// ServiceTestSuite exercises the composition root's wiring without
// actually mounting FUSE (mounting needs /dev/fuse and is covered
// separately by internal/fuse's own unit tests).
type ServiceTestSuite struct {
	suite.Suite
	root   string
	config *config.Configuration
}

func TestServiceFunctionality(t *testing.T) {
	suite.Run(t, new(ServiceTestSuite))
}

func (s *ServiceTestSuite) SetupTest() {
	s.root = s.T().TempDir()
	s.config = config.NewDefault()
}

func (s *ServiceTestSuite) TestNewRejectsInvalidConfig() {
	t := s.T()

	invalid := config.NewDefault()
	invalid.Eviction.MaxFilesPerRun = 0
	_, err := service.New(invalid)
	assert.Error(t, err)
}

func (s *ServiceTestSuite) TestAddPairWiresComponents() {
	t := s.T()

	svc, err := service.New(s.config)
	require.NoError(t, err)

	pair := types.SyncPair{
		ID:        "e2e-pair",
		DiskID:    "e2e-disk",
		LocalPath: filepath.Join(s.root, "project"),
		Direction: types.DirectionBidirectional,
	}
	disk := types.Disk{ID: "e2e-disk", MountPath: filepath.Join(s.root, "external"), Enabled: true}

	rt, err := svc.AddPair(pair, disk)
	require.NoError(t, err)
	require.NotNil(t, rt)

	assert.NotNil(t, rt.Index)
	assert.NotNil(t, rt.View)
	assert.NotNil(t, rt.Writer)
	assert.NotNil(t, rt.Scheduler)
	assert.NotNil(t, rt.Eviction)
	assert.NotNil(t, rt.FileSystem)

	got, ok := svc.Pair("e2e-pair")
	assert.True(t, ok)
	assert.Equal(t, rt, got)
}

func (s *ServiceTestSuite) TestConfigurationDefaults() {
	t := s.T()

	cfg := config.NewDefault()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 8080, cfg.MetricsPort)
	assert.True(t, cfg.Eviction.AutoEnabled)
	assert.Equal(t, "newer_wins", cfg.Sync.ConflictStrategy)
}
