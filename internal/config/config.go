// Package config loads and validates the service-side JSON configuration
// described in SPEC_FULL.md §6: eviction thresholds, sync policy, and the
// ambient logging/monitoring knobs. The config file itself is JSON (the
// control plane and the UI process both read/write it), not YAML, but we
// keep yaml.v2 struct tags alongside json ones so the same struct can also
// be rendered as the human-editable file the teacher's config layer favored.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the complete service configuration.
type Configuration struct {
	Eviction                    EvictionConfig `yaml:"eviction" json:"eviction"`
	Sync                        SyncConfig     `yaml:"sync" json:"sync"`
	LogLevel                    string         `yaml:"log_level" json:"logLevel"`
	LogFile                     string         `yaml:"log_file" json:"logFile"`

	// LogMaxSizeMB/LogMaxBackups configure rotation of LogFile; only
	// consulted when LogFile is set (stdout logging is never rotated).
	LogMaxSizeMB  int64 `yaml:"log_max_size_mb" json:"logMaxSizeMb"`
	LogMaxBackups int   `yaml:"log_max_backups" json:"logMaxBackups"`

	EnablePerformanceMonitoring bool           `yaml:"enable_performance_monitoring" json:"enablePerformanceMonitoring"`
	HealthCheckInterval         time.Duration  `yaml:"health_check_interval" json:"healthCheckInterval"`
	MetricsPort                int            `yaml:"metrics_port" json:"metricsPort"`
	ControlPlaneSocket          string         `yaml:"control_plane_socket" json:"controlPlaneSocket"`
}

// EvictionConfig configures the EvictionEngine (SPEC_FULL.md §4.9).
type EvictionConfig struct {
	// TriggerThreshold is the free-space floor (bytes) on LOCAL that starts a run.
	TriggerThreshold int64 `yaml:"trigger_threshold" json:"triggerThreshold"`

	// TargetFreeSpace is the free-space goal (bytes) a run tries to reach.
	TargetFreeSpace int64 `yaml:"target_free_space" json:"targetFreeSpace"`

	// MaxFilesPerRun caps candidates evicted in a single pass.
	MaxFilesPerRun int `yaml:"max_files_per_run" json:"maxFilesPerRun"`

	// MinFileAge excludes files accessed more recently than this from eviction.
	MinFileAge time.Duration `yaml:"min_file_age" json:"minFileAge"`

	// CheckInterval is how often the periodic low-space check runs.
	CheckInterval time.Duration `yaml:"check_interval" json:"checkInterval"`

	// AutoEnabled turns on the periodic/threshold-triggered run; false means
	// eviction only happens when requested explicitly over the control plane.
	AutoEnabled bool `yaml:"auto_enabled" json:"autoEnabled"`

	// Strategy selects AccessTime/ModifiedTime/SizeFirst candidate ordering.
	Strategy string `yaml:"strategy" json:"strategy"`
}

// SyncConfig configures the SyncScheduler (SPEC_FULL.md §4.8).
type SyncConfig struct {
	EnableChecksum    bool          `yaml:"enable_checksum" json:"enableChecksum"`
	ChecksumAlgorithm string        `yaml:"checksum_algorithm" json:"checksumAlgorithm"`
	VerifyAfterCopy   bool          `yaml:"verify_after_copy" json:"verifyAfterCopy"`
	ConflictStrategy  string        `yaml:"conflict_strategy" json:"conflictStrategy"`

	// EnableDelete gates whether a LOCAL unlink of an ExternalOnly-reachable
	// path propagates as a deletion on EXTERNAL (§9 Open Question 1).
	EnableDelete bool `yaml:"enable_delete" json:"enableDelete"`

	ExcludePatterns    []string      `yaml:"exclude_patterns" json:"excludePatterns"`
	DebounceInterval    time.Duration `yaml:"debounce_interval" json:"debounceInterval"`
	AutoSyncInterval    time.Duration `yaml:"auto_sync_interval" json:"autoSyncInterval"`
	ParallelOperations  int           `yaml:"parallel_operations" json:"parallelOperations"`
	RetryDelays         []time.Duration `yaml:"retry_delays" json:"retryDelays"`
}

// NewDefault returns a configuration with the defaults named throughout
// SPEC_FULL.md §4.8/§4.9.
func NewDefault() *Configuration {
	return &Configuration{
		Eviction: EvictionConfig{
			TriggerThreshold: 5 * 1024 * 1024 * 1024,  // 5GB
			TargetFreeSpace:  10 * 1024 * 1024 * 1024, // 10GB
			MaxFilesPerRun:   100,
			MinFileAge:       1 * time.Hour,
			CheckInterval:    5 * time.Minute,
			AutoEnabled:      true,
			Strategy:         "access_time",
		},
		Sync: SyncConfig{
			EnableChecksum:     true,
			ChecksumAlgorithm:  "fnv1a",
			VerifyAfterCopy:    true,
			ConflictStrategy:   "newer_wins",
			EnableDelete:       false,
			ExcludePatterns:    []string{".DS_Store", "*.tmp", ".FUSE"},
			DebounceInterval:   2 * time.Second,
			AutoSyncInterval:   30 * time.Second,
			ParallelOperations: 4,
			RetryDelays:        []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second},
		},
		LogLevel:                    "INFO",
		LogFile:                     "",
		LogMaxSizeMB:                100,
		LogMaxBackups:               5,
		EnablePerformanceMonitoring: true,
		HealthCheckInterval:         30 * time.Second,
		MetricsPort:                 8080,
		ControlPlaneSocket:          "/var/run/hybridfs/control.sock",
	}
}

// LoadFromFile loads configuration from the service-side JSON config file.
// YAML is also accepted (by file extension) for operators who prefer hand
// editing, matching the teacher's dual-format config layer.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if strings.HasSuffix(filename, ".yaml") || strings.HasSuffix(filename, ".yml") {
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
		return nil
	}

	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv overlays HYBRIDFS_-prefixed environment variables onto the
// configuration, for container/systemd deployments that prefer env over files.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("HYBRIDFS_LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}
	if val := os.Getenv("HYBRIDFS_LOG_FILE"); val != "" {
		c.LogFile = val
	}
	if val := os.Getenv("HYBRIDFS_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.MetricsPort = port
		}
	}
	if val := os.Getenv("HYBRIDFS_CONTROL_SOCKET"); val != "" {
		c.ControlPlaneSocket = val
	}
	if val := os.Getenv("HYBRIDFS_EVICTION_TRIGGER_THRESHOLD"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Eviction.TriggerThreshold = n
		}
	}
	if val := os.Getenv("HYBRIDFS_EVICTION_AUTO_ENABLED"); val != "" {
		c.Eviction.AutoEnabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("HYBRIDFS_SYNC_ENABLE_DELETE"); val != "" {
		c.Sync.EnableDelete = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("HYBRIDFS_SYNC_CONFLICT_STRATEGY"); val != "" {
		c.Sync.ConflictStrategy = val
	}

	return nil
}

// SaveToFile writes the configuration as JSON (or YAML, by file extension).
func (c *Configuration) SaveToFile(filename string) error {
	var data []byte
	var err error

	if strings.HasSuffix(filename, ".yaml") || strings.HasSuffix(filename, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

var validConflictStrategies = map[string]bool{
	"newer_wins": true, "local_wins": true, "external_wins": true,
	"keep_both": true, "manual": true, "larger_wins": true,
}

// Validate checks invariants the rest of the service assumes hold.
func (c *Configuration) Validate() error {
	if c.Eviction.MaxFilesPerRun <= 0 {
		return fmt.Errorf("eviction.max_files_per_run must be greater than 0")
	}
	if c.Eviction.TargetFreeSpace < c.Eviction.TriggerThreshold {
		return fmt.Errorf("eviction.target_free_space must be >= eviction.trigger_threshold")
	}
	if c.Sync.ParallelOperations <= 0 {
		return fmt.Errorf("sync.parallel_operations must be greater than 0")
	}
	if !validConflictStrategies[c.Sync.ConflictStrategy] {
		return fmt.Errorf("invalid sync.conflict_strategy: %s", c.Sync.ConflictStrategy)
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}
