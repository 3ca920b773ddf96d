package config

import (
	"os"
	"path/filepath"
	"testing"
)

const testDebugLevel = "DEBUG"

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.LogLevel != "INFO" {
		t.Errorf("Expected LogLevel to be INFO, got %s", cfg.LogLevel)
	}
	if cfg.MetricsPort != 8080 {
		t.Errorf("Expected MetricsPort to be 8080, got %d", cfg.MetricsPort)
	}

	if cfg.Eviction.TriggerThreshold != 5*1024*1024*1024 {
		t.Errorf("Expected TriggerThreshold to be 5GB, got %d", cfg.Eviction.TriggerThreshold)
	}
	if cfg.Eviction.MaxFilesPerRun != 100 {
		t.Errorf("Expected MaxFilesPerRun to be 100, got %d", cfg.Eviction.MaxFilesPerRun)
	}
	if !cfg.Eviction.AutoEnabled {
		t.Error("Expected Eviction.AutoEnabled to be true by default")
	}

	if cfg.Sync.ConflictStrategy != "newer_wins" {
		t.Errorf("Expected ConflictStrategy to be newer_wins, got %s", cfg.Sync.ConflictStrategy)
	}
	if cfg.Sync.EnableDelete {
		t.Error("Expected Sync.EnableDelete to be false by default")
	}
	if cfg.Sync.ParallelOperations != 4 {
		t.Errorf("Expected ParallelOperations to be 4, got %d", cfg.Sync.ParallelOperations)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  func() *Configuration
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid config",
			config:  func() *Configuration { return NewDefault() },
			wantErr: false,
		},
		{
			name: "invalid max files per run",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Eviction.MaxFilesPerRun = 0
				return cfg
			},
			wantErr: true,
			errMsg:  "eviction.max_files_per_run must be greater than 0",
		},
		{
			name: "target free space below trigger threshold",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Eviction.TargetFreeSpace = 1
				return cfg
			},
			wantErr: true,
			errMsg:  "eviction.target_free_space",
		},
		{
			name: "invalid parallel operations",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Sync.ParallelOperations = 0
				return cfg
			},
			wantErr: true,
			errMsg:  "sync.parallel_operations must be greater than 0",
		},
		{
			name: "invalid conflict strategy",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Sync.ConflictStrategy = "whatever"
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid sync.conflict_strategy",
		},
		{
			name: "invalid log level",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.LogLevel = "INVALID"
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid log_level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config()
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && tt.errMsg != "" && !contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %v, want error containing %v", err, tt.errMsg)
			}
		})
	}
}

func TestLoadFromFileJSON(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.json")

	configContent := `{
		"logLevel": "DEBUG",
		"metricsPort": 9090,
		"eviction": {"maxFilesPerRun": 50, "autoEnabled": false},
		"sync": {"conflictStrategy": "local_wins", "enableDelete": true}
	}`

	if err := os.WriteFile(configFile, []byte(configContent), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.LogLevel != testDebugLevel {
		t.Errorf("Expected LogLevel to be DEBUG, got %s", cfg.LogLevel)
	}
	if cfg.MetricsPort != 9090 {
		t.Errorf("Expected MetricsPort to be 9090, got %d", cfg.MetricsPort)
	}
	if cfg.Eviction.MaxFilesPerRun != 50 {
		t.Errorf("Expected MaxFilesPerRun to be 50, got %d", cfg.Eviction.MaxFilesPerRun)
	}
	if cfg.Eviction.AutoEnabled {
		t.Error("Expected Eviction.AutoEnabled to be false")
	}
	if cfg.Sync.ConflictStrategy != "local_wins" {
		t.Errorf("Expected ConflictStrategy to be local_wins, got %s", cfg.Sync.ConflictStrategy)
	}
	if !cfg.Sync.EnableDelete {
		t.Error("Expected Sync.EnableDelete to be true")
	}
}

func TestLoadFromFileYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
log_level: DEBUG
metrics_port: 9090
eviction:
  max_files_per_run: 50
sync:
  conflict_strategy: local_wins
`

	if err := os.WriteFile(configFile, []byte(configContent), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.LogLevel != testDebugLevel {
		t.Errorf("Expected LogLevel to be DEBUG, got %s", cfg.LogLevel)
	}
	if cfg.Eviction.MaxFilesPerRun != 50 {
		t.Errorf("Expected MaxFilesPerRun to be 50, got %d", cfg.Eviction.MaxFilesPerRun)
	}
}

func TestLoadFromFileNonExistent(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.LoadFromFile("/nonexistent/config.json"); err == nil {
		t.Error("Expected error when loading non-existent config file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	testEnvVars := map[string]string{
		"HYBRIDFS_LOG_LEVEL":                  "ERROR",
		"HYBRIDFS_METRICS_PORT":               "9090",
		"HYBRIDFS_EVICTION_TRIGGER_THRESHOLD": "1000",
		"HYBRIDFS_EVICTION_AUTO_ENABLED":      "false",
		"HYBRIDFS_SYNC_ENABLE_DELETE":         "true",
		"HYBRIDFS_SYNC_CONFLICT_STRATEGY":     "manual",
	}

	for key, value := range testEnvVars {
		t.Setenv(key, value)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.LogLevel != "ERROR" {
		t.Errorf("Expected LogLevel to be ERROR, got %s", cfg.LogLevel)
	}
	if cfg.MetricsPort != 9090 {
		t.Errorf("Expected MetricsPort to be 9090, got %d", cfg.MetricsPort)
	}
	if cfg.Eviction.TriggerThreshold != 1000 {
		t.Errorf("Expected TriggerThreshold to be 1000, got %d", cfg.Eviction.TriggerThreshold)
	}
	if cfg.Eviction.AutoEnabled {
		t.Error("Expected Eviction.AutoEnabled to be false")
	}
	if !cfg.Sync.EnableDelete {
		t.Error("Expected Sync.EnableDelete to be true")
	}
	if cfg.Sync.ConflictStrategy != "manual" {
		t.Errorf("Expected ConflictStrategy to be manual, got %s", cfg.Sync.ConflictStrategy)
	}
}

func TestSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "saved_config.json")

	cfg := NewDefault()
	cfg.LogLevel = testDebugLevel
	cfg.Eviction.MaxFilesPerRun = 42

	if err := cfg.SaveToFile(configFile); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		t.Error("Config file was not created")
	}

	newCfg := NewDefault()
	if err := newCfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("Failed to load saved config: %v", err)
	}

	if newCfg.LogLevel != testDebugLevel {
		t.Errorf("Expected LogLevel to be DEBUG, got %s", newCfg.LogLevel)
	}
	if newCfg.Eviction.MaxFilesPerRun != 42 {
		t.Errorf("Expected MaxFilesPerRun to be 42, got %d", newCfg.Eviction.MaxFilesPerRun)
	}
}

func TestSaveToFileCreateDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "subdir", "config.json")

	cfg := NewDefault()
	if err := cfg.SaveToFile(configFile); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		t.Error("Config file was not created")
	}
	if _, err := os.Stat(filepath.Dir(configFile)); os.IsNotExist(err) {
		t.Error("Config directory was not created")
	}
}

func contains(s, substr string) bool {
	return len(substr) == 0 || indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	if len(substr) > len(s) {
		return -1
	}
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
