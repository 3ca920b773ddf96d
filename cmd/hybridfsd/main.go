// Command hybridfsd is the long-lived process SPEC_FULL.md §5 describes:
// it loads configuration, brings up the composition root (internal/service)
// and the control plane (internal/controlplane) the UI process talks to over
// a Unix domain socket, then blocks until told to shut down. Sync pairs and
// disks are registered at runtime through the control plane, not statically
// in the config file, so this entrypoint starts with zero pairs mounted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hybridfs/hybridfs/internal/config"
	"github.com/hybridfs/hybridfs/internal/controlplane"
	"github.com/hybridfs/hybridfs/internal/service"
	"github.com/hybridfs/hybridfs/pkg/utils"
)

func main() {
	configPath := flag.String("config", "", "path to the JSON/YAML configuration file")
	socketPath := flag.String("socket", "", "override the control plane Unix socket path")
	flag.Parse()

	if err := run(*configPath, *socketPath); err != nil {
		log.Fatalf("hybridfsd: %v", err)
	}
}

func run(configPath, socketOverride string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if socketOverride != "" {
		cfg.ControlPlaneSocket = socketOverride
	}

	if err := checkStartupPreconditions(cfg); err != nil {
		return fmt.Errorf("startup precondition failed: %w", err)
	}

	if err := utils.SetupLogging(cfg.LogLevel, cfg.LogFile); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}

	svc, err := service.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}

	cp := controlplane.NewServer(svc, controlplane.DefaultConfig(cfg.ControlPlaneSocket))
	if err := cp.Start(ctx); err != nil {
		_ = svc.Stop(ctx)
		return fmt.Errorf("failed to start control plane: %w", err)
	}

	log.Printf("hybridfsd ready, control plane listening on %s", cfg.ControlPlaneSocket)
	waitForShutdownSignal()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := cp.Stop(shutdownCtx); err != nil {
		log.Printf("error stopping control plane: %v", err)
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("error stopping service: %w", err)
	}
	return nil
}

func loadConfig(path string) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// checkStartupPreconditions runs the pass/fail checks SPEC_FULL.md §6 names
// before the service accepts any work: the log directory (if one is
// configured) must be writable, and the control socket's parent directory
// must exist so the Unix listener can bind.
func checkStartupPreconditions(cfg *config.Configuration) error {
	if cfg.LogFile != "" {
		dir := dirOf(cfg.LogFile)
		if err := ensureWritableDir(dir); err != nil {
			return fmt.Errorf("log directory %s: %w", dir, err)
		}
	}

	socketDir := dirOf(cfg.ControlPlaneSocket)
	if err := ensureWritableDir(socketDir); err != nil {
		return fmt.Errorf("control plane socket directory %s: %w", socketDir, err)
	}

	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func ensureWritableDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}
	probe := dir + "/.hybridfsd-write-check"
	f, err := os.Create(probe)
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(probe)
}

func waitForShutdownSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received %s, shutting down", sig)
}
