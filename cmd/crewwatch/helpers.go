package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hochfrequenz/crewwatch/internal/config"
	"github.com/hochfrequenz/crewwatch/internal/logging"
	"github.com/hochfrequenz/crewwatch/internal/runstore"
	"github.com/hochfrequenz/crewwatch/internal/topology"
)

// loadConfig reads the config and installs the logger. --log-level wins
// over the configured level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return nil, err
	}
	if err := configureLogging(os.Stderr, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configureLogging(w io.Writer, cfg *config.Config) error {
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	return logging.ConfigureWriter(w, level)
}

func loadTopology(cfg *config.Config) (*topology.Topology, error) {
	if cfg.General.TopologyFile != "" {
		return topology.LoadFile(cfg.General.TopologyFile)
	}
	wd, _ := os.Getwd()
	return topology.DefaultLoader(wd).Load(cfg.General.Topology)
}

func openStore(cfg *config.Config) (*runstore.Store, error) {
	if dir := filepath.Dir(cfg.General.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
