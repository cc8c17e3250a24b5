// Package main implements the taskmesh process: the HTTP gateway and the
// user, credential and task services, talking over request-reply messaging.
// Which of them run in a given process is decided by configuration.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/taskmesh/config"
	"github.com/c360/taskmesh/service"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "taskmesh"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		cliCfg.usage()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPaths)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	slog.Info("Starting taskmesh",
		"version", Version,
		"build_time", BuildTime,
		"config_paths", cliCfg.ConfigPaths,
		"transport", cfg.Transport.Kind,
		"org", cfg.Platform.Org,
		"platform", cfg.Platform.ID,
		"environment", cfg.Platform.Environment)
	slog.Debug("Effective configuration", "config", cfg.String())

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	// Services outlive the signal context so shutdown can drain them.
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	manager, err := buildServices(signalCtx, cfg, logger)
	if err != nil {
		return err
	}
	return runWithSignalHandling(signalCtx, runCtx, manager, cliCfg.ShutdownTimeout)
}

func loadConfig(paths []string) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range paths {
		loader.AddLayer(path)
	}
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// runWithSignalHandling starts services and handles shutdown signals
func runWithSignalHandling(signalCtx, runCtx context.Context, manager *service.Manager, shutdownTimeout time.Duration) error {
	if err := manager.StartAll(runCtx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	slog.Info("taskmesh started", "services", len(manager.Services()))

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	done := make(chan error, 1)
	go func() { done <- manager.StopAll(shutdownTimeout) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	case <-time.After(shutdownTimeout + time.Second):
		return fmt.Errorf("graceful shutdown timed out after %s", shutdownTimeout)
	}

	slog.Info("taskmesh shutdown complete", "health", manager.Health().Status)
	return nil
}
