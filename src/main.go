// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"continuumops/src/alert"
	"continuumops/src/apps"
	"continuumops/src/config"
	"continuumops/src/containerization"
	"continuumops/src/credentials"
	"continuumops/src/logging"
	"continuumops/src/processor"
	"continuumops/src/store"
	"continuumops/src/store/badger"
	"continuumops/src/store/postgres"
	"continuumops/src/workspace"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "continuum",
	Short: "Multi-project automation controller",
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the task controller and its API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the controller version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.AddCommand(serverCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(parent context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.SetLevel(cfg.Telemetry.Level)

	// Setup Graceful Shutdown
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := logging.SetupOTelSDK(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to setup OTel SDK: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
		}
	}()

	metrics, err := logging.NewInstruments()
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	sealer, err := cfg.Sealer()
	if err != nil {
		return err
	}
	db, notifications, err := openStore(ctx, cfg, sealer)
	if err != nil {
		return err
	}
	defer db.Close()

	// Generate Unique ID
	instanceID := uuid.New().String()
	logging.Log(fmt.Sprintf("Starting controller %s (%s store)", instanceID, cfg.Store.Kind), slog.LevelInfo)

	var containers apps.Backend
	docker, sandbox := openDocker(ctx, cfg)
	if sandbox != nil {
		defer docker.Close()
		containers = sandbox
		go containerization.RunContainerReaper(ctx, sandbox, cfg.Container.IdleTimeout, time.Minute)
	}

	stats := processor.NewStats(instanceID)
	svc := &processor.Services{
		Store:      db,
		Installer:  credentials.NewInstaller(logging.Logger()),
		Workspaces: workspace.NewManager(cfg.TmpPath, nil, cfg.Git, logging.Logger()),
		Apps:       apps.NewRegistry(cfg),
		Executor:   apps.NewExecutor(apps.NewLocalBackend(cfg.Pool.KillGrace), containers, logging.Logger()),
		Alerts:     alert.NewDispatcher(cfg.Alert, metrics),
		Metrics:    metrics,
		Stats:      stats,
		Config:     cfg,
	}
	manager := processor.NewPoolManager(svc)

	if err := manager.RecoverTasks(ctx); err != nil {
		logging.Log(fmt.Sprintf("Task recovery incomplete: %v", err), slog.LevelError)
	}
	go manager.Run(ctx, notifications)

	api := NewAPIServer(cfg, db, manager, stats)
	serverErr := make(chan error, 1)
	go func() { serverErr <- api.Run(ctx, ":"+cfg.APIPort) }()

	logging.Log("Controller started. Waiting for tasks (notifications + fallback polling)...", slog.LevelInfo)

	select {
	case <-ctx.Done():
		logging.Log("Shutting down controller gracefully...", slog.LevelInfo)
	case err = <-serverErr:
		logging.Log(fmt.Sprintf("API server failed: %v", err), slog.LevelError)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pool.ShutdownGrace+cfg.Pool.KillGrace)
	defer cancel()
	if shutdownErr := manager.Shutdown(shutdownCtx); shutdownErr != nil {
		logging.Log(fmt.Sprintf("Pool shutdown incomplete: %v", shutdownErr), slog.LevelWarn)
	}
	if sandbox != nil {
		sandbox.CleanupActiveContainers()
	}
	if err == nil {
		err = <-serverErr
	}
	return err
}

// openStore opens the configured backend and, when it supports it, the
// channel that signals task inserts from other processes.
func openStore(ctx context.Context, cfg config.Config, sealer store.Sealer) (store.Store, <-chan struct{}, error) {
	var (
		db  store.Store
		err error
	)
	switch cfg.Store.Kind {
	case config.StorePostgres:
		pgCfg := postgres.DefaultConfig(cfg.Store.PostgresDSN)
		pgCfg.Logger = logging.Logger()
		db, err = postgres.Open(ctx, pgCfg, sealer)
	default:
		db, err = badger.Open(badger.DefaultConfig(cfg.Store.Path), sealer)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", cfg.Store.Kind, err)
	}
	var notifications <-chan struct{}
	if n, ok := db.(store.Notifier); ok {
		notifications = n.Notifications()
	}
	return db, notifications, nil
}

// openDocker connects to the local daemon for templates that run in a
// container image. Without a daemon those templates fail at spawn and
// everything else keeps working.
func openDocker(ctx context.Context, cfg config.Config) (*client.Client, *containerization.Backend) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		logging.Log(fmt.Sprintf("Docker unavailable, container templates disabled: %v", err), slog.LevelWarn)
		return nil, nil
	}
	if _, err := cli.Ping(ctx); err != nil {
		logging.Log(fmt.Sprintf("Docker unavailable, container templates disabled: %v", err), slog.LevelWarn)
		cli.Close()
		return nil, nil
	}
	networkID, err := containerization.EnsureSandboxNetwork(ctx, cli, cfg.Container.Network)
	if err != nil {
		cli.Close()
		return nil, nil
	}
	logging.Log(fmt.Sprintf("Sandbox network ready: %s", networkID[:min(12, len(networkID))]), slog.LevelInfo)
	return cli, containerization.NewBackend(cli, cfg, networkID)
}
