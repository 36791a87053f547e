package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/skypro1111/rtsp-session-core/internal/config"
	"github.com/skypro1111/rtsp-session-core/internal/metrics"
	"github.com/skypro1111/rtsp-session-core/internal/server"
	"github.com/skypro1111/rtsp-session-core/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func serveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    configFlag,
			Aliases: []string{"c"},
			Value:   defaultConfigPath,
			Usage:   "path to configuration file",
		},
		&cli.BoolFlag{
			Name:  isolationFlag,
			Usage: "run every connection in its own worker process",
		},
		&cli.IntFlag{
			Name:  maxConnectionsFlag,
			Usage: "admission cap, overrides server.max_connections",
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Accept control connections (default)",
		Flags:  serveFlags(),
		Action: runServe,
	}
}

// loadServeConfig loads the file and applies command line overrides
func loadServeConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String(configFlag))
	if err != nil {
		return nil, err
	}

	if cmd.IsSet(isolationFlag) {
		cfg.Worker.Isolation = cmd.Bool(isolationFlag)
	}
	if cmd.IsSet(maxConnectionsFlag) {
		cfg.Server.MaxConnections = int(cmd.Int(maxConnectionsFlag))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	configPath := cmd.String(configFlag)
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", server.ServiceName),
		slog.String("version", server.ServiceVersion),
		slog.String("config_path", configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("address", cfg.Server.Address()),
		slog.Int("max_connections", cfg.Server.MaxConnections),
		slog.String("liveness_policy", cfg.Liveness.Policy),
		slog.Int("soft_timeout", cfg.Liveness.SoftTimeout),
		slog.Int("hard_timeout", cfg.Liveness.HardTimeout),
		slog.Bool("heartbeat_enabled", cfg.Liveness.HeartbeatEnabled),
		slog.Bool("isolation", cfg.Worker.Isolation),
		slog.String("log_level", cfg.Logging.Level),
	)

	appMetrics := metrics.NewMetrics()

	opts := server.Options{
		Config:  cfg,
		Logger:  logger,
		Metrics: appMetrics,
	}
	if cfg.Worker.Isolation {
		spawner, err := worker.NewExecSpawner("worker", "--"+configFlag, configPath)
		if err != nil {
			return err
		}
		opts.Spawner = spawner
	}

	core, err := server.New(opts)
	if err != nil {
		return fmt.Errorf("failed to create control server: %w", err)
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, core, appMetrics)
	}

	if err := core.Start(); err != nil {
		return err
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("Service started successfully, waiting for signals...")

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop the admin API first so no kick races the shutdown.
	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	if err := core.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping control server", slog.String("error", err.Error()))
	}

	stats := core.Stats()
	logger.Info("Service stopped",
		slog.Int("connections", stats.Connections),
		slog.Int("workers", stats.Workers),
		slog.String("uptime", stats.Uptime),
	)
	return nil
}
