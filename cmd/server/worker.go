package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/skypro1111/rtsp-session-core/internal/config"
	"github.com/skypro1111/rtsp-session-core/internal/server"
	"github.com/skypro1111/rtsp-session-core/internal/worker"
)

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:   "worker",
		Usage:  "Serve one inherited connection (started by serve --isolation)",
		Hidden: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  configFlag,
				Value: defaultConfigPath,
				Usage: "path to configuration file",
			},
			&cli.StringFlag{
				Name:  connIDFlag,
				Usage: "connection identifier assigned by the parent",
			},
			&cli.IntFlag{
				Name:  rtpPortFlag,
				Usage: "reserved RTP port; RTCP uses the next port",
			},
			&cli.IntFlag{
				Name:  fdFlag,
				Value: worker.ConnFD,
				Usage: "descriptor of the inherited socket",
			},
		},
		Action: runWorker,
	}
}

// workerConfig narrows a loaded configuration to a single-connection child
func workerConfig(cfg *config.Config) *config.Config {
	child := *cfg
	child.Server.MaxConnections = 1
	child.Worker.Isolation = false
	child.HTTP.Enabled = false
	return &child
}

func runWorker(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String(configFlag))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg = workerConfig(cfg)

	logger := initLogger(cfg.Logging).With(
		slog.String("role", "worker"),
		slog.Int("pid", os.Getpid()),
	)

	f := os.NewFile(uintptr(cmd.Int(fdFlag)), "conn")
	if f == nil {
		return fmt.Errorf("invalid descriptor %d", cmd.Int(fdFlag))
	}
	nc, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("failed to adopt inherited socket: %w", err)
	}

	core, err := server.New(server.Options{Config: cfg, Logger: logger})
	if err != nil {
		nc.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Worker started",
		slog.String("conn_id", cmd.String(connIDFlag)),
		slog.Int64("rtp_port", int64(cmd.Int(rtpPortFlag))),
	)

	reason, err := core.Adopt(ctx, nc, cmd.String(connIDFlag))
	if err != nil {
		return err
	}

	logger.Info("Worker exiting", slog.String("reason", string(reason)))
	return nil
}
