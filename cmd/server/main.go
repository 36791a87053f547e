package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/skypro1111/rtsp-session-core/internal/server"
)

const defaultConfigPath = "configs/config.yaml"

// Flag names shared by commands
const (
	configFlag         = "config"
	isolationFlag      = "isolation"
	maxConnectionsFlag = "max-connections"
	connIDFlag         = "conn-id"
	rtpPortFlag        = "rtp-port"
	fdFlag             = "fd"
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:    server.ServiceName,
		Usage:   "RTSP control connection server",
		Version: server.ServiceVersion,
		Flags:   serveFlags(),
		Action:  runServe,
		Commands: []*cli.Command{
			serveCommand(),
			workerCommand(),
		},
	}
}

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
