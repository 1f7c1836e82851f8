package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/marmos91/prefork/internal/logger"
	"github.com/marmos91/prefork/pkg/config"
	"github.com/marmos91/prefork/pkg/pidfile"
	"github.com/marmos91/prefork/pkg/prefork"
	"github.com/marmos91/prefork/pkg/worker"
)

const usage = `preforkd - prefork echo server

Usage:
  preforkd [serve] [flags]   Start the server (default)
  preforkd stop [flags]      Send SIGTERM to the running server
  preforkd init [--force]    Write a default config file

Flags:
`

// idleTimeout bounds how long an echo connection may stay silent.
const idleTimeout = 5 * time.Minute

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	command := "serve"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		command, args = args[0], args[1:]
	}

	flags := pflag.NewFlagSet("preforkd", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprint(stderr, usage)
		flags.PrintDefaults()
	}

	configPath := flags.StringP("config", "c", "", "Path to config file (default: $XDG_CONFIG_HOME/prefork/config.yaml)")
	force := flags.Bool("force", false, "Overwrite an existing config file (init)")
	flags.String("log-level", "", "Log level (DEBUG, INFO, WARN, ERROR)")
	flags.IntP("processes", "p", 0, "Number of worker processes (1 = single process)")
	flags.IntP("threads", "t", 0, "Connections per worker before it stops accepting")
	flags.String("host", "", "Numeric bind address (empty = all addresses)")
	flags.String("port", "", "TCP port")
	flags.String("pid-file", "", "PID file path")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	switch command {
	case "init":
		return runInit(*configPath, *force, stderr)
	case "serve", "stop":
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		flags.Usage()
		return 2
	}

	cfg, err := config.LoadWithFlags(*configPath, flags)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}

	if command == "stop" {
		return runStop(cfg, stderr)
	}

	prefork.Main(prefork.Options{
		Config:  cfg,
		Handler: worker.HandlerFunc(echo),
		Hooks: prefork.Hooks{
			ParentStarted: func() error {
				logger.Info("Server is running on port %s. Send SIGTERM or SIGINT to %s to stop.",
					cfg.Server.Port, cfg.Server.PidFile)
				return nil
			},
			Exit: func(err error) {
				fmt.Fprintf(stderr, "preforkd: %v\n", err)
			},
		},
	})
	return 0
}

func runInit(configPath string, force bool, stderr io.Writer) int {
	var err error
	if configPath == "" {
		configPath, err = config.InitConfig(force)
	} else {
		err = config.InitConfigToPath(configPath, force)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Failed to write config: %v\n", err)
		return 1
	}

	fmt.Fprintf(stderr, "Config written to %s\n", configPath)
	return 0
}

func runStop(cfg *config.Config, stderr io.Writer) int {
	pid, err := pidfile.Read(cfg.Server.PidFile)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to stop server: %v\n", err)
		return 1
	}

	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		fmt.Fprintf(stderr, "Failed to signal pid %d: %v\n", pid, err)
		return 1
	}

	fmt.Fprintf(stderr, "Sent SIGTERM to %d\n", pid)
	return 0
}

// echo writes back everything it reads until the peer closes or goes idle.
func echo(ctx context.Context, conn net.Conn) error {
	buf := make([]byte, 32*1024)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return err
		}

		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
