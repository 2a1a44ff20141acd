// Package cli parses arguments and dispatches to the server or the
// launcher commands, returning a process exit code.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lanbeam/lanbeam/internal/config"
	ilog "github.com/lanbeam/lanbeam/internal/log"
	"github.com/lanbeam/lanbeam/internal/server"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// Run is the main CLI entry point.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		printUsage()
		return 0
	}

	switch args[0] {
	case "run":
		return runServe(ctx, args[1:])
	case "start":
		return runStart(args[1:])
	case "stop":
		return runStop(args[1:])
	case "status":
		return runStatus(args[1:])
	case "rotate-cert":
		return runRotateCert(args[1:])
	case "version", "--version", "-v":
		fmt.Println("lanbeam", version)
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintln(os.Stderr, "unknown command:", args[0])
		printUsage()
		return 2
	}
}

func runServe(ctx context.Context, args []string) int {
	cfg, err := config.ParseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	s := server.New(cfg, logger)
	if err := s.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "server error:", err)
		return 1
	}
	return 0
}

func printUsage() {
	fmt.Println(`lanbeam - LAN screen-share signaling server

Usage:
  lanbeam run [flags]          # serve in the foreground
  lanbeam start [flags]        # start the background process
  lanbeam stop [flags]         # stop the background process
  lanbeam status [flags]       # report whether the process is running
  lanbeam rotate-cert [flags]  # rotate the TLS certificate now
  lanbeam version

Flags (run/start):
  --listen           HTTPS listen address (default :8443)
  --listen-http      plain HTTP redirect address (default :8080)
  --web-root         directory with the browser UI
  --state-dir        certificates, control socket, pidfile
  --cert-rotate-day  day of month for scheduled rotation (default 1)
  --log-level        debug|info|warn|error
  --config           YAML config file`)
}
