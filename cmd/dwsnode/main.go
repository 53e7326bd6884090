// Command dwsnode is the entry point for one DWS control-plane node.
//
// Usage:
//
//	dwsnode [flags]
//
// Flags:
//
//	--listen    Control-plane HTTP listen address (overrides DWS_LISTEN_ADDR)
//	--version   Print version and exit
//
// All other configuration is read from the environment; see
// internal/config for the full list of DWS_* variables.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dws-network/dws-core/internal/appctx"
	"github.com/dws-network/dws-core/internal/config"
	"github.com/dws-network/dws-core/internal/log"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning an exit code. Accepts CLI
// arguments (without the program name) so it can be tested in isolation.
func run(args []string) int {
	fs := flag.NewFlagSet("dwsnode", flag.ContinueOnError)
	listenOverride := fs.String("listen", "", "control-plane HTTP listen address (overrides DWS_LISTEN_ADDR)")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	if *showVersion {
		fmt.Printf("dwsnode %s (commit %s)\n", version, commit)
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal configuration error: %v\n", err)
		return 1
	}
	if *listenOverride != "" {
		cfg.ListenAddr = *listenOverride
	}

	logger := log.New(log.ParseLevel(cfg.LogLevel))
	logger.Info("dwsnode starting", "version", version, "network", cfg.Network, "listen", cfg.ListenAddr)

	app, err := appctx.New(cfg, logger)
	if err != nil {
		logger.Error("failed to construct app", "error", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx); err != nil {
		logger.Error("node exited with error", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}
