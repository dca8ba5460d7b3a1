// Package main is the entry point for the lspbridge daemon: a long-lived
// process that hosts a language server and answers client queries over a
// local TCP socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/lspbridge/internal/bridge"
	"github.com/dshills/lspbridge/internal/client"
	"github.com/dshills/lspbridge/internal/config"
	"github.com/dshills/lspbridge/internal/discovery"
	"github.com/dshills/lspbridge/internal/logger"
)

// Version information (set via ldflags during build).
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:     "lspbridge",
		Short:   "Long-lived LSP bridge daemon",
		Long:    "lspbridge hosts a language server subprocess and re-exposes diagnostics,\nreferences, definition, and hover queries over a local TCP socket.",
		Version: version,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge("")
		},
	}

	start := &cobra.Command{
		Use:   "start [root]",
		Short: "Run the bridge in the foreground for a project root",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := ""
			if len(args) == 1 {
				root = args[0]
			}
			return runBridge(root)
		},
	}

	stop := &cobra.Command{
		Use:   "stop [root]",
		Short: "Stop the bridge for a project root",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := ""
			if len(args) == 1 {
				root = args[0]
			}
			return stopBridge(root)
		},
	}

	root.AddCommand(start, stop)
	return root
}

// runBridge runs the daemon in the foreground until a signal or a client's
// stop command shuts it down.
func runBridge(root string) error {
	root, err := resolveRootArg(root)
	if err != nil {
		return err
	}

	stateDir := discovery.StateDir(root)
	cfg, err := config.Load(stateDir)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	logFile, err := os.OpenFile(
		filepath.Join(stateDir, discovery.LogFileName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	// stderr is /dev/null when a client spawned us detached; when run by
	// hand both sinks are visible.
	log := logger.New(io.MultiWriter(logFile, os.Stderr), cfg.Bridge.LogLevel, "bridge")

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	b := bridge.New(root, cfg, log)
	if err := b.Run(ctx); err != nil {
		log.Error("bridge failed", "error", err)
		return err
	}
	return nil
}

// stopBridge asks a running bridge to shut down. A bridge that is not
// running is not an error; there is nothing to stop.
func stopBridge(root string) error {
	root, err := resolveRootArg(root)
	if err != nil {
		return err
	}

	_, err = client.SendCommand(root, bridge.Command{Command: bridge.CmdStop}, client.OptionsForRoot(root))
	if errors.Is(err, client.ErrNotRunning) {
		fmt.Println("bridge not running")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Println("bridge stopping")
	return nil
}

// resolveRootArg normalizes the optional root argument, defaulting to the
// current working directory.
func resolveRootArg(root string) (string, error) {
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolving working directory: %w", err)
		}
		return cwd, nil
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving root %q: %w", root, err)
	}
	return abs, nil
}
