// Package main is the entry point for lspq, the short-lived query client
// for the lspbridge daemon. Each invocation forwards one command over TCP
// and prints the one-line JSON reply, starting the bridge first if none is
// alive for the project.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/dshills/lspbridge/internal/bridge"
	"github.com/dshills/lspbridge/internal/client"
	"github.com/dshills/lspbridge/internal/discovery"
)

// Version information (set via ldflags during build).
var version = "dev"

var (
	flagFile        string
	flagLine        int
	flagCol         int
	flagProjectRoot string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "lspq",
		Short:         "Query a running lspbridge daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagFile, "file", "", "source file the command applies to")
	root.PersistentFlags().IntVar(&flagLine, "line", 0, "1-based line number")
	root.PersistentFlags().IntVar(&flagCol, "col", 0, "0-based column number")
	root.PersistentFlags().StringVar(&flagProjectRoot, "project-root", "", "project root (default: walk up from --file, else cwd)")

	root.AddCommand(
		newQueryCommand("status", "Report bridge state and cached diagnostics count"),
		newQueryCommand("diagnostics", "List cached diagnostics, for one file or all"),
		newQueryCommand("references", "Find references to the symbol at --file/--line/--col"),
		newQueryCommand("definition", "Find the definition of the symbol at --file/--line/--col"),
		newQueryCommand("hover", "Show hover contents at --file/--line/--col"),
		newStartCommand(),
		newStopCommand(),
	)
	return root
}

// newQueryCommand builds one forwarding command: ensure the bridge runs,
// send the line, print the reply.
func newQueryCommand(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root := resolveRoot()
			opts := client.OptionsForRoot(root)

			if _, err := client.EnsureRunning(cmd.Context(), root, opts); err != nil {
				return err
			}

			resp, err := client.SendCommand(root, bridge.Command{
				Command: name,
				File:    absFile(flagFile),
				Line:    flagLine,
				Col:     flagCol,
			}, opts)
			if err != nil {
				return err
			}

			return printResponse(resp)
		},
	}
}

func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the bridge for the project if it is not running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root := resolveRoot()
			handle, err := client.EnsureRunning(cmd.Context(), root, client.OptionsForRoot(root))
			if err != nil {
				return err
			}
			out, _ := json.Marshal(map[string]any{
				"status": "running",
				"root":   handle.Root,
				"port":   handle.Port,
				"pid":    handle.PID,
			})
			fmt.Println(string(out))
			return nil
		},
	}
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the bridge for the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root := resolveRoot()
			resp, err := client.SendCommand(root, bridge.Command{Command: bridge.CmdStop}, client.OptionsForRoot(root))
			if errors.Is(err, client.ErrNotRunning) {
				fmt.Println(`{"status":"not-running"}`)
				return nil
			}
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
}

// resolveRoot picks the project root: an explicit flag wins, otherwise the
// marker walk from --file, otherwise the working directory.
func resolveRoot() string {
	if flagProjectRoot != "" {
		if abs, err := filepath.Abs(flagProjectRoot); err == nil {
			return abs
		}
		return flagProjectRoot
	}
	return discovery.ResolveRoot(flagFile)
}

// absFile makes the file flag absolute so the bridge and client agree on
// URIs regardless of the client's working directory.
func absFile(file string) string {
	if file == "" {
		return ""
	}
	if abs, err := filepath.Abs(file); err == nil {
		return abs
	}
	return file
}

// printResponse writes the one-line reply to stdout. An error-shaped reply
// also fails the invocation so scripts see a non-zero exit.
func printResponse(resp json.RawMessage) error {
	fmt.Print(string(resp))
	if msg := gjson.GetBytes(resp, "error"); msg.Exists() {
		return fmt.Errorf("bridge: %s", msg.String())
	}
	return nil
}
