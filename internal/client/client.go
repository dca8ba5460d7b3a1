// Package client implements the short-lived side of the bridge: locating a
// running bridge through its marker files, starting one when none is
// alive, and forwarding a single command over TCP.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/lspbridge/internal/bridge"
	"github.com/dshills/lspbridge/internal/config"
	"github.com/dshills/lspbridge/internal/discovery"
)

// ErrNotRunning indicates no live bridge was found for the project root.
var ErrNotRunning = errors.New("bridge not running")

// Options configure the client.
type Options struct {
	// BridgeBinary is the bridge executable to spawn on auto-start.
	BridgeBinary string

	// DialTimeout bounds the TCP connect.
	DialTimeout time.Duration

	// ResponseTimeout bounds the wait for the single response line. It must
	// exceed the bridge's request timeout or slow queries get cut off.
	ResponseTimeout time.Duration

	// StartupTimeout bounds the wait for an auto-started bridge to publish
	// its port file. Cold language-server starts can take minutes.
	StartupTimeout time.Duration
}

// DefaultOptions returns the standard client options.
func DefaultOptions() Options {
	return Options{
		BridgeBinary:    "lspbridge",
		DialTimeout:     5 * time.Second,
		ResponseTimeout: 60 * time.Second,
		StartupTimeout:  5 * time.Minute,
	}
}

// responseHeadroom is how much longer than the bridge's own request timeout
// the client waits for a reply, so the bridge's timeout fires first and the
// client sees its empty-result answer instead of a dead socket.
const responseHeadroom = 30 * time.Second

// OptionsForRoot derives client options from the project's bridge config.
// A missing or unreadable config file yields the defaults; the client must
// still work against a project that was never configured.
func OptionsForRoot(root string) Options {
	opts := DefaultOptions()

	cfg, err := config.Load(discovery.StateDir(root))
	if err != nil {
		return opts
	}

	opts.StartupTimeout = cfg.Bridge.StartupTimeout()
	opts.ResponseTimeout = cfg.Bridge.RequestTimeout() + responseHeadroom
	return opts
}

// SendCommand forwards one command to the bridge recorded in the marker
// files and returns the raw response line. Connection failures mean the
// bridge is presumed stopped; they are reported, not retried.
func SendCommand(root string, cmd bridge.Command, opts Options) (json.RawMessage, error) {
	handle, ok := discovery.Running(root)
	if !ok {
		return nil, ErrNotRunning
	}
	return send(handle, cmd, opts)
}

// send performs the one-line exchange against a known handle.
func send(handle discovery.Handle, cmd bridge.Command, opts Options) (json.RawMessage, error) {
	conn, err := net.DialTimeout("tcp", handle.Addr(), opts.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("bridge unreachable at %s: %w", handle.Addr(), err)
	}
	defer conn.Close()

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encoding command: %w", err)
	}

	conn.SetDeadline(time.Now().Add(opts.ResponseTimeout))
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("bridge unreachable: %w", err)
	}

	line, err := bufio.NewReaderSize(conn, 1024*1024).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("bridge unreachable: %w", err)
	}

	return json.RawMessage(line), nil
}

// EnsureRunning returns a live bridge handle for the root, spawning the
// bridge process first when the markers are absent or stale. It waits for
// the port file to appear and the recorded pid to be alive before
// returning.
func EnsureRunning(ctx context.Context, root string, opts Options) (discovery.Handle, error) {
	if handle, ok := discovery.Running(root); ok {
		return handle, nil
	}

	// Stale markers from a dead bridge would race the new one's writes.
	_ = discovery.RemoveHandle(root)

	if err := spawnBridge(root, opts); err != nil {
		return discovery.Handle{}, err
	}

	return awaitBridge(ctx, root, opts)
}

// spawnBridge starts the bridge daemon detached for the given root. The
// daemon writes its own log file; the client keeps no pipe to it.
func spawnBridge(root string, opts Options) error {
	cmd := exec.Command(opts.BridgeBinary, "start", root)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting bridge %q: %w", opts.BridgeBinary, err)
	}
	// The daemon outlives this invocation; don't hold the handle.
	return cmd.Process.Release()
}

// awaitBridge waits for the marker files of a freshly spawned bridge. A
// filesystem watch on the state dir catches the rename that publishes the
// port file; a coarse poll backstops platforms where the watch misses it.
func awaitBridge(ctx context.Context, root string, opts Options) (discovery.Handle, error) {
	stateDir := discovery.StateDir(root)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return discovery.Handle{}, fmt.Errorf("creating state dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(stateDir); err != nil {
			watcher = nil
		}
	} else {
		watcher = nil
	}

	deadline := time.NewTimer(opts.StartupTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()

	var events chan fsnotify.Event
	if watcher != nil {
		events = watcher.Events
	}

	for {
		if handle, ok := discovery.Running(root); ok {
			return handle, nil
		}

		select {
		case <-ctx.Done():
			return discovery.Handle{}, ctx.Err()
		case <-deadline.C:
			return discovery.Handle{}, fmt.Errorf("bridge did not start within %s", opts.StartupTimeout)
		case <-events:
		case <-poll.C:
		}
	}
}
