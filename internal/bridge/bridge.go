// Package bridge assembles the long-lived bridge daemon: the language
// server subprocess, the diagnostics cache, the command dispatcher, and the
// TCP query server, plus the marker files that make the bridge
// discoverable by clients.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/lspbridge/internal/config"
	"github.com/dshills/lspbridge/internal/discovery"
	"github.com/dshills/lspbridge/internal/lsp"
)

// Bridge ties the components together for one project root.
type Bridge struct {
	root string
	cfg  config.Config
	log  *slog.Logger

	cache  *lsp.DiagnosticsCache
	server *lsp.Server
	qs     *QueryServer

	shutdownOnce sync.Once
}

// New creates a bridge for a project root.
func New(root string, cfg config.Config, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}

	cache := lsp.NewDiagnosticsCache()
	server := lsp.NewServer(lsp.ServerConfig{
		Command:  cfg.Server.Command,
		Args:     cfg.Server.Args,
		Env:      cfg.Server.Env,
		RootPath: root,
		Timeout:  cfg.Bridge.RequestTimeout(),
	}, cache, log)

	dispatcher := NewDispatcher(server, cache, log)
	qs := NewQueryServer(dispatcher, cfg.Bridge.IdleTimeout(), log)

	return &Bridge{
		root:   root,
		cfg:    cfg,
		log:    log,
		cache:  cache,
		server: server,
		qs:     qs,
	}
}

// Run starts the language server, binds the query port, publishes the
// marker files, and serves until the context is cancelled or a client
// sends stop. A handshake failure is fatal: Run returns the error before
// any marker file exists, so clients correctly perceive "not running".
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.server.Start(ctx); err != nil {
		return fmt.Errorf("starting language server: %w", err)
	}

	port, err := b.qs.Listen()
	if err != nil {
		b.server.Shutdown(context.Background())
		return fmt.Errorf("binding query port: %w", err)
	}

	handle := discovery.Handle{Root: b.root, Port: port, PID: os.Getpid()}
	if err := discovery.WriteHandle(handle); err != nil {
		b.qs.Close()
		b.server.Shutdown(context.Background())
		return fmt.Errorf("writing marker files: %w", err)
	}

	b.log.Info("bridge ready", "root", b.root, "port", port, "pid", handle.PID)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.qs.Serve(gctx)
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			b.log.Info("shutdown signalled")
		case <-b.qs.StopRequested():
			b.log.Info("stop command received")
		}
		b.Shutdown()
		return nil
	})

	err = g.Wait()
	b.Shutdown() // covers Serve failing on its own
	return err
}

// Shutdown performs the ordered teardown exactly once, whether triggered
// by signal, by the stop command, or by both: close the listener, destroy
// the subprocess, delete the marker files.
func (b *Bridge) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.qs.Close()
		b.server.Shutdown(context.Background())
		b.qs.Wait()
		if err := discovery.RemoveHandle(b.root); err != nil {
			b.log.Warn("removing marker files failed", "error", err)
		}
		b.log.Info("bridge stopped")
	})
}
