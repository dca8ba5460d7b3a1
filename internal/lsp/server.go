package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// ServerStatus indicates the current state of the language server.
type ServerStatus int

const (
	ServerStatusStopped ServerStatus = iota
	ServerStatusStarting
	ServerStatusInitializing
	ServerStatusReady
	ServerStatusShuttingDown
	ServerStatusError
)

// String returns a human-readable status name.
func (s ServerStatus) String() string {
	switch s {
	case ServerStatusStopped:
		return "stopped"
	case ServerStatusStarting:
		return "starting"
	case ServerStatusInitializing:
		return "initializing"
	case ServerStatusReady:
		return "ready"
	case ServerStatusShuttingDown:
		return "shutting down"
	case ServerStatusError:
		return "error"
	default:
		return "unknown"
	}
}

// ServerConfig defines how to start the language server.
type ServerConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments.
	Args []string

	// Env are extra environment variables. The server does NOT inherit the
	// host environment beyond a minimal passthrough set; a host classpath or
	// toolchain variable leaking in can break the server's own toolchain.
	Env map[string]string

	// RootPath is the project root, used as the working directory and as
	// the rootUri sent during initialize.
	RootPath string

	// Timeout bounds individual requests (default: 30s).
	Timeout time.Duration
}

// passthroughEnv lists the host variables the subprocess keeps.
var passthroughEnv = []string{"PATH", "HOME", "TMPDIR", "LANG", "LC_ALL", "XDG_CACHE_HOME", "XDG_CONFIG_HOME"}

// Server owns the language-server subprocess: it spawns the process with
// stdio pipes, performs the initialize handshake, and tears the process
// down on shutdown. It is the only writer of the process's stdin.
type Server struct {
	mu sync.Mutex

	config ServerConfig
	log    *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	transport *Transport
	cache     *DiagnosticsCache

	status     atomic.Int32
	serverInfo *InitializeServerInfo
	startedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	exitCh chan error
	exited atomic.Bool
}

// NewServer creates a new server instance (not yet started). Diagnostics
// notifications are routed into cache as they arrive.
func NewServer(config ServerConfig, cache *DiagnosticsCache, log *slog.Logger) *Server {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		config: config,
		cache:  cache,
		log:    log,
		exitCh: make(chan error, 1),
	}
	s.status.Store(int32(ServerStatusStopped))
	return s
}

// Start starts the language server process and runs the initialize
// handshake. If the process exits before the handshake completes, Start
// fails; there is no silent fallback.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status() != ServerStatusStopped {
		return ErrAlreadyStarted
	}

	s.status.Store(int32(ServerStatusStarting))
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.startProcess(); err != nil {
		s.status.Store(int32(ServerStatusError))
		return err
	}

	s.transport = NewTransport(s.stdout, s.stdin, nil, s.log)

	// The diagnostics route must be live before initialize: some servers
	// publish diagnostics while the initialize response is still pending.
	s.transport.OnDiagnostics(func(p PublishDiagnosticsParams) {
		s.cache.Set(p.URI, p.Diagnostics)
	})

	s.transport.Start(s.ctx)
	go s.drainStderr()
	go s.monitorProcess()

	s.status.Store(int32(ServerStatusInitializing))
	if err := s.initialize(s.ctx); err != nil {
		s.status.Store(int32(ServerStatusError))
		s.stopProcess()
		return fmt.Errorf("initialize: %w", err)
	}

	s.startedAt = time.Now()
	s.status.Store(int32(ServerStatusReady))
	s.log.Info("language server ready",
		"command", s.config.Command,
		"pid", s.cmd.Process.Pid)
	return nil
}

// startProcess starts the language server executable with a scrubbed
// environment and the project root as working directory.
func (s *Server) startProcess() error {
	cmd := exec.CommandContext(s.ctx, s.config.Command, s.config.Args...)

	env := make([]string, 0, len(passthroughEnv)+len(s.config.Env))
	for _, key := range passthroughEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	for k, v := range s.config.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env
	cmd.Dir = s.config.RootPath

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("start %s: %w", s.config.Command, err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = stdout
	s.stderr = stderr

	return nil
}

// drainStderr consumes the subprocess's stderr so the child never blocks
// on a full pipe. Lines are logged at debug level.
func (s *Server) drainStderr() {
	scanner := bufio.NewScanner(s.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.log.Debug("server stderr", "line", scanner.Text())
	}
}

// monitorProcess waits for the process to exit and closes the transport so
// blocked callers and the read loop are released deterministically.
func (s *Server) monitorProcess() {
	err := s.cmd.Wait()
	s.exited.Store(true)
	if s.transport != nil {
		s.transport.Close()
	}
	select {
	case s.exitCh <- err:
	default:
	}
}

// initialize performs the LSP initialize/initialized handshake.
func (s *Server) initialize(ctx context.Context) error {
	params := InitializeParams{
		ProcessID:    os.Getpid(),
		RootURI:      FilePathToURI(s.config.RootPath),
		Capabilities: BridgeClientCapabilities(),
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	var result InitializeResult
	if err := s.transport.Call(ctx, "initialize", params, &result); err != nil {
		return fmt.Errorf("initialize request: %w", err)
	}

	s.serverInfo = result.ServerInfo

	if err := s.transport.Notify(ctx, "initialized", InitializedParams{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	return nil
}

// stopProcess closes the transport and kills the server process.
func (s *Server) stopProcess() {
	if s.transport != nil {
		s.transport.Close()
	}

	if s.stdin != nil {
		s.stdin.Close()
	}
	if s.stdout != nil {
		s.stdout.Close()
	}
	if s.stderr != nil {
		s.stderr.Close()
	}

	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
}

// Shutdown gracefully shuts down the server: a best-effort shutdown/exit
// exchange followed by process teardown.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := ServerStatus(s.status.Load())
	if status == ServerStatusStopped || status == ServerStatusShuttingDown {
		return nil
	}

	s.status.Store(int32(ServerStatusShuttingDown))

	if s.transport != nil && !s.transport.IsClosed() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		_ = s.transport.Call(shutdownCtx, "shutdown", nil, nil)
		_ = s.transport.Notify(shutdownCtx, "exit", nil)
	}

	if s.cancel != nil {
		s.cancel()
	}

	s.stopProcess()

	s.status.Store(int32(ServerStatusStopped))
	return nil
}

// Status returns the current server status.
func (s *Server) Status() ServerStatus {
	return ServerStatus(s.status.Load())
}

// Degraded reports whether the server can no longer answer requests: the
// process exited or the transport's read loop terminated. The status
// command surfaces this instead of letting queries hang.
func (s *Server) Degraded() bool {
	if s.exited.Load() {
		return true
	}
	return s.transport != nil && s.transport.IsClosed()
}

// ServerInfo returns the server identity from initialization, if reported.
func (s *Server) ServerInfo() *InitializeServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// Uptime returns the time since the handshake completed.
func (s *Server) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// ExitChannel returns a channel that receives when the process exits.
func (s *Server) ExitChannel() <-chan error {
	return s.exitCh
}

// --- LSP Requests ---

// checkReady gates the query requests: the server must have completed the
// handshake and the process must still be alive. A dead process fails fast
// with ErrServerExited instead of burning the full request timeout.
func (s *Server) checkReady() error {
	if s.exited.Load() {
		return ErrServerExited
	}
	if s.Status() != ServerStatusReady {
		return ErrServerNotReady
	}
	return nil
}

// References finds all references to the symbol at a position, including
// the declaration. A timeout yields an empty list, not an error.
func (s *Server) References(ctx context.Context, uri DocumentURI, pos Position) ([]Location, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}

	params := ReferenceParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
			Position:     pos,
		},
		Context: ReferenceContext{IncludeDeclaration: true},
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	var result []Location
	if err := s.transport.Call(ctx, "textDocument/references", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Definition returns the raw definition result for a symbol. The result may
// be a single Location, a Location array, or a LocationLink array; callers
// normalize the shape.
func (s *Server) Definition(ctx context.Context, uri DocumentURI, pos Position) (json.RawMessage, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}

	params := TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	var result json.RawMessage
	if err := s.transport.Call(ctx, "textDocument/definition", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Hover returns the raw hover result at a position. A position with no
// symbol yields a null result.
func (s *Server) Hover(ctx context.Context, uri DocumentURI, pos Position) (json.RawMessage, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}

	params := TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	var result json.RawMessage
	if err := s.transport.Call(ctx, "textDocument/hover", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}
