package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxCommandBytes caps one inbound command line. Commands carry a name and
// a file position; anything near this limit is not a valid command.
const maxCommandBytes = 64 * 1024

// QueryServer accepts short-lived TCP connections on a loopback port and
// answers one line-delimited JSON command per connection. Each connection
// runs in its own goroutine so a slow references query never blocks
// another client's diagnostics poll.
type QueryServer struct {
	dispatcher  *Dispatcher
	log         *slog.Logger
	idleTimeout time.Duration

	ln net.Listener
	wg sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewQueryServer creates a query server over a dispatcher.
func NewQueryServer(d *Dispatcher, idleTimeout time.Duration, log *slog.Logger) *QueryServer {
	if log == nil {
		log = slog.Default()
	}
	return &QueryServer{
		dispatcher:  d,
		log:         log,
		idleTimeout: idleTimeout,
		stopCh:      make(chan struct{}),
	}
}

// Listen binds to an OS-assigned loopback port and returns it. The port is
// only valid for marker files after Listen returns successfully.
func (s *QueryServer) Listen() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	s.ln = ln
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Serve runs the accept loop until the listener is closed. Closing the
// listener is the shutdown mechanism; it unblocks Accept deterministically.
func (s *QueryServer) Serve(ctx context.Context) error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close closes the listener. Safe to call more than once.
func (s *QueryServer) Close() {
	if s.ln != nil {
		s.ln.Close()
	}
}

// Wait blocks until all in-flight connections finish.
func (s *QueryServer) Wait() {
	s.wg.Wait()
}

// StopRequested is signalled once when a client sends the stop command.
func (s *QueryServer) StopRequested() <-chan struct{} {
	return s.stopCh
}

// handleConn services one connection: read one JSON line, dispatch, write
// one JSON line, close. A connection idle beyond the read timeout is
// abandoned. Protocol errors are answered on the same connection before it
// closes, never by tearing it down silently.
func (s *QueryServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connID := uuid.NewString()[:8]
	log := s.log.With("conn", connID)

	if err := conn.SetReadDeadline(time.Now().Add(s.idleTimeout)); err != nil {
		log.Warn("set read deadline failed", "error", err)
		return
	}

	// The limit bounds memory against a client that streams bytes without a
	// newline; hitting it surfaces as EOF with a partial line, answered
	// below as a malformed command.
	reader := bufio.NewReaderSize(io.LimitReader(conn, maxCommandBytes), 64*1024)
	line, err := reader.ReadString('\n')
	if err != nil {
		if strings.TrimSpace(line) == "" {
			log.Debug("connection abandoned", "error", err)
			return
		}
		// Partial line: the cap or the deadline cut it off. Drain what the
		// client is still sending, still under the read deadline, so the
		// error reply is not lost to a reset when the socket closes with
		// unread bytes.
		io.Copy(io.Discard, conn)
	}

	var cmd Command
	if err := json.Unmarshal([]byte(line), &cmd); err != nil {
		s.writeResponse(conn, log, errorResponse{Error: "malformed command: " + err.Error()})
		return
	}

	log.Debug("command received", "command", cmd.Command, "file", cmd.File)

	resp, stop := s.dispatcher.Dispatch(ctx, cmd)
	s.writeResponse(conn, log, resp)

	// Shutdown begins only after the reply is on the wire.
	if stop {
		s.stopOnce.Do(func() { close(s.stopCh) })
	}
}

// writeResponse marshals a payload and writes it as one newline-terminated
// JSON line.
func (s *QueryServer) writeResponse(conn net.Conn, log *slog.Logger, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error("marshal response failed", "error", err)
		data = []byte(`{"error":"internal: response marshal failed"}`)
	}

	conn.SetWriteDeadline(time.Now().Add(s.idleTimeout))
	if _, err := conn.Write(append(data, '\n')); err != nil {
		log.Debug("write response failed", "error", err)
	}
}
