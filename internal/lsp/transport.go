package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Transport handles JSON-RPC 2.0 communication over stdio.
// It implements the LSP base protocol with Content-Length headers and
// correlates responses to in-flight requests by id.
type Transport struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer
	log    *slog.Logger

	wmu sync.Mutex // serializes framed writes

	mu      sync.Mutex
	nextID  atomic.Int64
	pending map[int64]chan *Response

	onDiagnostics func(PublishDiagnosticsParams)

	closed atomic.Bool
	done   chan struct{}
}

// Request represents a JSON-RPC request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response represents a JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// notification is used to parse incoming notifications.
type notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewTransport creates a new transport over the given streams
// (typically the subprocess's stdout/stdin pipes).
func NewTransport(r io.Reader, w io.Writer, c io.Closer, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		reader:  bufio.NewReaderSize(r, 64*1024),
		writer:  w,
		closer:  c,
		log:     log,
		pending: make(map[int64]chan *Response),
		done:    make(chan struct{}),
	}
}

// OnDiagnostics registers the handler invoked for every
// textDocument/publishDiagnostics notification. The handler runs on the
// read loop goroutine, so successive notifications for the same document
// are applied in arrival order. Must be set before Start.
func (t *Transport) OnDiagnostics(h func(PublishDiagnosticsParams)) {
	t.onDiagnostics = h
}

// Start begins reading messages from the connection.
func (t *Transport) Start(ctx context.Context) {
	go t.readLoop(ctx)
}

// Close closes the transport and releases resources.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil // already closed
	}

	close(t.done)

	// Abandon all pending requests. Waiters are released via t.done;
	// channels are left open to avoid racing with handleResponse.
	t.mu.Lock()
	t.pending = make(map[int64]chan *Response)
	t.mu.Unlock()

	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

// IsClosed returns true if the transport has been closed.
func (t *Transport) IsClosed() bool {
	return t.closed.Load()
}

// Call sends a request and blocks until the matching response arrives,
// the context expires, or the transport shuts down. A context deadline is
// reported as ErrTimeout: the caller asked and got no answer, which is a
// reportable outcome rather than a failure.
func (t *Transport) Call(ctx context.Context, method string, params any, result any) error {
	if t.closed.Load() {
		return ErrShutdown
	}

	id := t.nextID.Add(1)
	ch := make(chan *Response, 1)

	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	req := &Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	if err := t.send(req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	case <-t.done:
		return ErrShutdown
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}
		return nil
	}
}

// Notify sends a notification (no response expected).
func (t *Transport) Notify(ctx context.Context, method string, params any) error {
	if t.closed.Load() {
		return ErrShutdown
	}

	req := &Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	}

	return t.send(req)
}

// send writes a message with an LSP Content-Length header.
func (t *Transport) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))

	t.wmu.Lock()
	defer t.wmu.Unlock()

	if _, err := io.WriteString(t.writer, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := t.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}

	return nil
}

// readLoop is the single reader of the subprocess's stdout. It frames one
// message at a time and routes it to the matching waiter or the diagnostics
// handler. The loop terminates on stream EOF or a malformed header; after
// that all future calls fail with ErrShutdown.
func (t *Transport) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		msg, err := t.readMessage()
		if err != nil {
			if !t.closed.Load() && err != io.EOF && err != io.ErrClosedPipe {
				t.log.Debug("read loop terminated", "error", err)
			}
			return
		}

		t.dispatch(msg)
	}
}

// readMessage reads a single framed LSP message. Header parse failures are
// returned as errors and treated by the loop as stream termination.
func (t *Transport) readMessage() (json.RawMessage, error) {
	contentLength := -1
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break // end of headers
		}
		if strings.HasPrefix(strings.ToLower(line), "content-length:") {
			parts := strings.SplitN(line, ":", 2)
			n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
			if err != nil {
				return nil, fmt.Errorf("invalid Content-Length %q: %w", parts[1], err)
			}
			contentLength = n
		}
		// Content-Type and other headers are ignored
	}

	if contentLength < 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return body, nil
}

// dispatch routes a message to the matching waiter or notification handler.
func (t *Transport) dispatch(data json.RawMessage) {
	var probe struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Error  *RPCError       `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		t.log.Debug("dropping unparseable message", "error", err)
		return
	}

	// A message with an id and a result or error is a response.
	if probe.ID != nil && probe.Method == "" {
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return
		}
		t.handleResponse(&resp)
		return
	}

	if probe.Method != "" {
		var notif notification
		if err := json.Unmarshal(data, &notif); err != nil {
			return
		}
		t.handleNotification(&notif)
	}
}

// handleResponse delivers a response to its waiting caller. Responses with
// no pending entry (the waiter already timed out) are logged and dropped.
func (t *Transport) handleResponse(resp *Response) {
	if t.closed.Load() {
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[resp.ID]
	if ok {
		delete(t.pending, resp.ID)
	}
	t.mu.Unlock()

	if !ok {
		t.log.Debug("dropping late response", "id", resp.ID)
		return
	}

	// Buffered channel, never blocks the read loop.
	select {
	case ch <- resp:
	default:
	}
}

// handleNotification routes publishDiagnostics to the registered handler.
// Every other notification is discarded.
func (t *Transport) handleNotification(notif *notification) {
	if notif.Method != "textDocument/publishDiagnostics" {
		return
	}
	if t.onDiagnostics == nil {
		return
	}

	var params PublishDiagnosticsParams
	if err := json.Unmarshal(notif.Params, &params); err != nil {
		t.log.Debug("dropping malformed diagnostics", "error", err)
		return
	}
	t.onDiagnostics(params)
}
