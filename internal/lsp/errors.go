package lsp

import (
	"errors"
	"fmt"
)

// Standard errors returned by the LSP bridge core.
var (
	// ErrShutdown indicates the transport has been closed.
	ErrShutdown = errors.New("lsp transport shut down")

	// ErrTimeout indicates a request timed out without a response.
	ErrTimeout = errors.New("request timed out")

	// ErrServerNotReady indicates the server is not ready to handle requests.
	ErrServerNotReady = errors.New("server not ready")

	// ErrServerExited indicates the server process terminated unexpectedly.
	ErrServerExited = errors.New("server process exited")

	// ErrAlreadyStarted indicates the server has already been started.
	ErrAlreadyStarted = errors.New("server already started")
)

// RPCError represents a JSON-RPC error from the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerNotInitialized = -32002
	CodeRequestCancelled     = -32800
)
