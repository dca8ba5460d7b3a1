package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"github.com/dshills/lspbridge/internal/lsp"
)

// Command is one client request line on the TCP socket. Line is 1-based,
// Col is 0-based; both are converted to LSP's 0-based positions here and
// nowhere else.
type Command struct {
	Command string `json:"command"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Col     int    `json:"col,omitempty"`
}

// Known command names.
const (
	CmdStatus      = "status"
	CmdDiagnostics = "diagnostics"
	CmdReferences  = "references"
	CmdDefinition  = "definition"
	CmdHover       = "hover"
	CmdStop        = "stop"
)

// locationRecord is the simplified output shape for a source location.
type locationRecord struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Col  int    `json:"col"`
}

// diagnosticRecord is the simplified output shape for one diagnostic.
type diagnosticRecord struct {
	Line     int    `json:"line"`
	Col      int    `json:"col"`
	EndLine  int    `json:"end-line"`
	EndCol   int    `json:"end-col"`
	Severity int    `json:"severity"`
	Label    string `json:"label"`
	Message  string `json:"message"`
	Source   string `json:"source,omitempty"`
}

// errorResponse is the error payload shape for the TCP protocol.
type errorResponse struct {
	Error string `json:"error"`
}

// LanguageServer is the slice of the server the dispatcher needs: health
// for status, and the three query round-trips. *lsp.Server satisfies it.
type LanguageServer interface {
	Degraded() bool
	ServerInfo() *lsp.InitializeServerInfo
	Uptime() time.Duration
	References(ctx context.Context, uri lsp.DocumentURI, pos lsp.Position) ([]lsp.Location, error)
	Definition(ctx context.Context, uri lsp.DocumentURI, pos lsp.Position) (json.RawMessage, error)
	Hover(ctx context.Context, uri lsp.DocumentURI, pos lsp.Position) (json.RawMessage, error)
}

// Dispatcher translates client commands into LSP requests and shapes the
// replies. It holds the only references connection handlers need: the
// language server for round-trips and the cache for diagnostics reads.
type Dispatcher struct {
	server LanguageServer
	cache  *lsp.DiagnosticsCache
	log    *slog.Logger
}

// NewDispatcher creates a dispatcher over a server and its cache.
func NewDispatcher(server LanguageServer, cache *lsp.DiagnosticsCache, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{server: server, cache: cache, log: log}
}

// Dispatch executes one command and returns the response payload plus
// whether the caller asked the bridge to stop. Unknown commands yield an
// error payload, never a dropped connection.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (any, bool) {
	switch cmd.Command {
	case CmdStatus:
		return d.status(), false
	case CmdDiagnostics:
		return d.diagnostics(cmd), false
	case CmdReferences:
		return d.references(ctx, cmd), false
	case CmdDefinition:
		return d.definition(ctx, cmd), false
	case CmdHover:
		return d.hover(ctx, cmd), false
	case CmdStop:
		return map[string]any{"status": "stopping"}, true
	default:
		return errorResponse{Error: fmt.Sprintf("unknown command: %q", cmd.Command)}, false
	}
}

// status reports bridge health from cached state; no subprocess round-trip.
func (d *Dispatcher) status() any {
	state := "running"
	if d.server.Degraded() {
		state = "degraded"
	}

	resp := map[string]any{
		"status":            state,
		"diagnostics-count": d.cache.Len(),
	}
	if info := d.server.ServerInfo(); info != nil {
		resp["server"] = info.Name
	}
	if up := d.server.Uptime(); up > 0 {
		resp["uptime-seconds"] = int(up.Seconds())
	}
	return resp
}

// diagnostics returns the cache entry for one file, or the whole cache when
// no file is given. An unknown file yields an empty list, not an error.
func (d *Dispatcher) diagnostics(cmd Command) any {
	if cmd.File != "" {
		uri := lsp.FilePathToURI(cmd.File)
		return map[string]any{"diagnostics": toDiagnosticRecords(d.cache.Get(uri))}
	}

	all := d.cache.All()
	out := make(map[string][]diagnosticRecord, len(all))
	for uri, diags := range all {
		out[lsp.URIToFilePath(uri)] = toDiagnosticRecords(diags)
	}
	return map[string]any{"diagnostics": out}
}

func (d *Dispatcher) references(ctx context.Context, cmd Command) any {
	if resp := checkPosition(cmd); resp != nil {
		return resp
	}

	locs, err := d.server.References(ctx, lsp.FilePathToURI(cmd.File), toLSPPosition(cmd))
	if err != nil {
		if isNoAnswer(err) {
			return map[string]any{"references": []locationRecord{}}
		}
		return errorResponse{Error: err.Error()}
	}

	out := make([]locationRecord, 0, len(locs))
	for _, loc := range locs {
		out = append(out, locationRecord{
			File: lsp.URIToFilePath(loc.URI),
			Line: loc.Range.Start.Line + 1,
			Col:  loc.Range.Start.Character,
		})
	}
	return map[string]any{"references": out}
}

func (d *Dispatcher) definition(ctx context.Context, cmd Command) any {
	if resp := checkPosition(cmd); resp != nil {
		return resp
	}

	raw, err := d.server.Definition(ctx, lsp.FilePathToURI(cmd.File), toLSPPosition(cmd))
	if err != nil {
		if isNoAnswer(err) {
			return map[string]any{"definitions": []locationRecord{}}
		}
		return errorResponse{Error: err.Error()}
	}

	return map[string]any{"definitions": normalizeLocations(raw)}
}

func (d *Dispatcher) hover(ctx context.Context, cmd Command) any {
	if resp := checkPosition(cmd); resp != nil {
		return resp
	}

	raw, err := d.server.Hover(ctx, lsp.FilePathToURI(cmd.File), toLSPPosition(cmd))
	if err != nil {
		if isNoAnswer(err) {
			return map[string]any{"hover": nil}
		}
		return errorResponse{Error: err.Error()}
	}

	// The contents shape (string, MarkupContent, or array) is the caller's
	// to render; pass it through untouched.
	contents := gjson.GetBytes(raw, "contents")
	if !contents.Exists() {
		return map[string]any{"hover": nil}
	}
	return map[string]any{"hover": json.RawMessage(contents.Raw)}
}

// checkPosition validates the position fields required by the positional
// commands. It returns an error payload, or nil when the command is valid.
func checkPosition(cmd Command) any {
	if cmd.File == "" {
		return errorResponse{Error: fmt.Sprintf("%s requires a file", cmd.Command)}
	}
	if cmd.Line < 1 {
		return errorResponse{Error: fmt.Sprintf("%s requires a 1-based line", cmd.Command)}
	}
	if cmd.Col < 0 {
		return errorResponse{Error: fmt.Sprintf("%s requires a 0-based col", cmd.Command)}
	}
	return nil
}

// toLSPPosition converts the command's 1-based line / 0-based col to an
// LSP 0-based position.
func toLSPPosition(cmd Command) lsp.Position {
	return lsp.Position{Line: cmd.Line - 1, Character: cmd.Col}
}

// isNoAnswer reports whether an error means "the server gave no answer",
// which the protocol surfaces as an empty result rather than an error: an
// in-flight LSP request cannot be cancelled, so absence is a valid outcome.
func isNoAnswer(err error) bool {
	return errors.Is(err, lsp.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// normalizeLocations flattens a raw definition result into location
// records. Servers return a single Location, a Location array, or a
// LocationLink array depending on declared capabilities.
func normalizeLocations(raw json.RawMessage) []locationRecord {
	out := make([]locationRecord, 0, 1)
	if len(raw) == 0 {
		return out
	}

	res := gjson.ParseBytes(raw)
	appendLoc := func(v gjson.Result) {
		uri := v.Get("uri")
		start := v.Get("range.start")
		if !uri.Exists() {
			uri = v.Get("targetUri")
			start = v.Get("targetSelectionRange.start")
		}
		if !uri.Exists() {
			return
		}
		out = append(out, locationRecord{
			File: lsp.URIToFilePath(lsp.DocumentURI(uri.String())),
			Line: int(start.Get("line").Int()) + 1,
			Col:  int(start.Get("character").Int()),
		})
	}

	switch {
	case res.IsArray():
		res.ForEach(func(_, v gjson.Result) bool {
			appendLoc(v)
			return true
		})
	case res.IsObject():
		appendLoc(res)
	}
	return out
}

// toDiagnosticRecords maps cached diagnostics to the simplified output
// shape with 1-based lines.
func toDiagnosticRecords(diags []lsp.Diagnostic) []diagnosticRecord {
	out := make([]diagnosticRecord, 0, len(diags))
	for _, diag := range diags {
		out = append(out, diagnosticRecord{
			Line:     diag.Range.Start.Line + 1,
			Col:      diag.Range.Start.Character,
			EndLine:  diag.Range.End.Line + 1,
			EndCol:   diag.Range.End.Character,
			Severity: int(diag.Severity),
			Label:    diag.Severity.Label(),
			Message:  diag.Message,
			Source:   diag.Source,
		})
	}
	return out
}
