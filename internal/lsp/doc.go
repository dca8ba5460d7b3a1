// Package lsp implements the client side of the Language Server Protocol
// for the bridge: Content-Length framed JSON-RPC over a subprocess's stdio,
// request/response correlation, and asynchronous diagnostics caching.
//
// The package has three moving pieces:
//
//   - Transport frames messages, allocates request ids, and runs the single
//     read loop that routes responses to waiters and publishDiagnostics
//     notifications to the cache.
//   - Server owns the language-server subprocess lifecycle and the
//     initialize/initialized handshake, and exposes the query requests the
//     bridge forwards (references, definition, hover).
//   - DiagnosticsCache stores the latest diagnostics per document URI.
//
// Positions are LSP-native here: zero-based lines and UTF-16 columns.
// One-based line conversion happens at the command boundary, not in this
// package.
package lsp
