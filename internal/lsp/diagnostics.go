package lsp

import "sync"

// DiagnosticsCache stores the latest published diagnostics per document URI.
// It is written by the transport read loop and read by any number of
// connection handlers. Entries are overwritten whole (last write wins) and
// never evicted; the cache lives as long as the bridge process.
type DiagnosticsCache struct {
	mu    sync.RWMutex
	byURI map[DocumentURI][]Diagnostic
}

// NewDiagnosticsCache creates an empty cache.
func NewDiagnosticsCache() *DiagnosticsCache {
	return &DiagnosticsCache{
		byURI: make(map[DocumentURI][]Diagnostic),
	}
}

// Set replaces the diagnostics for a URI. The slice is copied so later
// mutation by the caller cannot be observed through the cache.
func (c *DiagnosticsCache) Set(uri DocumentURI, diags []Diagnostic) {
	cp := make([]Diagnostic, len(diags))
	copy(cp, diags)

	c.mu.Lock()
	c.byURI[uri] = cp
	c.mu.Unlock()
}

// Get returns the diagnostics for a URI. A URI with no entry yields an
// empty slice, not an error.
func (c *DiagnosticsCache) Get(uri DocumentURI) []Diagnostic {
	c.mu.RLock()
	defer c.mu.RUnlock()

	diags := c.byURI[uri]
	cp := make([]Diagnostic, len(diags))
	copy(cp, diags)
	return cp
}

// All returns a snapshot of every entry in the cache.
func (c *DiagnosticsCache) All() map[DocumentURI][]Diagnostic {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[DocumentURI][]Diagnostic, len(c.byURI))
	for uri, diags := range c.byURI {
		cp := make([]Diagnostic, len(diags))
		copy(cp, diags)
		out[uri] = cp
	}
	return out
}

// Len returns the number of URIs with a cache entry.
func (c *DiagnosticsCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byURI)
}
