package server

import (
	"fmt"
	"net/http"

	"github.com/gobwas/glob"
)

// OriginFilter matches WebSocket Origin headers against glob patterns
type OriginFilter struct {
	globs []glob.Glob
}

// NewOriginFilter compiles patterns such as "https://*.observatory.local".
// No patterns allows every origin.
func NewOriginFilter(patterns []string) (*OriginFilter, error) {
	f := &OriginFilter{globs: make([]glob.Glob, 0, len(patterns))}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid origin pattern %q: %w", pattern, err)
		}
		f.globs = append(f.globs, g)
	}
	return f, nil
}

// Match reports whether origin is allowed.
func (f *OriginFilter) Match(origin string) bool {
	if len(f.globs) == 0 {
		return true
	}
	for _, g := range f.globs {
		if g.Match(origin) {
			return true
		}
	}
	return false
}

// CheckOrigin is a websocket.Upgrader CheckOrigin function. Requests without
// an Origin header (non browser clients) are allowed.
func (f *OriginFilter) CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || f.Match(origin)
}
