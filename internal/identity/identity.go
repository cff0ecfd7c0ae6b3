// Package identity tracks which principal a unit of work runs as.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"

	obscontext "github.com/smallbiznis/lemonsync/internal/observability/context"
)

const (
	// Anonymous is the principal of unauthenticated webhook deliveries.
	Anonymous = "anonymous"
	// Admin is the principal of requests carrying the admin API token.
	Admin = "admin"
)

var ErrNoSession = errors.New("no_identity_session")

// Session holds the current principal for one request. Elevations nest and
// must be restored in reverse order.
type Session struct {
	mu      sync.Mutex
	current string
	stack   []string
}

type sessionKey struct{}

// WithSession attaches a fresh session running as principal.
func WithSession(ctx context.Context, principal string) (context.Context, *Session) {
	principal = normalize(principal)
	s := &Session{current: principal}
	ctx = context.WithValue(ctx, sessionKey{}, s)
	return obscontext.WithPrincipal(ctx, principal), s
}

func SessionFrom(ctx context.Context) *Session {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}

// Current returns the principal the context runs as, or Anonymous.
func Current(ctx context.Context) string {
	if s := SessionFrom(ctx); s != nil {
		return s.Principal()
	}
	return Anonymous
}

func (s *Session) Principal() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Elevate switches the session in ctx to principal. The returned restore func
// puts the previous principal back and is idempotent.
func Elevate(ctx context.Context, principal string) (context.Context, func(), error) {
	s := SessionFrom(ctx)
	if s == nil {
		return ctx, func() {}, ErrNoSession
	}
	principal = normalize(principal)

	s.mu.Lock()
	s.stack = append(s.stack, s.current)
	depth := len(s.stack)
	s.current = principal
	s.mu.Unlock()

	var once sync.Once
	restore := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if len(s.stack) < depth {
				return
			}
			s.current = s.stack[depth-1]
			s.stack = s.stack[:depth-1]
		})
	}
	return obscontext.WithPrincipal(ctx, principal), restore, nil
}

func normalize(principal string) string {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return Anonymous
	}
	return principal
}
