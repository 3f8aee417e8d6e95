// Package reqctx carries request metadata through contexts.
package reqctx

import (
	"context"
	"net/http"
	"strings"

	"github.com/maruel/datarest/internal/dataset"
)

type contextKey string

const (
	keyClientIP contextKey = "clientIP"
	keyActor    contextKey = "actor"
)

// GetClientIP extracts the client IP from an HTTP request,
// checking X-Forwarded-For and X-Real-IP headers for proxied requests.
func GetClientIP(r *http.Request) string {
	// The leftmost X-Forwarded-For entry is the original client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	addr := r.RemoteAddr
	if strings.HasPrefix(addr, "[") {
		if host, _, found := strings.Cut(addr, "]:"); found {
			return host[1:]
		}
		return strings.Trim(addr, "[]")
	}
	if host, _, found := strings.Cut(addr, ":"); found {
		return host
	}
	return addr
}

// WithClientIP adds the client IP to the context.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, keyClientIP, ip)
}

// ClientIP extracts the client IP from the context.
func ClientIP(ctx context.Context) string {
	if v, ok := ctx.Value(keyClientIP).(string); ok {
		return v
	}
	return ""
}

// WithActor adds the authenticated actor to the context.
func WithActor(ctx context.Context, a *dataset.Actor) context.Context {
	return context.WithValue(ctx, keyActor, a)
}

// Actor returns the authenticated actor, nil for anonymous requests.
func Actor(ctx context.Context) *dataset.Actor {
	a, _ := ctx.Value(keyActor).(*dataset.Actor)
	return a
}
