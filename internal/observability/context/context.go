// Package obscontext carries request-scoped correlation values used by logs and spans.
package obscontext

import (
	"context"
	"strings"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	principalKey ctxKey = "principal"
	anchorKey    ctxKey = "anchor_id"
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withString(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, requestIDKey)
}

// WithPrincipal records the identity the current unit of work runs as.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return withString(ctx, principalKey, principal)
}

func PrincipalFromContext(ctx context.Context) string {
	return stringFrom(ctx, principalKey)
}

// WithAnchorID records the trust anchor a webhook was verified against.
func WithAnchorID(ctx context.Context, anchorID string) context.Context {
	return withString(ctx, anchorKey, anchorID)
}

func AnchorIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, anchorKey)
}

func withString(ctx context.Context, key ctxKey, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
