package obscontext

import (
	"context"
	"testing"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), " req-1 ")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Fatalf("expected req-1, got %q", got)
	}
}

func TestBlankValuesAreIgnored(t *testing.T) {
	ctx := WithPrincipal(context.Background(), "service:settlement")
	ctx = WithPrincipal(ctx, "  ")
	if got := PrincipalFromContext(ctx); got != "service:settlement" {
		t.Fatalf("blank principal should not overwrite, got %q", got)
	}
	if got := AnchorIDFromContext(nil); got != "" { //nolint:staticcheck
		t.Fatalf("expected empty anchor id, got %q", got)
	}
}
