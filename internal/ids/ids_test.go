package ids

import (
	"context"
	"testing"
)

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	if len(a) != 26 {
		t.Fatalf("unexpected ULID length %d", len(a))
	}
	if a >= b {
		t.Fatalf("expected monotonic ids, got %s then %s", a, b)
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	if got := RequestIDFromContext(ctx); got != "" {
		t.Fatalf("expected empty id, got %q", got)
	}
	if got := RequestIDFromContext(WithRequestID(ctx, "  ")); got != "" {
		t.Fatalf("blank id must be ignored, got %q", got)
	}
	if got := RequestIDFromContext(WithRequestID(ctx, "abc")); got != "abc" {
		t.Fatalf("got %q", got)
	}
}
