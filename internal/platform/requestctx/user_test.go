package requestctx

import (
	"context"
	"testing"
)

func TestIdentityRoundTrip(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{UserID: " user-42 ", Username: "alice"})
	got, ok := IdentityFromContext(ctx)
	if !ok {
		t.Fatal("expected identity in context")
	}
	if got.UserID != "user-42" || got.Username != "alice" {
		t.Fatalf("identity = %+v, want user-42/alice", got)
	}
	if UserIDFromContext(ctx) != "user-42" {
		t.Fatalf("UserIDFromContext = %q, want %q", UserIDFromContext(ctx), "user-42")
	}
}

func TestIdentityFromContextEmpty(t *testing.T) {
	if _, ok := IdentityFromContext(context.Background()); ok {
		t.Fatal("expected no identity")
	}
	if got := UserIDFromContext(context.Background()); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

func TestIdentityFromContextNil(t *testing.T) {
	if _, ok := IdentityFromContext(nil); ok {
		t.Fatal("expected no identity for nil context")
	}
}

func TestWithIdentityBlankUserIsAbsent(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{UserID: "  ", Username: "ghost"})
	if _, ok := IdentityFromContext(ctx); ok {
		t.Fatal("expected blank user id to read as absent")
	}
}

func TestWithIdentityNilContext(t *testing.T) {
	ctx := WithIdentity(nil, Identity{UserID: "user-99"})
	if ctx == nil {
		t.Fatalf("expected non-nil context")
	}
	if got := UserIDFromContext(ctx); got != "user-99" {
		t.Fatalf("UserIDFromContext = %q, want %q", got, "user-99")
	}
}
