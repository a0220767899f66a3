package notes

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func newTestResolver(t *testing.T) (*Resolver, *Store) {
	t.Helper()
	db := newTestDB(t)
	store := newTestStore(t, db, []string{"local-1", "local-2"})
	resolver, err := NewResolver(db, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to build resolver: %v", err)
	}
	return resolver, store
}

func TestResolveServerIDUnboundReturnsFalse(t *testing.T) {
	resolver, store := newTestResolver(t)
	owner := mustUserID(t, "user-1")

	localID, err := store.Create(context.Background(), Draft{Title: "A"}, owner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	serverID, found, err := resolver.ResolveServerID(context.Background(), localID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found || serverID != "" {
		t.Fatalf("expected no binding, got %q found=%v", serverID, found)
	}
}

func TestBindServerIDRoundTrip(t *testing.T) {
	resolver, store := newTestResolver(t)
	owner := mustUserID(t, "user-1")

	localID, err := store.Create(context.Background(), Draft{Title: "A"}, owner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := resolver.BindServerID(context.Background(), localID, "srv-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	serverID, found, err := resolver.ResolveServerID(context.Background(), localID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found || serverID != "srv-1" {
		t.Fatalf("expected srv-1, got %q found=%v", serverID, found)
	}

	resolved, found, err := resolver.ResolveLocalID(context.Background(), "srv-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found || resolved != localID {
		t.Fatalf("expected %s, got %q found=%v", localID, resolved, found)
	}
}

func TestBindServerIDIsBindOnce(t *testing.T) {
	resolver, store := newTestResolver(t)
	owner := mustUserID(t, "user-1")

	localID, err := store.Create(context.Background(), Draft{Title: "A"}, owner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := resolver.BindServerID(context.Background(), localID, "srv-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := resolver.BindServerID(context.Background(), localID, "srv-1"); err != nil {
		t.Fatalf("rebinding the same value must be a no-op, got %v", err)
	}

	err = resolver.BindServerID(context.Background(), localID, "srv-2")
	if !errors.Is(err, ErrServerIDAlreadyBound) {
		t.Fatalf("expected ErrServerIDAlreadyBound, got %v", err)
	}

	serverID, _, err := resolver.ResolveServerID(context.Background(), localID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if serverID != "srv-1" {
		t.Fatalf("binding must be unchanged, got %q", serverID)
	}
}

func TestBindServerIDMissingNote(t *testing.T) {
	resolver, _ := newTestResolver(t)

	err := resolver.BindServerID(context.Background(), "missing", "srv-1")
	if !errors.Is(err, ErrNoteNotFound) {
		t.Fatalf("expected ErrNoteNotFound, got %v", err)
	}
}

func TestResolveLocalIDUnknownServerID(t *testing.T) {
	resolver, _ := newTestResolver(t)

	localID, found, err := resolver.ResolveLocalID(context.Background(), "srv-unknown")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found || localID != "" {
		t.Fatalf("expected no binding, got %q found=%v", localID, found)
	}
}
