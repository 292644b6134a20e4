package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RhysSullivan/codegate/internal/adapter/outbound/memory"
	"github.com/RhysSullivan/codegate/internal/domain/credential"
	"github.com/RhysSullivan/codegate/internal/domain/tool"
	"github.com/RhysSullivan/codegate/internal/port/outbound"
)

func seedCredential(t *testing.T, store outbound.CredentialStore, rec *credential.Record) {
	t.Helper()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := store.PutCredential(context.Background(), rec); err != nil {
		t.Fatalf("seed credential %s: %v", rec.ID, err)
	}
}

func bearerDescriptor(sourceKey string) *tool.Descriptor {
	return &tool.Descriptor{
		Path:      sourceKey + ".op",
		SourceKey: sourceKey,
		Auth:      &credential.AuthSpec{Type: credential.TypeBearer},
	}
}

func TestCredentialService_NoAuthSpec(t *testing.T) {
	svc := NewCredentialService(memory.NewStateStore().Credentials(), testLogger())
	headers, err := svc.Resolve(context.Background(), "ws", "alice", &tool.Descriptor{Path: "internal.echo"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if headers != nil {
		t.Errorf("headers = %v, want nil for auth-less tool", headers)
	}
}

func TestCredentialService_ActorScopePreferred(t *testing.T) {
	store := memory.NewStateStore().Credentials()
	seedCredential(t, store, &credential.Record{
		ID: "c-ws", WorkspaceID: "ws", SourceKey: "github",
		Scope: credential.ScopeWorkspace, Type: credential.TypeBearer, Token: "ws-token",
	})
	seedCredential(t, store, &credential.Record{
		ID: "c-alice", WorkspaceID: "ws", SourceKey: "github",
		Scope: credential.ScopeActor, OwnerID: "alice",
		Type: credential.TypeBearer, Token: "alice-token",
	})

	svc := NewCredentialService(store, testLogger())
	headers, err := svc.Resolve(context.Background(), "ws", "alice", bearerDescriptor("github"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if headers["authorization"] != "Bearer alice-token" {
		t.Errorf("authorization = %q, want actor-scoped token", headers["authorization"])
	}

	// A different actor falls back to the workspace credential.
	headers, err = svc.Resolve(context.Background(), "ws", "bob", bearerDescriptor("github"))
	if err != nil {
		t.Fatalf("resolve for bob: %v", err)
	}
	if headers["authorization"] != "Bearer ws-token" {
		t.Errorf("authorization = %q, want workspace fallback", headers["authorization"])
	}
}

func TestCredentialService_Missing(t *testing.T) {
	svc := NewCredentialService(memory.NewStateStore().Credentials(), testLogger())
	_, err := svc.Resolve(context.Background(), "ws", "alice", bearerDescriptor("github"))
	if !errors.Is(err, ErrAuthMissing) {
		t.Errorf("want ErrAuthMissing, got %v", err)
	}
}

func TestCredentialService_AuthSpecWithoutSourceKey(t *testing.T) {
	svc := NewCredentialService(memory.NewStateStore().Credentials(), testLogger())
	desc := &tool.Descriptor{Path: "internal.echo", Auth: &credential.AuthSpec{Type: credential.TypeBearer}}
	if _, err := svc.Resolve(context.Background(), "ws", "alice", desc); !errors.Is(err, ErrAuthMissing) {
		t.Errorf("want ErrAuthMissing, got %v", err)
	}
}

func TestCredentialService_InvalidateDropsCache(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStateStore().Credentials()
	seedCredential(t, store, &credential.Record{
		ID: "c-ws", WorkspaceID: "ws", SourceKey: "github",
		Scope: credential.ScopeWorkspace, Type: credential.TypeBearer, Token: "old",
	})

	svc := NewCredentialService(store, testLogger())
	desc := bearerDescriptor("github")

	headers, err := svc.Resolve(ctx, "ws", "alice", desc)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if headers["authorization"] != "Bearer old" {
		t.Fatalf("authorization = %q", headers["authorization"])
	}

	// Rotate the secret in the store; the cached resolution hides it until
	// the source is invalidated.
	seedCredential(t, store, &credential.Record{
		ID: "c-ws", WorkspaceID: "ws", SourceKey: "github",
		Scope: credential.ScopeWorkspace, Type: credential.TypeBearer, Token: "new",
	})
	headers, _ = svc.Resolve(ctx, "ws", "alice", desc)
	if headers["authorization"] != "Bearer old" {
		t.Errorf("authorization = %q, want cached value before invalidation", headers["authorization"])
	}

	svc.Invalidate("ws", "github")
	headers, _ = svc.Resolve(ctx, "ws", "alice", desc)
	if headers["authorization"] != "Bearer new" {
		t.Errorf("authorization = %q, want rotated token after invalidation", headers["authorization"])
	}
}
