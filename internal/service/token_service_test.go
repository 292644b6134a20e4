package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RhysSullivan/codegate/internal/adapter/outbound/memory"
)

func TestTokenService_MintVerify(t *testing.T) {
	ctx := context.Background()
	svc := NewTokenService([]byte("secret"), memory.NewStateStore().CallbackTokens())

	token, err := svc.Mint(ctx, "run-1", "ws", "alice", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	runID, err := svc.Verify(ctx, token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if runID != "run-1" {
		t.Errorf("runID = %q, want run-1", runID)
	}
}

func TestTokenService_WrongSecret(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStateStore().CallbackTokens()
	minter := NewTokenService([]byte("secret-a"), store)
	verifier := NewTokenService([]byte("secret-b"), store)

	token, err := minter.Mint(ctx, "run-1", "ws", "alice", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := verifier.Verify(ctx, token); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("want ErrTokenInvalid, got %v", err)
	}
}

func TestTokenService_Expired(t *testing.T) {
	ctx := context.Background()
	svc := NewTokenService([]byte("secret"), memory.NewStateStore().CallbackTokens())

	token, err := svc.Mint(ctx, "run-1", "ws", "alice", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := svc.Verify(ctx, token); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("want ErrTokenInvalid for expired token, got %v", err)
	}
}

func TestTokenService_RevokedForRun(t *testing.T) {
	ctx := context.Background()
	svc := NewTokenService([]byte("secret"), memory.NewStateStore().CallbackTokens())

	token, err := svc.Mint(ctx, "run-1", "ws", "alice", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	other, err := svc.Mint(ctx, "run-2", "ws", "alice", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("mint other: %v", err)
	}

	if err := svc.RevokeForRun(ctx, "run-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := svc.Verify(ctx, token); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("want ErrTokenInvalid for revoked token, got %v", err)
	}
	if runID, err := svc.Verify(ctx, other); err != nil || runID != "run-2" {
		t.Errorf("unrelated token affected: runID=%q err=%v", runID, err)
	}
}

func TestTokenService_Garbage(t *testing.T) {
	svc := NewTokenService([]byte("secret"), memory.NewStateStore().CallbackTokens())
	if _, err := svc.Verify(context.Background(), "not-a-jwt"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("want ErrTokenInvalid, got %v", err)
	}
}
