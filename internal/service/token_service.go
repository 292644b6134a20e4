package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/RhysSullivan/codegate/internal/port/outbound"
)

// ErrTokenInvalid is returned for callback tokens that fail verification:
// bad signature, expired, revoked, or bound to a different run.
var ErrTokenInvalid = errors.New("invalid callback token")

// callbackClaims is the JWT payload of a run-scoped callback token.
type callbackClaims struct {
	WorkspaceID string `json:"wid"`
	ActorID     string `json:"aid"`
	jwt.RegisteredClaims
}

// TokenService mints and verifies the HMAC tokens that authenticate
// runtime→gateway tool callbacks. Tokens are bound to one run, expire at
// the run deadline, and are revoked when the run goes terminal.
type TokenService struct {
	secret []byte
	store  outbound.TokenStore
}

// NewTokenService creates the service. secret is the HS256 signing key.
func NewTokenService(secret []byte, store outbound.TokenStore) *TokenService {
	return &TokenService{secret: secret, store: store}
}

// Mint issues a token for one run, persisting its record for revocation.
func (s *TokenService) Mint(ctx context.Context, runID, workspaceID, actorID string, expiresAt time.Time) (string, error) {
	id := uuid.New().String()
	claims := callbackClaims{
		WorkspaceID: workspaceID,
		ActorID:     actorID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Subject:   runID,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign callback token: %w", err)
	}

	if err := s.store.PutToken(ctx, &outbound.CallbackToken{
		ID:          id,
		RunID:       runID,
		WorkspaceID: workspaceID,
		ExpiresAt:   expiresAt,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		return "", fmt.Errorf("persist callback token: %w", err)
	}
	return signed, nil
}

// Verify checks the token's signature, expiry, revocation, and run binding,
// returning the run id it authenticates.
func (s *TokenService) Verify(ctx context.Context, tokenString string) (runID string, err error) {
	var claims callbackClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", ErrTokenInvalid
	}

	rec, err := s.store.GetToken(ctx, claims.ID)
	if err != nil {
		return "", ErrTokenInvalid
	}
	if rec.Revoked || rec.RunID != claims.Subject {
		return "", ErrTokenInvalid
	}
	return claims.Subject, nil
}

// RevokeForRun invalidates every token minted for a run. Called when the
// run goes terminal.
func (s *TokenService) RevokeForRun(ctx context.Context, runID string) error {
	return s.store.RevokeTokensForRun(ctx, runID)
}
