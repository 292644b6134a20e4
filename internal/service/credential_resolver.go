package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/RhysSullivan/codegate/internal/domain/credential"
	"github.com/RhysSullivan/codegate/internal/domain/tool"
	"github.com/RhysSullivan/codegate/internal/port/outbound"
)

// ErrAuthMissing is returned when a tool requires a credential and none
// resolves for the caller. The invocation fails; the run survives.
var ErrAuthMissing = errors.New("auth_missing")

// credKey identifies one cache slot: the narrowest-scope resolution result
// for a (workspace, source, actor) triple.
type credKey struct {
	workspaceID string
	sourceKey   string
	actorID     string
}

// CredentialService resolves header material at invocation time. Lookups
// fall back actor → organization → workspace and are cached read-through;
// upserts and deletes invalidate the affected source's entries.
type CredentialService struct {
	store  outbound.CredentialStore
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[credKey]*credential.Record
}

// NewCredentialService creates the resolver.
func NewCredentialService(store outbound.CredentialStore, logger *slog.Logger) *CredentialService {
	return &CredentialService{
		store:  store,
		logger: logger,
		cache:  make(map[credKey]*credential.Record),
	}
}

// Resolve produces the headers for one tool call. Tools without an auth
// spec resolve to nil headers. A missing credential yields ErrAuthMissing.
func (s *CredentialService) Resolve(ctx context.Context, workspaceID, actorID string, desc *tool.Descriptor) (map[string]string, error) {
	if desc.Auth == nil {
		return nil, nil
	}
	if desc.SourceKey == "" {
		// Built-ins carry no source; an auth spec without a source key
		// can never resolve.
		return nil, fmt.Errorf("%w: tool %q has no source key", ErrAuthMissing, desc.Path)
	}

	rec, err := s.lookup(ctx, workspaceID, desc.SourceKey, actorID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: no credential for source %q", ErrAuthMissing, desc.SourceKey)
	}

	headers, err := rec.Headers(desc.Auth)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthMissing, err)
	}
	return headers, nil
}

// lookup walks the scope fallback order, consulting the cache first.
func (s *CredentialService) lookup(ctx context.Context, workspaceID, sourceKey, actorID string) (*credential.Record, error) {
	key := credKey{workspaceID: workspaceID, sourceKey: sourceKey, actorID: actorID}

	s.mu.RLock()
	rec, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return rec, nil
	}

	for _, scope := range credential.FallbackOrder {
		owner := ""
		if scope == credential.ScopeActor {
			owner = actorID
		}
		found, err := s.store.FindCredential(ctx, workspaceID, sourceKey, scope, owner)
		if errors.Is(err, outbound.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("credential lookup: %w", err)
		}
		s.mu.Lock()
		s.cache[key] = found
		s.mu.Unlock()
		return found, nil
	}
	return nil, nil
}

// Invalidate drops cached resolutions for one source in a workspace. Called
// on credential upsert and delete so the next call observes the change.
func (s *CredentialService) Invalidate(workspaceID, sourceKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.cache {
		if key.workspaceID == workspaceID && key.sourceKey == sourceKey {
			delete(s.cache, key)
		}
	}
}
