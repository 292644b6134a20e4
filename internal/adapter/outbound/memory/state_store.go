// Package memory provides the in-memory StateStore backend plus the GCRA
// submission limiter. The store is the default for tests and throwaway
// dev sessions; nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/RhysSullivan/codegate/internal/domain/approval"
	"github.com/RhysSullivan/codegate/internal/domain/credential"
	"github.com/RhysSullivan/codegate/internal/domain/policy"
	"github.com/RhysSullivan/codegate/internal/domain/run"
	"github.com/RhysSullivan/codegate/internal/domain/source"
	"github.com/RhysSullivan/codegate/internal/port/outbound"
)

// StateStore keeps every collection in maps guarded by one RWMutex. Values
// are copied on both write and read so callers never share memory with the
// store.
type StateStore struct {
	mu          sync.RWMutex
	runs        map[string]*run.Run
	events      map[string][]run.Event
	approvals   map[string]*approval.Record
	sources     map[string]*source.Source
	credentials map[string]*credential.Record
	policies    map[string]*policy.Rule
	artifacts   map[string]*outbound.Artifact
	tokens      map[string]*outbound.CallbackToken
}

// NewStateStore creates an empty store.
func NewStateStore() *StateStore {
	return &StateStore{
		runs:        make(map[string]*run.Run),
		events:      make(map[string][]run.Event),
		approvals:   make(map[string]*approval.Record),
		sources:     make(map[string]*source.Source),
		credentials: make(map[string]*credential.Record),
		policies:    make(map[string]*policy.Rule),
		artifacts:   make(map[string]*outbound.Artifact),
		tokens:      make(map[string]*outbound.CallbackToken),
	}
}

func (s *StateStore) Runs() outbound.RunStore              { return (*runStore)(s) }
func (s *StateStore) RunEvents() outbound.EventStore       { return (*eventStore)(s) }
func (s *StateStore) Approvals() outbound.ApprovalStore    { return (*approvalStore)(s) }
func (s *StateStore) Sources() outbound.SourceStore        { return (*sourceStore)(s) }
func (s *StateStore) Credentials() outbound.CredentialStore {
	return (*credentialStore)(s)
}
func (s *StateStore) Policies() outbound.PolicyStore       { return (*policyStore)(s) }
func (s *StateStore) Artifacts() outbound.ArtifactStore    { return (*artifactStore)(s) }
func (s *StateStore) CallbackTokens() outbound.TokenStore  { return (*tokenStore)(s) }

// Ping always succeeds: there is no backend to lose.
func (s *StateStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *StateStore) Close() error { return nil }

// --- runs ---

type runStore StateStore

func (s *runStore) CreateRun(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

func (s *runStore) GetRun(_ context.Context, id string) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, outbound.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *runStore) UpdateRun(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		return outbound.ErrNotFound
	}
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

func (s *runStore) DeleteRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return outbound.ErrNotFound
	}
	delete(s.runs, id)
	return nil
}

func (s *runStore) ListRuns(_ context.Context, workspaceID string, status run.Status) ([]*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*run.Run
	for _, r := range s.runs {
		if r.WorkspaceID != workspaceID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *runStore) ListTerminalBefore(_ context.Context, cutoff time.Time) ([]*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*run.Run
	for _, r := range s.runs {
		if !r.Status.IsTerminal() || r.CompletedAt == nil || !r.CompletedAt.Before(cutoff) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// --- events ---

type eventStore StateStore

func (s *eventStore) AppendEvent(_ context.Context, ev run.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.RunID] = append(s.events[ev.RunID], ev)
	return nil
}

func (s *eventStore) ListEvents(_ context.Context, runID string) ([]run.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[runID]
	out := make([]run.Event, len(events))
	copy(out, events)
	return out, nil
}

// --- approvals ---

type approvalStore StateStore

func (s *approvalStore) PutApproval(_ context.Context, rec *approval.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.approvals[rec.ID] = &cp
	return nil
}

func (s *approvalStore) GetApproval(_ context.Context, id string) (*approval.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.approvals[id]
	if !ok {
		return nil, outbound.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *approvalStore) ListApprovals(_ context.Context, workspaceID string, status approval.RecordStatus) ([]*approval.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*approval.Record
	for _, rec := range s.approvals {
		if rec.WorkspaceID != workspaceID {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- sources ---

type sourceStore StateStore

func (s *sourceStore) PutSource(_ context.Context, src *source.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *src
	s.sources[src.ID] = &cp
	return nil
}

func (s *sourceStore) GetSource(_ context.Context, id string) (*source.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return nil, outbound.ErrNotFound
	}
	cp := *src
	return &cp, nil
}

func (s *sourceStore) DeleteSource(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[id]; !ok {
		return outbound.ErrNotFound
	}
	delete(s.sources, id)
	return nil
}

func (s *sourceStore) ListSources(_ context.Context, workspaceID string) ([]*source.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*source.Source
	for _, src := range s.sources {
		if src.WorkspaceID != workspaceID {
			continue
		}
		cp := *src
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- credentials ---

type credentialStore StateStore

func (s *credentialStore) PutCredential(_ context.Context, c *credential.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.credentials[c.ID] = &cp
	return nil
}

func (s *credentialStore) GetCredential(_ context.Context, id string) (*credential.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[id]
	if !ok {
		return nil, outbound.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *credentialStore) DeleteCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[id]; !ok {
		return outbound.ErrNotFound
	}
	delete(s.credentials, id)
	return nil
}

func (s *credentialStore) ListCredentials(_ context.Context, workspaceID string) ([]*credential.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*credential.Record
	for _, c := range s.credentials {
		if c.WorkspaceID != workspaceID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *credentialStore) FindCredential(_ context.Context, workspaceID, sourceKey string, scope credential.Scope, ownerID string) (*credential.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.credentials {
		if c.WorkspaceID != workspaceID || c.SourceKey != sourceKey || c.Scope != scope {
			continue
		}
		if scope == credential.ScopeActor && c.OwnerID != ownerID {
			continue
		}
		cp := *c
		return &cp, nil
	}
	return nil, outbound.ErrNotFound
}

// --- policies ---

type policyStore StateStore

func (s *policyStore) PutPolicy(_ context.Context, r *policy.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.policies[r.ID] = &cp
	return nil
}

func (s *policyStore) GetPolicy(_ context.Context, id string) (*policy.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.policies[id]
	if !ok {
		return nil, outbound.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *policyStore) DeletePolicy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[id]; !ok {
		return outbound.ErrNotFound
	}
	delete(s.policies, id)
	return nil
}

func (s *policyStore) ListPolicies(_ context.Context, workspaceID string) ([]*policy.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*policy.Rule
	for _, r := range s.policies {
		if workspaceID != "" && r.WorkspaceID != "" && r.WorkspaceID != workspaceID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- artifacts ---

type artifactStore StateStore

func (s *artifactStore) PutArtifact(_ context.Context, a *outbound.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.artifacts[a.SourceID] = &cp
	return nil
}

func (s *artifactStore) GetArtifact(_ context.Context, sourceID string) (*outbound.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[sourceID]
	if !ok {
		return nil, outbound.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *artifactStore) DeleteArtifact(_ context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[sourceID]; !ok {
		return outbound.ErrNotFound
	}
	delete(s.artifacts, sourceID)
	return nil
}

// --- callback tokens ---

type tokenStore StateStore

func (s *tokenStore) PutToken(_ context.Context, t *outbound.CallbackToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tokens[t.ID] = &cp
	return nil
}

func (s *tokenStore) GetToken(_ context.Context, id string) (*outbound.CallbackToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[id]
	if !ok {
		return nil, outbound.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *tokenStore) RevokeTokensForRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.RunID == runID {
			t.Revoked = true
		}
	}
	return nil
}

var _ outbound.StateStore = (*StateStore)(nil)
