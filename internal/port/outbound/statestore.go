// Package outbound defines the outbound ports: persistence, tool providers,
// and runtime adapters. Adapters implement these; services depend on them.
package outbound

import (
	"context"
	"errors"
	"time"

	"github.com/RhysSullivan/codegate/internal/domain/approval"
	"github.com/RhysSullivan/codegate/internal/domain/credential"
	"github.com/RhysSullivan/codegate/internal/domain/policy"
	"github.com/RhysSullivan/codegate/internal/domain/run"
	"github.com/RhysSullivan/codegate/internal/domain/source"
)

// ErrNotFound is returned by store lookups that match nothing.
var ErrNotFound = errors.New("not found")

// RunStore persists run records.
type RunStore interface {
	CreateRun(ctx context.Context, r *run.Run) error
	GetRun(ctx context.Context, id string) (*run.Run, error)
	UpdateRun(ctx context.Context, r *run.Run) error
	DeleteRun(ctx context.Context, id string) error
	// ListRuns returns runs in a workspace, newest first. An empty status
	// matches all.
	ListRuns(ctx context.Context, workspaceID string, status run.Status) ([]*run.Run, error)
	// ListTerminalBefore returns terminal runs whose completion is older
	// than the cutoff. The retention sweeper feeds on it.
	ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]*run.Run, error)
}

// EventStore persists run events. Events are retained after their run is
// deleted by TTL.
type EventStore interface {
	AppendEvent(ctx context.Context, ev run.Event) error
	ListEvents(ctx context.Context, runID string) ([]run.Event, error)
}

// ApprovalStore persists approval records.
type ApprovalStore interface {
	PutApproval(ctx context.Context, rec *approval.Record) error
	GetApproval(ctx context.Context, id string) (*approval.Record, error)
	// ListApprovals filters by workspace and optionally status.
	ListApprovals(ctx context.Context, workspaceID string, status approval.RecordStatus) ([]*approval.Record, error)
}

// SourceStore persists tool sources.
type SourceStore interface {
	PutSource(ctx context.Context, s *source.Source) error
	GetSource(ctx context.Context, id string) (*source.Source, error)
	DeleteSource(ctx context.Context, id string) error
	ListSources(ctx context.Context, workspaceID string) ([]*source.Source, error)
}

// CredentialStore persists credential records.
type CredentialStore interface {
	PutCredential(ctx context.Context, c *credential.Record) error
	GetCredential(ctx context.Context, id string) (*credential.Record, error)
	DeleteCredential(ctx context.Context, id string) error
	ListCredentials(ctx context.Context, workspaceID string) ([]*credential.Record, error)
	// FindCredential resolves by source key and scope. OwnerID narrows
	// actor-scoped lookups.
	FindCredential(ctx context.Context, workspaceID, sourceKey string, scope credential.Scope, ownerID string) (*credential.Record, error)
}

// PolicyStore persists policy rules.
type PolicyStore interface {
	PutPolicy(ctx context.Context, r *policy.Rule) error
	GetPolicy(ctx context.Context, id string) (*policy.Rule, error)
	DeletePolicy(ctx context.Context, id string) error
	// ListPolicies returns the workspace's rules plus system-wide rules.
	// An empty workspaceID returns every rule.
	ListPolicies(ctx context.Context, workspaceID string) ([]*policy.Rule, error)
}

// Artifact is a cached source compilation: the descriptors produced for one
// source at one content hash.
type Artifact struct {
	SourceID    string    `json:"sourceId"`
	SourceHash  string    `json:"sourceHash"`
	Descriptors []byte    `json:"descriptors"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ArtifactStore caches per-source build outputs keyed by content hash.
type ArtifactStore interface {
	PutArtifact(ctx context.Context, a *Artifact) error
	GetArtifact(ctx context.Context, sourceID string) (*Artifact, error)
	DeleteArtifact(ctx context.Context, sourceID string) error
}

// CallbackToken is the persisted record of a run-scoped callback token.
type CallbackToken struct {
	ID          string    `json:"id"`
	RunID       string    `json:"runId"`
	WorkspaceID string    `json:"workspaceId"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Revoked     bool      `json:"revoked"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TokenStore persists callback token records for revocation checks.
type TokenStore interface {
	PutToken(ctx context.Context, t *CallbackToken) error
	GetToken(ctx context.Context, id string) (*CallbackToken, error)
	RevokeTokensForRun(ctx context.Context, runID string) error
}

// StateStore aggregates the persisted collections behind one port. Backends:
// in-memory (tests), flock'd JSON file (dev), SQLite (production).
type StateStore interface {
	Runs() RunStore
	RunEvents() EventStore
	Approvals() ApprovalStore
	Sources() SourceStore
	Credentials() CredentialStore
	Policies() PolicyStore
	Artifacts() ArtifactStore
	CallbackTokens() TokenStore

	// Ping reports backend reachability for readiness checks.
	Ping(ctx context.Context) error
	Close() error
}
