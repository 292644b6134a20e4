package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RhysSullivan/codegate/internal/domain/policy"
	"github.com/RhysSullivan/codegate/internal/domain/source"
	"github.com/RhysSullivan/codegate/internal/domain/tool"
	"github.com/RhysSullivan/codegate/internal/port/outbound"
)

// MCPToolLister enumerates the tools an MCP source exposes when its
// manifest does not declare them. Implemented by the MCP client manager.
type MCPToolLister interface {
	ListTools(ctx context.Context, endpoint string) ([]MCPToolInfo, error)
}

// MCPToolInfo is one upstream MCP tool as seen during a registry build.
type MCPToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// RegistryService compiles and publishes per-workspace tool snapshots.
// Publication is atomic: in-flight runs keep the snapshot they pinned at
// submission and are never disturbed by a rebuild.
type RegistryService struct {
	store     outbound.StateStore
	mcpLister MCPToolLister
	policies  policy.Engine
	logger    *slog.Logger

	mu        sync.RWMutex
	published map[string]*tool.Snapshot
}

// NewRegistryService creates the registry. mcpLister may be nil when MCP
// sources always carry manifests.
func NewRegistryService(store outbound.StateStore, mcpLister MCPToolLister, policies policy.Engine, logger *slog.Logger) *RegistryService {
	return &RegistryService{
		store:     store,
		mcpLister: mcpLister,
		policies:  policies,
		logger:    logger,
		published: make(map[string]*tool.Snapshot),
	}
}

// Snapshot returns the current snapshot for a workspace, building one on
// first use.
func (s *RegistryService) Snapshot(ctx context.Context, workspaceID string) (*tool.Snapshot, error) {
	s.mu.RLock()
	snap, ok := s.published[workspaceID]
	s.mu.RUnlock()
	if ok {
		return snap, nil
	}
	snap, _, err := s.Rebuild(ctx, workspaceID)
	return snap, err
}

// Rebuild compiles the workspace's enabled sources into a new snapshot,
// publishes it atomically, and returns the diff against the previous
// version. Sources whose content hash is unchanged reuse their cached
// artifact instead of re-normalizing.
func (s *RegistryService) Rebuild(ctx context.Context, workspaceID string) (*tool.Snapshot, tool.Diff, error) {
	sources, err := s.store.Sources().ListSources(ctx, workspaceID)
	if err != nil {
		return nil, tool.Diff{}, fmt.Errorf("list sources: %w", err)
	}

	var descriptors []*tool.Descriptor
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		ds, err := s.compileSource(ctx, src)
		if err != nil {
			return nil, tool.Diff{}, err
		}
		descriptors = append(descriptors, ds...)
	}

	snap, err := tool.NewSnapshot(descriptors)
	if err != nil {
		return nil, tool.Diff{}, err
	}

	s.mu.Lock()
	prev := s.published[workspaceID]
	s.published[workspaceID] = snap
	s.mu.Unlock()

	diff := snap.DiffFrom(prev)
	if !diff.Empty() {
		s.logger.Info("tool registry published",
			"workspace_id", workspaceID,
			"version", snap.Version(),
			"tools", snap.Len(),
			"added", len(diff.Added),
			"changed", len(diff.Changed),
			"removed", len(diff.Removed),
		)
	}
	return snap, diff, nil
}

// compileSource normalizes one source, using the artifact cache when the
// source content is unchanged since the last successful build.
func (s *RegistryService) compileSource(ctx context.Context, src *source.Source) ([]*tool.Descriptor, error) {
	hash := src.ContentHash()

	artifact, err := s.store.Artifacts().GetArtifact(ctx, src.ID)
	if err == nil && artifact.SourceHash == hash {
		var ds []*tool.Descriptor
		if err := json.Unmarshal(artifact.Descriptors, &ds); err == nil {
			return ds, nil
		}
		// Corrupt artifact: fall through and rebuild.
	} else if err != nil && !errors.Is(err, outbound.ErrNotFound) {
		return nil, fmt.Errorf("artifact lookup for source %q: %w", src.Name, err)
	}

	ds, err := s.normalize(ctx, src)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(ds)
	if err != nil {
		return nil, fmt.Errorf("encode artifact for source %q: %w", src.Name, err)
	}
	if err := s.store.Artifacts().PutArtifact(ctx, &outbound.Artifact{
		SourceID:    src.ID,
		SourceHash:  hash,
		Descriptors: data,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("store artifact for source %q: %w", src.Name, err)
	}
	if src.SourceHash != hash {
		src.SourceHash = hash
		src.UpdatedAt = time.Now().UTC()
		if err := s.store.Sources().PutSource(ctx, src); err != nil {
			return nil, fmt.Errorf("record source hash for %q: %w", src.Name, err)
		}
	}
	return ds, nil
}

// normalize produces descriptors for a source. Manifest-bearing sources
// normalize locally; MCP sources without a manifest list their tools from
// the upstream server.
func (s *RegistryService) normalize(ctx context.Context, src *source.Source) ([]*tool.Descriptor, error) {
	if len(src.Config) > 0 || src.Kind != source.KindMCP {
		return source.Normalize(src)
	}

	if s.mcpLister == nil {
		return nil, fmt.Errorf("source %q: mcp source without manifest and no upstream lister", src.Name)
	}
	infos, err := s.mcpLister.ListTools(ctx, src.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("source %q: list upstream tools: %w", src.Name, err)
	}

	descriptors := make([]*tool.Descriptor, 0, len(infos))
	for _, info := range infos {
		path := src.Name + "." + info.Name
		if err := tool.ValidatePath(path); err != nil {
			s.logger.Warn("skipping upstream tool with invalid name",
				"source", src.Name, "tool", info.Name)
			continue
		}
		payload, err := tool.EncodePayload(tool.MCPPayload{Endpoint: src.Endpoint, ToolName: info.Name})
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, &tool.Descriptor{
			Path:        path,
			Description: info.Description,
			Input:       info.InputSchema,
			Provider:    tool.ProviderMCP,
			Payload:     payload,
			SourceKey:   src.Name,
			Approval:    tool.ClassifyApproval(path),
		})
	}
	return descriptors, nil
}

// Invalidate drops the published snapshot for a workspace so the next run
// submission rebuilds. Called after source mutations.
func (s *RegistryService) Invalidate(workspaceID string) {
	s.mu.Lock()
	delete(s.published, workspaceID)
	s.mu.Unlock()
}

// VisibleTool is one listing entry: a descriptor plus its search score.
type VisibleTool struct {
	Descriptor *tool.Descriptor `json:"descriptor"`
	Score      int              `json:"score,omitempty"`
}

// ListVisible returns the workspace's tools with unconditionally denied
// entries masked. When query is non-empty, results are keyword-scored and
// sorted best-first; zero-score entries are dropped.
func (s *RegistryService) ListVisible(ctx context.Context, workspaceID, actorID, clientID, query string) ([]VisibleTool, error) {
	snap, err := s.Snapshot(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	var out []VisibleTool
	for _, d := range snap.All() {
		decision, err := s.policies.Evaluate(ctx, policy.Query{
			WorkspaceID:    workspaceID,
			ActorID:        actorID,
			ClientID:       clientID,
			ToolPath:       d.Path,
			DefaultOutcome: defaultOutcome(d),
		})
		if err != nil {
			return nil, err
		}
		if decision.Outcome == policy.OutcomeDeny {
			continue
		}
		vt := VisibleTool{Descriptor: d}
		if query != "" {
			vt.Score = keywordScore(d, query)
			if vt.Score == 0 {
				continue
			}
		}
		out = append(out, vt)
	}

	if query != "" {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	}
	return out, nil
}

// keywordScore is a simple substring score: path hits weigh more than
// description hits, and a path-prefix match gets a boost.
func keywordScore(d *tool.Descriptor, query string) int {
	q := strings.ToLower(query)
	path := strings.ToLower(d.Path)
	desc := strings.ToLower(d.Description)

	score := 0
	for _, term := range strings.Fields(q) {
		switch {
		case strings.HasPrefix(path, term):
			score += 5
		case strings.Contains(path, term):
			score += 3
		}
		if strings.Contains(desc, term) {
			score += 1
		}
	}
	return score
}

// defaultOutcome maps a descriptor's approval mode onto the outcome used
// when no policy rule matches.
func defaultOutcome(d *tool.Descriptor) policy.Outcome {
	if d.Approval == tool.ApprovalRequired {
		return policy.OutcomeRequireApproval
	}
	return policy.OutcomeAllow
}
