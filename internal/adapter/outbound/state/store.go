package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	goruntime "runtime"
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

// FileStateStore keeps the document in memory and flushes the whole file on
// every mutation. Reads are served from memory; the on-disk copy is the
// durable record. Suited to single-node dev deployments, not high write
// rates.
type FileStateStore struct {
	path   string
	mu     sync.Mutex
	doc    *document
	logger *slog.Logger
}

// NewFileStateStore opens (or initializes) the state file at path.
func NewFileStateStore(path string, logger *slog.Logger) (*FileStateStore, error) {
	s := &FileStateStore{path: path, logger: logger}
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	s.doc = doc
	return s, nil
}

// load reads and parses the state file. A missing file yields an empty
// document. Warns when the file is readable by group or other.
func (s *FileStateStore) load() (*document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("state file not found, starting empty", "path", s.path)
			return newDocument(), nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	if goruntime.GOOS != "windows" {
		if info, statErr := os.Stat(s.path); statErr == nil {
			mode := info.Mode().Perm()
			if mode&0077 != 0 {
				s.logger.Warn("state file has too-open permissions, should be 0600",
					"path", s.path, "current_mode", fmt.Sprintf("%04o", mode))
			}
		}
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	doc.normalize()
	return &doc, nil
}

// save writes the document to disk. Callers hold s.mu.
//
// The write sequence is:
//  1. Acquire flock on path+".lock"
//  2. Copy current file to path+".bak" (skipped if no current file)
//  3. Marshal as indented JSON
//  4. Write to path+".tmp" with 0600 permissions, fsync
//  5. Rename path+".tmp" -> path
//  6. Release flock
func (s *FileStateStore) save() error {
	s.doc.UpdatedAt = time.Now().UTC()

	lockPath := s.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	if currentData, readErr := os.ReadFile(s.path); readErr == nil {
		if writeErr := os.WriteFile(s.path+".bak", currentData, 0600); writeErr != nil {
			s.logger.Warn("failed to create backup", "error", writeErr)
		}
	}

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	if err := s.writeAtomic(data); err != nil {
		return err
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		s.logger.Warn("failed to set permissions on state file", "error", err)
	}
	return nil
}

// writeAtomic writes data to a temp file, fsyncs it, and renames it over
// the target path. On any error the temp file is cleaned up.
func (s *FileStateStore) writeAtomic(data []byte) error {
	tmpPath := s.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to state: %w", err)
	}
	return nil
}

// Path returns the configured file path.
func (s *FileStateStore) Path() string { return s.path }

func (s *FileStateStore) Runs() outbound.RunStore               { return (*fileRunStore)(s) }
func (s *FileStateStore) RunEvents() outbound.EventStore        { return (*fileEventStore)(s) }
func (s *FileStateStore) Approvals() outbound.ApprovalStore     { return (*fileApprovalStore)(s) }
func (s *FileStateStore) Sources() outbound.SourceStore         { return (*fileSourceStore)(s) }
func (s *FileStateStore) Credentials() outbound.CredentialStore { return (*fileCredentialStore)(s) }
func (s *FileStateStore) Policies() outbound.PolicyStore        { return (*filePolicyStore)(s) }
func (s *FileStateStore) Artifacts() outbound.ArtifactStore     { return (*fileArtifactStore)(s) }
func (s *FileStateStore) CallbackTokens() outbound.TokenStore   { return (*fileTokenStore)(s) }

// Ping verifies the directory holding the state file is still writable.
func (s *FileStateStore) Ping(context.Context) error {
	probe := s.path + ".ping"
	if err := os.WriteFile(probe, []byte("ok"), 0600); err != nil {
		return fmt.Errorf("state directory not writable: %w", err)
	}
	return os.Remove(probe)
}

// Close flushes the document one last time.
func (s *FileStateStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

// --- runs ---

type fileRunStore FileStateStore

func (s *fileRunStore) CreateRun(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.doc.Runs[r.ID] = &cp
	return (*FileStateStore)(s).save()
}

func (s *fileRunStore) GetRun(_ context.Context, id string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.doc.Runs[id]
	if !ok {
		return nil, outbound.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *fileRunStore) UpdateRun(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Runs[r.ID]; !ok {
		return outbound.ErrNotFound
	}
	cp := *r
	s.doc.Runs[r.ID] = &cp
	return (*FileStateStore)(s).save()
}

func (s *fileRunStore) DeleteRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Runs[id]; !ok {
		return outbound.ErrNotFound
	}
	delete(s.doc.Runs, id)
	return (*FileStateStore)(s).save()
}

func (s *fileRunStore) ListRuns(_ context.Context, workspaceID string, status run.Status) ([]*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*run.Run
	for _, r := range s.doc.Runs {
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

func (s *fileRunStore) ListTerminalBefore(_ context.Context, cutoff time.Time) ([]*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*run.Run
	for _, r := range s.doc.Runs {
		if !r.Status.IsTerminal() || r.CompletedAt == nil || !r.CompletedAt.Before(cutoff) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// --- events ---

type fileEventStore FileStateStore

func (s *fileEventStore) AppendEvent(_ context.Context, ev run.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.RunEvents[ev.RunID] = append(s.doc.RunEvents[ev.RunID], ev)
	return (*FileStateStore)(s).save()
}

func (s *fileEventStore) ListEvents(_ context.Context, runID string) ([]run.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.doc.RunEvents[runID]
	out := make([]run.Event, len(events))
	copy(out, events)
	return out, nil
}

// --- approvals ---

type fileApprovalStore FileStateStore

func (s *fileApprovalStore) PutApproval(_ context.Context, rec *approval.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.doc.Approvals[rec.ID] = &cp
	return (*FileStateStore)(s).save()
}

func (s *fileApprovalStore) GetApproval(_ context.Context, id string) (*approval.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.doc.Approvals[id]
	if !ok {
		return nil, outbound.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *fileApprovalStore) ListApprovals(_ context.Context, workspaceID string, status approval.RecordStatus) ([]*approval.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*approval.Record
	for _, rec := range s.doc.Approvals {
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

type fileSourceStore FileStateStore

func (s *fileSourceStore) PutSource(_ context.Context, src *source.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *src
	s.doc.Sources[src.ID] = &cp
	return (*FileStateStore)(s).save()
}

func (s *fileSourceStore) GetSource(_ context.Context, id string) (*source.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.doc.Sources[id]
	if !ok {
		return nil, outbound.ErrNotFound
	}
	cp := *src
	return &cp, nil
}

func (s *fileSourceStore) DeleteSource(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Sources[id]; !ok {
		return outbound.ErrNotFound
	}
	delete(s.doc.Sources, id)
	return (*FileStateStore)(s).save()
}

func (s *fileSourceStore) ListSources(_ context.Context, workspaceID string) ([]*source.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*source.Source
	for _, src := range s.doc.Sources {
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

type fileCredentialStore FileStateStore

func (s *fileCredentialStore) PutCredential(_ context.Context, c *credential.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.doc.Credentials[c.ID] = &cp
	return (*FileStateStore)(s).save()
}

func (s *fileCredentialStore) GetCredential(_ context.Context, id string) (*credential.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.doc.Credentials[id]
	if !ok {
		return nil, outbound.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *fileCredentialStore) DeleteCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Credentials[id]; !ok {
		return outbound.ErrNotFound
	}
	delete(s.doc.Credentials, id)
	return (*FileStateStore)(s).save()
}

func (s *fileCredentialStore) ListCredentials(_ context.Context, workspaceID string) ([]*credential.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*credential.Record
	for _, c := range s.doc.Credentials {
		if c.WorkspaceID != workspaceID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *fileCredentialStore) FindCredential(_ context.Context, workspaceID, sourceKey string, scope credential.Scope, ownerID string) (*credential.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.doc.Credentials {
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

type filePolicyStore FileStateStore

func (s *filePolicyStore) PutPolicy(_ context.Context, r *policy.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.doc.Policies[r.ID] = &cp
	return (*FileStateStore)(s).save()
}

func (s *filePolicyStore) GetPolicy(_ context.Context, id string) (*policy.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.doc.Policies[id]
	if !ok {
		return nil, outbound.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *filePolicyStore) DeletePolicy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Policies[id]; !ok {
		return outbound.ErrNotFound
	}
	delete(s.doc.Policies, id)
	return (*FileStateStore)(s).save()
}

func (s *filePolicyStore) ListPolicies(_ context.Context, workspaceID string) ([]*policy.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*policy.Rule
	for _, r := range s.doc.Policies {
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

type fileArtifactStore FileStateStore

func (s *fileArtifactStore) PutArtifact(_ context.Context, a *outbound.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.doc.Artifacts[a.SourceID] = &cp
	return (*FileStateStore)(s).save()
}

func (s *fileArtifactStore) GetArtifact(_ context.Context, sourceID string) (*outbound.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.doc.Artifacts[sourceID]
	if !ok {
		return nil, outbound.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *fileArtifactStore) DeleteArtifact(_ context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Artifacts[sourceID]; !ok {
		return outbound.ErrNotFound
	}
	delete(s.doc.Artifacts, sourceID)
	return (*FileStateStore)(s).save()
}

// --- callback tokens ---

type fileTokenStore FileStateStore

func (s *fileTokenStore) PutToken(_ context.Context, t *outbound.CallbackToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.doc.Tokens[t.ID] = &cp
	return (*FileStateStore)(s).save()
}

func (s *fileTokenStore) GetToken(_ context.Context, id string) (*outbound.CallbackToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.doc.Tokens[id]
	if !ok {
		return nil, outbound.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *fileTokenStore) RevokeTokensForRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, t := range s.doc.Tokens {
		if t.RunID == runID && !t.Revoked {
			t.Revoked = true
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return (*FileStateStore)(s).save()
}

var _ outbound.StateStore = (*FileStateStore)(nil)
