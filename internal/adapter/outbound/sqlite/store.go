// Package sqlite provides the SQLite StateStore backend. Each collection is
// one table: indexed columns for the filters the ports need, and the full
// record as a JSON blob.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/RhysSullivan/codegate/internal/domain/approval"
	"github.com/RhysSullivan/codegate/internal/domain/credential"
	"github.com/RhysSullivan/codegate/internal/domain/policy"
	"github.com/RhysSullivan/codegate/internal/domain/run"
	"github.com/RhysSullivan/codegate/internal/domain/source"
	"github.com/RhysSullivan/codegate/internal/port/outbound"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	status       TEXT NOT NULL,
	completed_at INTEGER,
	created_at   INTEGER NOT NULL,
	data         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_workspace ON runs(workspace_id, status);
CREATE INDEX IF NOT EXISTS idx_runs_completed ON runs(completed_at);

CREATE TABLE IF NOT EXISTS run_events (
	run_id     TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	data       TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS approvals (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	status       TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	data         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approvals_workspace ON approvals(workspace_id, status);

CREATE TABLE IF NOT EXISTS sources (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	name         TEXT NOT NULL,
	data         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sources_workspace ON sources(workspace_id);

CREATE TABLE IF NOT EXISTS credentials (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	source_key   TEXT NOT NULL,
	scope        TEXT NOT NULL,
	owner_id     TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	data         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credentials_lookup ON credentials(workspace_id, source_key, scope, owner_id);

CREATE TABLE IF NOT EXISTS policies (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	data         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_policies_workspace ON policies(workspace_id);

CREATE TABLE IF NOT EXISTS artifacts (
	source_id TEXT PRIMARY KEY,
	data      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS callback_tokens (
	id      TEXT PRIMARY KEY,
	run_id  TEXT NOT NULL,
	revoked INTEGER NOT NULL DEFAULT 0,
	data    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tokens_run ON callback_tokens(run_id);
`

// StateStore is the SQLite-backed implementation of the persistence port.
type StateStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema. Pass
// ":memory:" for an ephemeral database.
func Open(path string) (*StateStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time keeps "database is locked" errors out of the
	// modernc driver under concurrent services.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &StateStore{db: db}, nil
}

func (s *StateStore) Runs() outbound.RunStore               { return (*runStore)(s) }
func (s *StateStore) RunEvents() outbound.EventStore        { return (*eventStore)(s) }
func (s *StateStore) Approvals() outbound.ApprovalStore     { return (*approvalStore)(s) }
func (s *StateStore) Sources() outbound.SourceStore         { return (*sourceStore)(s) }
func (s *StateStore) Credentials() outbound.CredentialStore { return (*credentialStore)(s) }
func (s *StateStore) Policies() outbound.PolicyStore        { return (*policyStore)(s) }
func (s *StateStore) Artifacts() outbound.ArtifactStore     { return (*artifactStore)(s) }
func (s *StateStore) CallbackTokens() outbound.TokenStore   { return (*tokenStore)(s) }

// Ping checks database reachability.
func (s *StateStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *StateStore) Close() error {
	return s.db.Close()
}

// decodeRow unmarshals a JSON blob column into T.
func decodeRow[T any](data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode stored record: %w", err)
	}
	return &v, nil
}

// getByID runs a single-row data lookup, mapping sql.ErrNoRows to the port's
// not-found error.
func getByID[T any](ctx context.Context, db *sql.DB, query string, args ...any) (*T, error) {
	var data []byte
	if err := db.QueryRowContext(ctx, query, args...).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, outbound.ErrNotFound
		}
		return nil, err
	}
	return decodeRow[T](data)
}

// deleteByID deletes one row, mapping zero affected rows to not-found.
func deleteByID(ctx context.Context, db *sql.DB, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return outbound.ErrNotFound
	}
	return nil
}

// --- runs ---

type runStore StateStore

func (s *runStore) CreateRun(ctx context.Context, r *run.Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	var completedAt any
	if r.CompletedAt != nil {
		completedAt = r.CompletedAt.UnixNano()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workspace_id, status, completed_at, created_at, data) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkspaceID, string(r.Status), completedAt, r.CreatedAt.UnixNano(), string(data))
	return err
}

func (s *runStore) GetRun(ctx context.Context, id string) (*run.Run, error) {
	return getByID[run.Run](ctx, s.db, `SELECT data FROM runs WHERE id = ?`, id)
}

func (s *runStore) UpdateRun(ctx context.Context, r *run.Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	var completedAt any
	if r.CompletedAt != nil {
		completedAt = r.CompletedAt.UnixNano()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ?, data = ? WHERE id = ?`,
		string(r.Status), completedAt, string(data), r.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return outbound.ErrNotFound
	}
	return nil
}

func (s *runStore) DeleteRun(ctx context.Context, id string) error {
	return deleteByID(ctx, s.db, `DELETE FROM runs WHERE id = ?`, id)
}

func (s *runStore) ListRuns(ctx context.Context, workspaceID string, status run.Status) ([]*run.Run, error) {
	query := `SELECT data FROM runs WHERE workspace_id = ?`
	args := []any{workspaceID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	return queryAll[run.Run](ctx, s.db, query, args...)
}

func (s *runStore) ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]*run.Run, error) {
	return queryAll[run.Run](ctx, s.db,
		`SELECT data FROM runs WHERE completed_at IS NOT NULL AND completed_at < ?`,
		cutoff.UnixNano())
}

// queryAll runs a multi-row data query and decodes every blob.
func queryAll[T any](ctx context.Context, db *sql.DB, query string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*T
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		v, err := decodeRow[T](data)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- events ---

type eventStore StateStore

func (s *eventStore) AppendEvent(ctx context.Context, ev run.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_events (run_id, seq, data) VALUES (?, ?, ?)
		 ON CONFLICT(run_id, seq) DO NOTHING`,
		ev.RunID, ev.Seq, string(data))
	return err
}

func (s *eventStore) ListEvents(ctx context.Context, runID string) ([]run.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM run_events WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []run.Event
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var ev run.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode stored event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- approvals ---

type approvalStore StateStore

func (s *approvalStore) PutApproval(ctx context.Context, rec *approval.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode approval: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, workspace_id, status, created_at, data) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data`,
		rec.ID, rec.WorkspaceID, string(rec.Status), rec.CreatedAt.UnixNano(), string(data))
	return err
}

func (s *approvalStore) GetApproval(ctx context.Context, id string) (*approval.Record, error) {
	return getByID[approval.Record](ctx, s.db, `SELECT data FROM approvals WHERE id = ?`, id)
}

func (s *approvalStore) ListApprovals(ctx context.Context, workspaceID string, status approval.RecordStatus) ([]*approval.Record, error) {
	query := `SELECT data FROM approvals WHERE workspace_id = ?`
	args := []any{workspaceID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at`
	return queryAll[approval.Record](ctx, s.db, query, args...)
}

// --- sources ---

type sourceStore StateStore

func (s *sourceStore) PutSource(ctx context.Context, src *source.Source) error {
	data, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("encode source: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sources (id, workspace_id, name, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET workspace_id = excluded.workspace_id, name = excluded.name, data = excluded.data`,
		src.ID, src.WorkspaceID, src.Name, string(data))
	return err
}

func (s *sourceStore) GetSource(ctx context.Context, id string) (*source.Source, error) {
	return getByID[source.Source](ctx, s.db, `SELECT data FROM sources WHERE id = ?`, id)
}

func (s *sourceStore) DeleteSource(ctx context.Context, id string) error {
	return deleteByID(ctx, s.db, `DELETE FROM sources WHERE id = ?`, id)
}

func (s *sourceStore) ListSources(ctx context.Context, workspaceID string) ([]*source.Source, error) {
	return queryAll[source.Source](ctx, s.db,
		`SELECT data FROM sources WHERE workspace_id = ? ORDER BY name`, workspaceID)
}

// --- credentials ---

type credentialStore StateStore

func (s *credentialStore) PutCredential(ctx context.Context, c *credential.Record) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials (id, workspace_id, source_key, scope, owner_id, created_at, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET source_key = excluded.source_key, scope = excluded.scope,
			owner_id = excluded.owner_id, data = excluded.data`,
		c.ID, c.WorkspaceID, c.SourceKey, string(c.Scope), c.OwnerID, c.CreatedAt.UnixNano(), string(data))
	return err
}

func (s *credentialStore) GetCredential(ctx context.Context, id string) (*credential.Record, error) {
	return getByID[credential.Record](ctx, s.db, `SELECT data FROM credentials WHERE id = ?`, id)
}

func (s *credentialStore) DeleteCredential(ctx context.Context, id string) error {
	return deleteByID(ctx, s.db, `DELETE FROM credentials WHERE id = ?`, id)
}

func (s *credentialStore) ListCredentials(ctx context.Context, workspaceID string) ([]*credential.Record, error) {
	return queryAll[credential.Record](ctx, s.db,
		`SELECT data FROM credentials WHERE workspace_id = ? ORDER BY created_at`, workspaceID)
}

func (s *credentialStore) FindCredential(ctx context.Context, workspaceID, sourceKey string, scope credential.Scope, ownerID string) (*credential.Record, error) {
	query := `SELECT data FROM credentials WHERE workspace_id = ? AND source_key = ? AND scope = ?`
	args := []any{workspaceID, sourceKey, string(scope)}
	if scope == credential.ScopeActor {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` LIMIT 1`
	return getByID[credential.Record](ctx, s.db, query, args...)
}

// --- policies ---

type policyStore StateStore

func (s *policyStore) PutPolicy(ctx context.Context, r *policy.Rule) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policies (id, workspace_id, created_at, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET workspace_id = excluded.workspace_id, data = excluded.data`,
		r.ID, r.WorkspaceID, r.CreatedAt.UnixNano(), string(data))
	return err
}

func (s *policyStore) GetPolicy(ctx context.Context, id string) (*policy.Rule, error) {
	return getByID[policy.Rule](ctx, s.db, `SELECT data FROM policies WHERE id = ?`, id)
}

func (s *policyStore) DeletePolicy(ctx context.Context, id string) error {
	return deleteByID(ctx, s.db, `DELETE FROM policies WHERE id = ?`, id)
}

func (s *policyStore) ListPolicies(ctx context.Context, workspaceID string) ([]*policy.Rule, error) {
	// System-wide rules carry an empty workspace_id and apply everywhere.
	// An empty filter returns every rule.
	return queryAll[policy.Rule](ctx, s.db,
		`SELECT data FROM policies WHERE ? = '' OR workspace_id = ? OR workspace_id = '' ORDER BY created_at`,
		workspaceID, workspaceID)
}

// --- artifacts ---

type artifactStore StateStore

func (s *artifactStore) PutArtifact(ctx context.Context, a *outbound.Artifact) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO artifacts (source_id, data) VALUES (?, ?)
		 ON CONFLICT(source_id) DO UPDATE SET data = excluded.data`,
		a.SourceID, string(data))
	return err
}

func (s *artifactStore) GetArtifact(ctx context.Context, sourceID string) (*outbound.Artifact, error) {
	return getByID[outbound.Artifact](ctx, s.db, `SELECT data FROM artifacts WHERE source_id = ?`, sourceID)
}

func (s *artifactStore) DeleteArtifact(ctx context.Context, sourceID string) error {
	return deleteByID(ctx, s.db, `DELETE FROM artifacts WHERE source_id = ?`, sourceID)
}

// --- callback tokens ---

type tokenStore StateStore

func (s *tokenStore) PutToken(ctx context.Context, t *outbound.CallbackToken) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO callback_tokens (id, run_id, revoked, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET revoked = excluded.revoked, data = excluded.data`,
		t.ID, t.RunID, boolToInt(t.Revoked), string(data))
	return err
}

func (s *tokenStore) GetToken(ctx context.Context, id string) (*outbound.CallbackToken, error) {
	return getByID[outbound.CallbackToken](ctx, s.db, `SELECT data FROM callback_tokens WHERE id = ?`, id)
}

func (s *tokenStore) RevokeTokensForRun(ctx context.Context, runID string) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM callback_tokens WHERE run_id = ? AND revoked = 0`, runID)
	if err != nil {
		return err
	}
	var tokens []*outbound.CallbackToken
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			_ = rows.Close()
			return err
		}
		t, err := decodeRow[outbound.CallbackToken](data)
		if err != nil {
			_ = rows.Close()
			return err
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, t := range tokens {
		t.Revoked = true
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode token: %w", err)
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE callback_tokens SET revoked = 1, data = ? WHERE id = ?`, string(data), t.ID); err != nil {
			return err
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ outbound.StateStore = (*StateStore)(nil)
