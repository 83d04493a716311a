// Copyright 2025 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/oore/oored/pkg/ids"
)

// DB wraps a *sql.DB opened against a local SQLite file and implements
// every repository interface in this package directly, mirroring how the
// teacher's reference store wraps a single *sql.DB with a small migration
// routine run at Open time.
type DB struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and runs
// the schema migration. The pool holds at most one connection, since
// SQLite serializes writers regardless; that connection is replaced once
// it is five minutes old. WAL mode lets other connections to the file
// read while a write is in progress.
func Open(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("store: db path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: creating db directory: %w", err)
		}
	}
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening sqlite: %w", err)
	}
	sqldb.SetMaxOpenConns(1)
	sqldb.SetConnMaxLifetime(5 * time.Minute)

	d := &DB{db: sqldb}
	if err := d.migrate(ctx); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("store: migrating schema: %w", err)
	}
	return d, nil
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Raw exposes the underlying *sql.DB for callers (e.g. a health check)
// that need it directly.
func (d *DB) Raw() *sql.DB { return d.db }

func (d *DB) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`CREATE TABLE IF NOT EXISTS repositories (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			owner TEXT NOT NULL,
			repo_name TEXT NOT NULL,
			clone_url TEXT NOT NULL,
			default_branch TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			webhook_secret_fingerprint TEXT NOT NULL DEFAULT '',
			provider_native_id TEXT NOT NULL DEFAULT '',
			gitlab_instance_url TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(provider, owner, repo_name),
			UNIQUE(provider, provider_native_id)
		);`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id TEXT PRIMARY KEY,
			repository_id TEXT,
			provider TEXT NOT NULL,
			event_type TEXT NOT NULL,
			delivery_id TEXT NOT NULL,
			payload BLOB NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			received_at TEXT NOT NULL,
			UNIQUE(provider, delivery_id)
		);`,
		`CREATE TABLE IF NOT EXISTS builds (
			id TEXT PRIMARY KEY,
			repository_id TEXT NOT NULL,
			webhook_event_id TEXT,
			commit_sha TEXT NOT NULL,
			branch TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			workflow_name TEXT NOT NULL DEFAULT '',
			config_source TEXT NOT NULL DEFAULT '',
			error_message TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_builds_repository ON builds(repository_id);`,
		`CREATE INDEX IF NOT EXISTS idx_builds_status ON builds(status);`,
		`CREATE TABLE IF NOT EXISTS build_steps (
			id TEXT PRIMARY KEY,
			build_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			name TEXT NOT NULL,
			script TEXT NOT NULL,
			timeout_secs INTEGER NOT NULL,
			ignore_failure INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			exit_code INTEGER,
			started_at TEXT,
			finished_at TEXT,
			UNIQUE(build_id, step_index)
		);`,
		`CREATE TABLE IF NOT EXISTS build_logs (
			id TEXT PRIMARY KEY,
			build_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			stream TEXT NOT NULL,
			log_file_path TEXT NOT NULL,
			line_count INTEGER NOT NULL DEFAULT 0,
			UNIQUE(build_id, step_index, stream)
		);`,
		`CREATE TABLE IF NOT EXISTS build_artifacts (
			id TEXT PRIMARY KEY,
			build_id TEXT NOT NULL,
			name TEXT NOT NULL,
			relative_path TEXT NOT NULL,
			storage_path TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			content_type TEXT NOT NULL,
			checksum_sha256 TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS pipeline_configs (
			id TEXT PRIMARY KEY,
			repository_id TEXT NOT NULL,
			name TEXT NOT NULL,
			config_content TEXT NOT NULL,
			config_format TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(repository_id, name)
		);`,
		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			owner_key TEXT NOT NULL,
			ciphertext BLOB NOT NULL,
			nonce BLOB NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			metadata TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_lookup ON credentials(kind, owner_key, is_active);`,
		`CREATE TABLE IF NOT EXISTS oauth_states (
			state TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			instance_url TEXT,
			status TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			consumed_at TEXT,
			completed_at TEXT,
			app_id TEXT,
			app_name TEXT,
			error_message TEXT,
			created_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing %q: %w", stmt, err)
		}
	}
	return nil
}

const rfc3339 = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(rfc3339) }

func parseTime(s string) (time.Time, error) { return time.Parse(rfc3339, s) }

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func scanNullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func scanNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Repositories -----------------------------------------------------

func (d *DB) Repositories() Repositories { return repositoriesStore{d} }

type repositoriesStore struct{ d *DB }

func (s repositoriesStore) Create(ctx context.Context, r *Repository) error {
	if r.ID == "" {
		r.ID = ids.New()
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	_, err := s.d.db.ExecContext(ctx, `
		INSERT INTO repositories
			(id, provider, owner, repo_name, clone_url, default_branch, is_active,
			 webhook_secret_fingerprint, provider_native_id, gitlab_instance_url,
			 created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Provider, r.Owner, r.RepoName, r.CloneURL, r.DefaultBranch, r.IsActive,
		r.WebhookSecretFingerprint, r.ProviderNativeID, r.GitLabInstanceURL,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if isUniqueConstraintErr(err) {
		return ErrConflict
	}
	return err
}

func scanRepository(row interface {
	Scan(dest ...any) error
}) (*Repository, error) {
	var r Repository
	var createdAt, updatedAt string
	if err := row.Scan(&r.ID, &r.Provider, &r.Owner, &r.RepoName, &r.CloneURL,
		&r.DefaultBranch, &r.IsActive, &r.WebhookSecretFingerprint,
		&r.ProviderNativeID, &r.GitLabInstanceURL, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

const repositoryColumns = `id, provider, owner, repo_name, clone_url, default_branch, is_active,
	webhook_secret_fingerprint, provider_native_id, gitlab_instance_url, created_at, updated_at`

func (s repositoriesStore) Get(ctx context.Context, id string) (*Repository, error) {
	row := s.d.db.QueryRowContext(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE id = ?`, id)
	return scanRepository(row)
}

func (s repositoriesStore) GetByNativeID(ctx context.Context, provider Provider, nativeID string) (*Repository, error) {
	row := s.d.db.QueryRowContext(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE provider = ? AND provider_native_id = ?`, provider, nativeID)
	return scanRepository(row)
}

func (s repositoriesStore) GetByOwnerRepo(ctx context.Context, provider Provider, owner, repoName string) (*Repository, error) {
	row := s.d.db.QueryRowContext(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE provider = ? AND owner = ? AND repo_name = ?`, provider, owner, repoName)
	return scanRepository(row)
}

func (s repositoriesStore) List(ctx context.Context) ([]*Repository, error) {
	rows, err := s.d.db.QueryContext(ctx, `SELECT `+repositoryColumns+` FROM repositories ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s repositoriesStore) Update(ctx context.Context, r *Repository) error {
	r.UpdatedAt = time.Now().UTC()
	res, err := s.d.db.ExecContext(ctx, `
		UPDATE repositories SET
			owner=?, repo_name=?, clone_url=?, default_branch=?, is_active=?,
			webhook_secret_fingerprint=?, provider_native_id=?, gitlab_instance_url=?,
			updated_at=?
		WHERE id=?`,
		r.Owner, r.RepoName, r.CloneURL, r.DefaultBranch, r.IsActive,
		r.WebhookSecretFingerprint, r.ProviderNativeID, r.GitLabInstanceURL,
		formatTime(r.UpdatedAt), r.ID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s repositoriesStore) Delete(ctx context.Context, id string) error {
	_, err := s.d.db.ExecContext(ctx, `UPDATE repositories SET is_active=0, updated_at=? WHERE id=?`, formatTime(time.Now()), id)
	return err
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- WebhookEvents -----------------------------------------------------

func (d *DB) WebhookEvents() WebhookEvents { return webhookEventsStore{d} }

type webhookEventsStore struct{ d *DB }

func (s webhookEventsStore) Insert(ctx context.Context, e *WebhookEvent) error {
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	_, err := s.d.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, repository_id, provider, event_type, delivery_id, payload, processed, error_message, received_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, nullableString(e.RepositoryID), e.Provider, e.EventType, e.DeliveryID, e.Payload, e.Processed,
		nullableString(e.ErrorMessage), formatTime(e.ReceivedAt))
	if isUniqueConstraintErr(err) {
		return ErrConflict
	}
	return err
}

func (s webhookEventsStore) Get(ctx context.Context, id string) (*WebhookEvent, error) {
	row := s.d.db.QueryRowContext(ctx, `SELECT id, repository_id, provider, event_type, delivery_id, payload, processed, error_message, received_at FROM webhook_events WHERE id=?`, id)
	return scanWebhookEvent(row)
}

func scanWebhookEvent(row interface{ Scan(dest ...any) error }) (*WebhookEvent, error) {
	var e WebhookEvent
	var repoID, errMsg sql.NullString
	var receivedAt string
	if err := row.Scan(&e.ID, &repoID, &e.Provider, &e.EventType, &e.DeliveryID, &e.Payload, &e.Processed, &errMsg, &receivedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e.RepositoryID = scanNullableString(repoID)
	e.ErrorMessage = scanNullableString(errMsg)
	var err error
	if e.ReceivedAt, err = parseTime(receivedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s webhookEventsStore) ExistsDelivery(ctx context.Context, provider Provider, deliveryID string) (bool, error) {
	var n int
	err := s.d.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM webhook_events WHERE provider=? AND delivery_id=?`, provider, deliveryID).Scan(&n)
	return n > 0, err
}

func (s webhookEventsStore) MarkProcessed(ctx context.Context, id string, errMsg *string) error {
	res, err := s.d.db.ExecContext(ctx, `UPDATE webhook_events SET processed=1, error_message=? WHERE id=?`, nullableString(errMsg), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s webhookEventsStore) ListUnprocessed(ctx context.Context) ([]*WebhookEvent, error) {
	rows, err := s.d.db.QueryContext(ctx, `SELECT id, repository_id, provider, event_type, delivery_id, payload, processed, error_message, received_at FROM webhook_events WHERE processed=0 ORDER BY received_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Builds -------------------------------------------------------------

func (d *DB) Builds() Builds { return buildsStore{d} }

type buildsStore struct{ d *DB }

func (s buildsStore) Create(ctx context.Context, b *Build) error {
	if b.ID == "" {
		b.ID = ids.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	if b.Status == "" {
		b.Status = BuildPending
	}
	_, err := s.d.db.ExecContext(ctx, `
		INSERT INTO builds (id, repository_id, webhook_event_id, commit_sha, branch, trigger_type, status,
			started_at, finished_at, workflow_name, config_source, error_message, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.RepositoryID, nullableString(b.WebhookEventID), b.CommitSHA, b.Branch, b.TriggerType, b.Status,
		nullableTime(b.StartedAt), nullableTime(b.FinishedAt), b.WorkflowName, b.ConfigSource,
		nullableString(b.ErrorMessage), formatTime(b.CreatedAt))
	return err
}

const buildColumns = `id, repository_id, webhook_event_id, commit_sha, branch, trigger_type, status,
	started_at, finished_at, workflow_name, config_source, error_message, created_at`

func scanBuild(row interface{ Scan(dest ...any) error }) (*Build, error) {
	var b Build
	var webhookEventID, errMsg sql.NullString
	var startedAt, finishedAt sql.NullString
	var createdAt string
	if err := row.Scan(&b.ID, &b.RepositoryID, &webhookEventID, &b.CommitSHA, &b.Branch, &b.TriggerType, &b.Status,
		&startedAt, &finishedAt, &b.WorkflowName, &b.ConfigSource, &errMsg, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	b.WebhookEventID = scanNullableString(webhookEventID)
	b.ErrorMessage = scanNullableString(errMsg)
	var err error
	if b.StartedAt, err = scanNullableTime(startedAt); err != nil {
		return nil, err
	}
	if b.FinishedAt, err = scanNullableTime(finishedAt); err != nil {
		return nil, err
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s buildsStore) Get(ctx context.Context, id string) (*Build, error) {
	row := s.d.db.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM builds WHERE id=?`, id)
	return scanBuild(row)
}

func (s buildsStore) List(ctx context.Context, repositoryID string) ([]*Build, error) {
	var rows *sql.Rows
	var err error
	if repositoryID == "" {
		rows, err = s.d.db.QueryContext(ctx, `SELECT `+buildColumns+` FROM builds ORDER BY created_at DESC`)
	} else {
		rows, err = s.d.db.QueryContext(ctx, `SELECT `+buildColumns+` FROM builds WHERE repository_id=? ORDER BY created_at DESC`, repositoryID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s buildsStore) TransitionToRunning(ctx context.Context, id string, startedAt time.Time) error {
	res, err := s.d.db.ExecContext(ctx, `UPDATE builds SET status=?, started_at=? WHERE id=? AND status=?`,
		BuildRunning, formatTime(startedAt), id, BuildPending)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s buildsStore) SetTerminal(ctx context.Context, id string, status BuildStatus, finishedAt time.Time, errMsg *string) error {
	res, err := s.d.db.ExecContext(ctx, `
		UPDATE builds SET status=?, finished_at=?, error_message=?
		WHERE id=? AND status NOT IN (?,?,?)`,
		status, formatTime(finishedAt), nullableString(errMsg), id,
		BuildSuccess, BuildFailure, BuildCancelled)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s buildsStore) SetWorkflow(ctx context.Context, id, workflowName string, configSource ConfigSource) error {
	res, err := s.d.db.ExecContext(ctx, `UPDATE builds SET workflow_name=?, config_source=? WHERE id=?`, workflowName, configSource, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s buildsStore) ListRunning(ctx context.Context) ([]*Build, error) {
	rows, err := s.d.db.QueryContext(ctx, `SELECT `+buildColumns+` FROM builds WHERE status=?`, BuildRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s buildsStore) ListPending(ctx context.Context) ([]*Build, error) {
	rows, err := s.d.db.QueryContext(ctx, `SELECT `+buildColumns+` FROM builds WHERE status=? ORDER BY created_at`, BuildPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- BuildSteps ----------------------------------------------------------

func (d *DB) BuildSteps() BuildSteps { return buildStepsStore{d} }

type buildStepsStore struct{ d *DB }

func (s buildStepsStore) InsertBatch(ctx context.Context, steps []*BuildStep) error {
	tx, err := s.d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck
	for _, st := range steps {
		if st.ID == "" {
			st.ID = ids.New()
		}
		if st.Status == "" {
			st.Status = StepPending
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO build_steps (id, build_id, step_index, name, script, timeout_secs, ignore_failure, status, exit_code, started_at, finished_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			st.ID, st.BuildID, st.StepIndex, st.Name, st.Script, st.TimeoutSecs, st.IgnoreFailure, st.Status,
			nullableInt(st.ExitCode), nullableTime(st.StartedAt), nullableTime(st.FinishedAt)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func nullableInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func scanNullableInt(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

const buildStepColumns = `id, build_id, step_index, name, script, timeout_secs, ignore_failure, status, exit_code, started_at, finished_at`

func scanBuildStep(row interface{ Scan(dest ...any) error }) (*BuildStep, error) {
	var st BuildStep
	var exitCode sql.NullInt64
	var startedAt, finishedAt sql.NullString
	if err := row.Scan(&st.ID, &st.BuildID, &st.StepIndex, &st.Name, &st.Script, &st.TimeoutSecs,
		&st.IgnoreFailure, &st.Status, &exitCode, &startedAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	st.ExitCode = scanNullableInt(exitCode)
	var err error
	if st.StartedAt, err = scanNullableTime(startedAt); err != nil {
		return nil, err
	}
	if st.FinishedAt, err = scanNullableTime(finishedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s buildStepsStore) List(ctx context.Context, buildID string) ([]*BuildStep, error) {
	rows, err := s.d.db.QueryContext(ctx, `SELECT `+buildStepColumns+` FROM build_steps WHERE build_id=? ORDER BY step_index`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*BuildStep
	for rows.Next() {
		st, err := scanBuildStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s buildStepsStore) TransitionToRunning(ctx context.Context, id string, startedAt time.Time) error {
	res, err := s.d.db.ExecContext(ctx, `UPDATE build_steps SET status=?, started_at=? WHERE id=? AND status=?`,
		StepRunning, formatTime(startedAt), id, StepPending)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s buildStepsStore) SetTerminal(ctx context.Context, id string, status StepStatus, exitCode *int, finishedAt time.Time) error {
	res, err := s.d.db.ExecContext(ctx, `UPDATE build_steps SET status=?, exit_code=?, finished_at=? WHERE id=?`,
		status, nullableInt(exitCode), formatTime(finishedAt), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s buildStepsStore) SkipRemaining(ctx context.Context, buildID string, fromIndex int) error {
	_, err := s.d.db.ExecContext(ctx, `UPDATE build_steps SET status=? WHERE build_id=? AND step_index>=? AND status=?`,
		StepSkipped, buildID, fromIndex, StepPending)
	return err
}

// --- BuildLogs -----------------------------------------------------------

func (d *DB) BuildLogs() BuildLogs { return buildLogsStore{d} }

type buildLogsStore struct{ d *DB }

func (s buildLogsStore) Upsert(ctx context.Context, l *BuildLog) error {
	if l.ID == "" {
		l.ID = ids.New()
	}
	_, err := s.d.db.ExecContext(ctx, `
		INSERT INTO build_logs (id, build_id, step_index, stream, log_file_path, line_count)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(build_id, step_index, stream) DO UPDATE SET
			log_file_path=excluded.log_file_path, line_count=excluded.line_count`,
		l.ID, l.BuildID, l.StepIndex, l.Stream, l.LogFilePath, l.LineCount)
	return err
}

func (s buildLogsStore) List(ctx context.Context, buildID string) ([]*BuildLog, error) {
	rows, err := s.d.db.QueryContext(ctx, `SELECT id, build_id, step_index, stream, log_file_path, line_count FROM build_logs WHERE build_id=? ORDER BY step_index, stream`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*BuildLog
	for rows.Next() {
		var l BuildLog
		if err := rows.Scan(&l.ID, &l.BuildID, &l.StepIndex, &l.Stream, &l.LogFilePath, &l.LineCount); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// --- BuildArtifacts -------------------------------------------------------

func (d *DB) BuildArtifacts() BuildArtifacts { return buildArtifactsStore{d} }

type buildArtifactsStore struct{ d *DB }

func (s buildArtifactsStore) Insert(ctx context.Context, a *BuildArtifact) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.d.db.ExecContext(ctx, `
		INSERT INTO build_artifacts (id, build_id, name, relative_path, storage_path, size_bytes, content_type, checksum_sha256, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.BuildID, a.Name, a.RelativePath, a.StoragePath, a.SizeBytes, a.ContentType, a.ChecksumSHA256, formatTime(a.CreatedAt))
	return err
}

func (s buildArtifactsStore) List(ctx context.Context, buildID string) ([]*BuildArtifact, error) {
	rows, err := s.d.db.QueryContext(ctx, `SELECT id, build_id, name, relative_path, storage_path, size_bytes, content_type, checksum_sha256, created_at FROM build_artifacts WHERE build_id=? ORDER BY name`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*BuildArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s buildArtifactsStore) Get(ctx context.Context, id string) (*BuildArtifact, error) {
	row := s.d.db.QueryRowContext(ctx, `SELECT id, build_id, name, relative_path, storage_path, size_bytes, content_type, checksum_sha256, created_at FROM build_artifacts WHERE id=?`, id)
	return scanArtifact(row)
}

func scanArtifact(row interface{ Scan(dest ...any) error }) (*BuildArtifact, error) {
	var a BuildArtifact
	var createdAt string
	if err := row.Scan(&a.ID, &a.BuildID, &a.Name, &a.RelativePath, &a.StoragePath, &a.SizeBytes, &a.ContentType, &a.ChecksumSHA256, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// --- PipelineConfigs -------------------------------------------------------

func (d *DB) PipelineConfigs() PipelineConfigs { return pipelineConfigsStore{d} }

type pipelineConfigsStore struct{ d *DB }

func (s pipelineConfigsStore) UpsertActive(ctx context.Context, c *PipelineConfig) error {
	if c.ID == "" {
		c.ID = ids.New()
	}
	now := time.Now().UTC()
	c.UpdatedAt = now
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	tx, err := s.d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `UPDATE pipeline_configs SET is_active=0 WHERE repository_id=? AND is_active=1`, c.RepositoryID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pipeline_configs (id, repository_id, name, config_content, config_format, is_active, created_at, updated_at)
		VALUES (?,?,?,?,?,1,?,?)
		ON CONFLICT(repository_id, name) DO UPDATE SET
			config_content=excluded.config_content, config_format=excluded.config_format,
			is_active=1, updated_at=excluded.updated_at`,
		c.ID, c.RepositoryID, c.Name, c.ConfigContent, c.ConfigFormat, formatTime(c.CreatedAt), formatTime(c.UpdatedAt)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s pipelineConfigsStore) GetActive(ctx context.Context, repositoryID string) (*PipelineConfig, error) {
	row := s.d.db.QueryRowContext(ctx, `SELECT id, repository_id, name, config_content, config_format, is_active, created_at, updated_at FROM pipeline_configs WHERE repository_id=? AND is_active=1`, repositoryID)
	var c PipelineConfig
	var createdAt, updatedAt string
	if err := row.Scan(&c.ID, &c.RepositoryID, &c.Name, &c.ConfigContent, &c.ConfigFormat, &c.IsActive, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// --- Credentials -------------------------------------------------------

func (d *DB) Credentials() Credentials { return credentialsStore{d} }

type credentialsStore struct{ d *DB }

func (s credentialsStore) GetActive(ctx context.Context, kind CredentialKind, ownerKey string) (*Credential, error) {
	row := s.d.db.QueryRowContext(ctx, `
		SELECT id, kind, owner_key, ciphertext, nonce, is_active, metadata, created_at, updated_at
		FROM credentials WHERE kind=? AND owner_key=? AND is_active=1`, kind, ownerKey)
	var c Credential
	var createdAt, updatedAt string
	if err := row.Scan(&c.ID, &c.Kind, &c.OwnerKey, &c.Ciphertext, &c.Nonce, &c.IsActive, &c.Metadata, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s credentialsStore) Rotate(ctx context.Context, c *Credential) error {
	if c.ID == "" {
		c.ID = ids.New()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	c.IsActive = true

	tx, err := s.d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `UPDATE credentials SET is_active=0, updated_at=? WHERE kind=? AND owner_key=? AND is_active=1`,
		formatTime(now), c.Kind, c.OwnerKey); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credentials (id, kind, owner_key, ciphertext, nonce, is_active, metadata, created_at, updated_at)
		VALUES (?,?,?,?,?,1,?,?,?)`,
		c.ID, c.Kind, c.OwnerKey, c.Ciphertext, c.Nonce, c.Metadata, formatTime(c.CreatedAt), formatTime(c.UpdatedAt)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s credentialsStore) Delete(ctx context.Context, kind CredentialKind, ownerKey string) error {
	_, err := s.d.db.ExecContext(ctx, `DELETE FROM credentials WHERE kind=? AND owner_key=?`, kind, ownerKey)
	return err
}

// --- OAuthStates ---------------------------------------------------------

func (d *DB) OAuthStates() OAuthStates { return oauthStatesStore{d} }

type oauthStatesStore struct{ d *DB }

func (s oauthStatesStore) Create(ctx context.Context, st *OAuthState) error {
	if st.Status == "" {
		st.Status = OAuthStatePending
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	_, err := s.d.db.ExecContext(ctx, `
		INSERT INTO oauth_states (state, provider, instance_url, status, expires_at, consumed_at, completed_at, app_id, app_name, error_message, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		st.State, st.Provider, nullableString(st.InstanceURL), st.Status, formatTime(st.ExpiresAt),
		nullableTime(st.ConsumedAt), nullableTime(st.CompletedAt), nullableString(st.AppID), nullableString(st.AppName),
		nullableString(st.ErrorMessage), formatTime(st.CreatedAt))
	return err
}

// Get returns the row as stored, except status is reported as
// OAuthStateExpired whenever now is past expires_at, regardless of the
// persisted status — this must be computed at read time.
func (s oauthStatesStore) Get(ctx context.Context, state string) (*OAuthState, error) {
	row := s.d.db.QueryRowContext(ctx, `
		SELECT state, provider, instance_url, status, expires_at, consumed_at, completed_at, app_id, app_name, error_message, created_at
		FROM oauth_states WHERE state=?`, state)
	st, err := scanOAuthState(row)
	if err != nil {
		return nil, err
	}
	if st.Expired(time.Now()) && st.Status != OAuthStateCompleted && st.Status != OAuthStateFailed {
		st.Status = OAuthStateExpired
	}
	return st, nil
}

func scanOAuthState(row interface{ Scan(dest ...any) error }) (*OAuthState, error) {
	var st OAuthState
	var instanceURL, appID, appName, errMsg sql.NullString
	var expiresAt, createdAt string
	var consumedAt, completedAt sql.NullString
	if err := row.Scan(&st.State, &st.Provider, &instanceURL, &st.Status, &expiresAt, &consumedAt, &completedAt,
		&appID, &appName, &errMsg, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	st.InstanceURL = scanNullableString(instanceURL)
	st.AppID = scanNullableString(appID)
	st.AppName = scanNullableString(appName)
	st.ErrorMessage = scanNullableString(errMsg)
	var err error
	if st.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if st.ConsumedAt, err = scanNullableTime(consumedAt); err != nil {
		return nil, err
	}
	if st.CompletedAt, err = scanNullableTime(completedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s oauthStatesStore) Consume(ctx context.Context, state string, provider Provider, consumedAt time.Time) error {
	res, err := s.d.db.ExecContext(ctx, `
		UPDATE oauth_states SET status=?, consumed_at=?
		WHERE state=? AND provider=? AND status=? AND expires_at > ?`,
		OAuthStateConsumed, formatTime(consumedAt), state, provider, OAuthStatePending, formatTime(consumedAt))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s oauthStatesStore) MarkCompleted(ctx context.Context, state, appID, appName string, completedAt time.Time) error {
	res, err := s.d.db.ExecContext(ctx, `
		UPDATE oauth_states SET status=?, completed_at=?, app_id=?, app_name=? WHERE state=?`,
		OAuthStateCompleted, formatTime(completedAt), appID, appName, state)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s oauthStatesStore) MarkFailed(ctx context.Context, state, errMsg string) error {
	res, err := s.d.db.ExecContext(ctx, `UPDATE oauth_states SET status=?, error_message=? WHERE state=?`, OAuthStateFailed, errMsg, state)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}
