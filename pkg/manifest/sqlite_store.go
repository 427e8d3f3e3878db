package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the manifest in SQLite for deployments that need
// the manifest to survive process restarts. Same append-only contract
// as MemoryStore.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLiteStore wraps an opened database handle and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS manifest_artifacts (
		artifact_id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		artifact_type TEXT NOT NULL,
		content_summary TEXT,
		dependencies JSON NOT NULL,
		constraint_issues JSON,
		declared_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_manifest_artifacts_project
		ON manifest_artifacts(project_id, declared_at);
	CREATE TABLE IF NOT EXISTS manifest_resolutions (
		project_id TEXT NOT NULL,
		library TEXT NOT NULL,
		version TEXT NOT NULL,
		resolved_at DATETIME NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) AddArtifact(ctx context.Context, a Artifact) (*Snapshot, error) {
	if a.DeclaredAt.IsZero() {
		a.DeclaredAt = s.clock().UTC()
	}
	depsJSON, err := json.Marshal(a.Dependencies)
	if err != nil {
		return nil, fmt.Errorf("marshal dependencies: %w", err)
	}
	issuesJSON, err := json.Marshal(a.ConstraintIssues)
	if err != nil {
		return nil, fmt.Errorf("marshal constraint issues: %w", err)
	}

	query := `INSERT INTO manifest_artifacts (
		artifact_id, project_id, agent_id, artifact_type, content_summary,
		dependencies, constraint_issues, declared_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		a.ID, a.ProjectID, a.AgentID, string(a.Type), a.ContentSummary,
		string(depsJSON), string(issuesJSON), a.DeclaredAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert artifact: %w", err)
	}
	return s.SnapshotFor(ctx, a.ProjectID)
}

func (s *SQLiteStore) AddResolution(ctx context.Context, projectID string, r Resolution) (*Snapshot, error) {
	if r.ResolvedAt.IsZero() {
		r.ResolvedAt = s.clock().UTC()
	}
	query := `INSERT INTO manifest_resolutions (project_id, library, version, resolved_at)
		VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		projectID, r.Library, r.Version, r.ResolvedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert resolution: %w", err)
	}
	return s.SnapshotFor(ctx, projectID)
}

func (s *SQLiteStore) SnapshotFor(ctx context.Context, projectID string) (*Snapshot, error) {
	snap := &Snapshot{ProjectID: projectID, TakenAt: s.clock().UTC()}

	rows, err := s.db.QueryContext(ctx, `
		SELECT artifact_id, agent_id, artifact_type, content_summary,
		       dependencies, constraint_issues, declared_at
		FROM manifest_artifacts
		WHERE project_id = ?
		ORDER BY declared_at, artifact_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			a          Artifact
			atype      string
			deps       string
			issues     sql.NullString
			declaredAt string
		)
		if err := rows.Scan(&a.ID, &a.AgentID, &atype, &a.ContentSummary, &deps, &issues, &declaredAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.ProjectID = projectID
		a.Type = ArtifactType(atype)
		if err := json.Unmarshal([]byte(deps), &a.Dependencies); err != nil {
			return nil, fmt.Errorf("decode dependencies for %s: %w", a.ID, err)
		}
		if issues.Valid && issues.String != "" && issues.String != "null" {
			if err := json.Unmarshal([]byte(issues.String), &a.ConstraintIssues); err != nil {
				return nil, fmt.Errorf("decode constraint issues for %s: %w", a.ID, err)
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, declaredAt); err == nil {
			a.DeclaredAt = t
		}
		snap.Artifacts = append(snap.Artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	resRows, err := s.db.QueryContext(ctx, `
		SELECT library, version, resolved_at
		FROM manifest_resolutions
		WHERE project_id = ?
		ORDER BY resolved_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query resolutions: %w", err)
	}
	defer func() { _ = resRows.Close() }()

	for resRows.Next() {
		var (
			r          Resolution
			resolvedAt string
		)
		if err := resRows.Scan(&r.Library, &r.Version, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan resolution: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, resolvedAt); err == nil {
			r.ResolvedAt = t
		}
		snap.Resolutions = append(snap.Resolutions, r)
	}
	return snap, resRows.Err()
}
