package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Project identifies one workspace root.
type Project struct {
	ID        int64
	Path      string
	Name      string
	CreatedAt int64
}

// Session is one conversation, scoped to a project or global.
type Session struct {
	ID           string
	ProjectID    sql.NullInt64
	Branch       sql.NullString
	Status       string
	StartedAt    int64
	LastActivity int64
}

// CanonicalizePath expands ~ and resolves symlinks so two spellings of the
// same workspace map to one project row.
func CanonicalizePath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	return filepath.Clean(path)
}

// GetOrCreateProject upserts a project by canonical path. Touching an
// existing path keeps its row; a provided name only fills an empty one.
func (p *Pool) GetOrCreateProject(ctx context.Context, path, name string) (int64, error) {
	canonical := CanonicalizePath(path)
	var displayName any
	if name != "" {
		displayName = name
	}

	_, err := p.Exec(ctx,
		`INSERT INTO projects (path, name) VALUES (?, ?)
		 ON CONFLICT(path) DO UPDATE SET name = COALESCE(projects.name, excluded.name)`,
		canonical, displayName,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert project: %w", err)
	}

	var id int64
	if err := p.QueryRow(ctx, "SELECT id FROM projects WHERE path = ?", canonical).Scan(&id); err != nil {
		return 0, fmt.Errorf("load project id: %w", err)
	}
	return id, nil
}

// GetProject loads one project row.
func (p *Pool) GetProject(ctx context.Context, id int64) (*Project, error) {
	var proj Project
	var name sql.NullString
	err := p.QueryRow(ctx,
		"SELECT id, path, name, created_at FROM projects WHERE id = ?", id,
	).Scan(&proj.ID, &proj.Path, &name, &proj.CreatedAt)
	if err != nil {
		return nil, err
	}
	proj.Name = name.String
	return &proj, nil
}

// ListProjects returns all projects, newest first.
func (p *Pool) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := p.Query(ctx, "SELECT id, path, name, created_at FROM projects ORDER BY id DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var proj Project
		var name sql.NullString
		if err := rows.Scan(&proj.ID, &proj.Path, &name, &proj.CreatedAt); err != nil {
			return nil, err
		}
		proj.Name = name.String
		out = append(out, proj)
	}
	return out, rows.Err()
}

// TouchSession upserts a session and unconditionally reactivates it.
// Branch keeps its previous value when the new one is NULL (COALESCE),
// and last_activity never moves backwards.
func (p *Pool) TouchSession(ctx context.Context, sessionID string, projectID *int64, branch string) error {
	now := time.Now().UTC().Unix()
	var pid any
	if projectID != nil {
		pid = *projectID
	}
	var br any
	if branch != "" {
		br = branch
	}

	_, err := p.Exec(ctx,
		`INSERT INTO sessions (id, project_id, branch, status, started_at, last_activity)
		 VALUES (?, ?, ?, 'active', ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = 'active',
			branch = COALESCE(excluded.branch, sessions.branch),
			last_activity = MAX(sessions.last_activity, excluded.last_activity)`,
		sessionID, pid, br, now, now,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// CompleteSession marks a session completed.
func (p *Pool) CompleteSession(ctx context.Context, sessionID string) error {
	_, err := p.Exec(ctx, "UPDATE sessions SET status = 'completed' WHERE id = ?", sessionID)
	return err
}

// GetSession loads one session row.
func (p *Pool) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	err := p.QueryRow(ctx,
		`SELECT id, project_id, branch, status, started_at, last_activity
		 FROM sessions WHERE id = ?`, sessionID,
	).Scan(&s.ID, &s.ProjectID, &s.Branch, &s.Status, &s.StartedAt, &s.LastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
