package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// RepositoryFile is one indexed file owned by an attachment.
type RepositoryFile struct {
	ID           int64
	AttachmentID string
	FilePath     string
	ContentHash  string
	Language     string
	LastIndexed  int64
}

// CodeSymbol is a function/struct/etc extracted from a file.
type CodeSymbol struct {
	ID            int64
	ProjectID     int64
	FileID        int64
	FilePath      string
	Name          string
	Kind          string
	StartLine     int
	EndLine       int
	SignatureHash string
	Complexity    int
	Doc           string
	IsTest        bool
	IsAsync       bool
}

// CallEdge links a caller symbol to a resolved callee symbol.
type CallEdge struct {
	CallerID int64
	CalleeID int64
	CallKind string
	Line     int
}

// UnresolvedCall is a call whose callee could not be matched to a symbol.
type UnresolvedCall struct {
	CallerID   int64
	CalleeName string
	CallKind   string
	Line       int
}

// LocalChange journals one watcher-observed file change.
type LocalChange struct {
	ID         int64
	ProjectID  int64
	FilePath   string
	ChangeType string
	OldHash    sql.NullString
	NewHash    sql.NullString
	CreatedAt  int64
}

// GetFileRecord returns (id, hash) for a tracked file, or (0, "") when the
// file is unknown.
func (p *Pool) GetFileRecord(ctx context.Context, attachmentID, filePath string) (int64, string, error) {
	var id int64
	var hash string
	err := p.QueryRow(ctx,
		"SELECT id, content_hash FROM repository_files WHERE attachment_id = ? AND file_path = ?",
		attachmentID, filePath).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	return id, hash, nil
}

// UpsertFileRecord writes or refreshes a file row and returns its id.
func (p *Pool) UpsertFileRecord(ctx context.Context, attachmentID, filePath, contentHash, language string) (int64, error) {
	_, err := p.Exec(ctx,
		`INSERT INTO repository_files (attachment_id, file_path, content_hash, language, last_indexed)
		 VALUES (?, ?, ?, ?, strftime('%s','now'))
		 ON CONFLICT(attachment_id, file_path) DO UPDATE SET
			content_hash = excluded.content_hash,
			language = excluded.language,
			last_indexed = strftime('%s','now')`,
		attachmentID, filePath, contentHash, language)
	if err != nil {
		return 0, err
	}
	var id int64
	err = p.QueryRow(ctx,
		"SELECT id FROM repository_files WHERE attachment_id = ? AND file_path = ?",
		attachmentID, filePath).Scan(&id)
	return id, err
}

// DeleteFileRecord removes the file row.
func (p *Pool) DeleteFileRecord(ctx context.Context, fileID int64) error {
	_, err := p.Exec(ctx, "DELETE FROM repository_files WHERE id = ?", fileID)
	return err
}

// SymbolIDsForFile lists symbol row ids for a file; these are the vector
// point ids to invalidate.
func (p *Pool) SymbolIDsForFile(ctx context.Context, fileID int64) ([]int64, error) {
	rows, err := p.Query(ctx, "SELECT id FROM code_symbols WHERE file_id = ?", fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteSymbolsForFile drops a file's symbols and their graph edges.
func (p *Pool) DeleteSymbolsForFile(ctx context.Context, fileID int64) error {
	return p.WithTx(ctx, func(tx *Tx) error {
		for _, stmt := range []string{
			"DELETE FROM call_graph WHERE caller_id IN (SELECT id FROM code_symbols WHERE file_id = ?)",
			"DELETE FROM call_graph WHERE callee_id IN (SELECT id FROM code_symbols WHERE file_id = ?)",
			"DELETE FROM unresolved_calls WHERE caller_id IN (SELECT id FROM code_symbols WHERE file_id = ?)",
			"DELETE FROM imports WHERE file_id = ?",
			"DELETE FROM code_symbols WHERE file_id = ?",
		} {
			if _, err := tx.Exec(stmt, fileID); err != nil {
				return err
			}
		}
		return nil
	})
}

// StoreSymbol inserts one symbol and returns its row id.
func (p *Pool) StoreSymbol(ctx context.Context, s *CodeSymbol) (int64, error) {
	res, err := p.Exec(ctx,
		`INSERT INTO code_symbols
			(project_id, file_id, file_path, name, kind, start_line, end_line,
			 signature_hash, complexity, doc, is_test, is_async)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ProjectID, s.FileID, s.FilePath, s.Name, s.Kind, s.StartLine, s.EndLine,
		s.SignatureHash, s.Complexity, s.Doc, boolToInt(s.IsTest), boolToInt(s.IsAsync))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.ID = id
	return id, nil
}

// SymbolsForFile loads a file's symbols in line order.
func (p *Pool) SymbolsForFile(ctx context.Context, fileID int64) ([]CodeSymbol, error) {
	rows, err := p.Query(ctx,
		`SELECT id, project_id, file_id, file_path, name, kind, start_line, end_line,
			COALESCE(signature_hash, ''), complexity, COALESCE(doc, ''), is_test, is_async
		 FROM code_symbols WHERE file_id = ? ORDER BY start_line ASC`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CodeSymbol
	for rows.Next() {
		var s CodeSymbol
		var isTest, isAsync int
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.FileID, &s.FilePath, &s.Name, &s.Kind,
			&s.StartLine, &s.EndLine, &s.SignatureHash, &s.Complexity, &s.Doc, &isTest, &isAsync); err != nil {
			return nil, err
		}
		s.IsTest = isTest != 0
		s.IsAsync = isAsync != 0
		out = append(out, s)
	}
	return out, rows.Err()
}

// StoreCallEdge records a resolved caller→callee edge.
func (p *Pool) StoreCallEdge(ctx context.Context, e *CallEdge) error {
	_, err := p.Exec(ctx,
		"INSERT INTO call_graph (caller_id, callee_id, call_kind, line) VALUES (?, ?, ?, ?)",
		e.CallerID, e.CalleeID, e.CallKind, e.Line)
	return err
}

// StoreUnresolvedCall records a caller→name edge pending resolution.
func (p *Pool) StoreUnresolvedCall(ctx context.Context, u *UnresolvedCall) error {
	_, err := p.Exec(ctx,
		"INSERT INTO unresolved_calls (caller_id, callee_name, call_kind, line) VALUES (?, ?, ?, ?)",
		u.CallerID, u.CalleeName, u.CallKind, u.Line)
	return err
}

// StoreImport records an import line for a file.
func (p *Pool) StoreImport(ctx context.Context, fileID int64, importPath string, line int) error {
	_, err := p.Exec(ctx,
		"INSERT INTO imports (file_id, import_path, line) VALUES (?, ?, ?)",
		fileID, importPath, line)
	return err
}

// UpsertCochange bumps the co-change counter for an unordered file pair and
// refreshes its confidence. Pairs are stored with file_a < file_b.
func (p *Pool) UpsertCochange(ctx context.Context, projectID int64, fileA, fileB string, confidence float64) error {
	if fileB < fileA {
		fileA, fileB = fileB, fileA
	}
	_, err := p.Exec(ctx,
		`INSERT INTO cochange_patterns (project_id, file_a, file_b, count, confidence)
		 VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT(project_id, file_a, file_b) DO UPDATE SET
			count = count + 1,
			confidence = excluded.confidence`,
		projectID, fileA, fileB, confidence)
	return err
}

// CochangePartners returns the files most often changed with path, by count.
func (p *Pool) CochangePartners(ctx context.Context, projectID int64, path string, limit int) ([]string, error) {
	rows, err := p.Query(ctx,
		`SELECT CASE WHEN file_a = ? THEN file_b ELSE file_a END
		 FROM cochange_patterns
		 WHERE project_id = ? AND (file_a = ? OR file_b = ?)
		 ORDER BY count DESC, confidence DESC LIMIT ?`,
		path, projectID, path, path, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var partner string
		if err := rows.Scan(&partner); err != nil {
			return nil, err
		}
		out = append(out, partner)
	}
	return out, rows.Err()
}

// LogLocalChange appends a change journal row.
func (p *Pool) LogLocalChange(ctx context.Context, projectID int64, filePath, changeType string, oldHash, newHash *string) error {
	var oh, nh any
	if oldHash != nil {
		oh = *oldHash
	}
	if newHash != nil {
		nh = *newHash
	}
	_, err := p.Exec(ctx,
		`INSERT INTO local_changes (project_id, file_path, change_type, old_hash, new_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		projectID, filePath, changeType, oh, nh, time.Now().UTC().Unix())
	return err
}

// LocalChangesForPath returns the change journal for one path, oldest first.
func (p *Pool) LocalChangesForPath(ctx context.Context, projectID int64, filePath string) ([]LocalChange, error) {
	rows, err := p.Query(ctx,
		`SELECT id, project_id, file_path, change_type, old_hash, new_hash, created_at
		 FROM local_changes WHERE project_id = ? AND file_path = ? ORDER BY id ASC`,
		projectID, filePath)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LocalChange
	for rows.Next() {
		var c LocalChange
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.FilePath, &c.ChangeType, &c.OldHash, &c.NewHash, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
