package persistence

import "context"

// initSchema creates all tables. Statements are idempotent so reopening an
// existing database is a no-op. Timestamps are UTC seconds since epoch.
func (p *Pool) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL UNIQUE,
			name TEXT,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			project_id INTEGER REFERENCES projects(id),
			branch TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			started_at INTEGER NOT NULL DEFAULT (strftime('%s','now')),
			last_activity INTEGER NOT NULL DEFAULT (strftime('%s','now'))
		)`,
		`CREATE TABLE IF NOT EXISTS chat_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			project_id INTEGER,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			reasoning TEXT,
			tags TEXT,
			salience REAL NOT NULL DEFAULT 5.0,
			pinned INTEGER NOT NULL DEFAULT 0,
			summarized INTEGER NOT NULL DEFAULT 0,
			summary_id INTEGER,
			has_embedding INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_history_session ON chat_history(session_id, id)`,
		`CREATE TABLE IF NOT EXISTS chat_summaries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			project_id INTEGER,
			content TEXT NOT NULL,
			range_start INTEGER NOT NULL,
			range_end INTEGER NOT NULL,
			level INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
		)`,
		`CREATE TABLE IF NOT EXISTS memory_facts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			fact_type TEXT NOT NULL DEFAULT 'general',
			salience REAL NOT NULL DEFAULT 5.0,
			has_embedding INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
		)`,
		`CREATE TABLE IF NOT EXISTS operations (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER,
			user_message TEXT NOT NULL,
			result TEXT,
			error TEXT,
			delegate_calls INTEGER NOT NULL DEFAULT 0,
			tokens_input INTEGER,
			tokens_output INTEGER,
			cost_usd REAL
		)`,
		`CREATE TABLE IF NOT EXISTS operation_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			operation_id TEXT NOT NULL REFERENCES operations(id),
			event_type TEXT NOT NULL,
			event_data TEXT,
			sequence_number INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(operation_id, sequence_number)
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			operation_id TEXT NOT NULL REFERENCES operations(id),
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS repository_files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			attachment_id TEXT NOT NULL,
			file_path TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			language TEXT NOT NULL DEFAULT 'unknown',
			last_indexed INTEGER NOT NULL DEFAULT (strftime('%s','now')),
			UNIQUE(attachment_id, file_path)
		)`,
		`CREATE TABLE IF NOT EXISTS code_symbols (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL,
			file_id INTEGER NOT NULL REFERENCES repository_files(id),
			file_path TEXT NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			signature_hash TEXT,
			complexity INTEGER NOT NULL DEFAULT 1,
			doc TEXT,
			is_test INTEGER NOT NULL DEFAULT 0,
			is_async INTEGER NOT NULL DEFAULT 0,
			has_embedding INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_code_symbols_file ON code_symbols(file_id)`,
		`CREATE TABLE IF NOT EXISTS call_graph (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			caller_id INTEGER NOT NULL REFERENCES code_symbols(id),
			callee_id INTEGER NOT NULL REFERENCES code_symbols(id),
			call_kind TEXT NOT NULL DEFAULT 'direct',
			line INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS unresolved_calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			caller_id INTEGER NOT NULL REFERENCES code_symbols(id),
			callee_name TEXT NOT NULL,
			call_kind TEXT NOT NULL DEFAULT 'direct',
			line INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS imports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			file_id INTEGER NOT NULL REFERENCES repository_files(id),
			import_path TEXT NOT NULL,
			line INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cochange_patterns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL,
			file_a TEXT NOT NULL,
			file_b TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 1,
			confidence REAL NOT NULL DEFAULT 0,
			UNIQUE(project_id, file_a, file_b)
		)`,
		`CREATE TABLE IF NOT EXISTS local_changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL,
			file_path TEXT NOT NULL,
			change_type TEXT NOT NULL,
			old_hash TEXT,
			new_hash TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_behavior_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			project_id INTEGER,
			sequence INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			data_json TEXT,
			created_at INTEGER NOT NULL,
			UNIQUE(session_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS behavior_patterns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL,
			pattern_type TEXT NOT NULL,
			pattern_key TEXT NOT NULL,
			pattern_data TEXT,
			confidence REAL NOT NULL DEFAULT 0,
			occurrence_count INTEGER NOT NULL DEFAULT 1,
			last_triggered_at INTEGER,
			UNIQUE(project_id, pattern_type, pattern_key)
		)`,
	}

	for _, ddl := range stmts {
		if _, err := p.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}
