package persistence

import (
	"context"
	"database/sql"
	"time"
)

// BehaviorEvent is one append-only record of observed session behavior.
// Sequence numbers are dense per session.
type BehaviorEvent struct {
	ID        int64
	SessionID string
	ProjectID sql.NullInt64
	Sequence  int64
	EventType string
	DataJSON  string
	CreatedAt int64
}

// BehaviorPattern is mined from behavior events.
type BehaviorPattern struct {
	ID              int64
	ProjectID       int64
	PatternType     string
	PatternKey      string
	PatternData     string
	Confidence      float64
	OccurrenceCount int
}

// AppendBehaviorEvent writes the next event for a session with a dense
// sequence number, under a short immediate transaction.
func (p *Pool) AppendBehaviorEvent(ctx context.Context, sessionID string, projectID *int64, eventType, dataJSON string) (int64, error) {
	var pid any
	if projectID != nil {
		pid = *projectID
	}
	var seq int64
	err := p.WithTx(ctx, func(tx *Tx) error {
		if err := tx.QueryRow(
			"SELECT COALESCE(MAX(sequence), -1) + 1 FROM session_behavior_log WHERE session_id = ?",
			sessionID).Scan(&seq); err != nil {
			return err
		}
		var data any
		if dataJSON != "" {
			data = dataJSON
		}
		_, err := tx.Exec(
			`INSERT INTO session_behavior_log (session_id, project_id, sequence, event_type, data_json, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, pid, seq, eventType, data, time.Now().UTC().Unix())
		return err
	})
	return seq, err
}

// BehaviorEventsForSession returns a session's behavior log in order.
func (p *Pool) BehaviorEventsForSession(ctx context.Context, sessionID string) ([]BehaviorEvent, error) {
	rows, err := p.Query(ctx,
		`SELECT id, session_id, project_id, sequence, event_type, COALESCE(data_json, ''), created_at
		 FROM session_behavior_log WHERE session_id = ? ORDER BY sequence ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BehaviorEvent
	for rows.Next() {
		var ev BehaviorEvent
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.ProjectID, &ev.Sequence, &ev.EventType, &ev.DataJSON, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// UpsertBehaviorPattern inserts or reinforces a mined pattern.
func (p *Pool) UpsertBehaviorPattern(ctx context.Context, pat *BehaviorPattern) error {
	_, err := p.Exec(ctx,
		`INSERT INTO behavior_patterns
			(project_id, pattern_type, pattern_key, pattern_data, confidence, occurrence_count, last_triggered_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?)
		 ON CONFLICT(project_id, pattern_type, pattern_key) DO UPDATE SET
			occurrence_count = occurrence_count + 1,
			confidence = excluded.confidence,
			pattern_data = excluded.pattern_data,
			last_triggered_at = excluded.last_triggered_at`,
		pat.ProjectID, pat.PatternType, pat.PatternKey, pat.PatternData,
		pat.Confidence, time.Now().UTC().Unix())
	return err
}

// PatternsByType lists a project's patterns of one type, strongest first.
func (p *Pool) PatternsByType(ctx context.Context, projectID int64, patternType string, limit int) ([]BehaviorPattern, error) {
	rows, err := p.Query(ctx,
		`SELECT id, project_id, pattern_type, pattern_key, COALESCE(pattern_data, ''), confidence, occurrence_count
		 FROM behavior_patterns
		 WHERE project_id = ? AND pattern_type = ?
		 ORDER BY confidence DESC, occurrence_count DESC LIMIT ?`,
		projectID, patternType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BehaviorPattern
	for rows.Next() {
		var pat BehaviorPattern
		if err := rows.Scan(&pat.ID, &pat.ProjectID, &pat.PatternType, &pat.PatternKey,
			&pat.PatternData, &pat.Confidence, &pat.OccurrenceCount); err != nil {
			return nil, err
		}
		out = append(out, pat)
	}
	return out, rows.Err()
}

// StoreMemoryFact persists one key/value fact and returns its row id.
func (p *Pool) StoreMemoryFact(ctx context.Context, projectID *int64, key, value, factType string, salience float64) (int64, error) {
	var pid any
	if projectID != nil {
		pid = *projectID
	}
	if factType == "" {
		factType = "general"
	}
	if salience == 0 {
		salience = 5.0
	}
	res, err := p.Exec(ctx,
		`INSERT INTO memory_facts (project_id, key, value, fact_type, salience, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		pid, key, value, factType, salience, time.Now().UTC().Unix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SearchMemoryFacts does a plain substring search over facts, strongest
// first. Vector search for facts goes through the semantic head.
func (p *Pool) SearchMemoryFacts(ctx context.Context, projectID *int64, query string, limit int) ([][2]string, error) {
	like := "%" + query + "%"
	var rows *sql.Rows
	var err error
	if projectID != nil {
		rows, err = p.Query(ctx,
			`SELECT key, value FROM memory_facts
			 WHERE project_id = ? AND (key LIKE ? OR value LIKE ?)
			 ORDER BY salience DESC LIMIT ?`,
			*projectID, like, like, limit)
	} else {
		rows, err = p.Query(ctx,
			`SELECT key, value FROM memory_facts
			 WHERE key LIKE ? OR value LIKE ?
			 ORDER BY salience DESC LIMIT ?`,
			like, like, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out = append(out, [2]string{k, v})
	}
	return out, rows.Err()
}

// DecaySalience multiplies the salience of every unpinned message of a
// project (or of the global scope when projectID is nil) by factor in one
// statement. DB values are the source of truth; nothing re-decays on read.
func (p *Pool) DecaySalience(ctx context.Context, projectID *int64, factor float64) (int64, error) {
	if factor < 0 {
		factor = 0
	}
	var res sql.Result
	var err error
	if projectID != nil {
		res, err = p.Exec(ctx,
			"UPDATE chat_history SET salience = MAX(0, salience * ?) WHERE project_id = ? AND pinned = 0",
			factor, *projectID)
	} else {
		res, err = p.Exec(ctx,
			"UPDATE chat_history SET salience = MAX(0, salience * ?) WHERE project_id IS NULL AND pinned = 0",
			factor)
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
