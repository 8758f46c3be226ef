package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message is one turn of chat history. Salience lives in [0,10] and is
// decayed in place by the decay worker; nothing re-decays it on read.
type Message struct {
	ID         int64
	SessionID  string
	ProjectID  sql.NullInt64
	Role       string
	Content    string
	Reasoning  string
	Tags       []string
	Salience   float64
	Pinned     bool
	Summarized bool
	SummaryID  sql.NullInt64
	HasEmbed   bool
	CreatedAt  int64
}

// Summary condenses a contiguous id range of messages at one level.
type Summary struct {
	ID         int64
	SessionID  string
	ProjectID  sql.NullInt64
	Content    string
	RangeStart int64
	RangeEnd   int64
	Level      int
	CreatedAt  int64
}

// StoreMessage inserts a message and returns its row id, which doubles as
// the vector point id.
func (p *Pool) StoreMessage(ctx context.Context, m *Message) (int64, error) {
	if m.Role == "" || m.Content == "" {
		return 0, errors.New("message requires role and content")
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UTC().Unix()
	}
	if m.Salience == 0 {
		m.Salience = 5.0
	}

	var tags any
	if len(m.Tags) > 0 {
		b, _ := json.Marshal(m.Tags)
		tags = string(b)
	}
	var pid any
	if m.ProjectID.Valid {
		pid = m.ProjectID.Int64
	}
	var reasoning any
	if m.Reasoning != "" {
		reasoning = m.Reasoning
	}

	res, err := p.Exec(ctx,
		`INSERT INTO chat_history
			(session_id, project_id, role, content, reasoning, tags, salience, pinned, has_embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.SessionID, pid, m.Role, m.Content, reasoning, tags,
		m.Salience, boolToInt(m.Pinned), boolToInt(m.HasEmbed), m.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("store message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	m.ID = id
	return id, nil
}

// MarkMessageEmbedded flips has_embedding after the vector point lands.
func (p *Pool) MarkMessageEmbedded(ctx context.Context, id int64, ok bool) error {
	_, err := p.Exec(ctx, "UPDATE chat_history SET has_embedding = ? WHERE id = ?", boolToInt(ok), id)
	return err
}

// GetMessage loads one message by id.
func (p *Pool) GetMessage(ctx context.Context, id int64) (*Message, error) {
	row := p.QueryRow(ctx,
		`SELECT id, session_id, project_id, role, content, reasoning, tags, salience,
			pinned, summarized, summary_id, has_embedding, created_at
		 FROM chat_history WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// GetMessages loads a batch of messages by id, in id order.
func (p *Pool) GetMessages(ctx context.Context, ids []int64) ([]Message, error) {
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		m, err := p.GetMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		if m != nil {
			out = append(out, *m)
		}
	}
	return out, nil
}

// LoadRecent returns the most recent live (unsummarized) messages for a
// session in chronological order.
func (p *Pool) LoadRecent(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	rows, err := p.Query(ctx,
		`SELECT id, session_id, project_id, role, content, reasoning, tags, salience,
			pinned, summarized, summary_id, has_embedding, created_at
		 FROM chat_history
		 WHERE session_id = ? AND summarized = 0
		 ORDER BY id DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountUnsummarized counts live messages eligible for rolling summarization.
func (p *Pool) CountUnsummarized(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := p.QueryRow(ctx,
		"SELECT COUNT(*) FROM chat_history WHERE session_id = ? AND summarized = 0 AND role != 'system'",
		sessionID).Scan(&n)
	return n, err
}

// UnsummarizedRange returns the live message rows of a session oldest first,
// up to limit.
func (p *Pool) UnsummarizedRange(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	rows, err := p.Query(ctx,
		`SELECT id, session_id, project_id, role, content, reasoning, tags, salience,
			pinned, summarized, summary_id, has_embedding, created_at
		 FROM chat_history
		 WHERE session_id = ? AND summarized = 0 AND role != 'system'
		 ORDER BY id ASC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// StoreSummaryTx writes a summary row and marks the covered messages in the
// same transaction, keeping the summarized ⇔ summary_id invariant.
func (p *Pool) StoreSummaryTx(ctx context.Context, s *Summary) (int64, error) {
	if s.CreatedAt == 0 {
		s.CreatedAt = time.Now().UTC().Unix()
	}
	var pid any
	if s.ProjectID.Valid {
		pid = s.ProjectID.Int64
	}

	var summaryID int64
	err := p.WithTx(ctx, func(tx *Tx) error {
		// Same-level ranges must not overlap.
		var overlap int
		err := tx.QueryRow(
			`SELECT COUNT(*) FROM chat_summaries
			 WHERE session_id = ? AND level = ? AND range_start <= ? AND range_end >= ?`,
			s.SessionID, s.Level, s.RangeEnd, s.RangeStart).Scan(&overlap)
		if err != nil {
			return err
		}
		if overlap > 0 {
			return fmt.Errorf("summary range [%d,%d] overlaps existing level %d summary", s.RangeStart, s.RangeEnd, s.Level)
		}

		res, err := tx.Exec(
			`INSERT INTO chat_summaries (session_id, project_id, content, range_start, range_end, level, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.SessionID, pid, s.Content, s.RangeStart, s.RangeEnd, s.Level, s.CreatedAt)
		if err != nil {
			return err
		}
		summaryID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		_, err = tx.Exec(
			`UPDATE chat_history SET summarized = 1, summary_id = ?
			 WHERE session_id = ? AND id >= ? AND id <= ?`,
			summaryID, s.SessionID, s.RangeStart, s.RangeEnd)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.ID = summaryID
	return summaryID, nil
}

// StoreSummaryRow writes a summary row without touching messages; used for
// levels above one, where the covered messages already point at their
// level-1 summary. The same-level overlap check still applies.
func (p *Pool) StoreSummaryRow(ctx context.Context, s *Summary) (int64, error) {
	if s.CreatedAt == 0 {
		s.CreatedAt = time.Now().UTC().Unix()
	}
	var pid any
	if s.ProjectID.Valid {
		pid = s.ProjectID.Int64
	}
	var summaryID int64
	err := p.WithTx(ctx, func(tx *Tx) error {
		var overlap int
		err := tx.QueryRow(
			`SELECT COUNT(*) FROM chat_summaries
			 WHERE session_id = ? AND level = ? AND range_start <= ? AND range_end >= ?`,
			s.SessionID, s.Level, s.RangeEnd, s.RangeStart).Scan(&overlap)
		if err != nil {
			return err
		}
		if overlap > 0 {
			return fmt.Errorf("summary range [%d,%d] overlaps existing level %d summary", s.RangeStart, s.RangeEnd, s.Level)
		}
		res, err := tx.Exec(
			`INSERT INTO chat_summaries (session_id, project_id, content, range_start, range_end, level, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.SessionID, pid, s.Content, s.RangeStart, s.RangeEnd, s.Level, s.CreatedAt)
		if err != nil {
			return err
		}
		summaryID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	s.ID = summaryID
	return summaryID, nil
}

// ActiveSessionIDs lists sessions currently marked active.
func (p *Pool) ActiveSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := p.Query(ctx, "SELECT id FROM sessions WHERE status = 'active'")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UnrollSummary restores the covered messages and deletes the summary.
func (p *Pool) UnrollSummary(ctx context.Context, summaryID int64) (int, error) {
	var restored int
	err := p.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.Exec(
			"UPDATE chat_history SET summarized = 0, summary_id = NULL WHERE summary_id = ?",
			summaryID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		restored = int(n)
		_, err = tx.Exec("DELETE FROM chat_summaries WHERE id = ?", summaryID)
		return err
	})
	return restored, err
}

// GetSummary loads one summary.
func (p *Pool) GetSummary(ctx context.Context, id int64) (*Summary, error) {
	var s Summary
	err := p.QueryRow(ctx,
		`SELECT id, session_id, project_id, content, range_start, range_end, level, created_at
		 FROM chat_summaries WHERE id = ?`, id,
	).Scan(&s.ID, &s.SessionID, &s.ProjectID, &s.Content, &s.RangeStart, &s.RangeEnd, &s.Level, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SummariesAtLevel returns a session's summaries at one level, oldest first.
func (p *Pool) SummariesAtLevel(ctx context.Context, sessionID string, level int) ([]Summary, error) {
	rows, err := p.Query(ctx,
		`SELECT id, session_id, project_id, content, range_start, range_end, level, created_at
		 FROM chat_summaries WHERE session_id = ? AND level = ? ORDER BY range_start ASC`,
		sessionID, level)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ID, &s.SessionID, &s.ProjectID, &s.Content, &s.RangeStart, &s.RangeEnd, &s.Level, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MessagesMissingEmbedding lists rows whose vector write failed, for the
// repair worker.
func (p *Pool) MessagesMissingEmbedding(ctx context.Context, limit int) ([]Message, error) {
	rows, err := p.Query(ctx,
		`SELECT id, session_id, project_id, role, content, reasoning, tags, salience,
			pinned, summarized, summary_id, has_embedding, created_at
		 FROM chat_history WHERE has_embedding = 0 AND summarized = 0
		 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	var reasoning, tags sql.NullString
	var pinned, summarized, hasEmbed int
	err := r.Scan(&m.ID, &m.SessionID, &m.ProjectID, &m.Role, &m.Content, &reasoning, &tags,
		&m.Salience, &pinned, &summarized, &m.SummaryID, &hasEmbed, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Reasoning = reasoning.String
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &m.Tags)
	}
	m.Pinned = pinned != 0
	m.Summarized = summarized != 0
	m.HasEmbed = hasEmbed != 0
	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
