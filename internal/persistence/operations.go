package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// OperationRow mirrors one row of the operations table.
type OperationRow struct {
	ID            string
	SessionID     string
	Kind          string
	Status        string
	CreatedAt     int64
	StartedAt     sql.NullInt64
	CompletedAt   sql.NullInt64
	UserMessage   string
	Result        sql.NullString
	Error         sql.NullString
	DelegateCalls int
}

// OperationEventRow is one append-only audit record.
type OperationEventRow struct {
	ID             int64
	OperationID    string
	EventType      string
	EventData      sql.NullString
	SequenceNumber int64
	CreatedAt      int64
}

// ArtifactRow is one stored artifact version.
type ArtifactRow struct {
	ID          string
	OperationID string
	Kind        string
	Name        string
	Version     int
	Content     string
	CreatedAt   int64
}

// CreateOperation inserts a pending operation row.
func (p *Pool) CreateOperation(ctx context.Context, id, sessionID, kind, userMessage string) error {
	_, err := p.Exec(ctx,
		`INSERT INTO operations (id, session_id, kind, status, created_at, user_message)
		 VALUES (?, ?, ?, 'pending', ?, ?)`,
		id, sessionID, kind, time.Now().UTC().Unix(), userMessage)
	if err != nil {
		return fmt.Errorf("create operation: %w", err)
	}
	return nil
}

// GetOperation loads one operation row.
func (p *Pool) GetOperation(ctx context.Context, id string) (*OperationRow, error) {
	var op OperationRow
	err := p.QueryRow(ctx,
		`SELECT id, session_id, kind, status, created_at, started_at, completed_at,
			user_message, result, error, delegate_calls
		 FROM operations WHERE id = ?`, id,
	).Scan(&op.ID, &op.SessionID, &op.Kind, &op.Status, &op.CreatedAt, &op.StartedAt,
		&op.CompletedAt, &op.UserMessage, &op.Result, &op.Error, &op.DelegateCalls)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// TransitionOperation updates the operation row and appends the matching
// status-change event in one immediate transaction. Returns the previous
// status. Extra column updates are expressed through set/args.
func (p *Pool) TransitionOperation(ctx context.Context, id, newStatus, eventType string, eventData *string, set string, args ...any) (string, error) {
	var oldStatus string
	err := p.WithTx(ctx, func(tx *Tx) error {
		if err := tx.QueryRow("SELECT status FROM operations WHERE id = ?", id).Scan(&oldStatus); err != nil {
			return err
		}

		query := "UPDATE operations SET status = ?"
		updateArgs := []any{newStatus}
		if set != "" {
			query += ", " + set
			updateArgs = append(updateArgs, args...)
		}
		query += " WHERE id = ?"
		updateArgs = append(updateArgs, id)
		if _, err := tx.Exec(query, updateArgs...); err != nil {
			return err
		}

		return appendEventTx(tx, id, eventType, eventData)
	})
	if err != nil {
		return "", fmt.Errorf("transition operation %s -> %s: %w", id, newStatus, err)
	}
	return oldStatus, nil
}

// AppendOperationEvent appends an audit event with the next dense sequence
// number, under a short immediate transaction.
func (p *Pool) AppendOperationEvent(ctx context.Context, operationID, eventType string, eventData *string) error {
	return p.WithTx(ctx, func(tx *Tx) error {
		return appendEventTx(tx, operationID, eventType, eventData)
	})
}

func appendEventTx(tx *Tx, operationID, eventType string, eventData *string) error {
	var next int64
	if err := tx.QueryRow(
		"SELECT COALESCE(MAX(sequence_number), -1) + 1 FROM operation_events WHERE operation_id = ?",
		operationID).Scan(&next); err != nil {
		return err
	}
	var data any
	if eventData != nil {
		data = *eventData
	}
	_, err := tx.Exec(
		`INSERT INTO operation_events (operation_id, event_type, event_data, sequence_number, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		operationID, eventType, data, next, time.Now().UTC().Unix())
	return err
}

// OperationEvents returns all events for an operation in sequence order.
func (p *Pool) OperationEvents(ctx context.Context, operationID string) ([]OperationEventRow, error) {
	rows, err := p.Query(ctx,
		`SELECT id, operation_id, event_type, event_data, sequence_number, created_at
		 FROM operation_events WHERE operation_id = ? ORDER BY sequence_number ASC`,
		operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OperationEventRow
	for rows.Next() {
		var ev OperationEventRow
		if err := rows.Scan(&ev.ID, &ev.OperationID, &ev.EventType, &ev.EventData, &ev.SequenceNumber, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// IncrementDelegateCalls bumps the delegation counter.
func (p *Pool) IncrementDelegateCalls(ctx context.Context, operationID string) error {
	_, err := p.Exec(ctx,
		"UPDATE operations SET delegate_calls = delegate_calls + 1 WHERE id = ?", operationID)
	return err
}

// RecoverStaleOperations fails any operation left non-terminal by a crash.
// Called once at startup.
func (p *Pool) RecoverStaleOperations(ctx context.Context) (int, error) {
	res, err := p.Exec(ctx,
		`UPDATE operations SET status = 'failed', error = 'recovered after restart', completed_at = ?
		 WHERE status NOT IN ('completed', 'failed')`,
		time.Now().UTC().Unix())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// StoreArtifact inserts an artifact. A repeated name within the same
// operation gets the next version.
func (p *Pool) StoreArtifact(ctx context.Context, a *ArtifactRow) error {
	if a.CreatedAt == 0 {
		a.CreatedAt = time.Now().UTC().Unix()
	}
	return p.WithTx(ctx, func(tx *Tx) error {
		var version int
		if err := tx.QueryRow(
			"SELECT COALESCE(MAX(version), 0) + 1 FROM artifacts WHERE operation_id = ? AND name = ?",
			a.OperationID, a.Name).Scan(&version); err != nil {
			return err
		}
		a.Version = version
		_, err := tx.Exec(
			`INSERT INTO artifacts (id, operation_id, kind, name, version, content, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.OperationID, a.Kind, a.Name, a.Version, a.Content, a.CreatedAt)
		return err
	})
}

// ArtifactsForOperation returns an operation's artifacts in creation order.
func (p *Pool) ArtifactsForOperation(ctx context.Context, operationID string) ([]ArtifactRow, error) {
	rows, err := p.Query(ctx,
		`SELECT id, operation_id, kind, name, version, content, created_at
		 FROM artifacts WHERE operation_id = ? ORDER BY created_at ASC, version ASC`,
		operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArtifactRow
	for rows.Next() {
		var a ArtifactRow
		if err := rows.Scan(&a.ID, &a.OperationID, &a.Kind, &a.Name, &a.Version, &a.Content, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
