package operations

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ConaryLabs/mira/internal/memory"
	"github.com/ConaryLabs/mira/internal/observability"
	"github.com/ConaryLabs/mira/internal/persistence"
)

// Lifecycle owns operation row transitions. Every transition writes the
// row update and the audit event in the same immediate transaction, then
// mirrors the change onto the sink.
type Lifecycle struct {
	pool    *persistence.Pool
	service *memory.Service
}

func NewLifecycle(pool *persistence.Pool, service *memory.Service) *Lifecycle {
	return &Lifecycle{pool: pool, service: service}
}

// Create inserts a pending operation row.
func (l *Lifecycle) Create(ctx context.Context, operationID, sessionID, kind, userMessage string) error {
	return l.pool.CreateOperation(ctx, operationID, sessionID, kind, userMessage)
}

// Start moves pending -> planning and announces the operation.
func (l *Lifecycle) Start(ctx context.Context, operationID string, sink Sink) error {
	data := statusChangeData(StatusPending, StatusPlanning)
	old, err := l.pool.TransitionOperation(ctx, operationID, StatusPlanning, "status_change", &data,
		"started_at = ?", time.Now().UTC().Unix())
	if err != nil {
		return err
	}

	emit(ctx, sink, Started{ID: operationID})
	emit(ctx, sink, StatusChanged{ID: operationID, Old: old, New: StatusPlanning})
	return nil
}

// UpdateStatus moves to an intermediate status.
func (l *Lifecycle) UpdateStatus(ctx context.Context, operationID, newStatus string, sink Sink) error {
	data := statusChangeData("", newStatus)
	old, err := l.pool.TransitionOperation(ctx, operationID, newStatus, "status_change", &data, "")
	if err != nil {
		return err
	}
	emit(ctx, sink, StatusChanged{ID: operationID, Old: old, New: newStatus})
	return nil
}

// Complete finishes the operation, stores the assistant reply in memory
// and emits the terminal events.
func (l *Lifecycle) Complete(ctx context.Context, operationID, sessionID, result string, artifacts []Artifact, sink Sink) error {
	log := observability.LoggerWithTrace(ctx)

	data, _ := json.Marshal(map[string]any{"new_status": StatusCompleted, "result": result})
	dataStr := string(data)
	old, err := l.pool.TransitionOperation(ctx, operationID, StatusCompleted, "completed", &dataStr,
		"completed_at = ?, result = ?", time.Now().UTC().Unix(), result)
	if err != nil {
		return err
	}

	if result != "" && l.service != nil {
		op, lookupErr := l.pool.GetOperation(ctx, operationID)
		var projectID *int64
		if lookupErr == nil && op != nil {
			if sess, _ := l.pool.GetSession(ctx, op.SessionID); sess != nil && sess.ProjectID.Valid {
				projectID = &sess.ProjectID.Int64
			}
		}
		if _, err := l.service.SaveAssistantMessage(ctx, sessionID, result, projectID); err != nil {
			log.Warn().Err(err).Str("operation_id", operationID).Msg("assistant_message_store_failed")
		}
	}

	emit(ctx, sink, StatusChanged{ID: operationID, Old: old, New: StatusCompleted})
	emit(ctx, sink, Completed{ID: operationID, Result: result, Artifacts: artifacts})
	return nil
}

// Fail marks the operation failed and emits exactly one Failed event. It
// uses a detached context so a cancelled operation still records and
// reports its failure.
func (l *Lifecycle) Fail(operationID, errMsg string, sink Sink) error {
	ctx := context.Background()

	// Cancellation racing a finished operation is a no-op.
	if op, err := l.pool.GetOperation(ctx, operationID); err == nil && op != nil {
		if op.Status == StatusCompleted || op.Status == StatusFailed {
			return nil
		}
	}

	data, _ := json.Marshal(map[string]any{"error": errMsg, "new_status": StatusFailed})
	dataStr := string(data)
	old, err := l.pool.TransitionOperation(ctx, operationID, StatusFailed, "error", &dataStr,
		"completed_at = ?, error = ?", time.Now().UTC().Unix(), errMsg)
	if err != nil {
		return err
	}

	emit(ctx, sink, StatusChanged{ID: operationID, Old: old, New: StatusFailed})
	emit(ctx, sink, Failed{ID: operationID, Error: errMsg})
	return nil
}

// RecordEvent appends a non-transition audit event (tool execution,
// delegation, artifact creation).
func (l *Lifecycle) RecordEvent(ctx context.Context, operationID, eventType string, payload any) {
	var data *string
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			s := string(b)
			data = &s
		}
	}
	if err := l.pool.AppendOperationEvent(ctx, operationID, eventType, data); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).
			Str("operation_id", operationID).Str("event_type", eventType).
			Msg("operation_event_append_failed")
	}
}

func statusChangeData(old, new string) string {
	b, _ := json.Marshal(map[string]string{"old_status": old, "new_status": new})
	return string(b)
}
