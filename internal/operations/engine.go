package operations

import (
	"context"

	"github.com/google/uuid"

	"github.com/ConaryLabs/mira/internal/observability"
	"github.com/ConaryLabs/mira/internal/persistence"
)

// Engine is the public boundary: it opens operations and hands them to the
// orchestrator. Cancellation propagates from the caller's ctx through every
// internal call.
type Engine struct {
	pool         *persistence.Pool
	lifecycle    *Lifecycle
	orchestrator *Orchestrator
}

func NewEngine(pool *persistence.Pool, lifecycle *Lifecycle, orchestrator *Orchestrator) *Engine {
	return &Engine{pool: pool, lifecycle: lifecycle, orchestrator: orchestrator}
}

// Recover fails any operation a previous process left running.
func (e *Engine) Recover(ctx context.Context) error {
	n, err := e.pool.RecoverStaleOperations(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		observability.LoggerWithTrace(ctx).Warn().Int("operations", n).Msg("stale_operations_recovered")
	}
	return nil
}

// Execute opens a new operation for one user turn and runs it to a
// terminal state. The returned id is valid even when the run fails.
func (e *Engine) Execute(ctx context.Context, sessionID, userContent string, projectID *int64, sink Sink) (string, error) {
	operationID := uuid.NewString()
	if err := e.pool.TouchSession(ctx, sessionID, projectID, ""); err != nil {
		return "", err
	}
	if err := e.lifecycle.Create(ctx, operationID, sessionID, "chat", userContent); err != nil {
		return "", err
	}

	// Behavior log feeds the pattern miner.
	if _, err := e.pool.AppendBehaviorEvent(ctx, sessionID, projectID, "operation_started", ""); err != nil {
		observability.LoggerWithTrace(ctx).Debug().Err(err).Msg("behavior_log_failed")
	}

	err := e.orchestrator.RunOperation(ctx, operationID, sessionID, userContent, projectID, sink)
	return operationID, err
}

// RunExisting resumes a pre-created operation row (used by transports that
// allocate ids up front).
func (e *Engine) RunExisting(ctx context.Context, operationID, sessionID, userContent string, projectID *int64, sink Sink) error {
	return e.orchestrator.RunOperation(ctx, operationID, sessionID, userContent, projectID, sink)
}

// NewOperationID mints an operation id.
func NewOperationID() string { return uuid.NewString() }
