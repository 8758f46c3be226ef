package operations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ConaryLabs/mira/internal/llm"
	"github.com/ConaryLabs/mira/internal/llm/router"
	"github.com/ConaryLabs/mira/internal/markdown"
	"github.com/ConaryLabs/mira/internal/memory"
	"github.com/ConaryLabs/mira/internal/observability"
	"github.com/ConaryLabs/mira/internal/recall"
)

// maxIterationsWarning is appended to the result when the tool loop hits
// its round-trip bound.
const maxIterationsWarning = "\n\n[MaxIterationsReached: tool loop stopped at the iteration bound]"

// Orchestrator drives one operation end to end: recall, streaming provider
// call, tool loop, delegation, artifacts, completion.
type Orchestrator struct {
	lifecycle  *Lifecycle
	delegation *Delegation
	artifacts  *Artifacts
	builder    *ContextBuilder
	router     *router.Router
	pipeline   *recall.Pipeline
	service    *memory.Service
	tracer     *observability.Tracer

	maxIterations int
}

func NewOrchestrator(
	lifecycle *Lifecycle,
	delegation *Delegation,
	artifacts *Artifacts,
	builder *ContextBuilder,
	r *router.Router,
	pipeline *recall.Pipeline,
	service *memory.Service,
	maxIterations int,
) *Orchestrator {
	if maxIterations <= 0 {
		maxIterations = 10
	}
	return &Orchestrator{
		lifecycle:     lifecycle,
		delegation:    delegation,
		artifacts:     artifacts,
		builder:       builder,
		router:        r,
		pipeline:      pipeline,
		service:       service,
		tracer:        observability.NewTracer("operations"),
		maxIterations: maxIterations,
	}
}

// RunOperation executes the operation and guarantees that any error path
// produces exactly one Failed transition before the error propagates.
// Cancellation arrives through ctx and is reported as "cancelled".
func (o *Orchestrator) RunOperation(ctx context.Context, operationID, sessionID, userContent string, projectID *int64, sink Sink) error {
	ctx, done := o.tracer.Start(ctx, "run_operation", map[string]any{
		"operation_id": operationID,
		"session_id":   sessionID,
	})

	err := o.runInner(ctx, operationID, sessionID, userContent, projectID, sink)
	done(err)
	if err == nil {
		return nil
	}

	reason := err.Error()
	switch {
	case errors.Is(err, context.Canceled):
		reason = "cancelled"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, llm.ErrTimeout):
		reason = "timeout"
	}
	if failErr := o.lifecycle.Fail(operationID, reason, sink); failErr != nil {
		observability.LoggerWithTrace(ctx).Error().Err(failErr).
			Str("operation_id", operationID).Msg("fail_transition_error")
	}
	return err
}

func (o *Orchestrator) runInner(ctx context.Context, operationID, sessionID, userContent string, projectID *int64, sink Sink) error {
	log := observability.LoggerWithTrace(ctx)

	if err := ctx.Err(); err != nil {
		return err
	}

	// 1. Persist the user turn.
	if _, err := o.service.SaveUserMessage(ctx, sessionID, userContent, projectID); err != nil {
		return fmt.Errorf("store user message: %w", err)
	}

	// 2. Recall.
	rc, err := o.pipeline.BuildContext(ctx, sessionID, userContent)
	if err != nil {
		return fmt.Errorf("build recall context: %w", err)
	}

	// 3. Project file tree and code intelligence.
	fileTree := o.builder.LoadFileTree(ctx, projectID)
	var codeHits []memory.SearchHit
	if projectID != nil {
		codeHits, err = o.service.SearchCode(ctx, userContent, 10)
		if err != nil {
			log.Warn().Err(err).Msg("code_context_failed")
			codeHits = nil
		}
	}

	// 4. Compose the system prompt.
	systemPrompt := o.builder.BuildSystemPrompt(ctx, projectID, rc, codeHits, fileTree)

	if err := o.lifecycle.Start(ctx, operationID, sink); err != nil {
		return err
	}

	// 5. Route and run the tool loop.
	tools := append(DelegationTools(), CreateArtifactTool())
	_, provider := o.router.Infer(ctx, userContent, projectID != nil)
	if provider == nil {
		return errors.New("no provider available")
	}

	msgs := []llm.Message{llm.UserMessage(userContent)}
	var accumulated string
	delegatedOnce := false

	for iteration := 0; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		text, toolCalls, err := o.streamOnce(ctx, operationID, provider, msgs, systemPrompt, tools, sink)
		if err != nil {
			return err
		}
		accumulated += text

		if len(toolCalls) == 0 {
			break
		}

		if iteration+1 >= o.maxIterations {
			log.Warn().Int("iterations", iteration+1).Str("operation_id", operationID).Msg("max_iterations_reached")
			accumulated += maxIterationsWarning
			break
		}

		assistant := llm.AssistantMessage(text)
		assistant.ToolCalls = toolCalls
		msgs = append(msgs, assistant)

		// 6-7. Inline artifacts, then delegate the rest.
		if !delegatedOnce && hasDelegatedCall(toolCalls) {
			if err := o.lifecycle.UpdateStatus(ctx, operationID, StatusDelegating, sink); err != nil {
				return err
			}
			delegatedOnce = true
		}

		for _, call := range toolCalls {
			if err := ctx.Err(); err != nil {
				return err
			}
			result, err := o.dispatchTool(ctx, operationID, projectID, call, sink)
			if err != nil {
				return err
			}
			msgs = append(msgs, llm.ToolResult(call.ID, result))
		}

		if delegatedOnce {
			if err := o.lifecycle.UpdateStatus(ctx, operationID, StatusGenerating, sink); err != nil {
				return err
			}
		}
	}

	// 8. Complete with everything the operation produced.
	artifacts, err := o.artifacts.ForOperation(ctx, operationID)
	if err != nil {
		return err
	}
	return o.lifecycle.Complete(ctx, operationID, sessionID, accumulated, artifacts, sink)
}

// streamOnce runs one streaming provider round-trip, feeding deltas through
// the markdown parser and forwarding text to the sink.
func (o *Orchestrator) streamOnce(ctx context.Context, operationID string, provider llm.Provider, msgs []llm.Message, system string, tools []llm.ToolSchema, sink Sink) (string, []llm.ToolCall, error) {
	parser := markdown.NewStreamParser()
	handler := &streamBridge{
		ctx:         ctx,
		operationID: operationID,
		parser:      parser,
		sink:        sink,
	}

	if err := provider.ChatStream(ctx, msgs, system, tools, handler); err != nil {
		return "", nil, err
	}
	handler.flush()

	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	return handler.accumulated.String(), handler.toolCalls, nil
}

// dispatchTool executes one tool call: create_artifact inline, anything
// else through the delegation handler.
func (o *Orchestrator) dispatchTool(ctx context.Context, operationID string, projectID *int64, call llm.ToolCall, sink Sink) (string, error) {
	log := observability.LoggerWithTrace(ctx)

	if call.Name == "create_artifact" {
		artifact, err := o.artifacts.Create(ctx, operationID, call.Args, sink)
		if err != nil {
			// Artifact failures are recoverable from the model's side.
			log.Warn().Err(err).Msg("artifact_create_failed")
			payload, _ := json.Marshal(map[string]any{"success": false, "error": err.Error()})
			return string(payload), nil
		}
		payload, _ := json.Marshal(map[string]any{"success": true, "artifact_id": artifact.ID, "version": artifact.Version})
		return string(payload), nil
	}

	target := o.delegation.DelegateTarget(call)
	o.lifecycle.RecordEvent(ctx, operationID, "delegated", map[string]any{
		"delegated_to": target,
		"reason":       "Tool call: " + call.Name,
	})
	emit(ctx, sink, Delegated{ID: operationID, DelegatedTo: target, Reason: "Tool call: " + call.Name})

	result := o.delegation.Execute(ctx, projectID, call)

	// Delegated handlers may hand back artifacts of their own.
	if raw, ok := result["artifact"]; ok {
		if artifactJSON, err := json.Marshal(raw); err == nil {
			if _, err := o.artifacts.Create(ctx, operationID, artifactJSON, sink); err != nil {
				log.Warn().Err(err).Msg("delegated_artifact_failed")
			}
		}
		delete(result, "artifact")
	}

	success, _ := result["success"].(bool)
	summary := "ok"
	if !success {
		if errMsg, ok := result["error"].(string); ok {
			summary = errMsg
		}
	}
	o.lifecycle.RecordEvent(ctx, operationID, "tool_executed", map[string]any{
		"tool_name": call.Name,
		"success":   success,
		"summary":   summary,
	})
	emit(ctx, sink, ToolExecuted{
		ID:       operationID,
		ToolName: call.Name,
		ToolType: target,
		Summary:  summary,
		Success:  success,
	})

	payload, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func hasDelegatedCall(calls []llm.ToolCall) bool {
	for _, c := range calls {
		if c.Name != "create_artifact" {
			return true
		}
	}
	return false
}

// streamBridge adapts the provider stream to parser events and the sink.
// The accumulator reassembles the visible text, fences included, so the
// persisted result matches what streamed.
type streamBridge struct {
	ctx         context.Context
	operationID string
	parser      *markdown.StreamParser
	sink        Sink

	accumulated strings.Builder
	toolCalls   []llm.ToolCall
}

func (b *streamBridge) OnDelta(content string) {
	for _, ev := range b.parser.Feed(content) {
		b.handleEvent(ev)
	}
}

func (b *streamBridge) OnToolCall(tc llm.ToolCall) {
	b.toolCalls = append(b.toolCalls, tc)
}

func (b *streamBridge) flush() {
	for _, ev := range b.parser.Flush() {
		b.handleEvent(ev)
	}
}

func (b *streamBridge) handleEvent(ev markdown.Event) {
	switch ev.Type {
	case markdown.EventTextDelta:
		b.accumulated.WriteString(ev.Delta)
		emit(b.ctx, b.sink, Streaming{ID: b.operationID, Content: ev.Delta})
	case markdown.EventCodeBlockStart:
		opening := "```" + ev.Language + "\n"
		b.accumulated.WriteString(opening)
		emit(b.ctx, b.sink, Streaming{ID: b.operationID, Content: opening})
	case markdown.EventCodeBlockDelta:
		b.accumulated.WriteString(ev.Delta)
		emit(b.ctx, b.sink, Streaming{ID: b.operationID, Content: ev.Delta})
	case markdown.EventCodeBlockEnd:
		b.accumulated.WriteString("```")
		emit(b.ctx, b.sink, Streaming{ID: b.operationID, Content: "```"})
	}
}
