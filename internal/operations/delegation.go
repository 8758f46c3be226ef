package operations

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ConaryLabs/mira/internal/llm"
	"github.com/ConaryLabs/mira/internal/llm/router"
	"github.com/ConaryLabs/mira/internal/memory"
	"github.com/ConaryLabs/mira/internal/observability"
)

// Delegation routes queued tool calls to the tier best suited for them.
// A failing tool returns a structured failure payload instead of an error,
// which keeps the primary model's loop alive so it can recover.
type Delegation struct {
	router  *router.Router
	service *memory.Service
}

func NewDelegation(r *router.Router, service *memory.Service) *Delegation {
	return &Delegation{router: r, service: service}
}

// DelegationTools lists the tool schemas offered to the primary model
// beyond create_artifact.
func DelegationTools() []llm.ToolSchema {
	return []llm.ToolSchema{
		{
			Name:        "search_codebase",
			Description: "Semantic search over the indexed code of the current project.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "What to look for"},
					"limit": map[string]any{"type": "integer", "description": "Maximum results"},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "search_memory",
			Description: "Search stored facts and prior conversation memory.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
					"limit": map[string]any{"type": "integer"},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "remember_fact",
			Description: "Persist a durable fact about the user or project.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"key":   map[string]any{"type": "string"},
					"value": map[string]any{"type": "string"},
				},
				"required": []string{"key", "value"},
			},
		},
		{
			Name:        "generate_code",
			Description: "Delegate focused code generation to the fast code model.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"instruction": map[string]any{"type": "string"},
					"language":    map[string]any{"type": "string"},
				},
				"required": []string{"instruction"},
			},
		},
	}
}

// CreateArtifactTool is the schema for the inline artifact tool.
func CreateArtifactTool() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        "create_artifact",
		Description: "Materialise a typed artifact (code, image, log, note, markdown).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"kind":    map[string]any{"type": "string", "enum": []string{"code", "image", "log", "note", "markdown"}},
				"name":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
			"required": []string{"name", "content"},
		},
	}
}

// Execute runs one delegated tool call and returns its JSON result. It
// never returns an error for tool-level failures; those come back as
// {"success": false, "error": ...}.
func (d *Delegation) Execute(ctx context.Context, projectID *int64, call llm.ToolCall) map[string]any {
	log := observability.LoggerWithTrace(ctx)

	result, err := d.execute(ctx, projectID, call)
	if err != nil {
		log.Warn().Err(err).Str("tool", call.Name).Msg("delegated_tool_failed")
		return map[string]any{"success": false, "error": err.Error()}
	}
	return result
}

func (d *Delegation) execute(ctx context.Context, projectID *int64, call llm.ToolCall) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch call.Name {
	case "search_codebase":
		return d.searchCodebase(ctx, call.Args)
	case "search_memory":
		return d.searchMemory(ctx, projectID, call.Args)
	case "remember_fact":
		return d.rememberFact(ctx, projectID, call.Args)
	case "generate_code":
		return d.generateCode(ctx, call.Args)
	}
	return nil, fmt.Errorf("unknown tool %q", call.Name)
}

func (d *Delegation) searchCodebase(ctx context.Context, args json.RawMessage) (map[string]any, error) {
	var params struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("parse search_codebase args: %w", err)
	}
	if params.Limit <= 0 {
		params.Limit = 10
	}
	hits, err := d.service.SearchCode(ctx, params.Query, params.Limit)
	if err != nil {
		return nil, err
	}
	results := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		results = append(results, map[string]any{
			"id":      h.ID,
			"kind":    h.Kind,
			"snippet": h.Content,
			"score":   h.Score,
		})
	}
	return map[string]any{"success": true, "results": results}, nil
}

func (d *Delegation) searchMemory(ctx context.Context, projectID *int64, args json.RawMessage) (map[string]any, error) {
	var params struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("parse search_memory args: %w", err)
	}
	if params.Limit <= 0 {
		params.Limit = 10
	}
	facts, err := d.service.Pool().SearchMemoryFacts(ctx, projectID, params.Query, params.Limit)
	if err != nil {
		return nil, err
	}
	results := make([]map[string]string, 0, len(facts))
	for _, f := range facts {
		results = append(results, map[string]string{"key": f[0], "value": f[1]})
	}
	return map[string]any{"success": true, "results": results}, nil
}

func (d *Delegation) rememberFact(ctx context.Context, projectID *int64, args json.RawMessage) (map[string]any, error) {
	var params struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("parse remember_fact args: %w", err)
	}
	if params.Key == "" || params.Value == "" {
		return nil, fmt.Errorf("remember_fact requires key and value")
	}
	id, err := d.service.Pool().StoreMemoryFact(ctx, projectID, params.Key, params.Value, "general", 5.0)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "fact_id": id}, nil
}

func (d *Delegation) generateCode(ctx context.Context, args json.RawMessage) (map[string]any, error) {
	var params struct {
		Instruction string `json:"instruction"`
		Language    string `json:"language"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("parse generate_code args: %w", err)
	}

	system := "You are a focused code generator. Return only the requested code."
	prompt := params.Instruction
	if params.Language != "" {
		prompt = fmt.Sprintf("Language: %s\n\n%s", params.Language, prompt)
	}

	var reply llm.Message
	err := d.router.RouteWithFallback(ctx, router.TaskCode, func(_ router.Tier, p llm.Provider) error {
		msg, chatErr := p.Chat(ctx, []llm.Message{llm.UserMessage(prompt)}, system)
		if chatErr != nil {
			return chatErr
		}
		reply = msg
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := map[string]any{"success": true, "code": reply.Content}
	if params.Language != "" {
		out["artifact"] = map[string]any{
			"kind":    "code",
			"name":    "generated." + params.Language,
			"content": reply.Content,
		}
	}
	return out, nil
}

// DelegateTarget names the tier a tool call lands on, for Delegated events.
func (d *Delegation) DelegateTarget(call llm.ToolCall) string {
	if call.Name == "generate_code" {
		return string(d.router.TierFor(router.TaskCode))
	}
	return "memory"
}
