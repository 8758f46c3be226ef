package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ConaryLabs/mira/internal/observability"
)

const anthropicMaxTokens = 8192

// AnthropicClient adapts the Anthropic Messages API to the Provider surface.
type AnthropicClient struct {
	sdk   anthropic.Client
	model string
}

func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = string(anthropic.ModelClaude3_7SonnetLatest)
	}
	return &AnthropicClient{sdk: anthropic.NewClient(opts...), model: model}
}

func (c *AnthropicClient) Chat(ctx context.Context, msgs []Message, system string) (Message, error) {
	return c.ChatWithTools(ctx, msgs, system, nil)
}

func (c *AnthropicClient) ChatWithTools(ctx context.Context, msgs []Message, system string, tools []ToolSchema) (Message, error) {
	log := observability.LoggerWithTrace(ctx)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: anthropicMaxTokens,
		Messages:  adaptAnthropicMessages(msgs),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = adaptAnthropicTools(tools)
	}

	start := time.Now()
	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		log.Error().Err(err).Str("model", c.model).Dur("duration", time.Since(start)).Msg("anthropic_message_error")
		return Message{}, classifyAnthropicError(ctx, err)
	}
	log.Debug().Str("model", c.model).
		Int("input_tokens", int(resp.Usage.InputTokens)).
		Int("output_tokens", int(resp.Usage.OutputTokens)).
		Dur("duration", time.Since(start)).
		Msg("anthropic_message_ok")

	out := Message{Role: "assistant"}
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Content += b.Text
		case anthropic.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				Name: b.Name,
				Args: json.RawMessage(b.Input),
				ID:   b.ID,
			})
		}
	}
	return out, nil
}

func (c *AnthropicClient) ChatStream(ctx context.Context, msgs []Message, system string, tools []ToolSchema, h StreamHandler) error {
	log := observability.LoggerWithTrace(ctx)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: anthropicMaxTokens,
		Messages:  adaptAnthropicMessages(msgs),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = adaptAnthropicTools(tools)
	}

	stream := c.sdk.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var (
		toolID   string
		toolName string
		toolArgs strings.Builder
	)
	flushTool := func() {
		if toolName == "" {
			return
		}
		h.OnToolCall(ToolCall{Name: toolName, Args: json.RawMessage(toolArgs.String()), ID: toolID})
		toolID, toolName = "", ""
		toolArgs.Reset()
	}

	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if block, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				flushTool()
				toolID = block.ID
				toolName = block.Name
			}
		case anthropic.ContentBlockDeltaEvent:
			switch d := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				h.OnDelta(d.Text)
			case anthropic.InputJSONDelta:
				toolArgs.WriteString(d.PartialJSON)
			}
		case anthropic.ContentBlockStopEvent:
			flushTool()
		}
	}
	if err := stream.Err(); err != nil {
		log.Error().Err(err).Str("model", c.model).Msg("anthropic_stream_error")
		return classifyAnthropicError(ctx, err)
	}
	flushTool()
	return nil
}

func adaptAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "assistant":
			blocks := []anthropic.ContentBlockParamUnion{}
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				_ = json.Unmarshal(tc.Args, &input)
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case "tool":
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolID, m.Content, false)))
		case "system":
			// System turns travel via MessageNewParams.System; skip here.
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out
}

func adaptAnthropicTools(tools []ToolSchema) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var properties any
		if v, ok := t.Parameters["properties"]; ok {
			properties = v
		}
		var required []string
		if v, ok := t.Parameters["required"].([]string); ok {
			required = v
		}
		param := anthropic.ToolParam{
			Name: t.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: properties,
				Required:   required,
			},
		}
		if t.Description != "" {
			param.Description = anthropic.String(t.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

func classifyAnthropicError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "429"):
		return ErrRateLimited
	case strings.Contains(msg, "overloaded"), strings.Contains(msg, "529"), strings.Contains(msg, "503"):
		return ErrUnavailable
	}
	return err
}
