package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/ConaryLabs/mira/internal/observability"
)

// OpenAIClient adapts any OpenAI-compatible chat completions endpoint to
// the Provider surface.
type OpenAIClient struct {
	sdk   sdk.Client
	model string
}

// NewOpenAIClient builds a client. baseURL may point at a self-hosted
// compatible server; empty means the OpenAI cloud default.
func NewOpenAIClient(baseURL, apiKey, model string) *OpenAIClient {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{sdk: sdk.NewClient(opts...), model: model}
}

func (c *OpenAIClient) Chat(ctx context.Context, msgs []Message, system string) (Message, error) {
	return c.ChatWithTools(ctx, msgs, system, nil)
}

func (c *OpenAIClient) ChatWithTools(ctx context.Context, msgs []Message, system string, tools []ToolSchema) (Message, error) {
	log := observability.LoggerWithTrace(ctx)

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(c.model),
		Messages: adaptOpenAIMessages(system, msgs),
	}
	if len(tools) > 0 {
		params.Tools = adaptOpenAISchemas(tools)
	}

	start := time.Now()
	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		log.Error().Err(err).Str("model", c.model).Dur("duration", time.Since(start)).Msg("chat_completion_error")
		return Message{}, classifyOpenAIError(ctx, err)
	}
	log.Debug().Str("model", c.model).
		Int("prompt_tokens", int(comp.Usage.PromptTokens)).
		Int("completion_tokens", int(comp.Usage.CompletionTokens)).
		Dur("duration", time.Since(start)).
		Msg("chat_completion_ok")

	out := Message{Role: "assistant"}
	if len(comp.Choices) > 0 {
		msg := comp.Choices[0].Message
		out.Content = msg.Content
		for _, tc := range msg.ToolCalls {
			if fn, ok := tc.AsAny().(sdk.ChatCompletionMessageFunctionToolCall); ok {
				out.ToolCalls = append(out.ToolCalls, ToolCall{
					Name: fn.Function.Name,
					Args: json.RawMessage(fn.Function.Arguments),
					ID:   fn.ID,
				})
			}
		}
	}
	return out, nil
}

func (c *OpenAIClient) ChatStream(ctx context.Context, msgs []Message, system string, tools []ToolSchema, h StreamHandler) error {
	log := observability.LoggerWithTrace(ctx)

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(c.model),
		Messages: adaptOpenAIMessages(system, msgs),
	}
	if len(tools) > 0 {
		params.Tools = adaptOpenAISchemas(tools)
	}

	stream := c.sdk.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	// Tool calls arrive in fragments keyed by the API-provided index.
	toolCalls := make(map[int]*ToolCall)
	var argBuffers = make(map[int]*strings.Builder)
	maxIdx := -1

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			h.OnDelta(delta.Content)
		}
		for _, tc := range delta.ToolCalls {
			idx := int(tc.Index)
			if toolCalls[idx] == nil {
				toolCalls[idx] = &ToolCall{ID: tc.ID}
				argBuffers[idx] = &strings.Builder{}
			}
			if idx > maxIdx {
				maxIdx = idx
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				argBuffers[idx].WriteString(tc.Function.Arguments)
			}
		}
	}
	if err := stream.Err(); err != nil {
		log.Error().Err(err).Str("model", c.model).Msg("chat_stream_error")
		return classifyOpenAIError(ctx, err)
	}

	// The provider signals completion by ending the stream; flush the
	// accumulated calls in index order.
	for idx := 0; idx <= maxIdx; idx++ {
		tc := toolCalls[idx]
		if tc == nil || tc.Name == "" {
			continue
		}
		tc.Args = json.RawMessage(argBuffers[idx].String())
		h.OnToolCall(*tc)
	}
	return nil
}

func adaptOpenAIMessages(system string, msgs []Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, sdk.SystemMessage(system))
	}
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))
		case "assistant":
			out = append(out, sdk.AssistantMessage(nonEmpty(m.Content)))
		case "tool":
			out = append(out, sdk.ToolMessage(m.Content, m.ToolID))
		default:
			out = append(out, sdk.UserMessage(nonEmpty(m.Content)))
		}
	}
	return out
}

func adaptOpenAISchemas(schemas []ToolSchema) []sdk.ChatCompletionToolUnionParam {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, sdk.ChatCompletionFunctionTool(sdk.FunctionDefinitionParam{
			Name:        s.Name,
			Description: sdk.String(s.Description),
			Parameters:  s.Parameters,
		}))
	}
	return out
}

// nonEmpty guards against templates that reject empty message content.
func nonEmpty(s string) string {
	if s == "" {
		return " "
	}
	return s
}

func classifyOpenAIError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "429"):
		return ErrRateLimited
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "502"), strings.Contains(msg, "503"), strings.Contains(msg, "500"):
		return ErrUnavailable
	}
	return err
}
