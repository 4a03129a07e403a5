package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const defaultAnthropicModel = anthropicsdk.ModelClaudeSonnet4_5_20250929

// AnthropicConfig wires an anthropic-sdk-go client into the Model interface.
type AnthropicConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	MaxTokens      int
	MaxRetries     int
	System         string
	Temperature    *float64
	ThinkingBudget int // extended thinking tokens; applied to tool-free requests only
	HTTPClient     *http.Client
}

type anthropicMessages interface {
	New(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error)
	NewStreaming(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[anthropicsdk.MessageStreamEventUnion]
}

type anthropicModel struct {
	msgs           anthropicMessages
	model          anthropicsdk.Model
	maxTokens      int
	maxRetries     int
	system         string
	temperature    *float64
	thinkingBudget int
}

// NewAnthropic constructs an Anthropic-backed Model.
func NewAnthropic(cfg AnthropicConfig) (Model, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: api key required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	client := anthropicsdk.NewClient(opts...)

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &anthropicModel{
		msgs:           &client.Messages,
		model:          anthropicModelName(cfg.Model),
		maxTokens:      maxTokens,
		maxRetries:     max(cfg.MaxRetries, 0),
		system:         strings.TrimSpace(cfg.System),
		temperature:    cfg.Temperature,
		thinkingBudget: cfg.ThinkingBudget,
	}, nil
}

func (m *anthropicModel) Name() string { return string(m.model) }

// Complete issues a non-streaming completion.
func (m *anthropicModel) Complete(ctx context.Context, req Request) (*Response, error) {
	params, err := m.buildParams(req)
	if err != nil {
		return nil, err
	}
	var resp *Response
	err = withRetry(ctx, m.maxRetries, isRetryableAnthropic, func(ctx context.Context) error {
		msg, err := m.msgs.New(ctx, params)
		if err != nil {
			return err
		}
		resp = &Response{
			Message:    messageFromAnthropic(*msg),
			Usage:      usageFromAnthropic(msg.Usage),
			StopReason: string(msg.StopReason),
		}
		return nil
	})
	return resp, err
}

// CompleteStream forwards text and thinking deltas, completed tool calls and
// the final aggregate to cb. Retries only happen before the first callback.
func (m *anthropicModel) CompleteStream(ctx context.Context, req Request, cb StreamHandler) error {
	if cb == nil {
		return errors.New("stream callback required")
	}
	params, err := m.buildParams(req)
	if err != nil {
		return err
	}

	return withRetry(ctx, m.maxRetries, isRetryableAnthropic, func(ctx context.Context) error {
		stream := m.msgs.NewStreaming(ctx, params)
		if stream == nil {
			return errors.New("anthropic stream not available")
		}
		defer stream.Close()

		var (
			final   anthropicsdk.Message
			usage   Usage
			emitted bool
		)
		emit := func(sr StreamResult) error {
			emitted = true
			if err := cb(sr); err != nil {
				return permanent(err)
			}
			return nil
		}

		for stream.Next() {
			event := stream.Current()
			if err := final.Accumulate(event); err != nil {
				return permanent(fmt.Errorf("accumulate stream: %w", err))
			}

			switch ev := event.AsAny().(type) {
			case anthropicsdk.ContentBlockDeltaEvent:
				switch ev.Delta.Type {
				case "text_delta":
					if ev.Delta.Text != "" {
						if err := emit(StreamResult{Delta: ev.Delta.Text}); err != nil {
							return err
						}
					}
				case "thinking_delta":
					if ev.Delta.Thinking != "" {
						if err := emit(StreamResult{Thinking: ev.Delta.Thinking}); err != nil {
							return err
						}
					}
				}
			case anthropicsdk.ContentBlockStopEvent:
				if len(final.Content) == 0 {
					continue
				}
				if call := toolCallFromBlock(final.Content[len(final.Content)-1]); call != nil {
					if err := emit(StreamResult{ToolCall: call}); err != nil {
						return err
					}
				}
			case anthropicsdk.MessageDeltaEvent:
				usage = Usage{
					InputTokens:         int(ev.Usage.InputTokens),
					OutputTokens:        int(ev.Usage.OutputTokens),
					CacheReadTokens:     int(ev.Usage.CacheReadInputTokens),
					CacheCreationTokens: int(ev.Usage.CacheCreationInputTokens),
				}
				usage.TotalTokens = usage.InputTokens + usage.OutputTokens
			}
		}
		if err := stream.Err(); err != nil {
			if emitted {
				return permanent(err)
			}
			return err
		}

		if usage.TotalTokens == 0 {
			usage = usageFromAnthropic(final.Usage)
		}
		resp := &Response{
			Message:    messageFromAnthropic(final),
			Usage:      usage,
			StopReason: string(final.StopReason),
		}
		return emit(StreamResult{Final: true, Response: resp})
	})
}

func (m *anthropicModel) buildParams(req Request) (anthropicsdk.MessageNewParams, error) {
	system, messages := anthropicMessagesFrom(req.Messages, m.system, req.System)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.maxTokens
	}
	params := anthropicsdk.MessageNewParams{
		Model:     m.model,
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if name := strings.TrimSpace(req.Model); name != "" {
		params.Model = anthropicModelName(name)
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req.Tools)
		if err != nil {
			return anthropicsdk.MessageNewParams{}, err
		}
		params.Tools = tools
	}

	// Extended thinking forbids custom temperature and needs thinking blocks
	// replayed alongside tool_use, so it only runs on tool-free turns.
	if m.thinkingBudget > 0 && len(req.Tools) == 0 {
		params.Thinking = anthropicsdk.ThinkingConfigParamOfEnabled(int64(m.thinkingBudget))
		if params.MaxTokens <= int64(m.thinkingBudget) {
			params.MaxTokens = int64(m.thinkingBudget) + int64(maxTokens)
		}
		return params, nil
	}
	if temp := firstNonNil(req.Temperature, m.temperature); temp != nil {
		params.Temperature = param.NewOpt(*temp)
	}
	return params, nil
}

func anthropicMessagesFrom(msgs []Message, defaults ...string) ([]anthropicsdk.TextBlockParam, []anthropicsdk.MessageParam) {
	var system []anthropicsdk.TextBlockParam
	addSystem := func(text string) {
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			system = append(system, anthropicsdk.TextBlockParam{Text: trimmed})
		}
	}
	for _, d := range defaults {
		addSystem(d)
	}

	out := make([]anthropicsdk.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		switch strings.ToLower(strings.TrimSpace(msg.Role)) {
		case "system":
			addSystem(msg.Content)
		case "assistant":
			out = append(out, anthropicsdk.MessageParam{
				Role:    anthropicsdk.MessageParamRoleAssistant,
				Content: assistantBlocks(msg),
			})
		case "tool":
			out = append(out, anthropicsdk.MessageParam{
				Role:    anthropicsdk.MessageParamRoleUser,
				Content: toolResultBlocks(msg),
			})
		default:
			out = append(out, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(nonEmpty(msg.Content))))
		}
	}
	if len(out) == 0 {
		out = append(out, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(".")))
	}
	return system, out
}

func assistantBlocks(msg Message) []anthropicsdk.ContentBlockParamUnion {
	blocks := make([]anthropicsdk.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
	if strings.TrimSpace(msg.Content) != "" {
		blocks = append(blocks, anthropicsdk.NewTextBlock(msg.Content))
	}
	for _, call := range msg.ToolCalls {
		if call.ID == "" || call.Name == "" {
			continue
		}
		args := call.Arguments
		if args == nil {
			args = map[string]any{}
		}
		blocks = append(blocks, anthropicsdk.NewToolUseBlock(call.ID, args, call.Name))
	}
	if len(blocks) == 0 {
		blocks = append(blocks, anthropicsdk.NewTextBlock("."))
	}
	return blocks
}

func toolResultBlocks(msg Message) []anthropicsdk.ContentBlockParamUnion {
	isError := toolContentIsError(msg.Content)
	blocks := make([]anthropicsdk.ContentBlockParamUnion, 0, len(msg.ToolCalls))
	for _, call := range msg.ToolCalls {
		if call.ID == "" {
			continue
		}
		blocks = append(blocks, anthropicsdk.NewToolResultBlock(call.ID, msg.Content, isError))
	}
	if len(blocks) == 0 {
		blocks = append(blocks, anthropicsdk.NewTextBlock(nonEmpty(msg.Content)))
	}
	return blocks
}

// toolContentIsError recognises the {"error": ...} envelope tool executors emit.
func toolContentIsError(content string) bool {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return false
	}
	switch v := payload["error"].(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return strings.TrimSpace(v) != ""
	default:
		return true
	}
}

func anthropicTools(defs []ToolDefinition) ([]anthropicsdk.ToolUnionParam, error) {
	out := make([]anthropicsdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		schema, err := anthropicSchema(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", name, err)
		}
		tool := anthropicsdk.ToolParam{Name: name, InputSchema: schema}
		if desc := strings.TrimSpace(def.Description); desc != "" {
			tool.Description = anthropicsdk.String(desc)
		}
		out = append(out, anthropicsdk.ToolUnionParam{OfTool: &tool})
	}
	return out, nil
}

func anthropicSchema(raw map[string]any) (anthropicsdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return anthropicsdk.ToolInputSchemaParam{Type: "object"}, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return anthropicsdk.ToolInputSchemaParam{}, err
	}
	var schema anthropicsdk.ToolInputSchemaParam
	if err := json.Unmarshal(data, &schema); err != nil {
		return anthropicsdk.ToolInputSchemaParam{}, err
	}
	if schema.Type == "" {
		schema.Type = "object"
	}
	return schema, nil
}

func messageFromAnthropic(msg anthropicsdk.Message) Message {
	var (
		text  strings.Builder
		calls []ToolCall
	)
	for _, block := range msg.Content {
		if call := toolCallFromBlock(block); call != nil {
			calls = append(calls, *call)
			continue
		}
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return Message{Role: "assistant", Content: text.String(), ToolCalls: calls}
}

func toolCallFromBlock(block anthropicsdk.ContentBlockUnion) *ToolCall {
	if block.Type != "tool_use" {
		return nil
	}
	id, name := strings.TrimSpace(block.ID), strings.TrimSpace(block.Name)
	if id == "" || name == "" {
		return nil
	}
	return &ToolCall{ID: id, Name: name, Arguments: decodeArguments(block.Input)}
}

func usageFromAnthropic(u anthropicsdk.Usage) Usage {
	return Usage{
		InputTokens:         int(u.InputTokens),
		OutputTokens:        int(u.OutputTokens),
		TotalTokens:         int(u.InputTokens + u.OutputTokens),
		CacheReadTokens:     int(u.CacheReadInputTokens),
		CacheCreationTokens: int(u.CacheCreationInputTokens),
	}
}

func anthropicModelName(name string) anthropicsdk.Model {
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		return anthropicsdk.Model(trimmed)
	}
	return defaultAnthropicModel
}

func isRetryableAnthropic(err error) bool {
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return isTransientNetErr(err)
}

func isTransientNetErr(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// permanentError marks failures that must not be retried, such as a stream
// that already delivered output.
type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

func permanent(err error) error { return permanentError{err: err} }

// withRetry runs fn with quadratic backoff while retryable reports true.
func withRetry(ctx context.Context, maxRetries int, retryable func(error) bool, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= maxRetries || !retryable(err) {
			return err
		}
		backoff := time.Duration((attempt+1)*(attempt+1)) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func decodeArguments(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v}
}

func firstNonNil(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func nonEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return "."
	}
	return s
}
