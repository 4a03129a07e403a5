package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

const defaultOpenAIModel = openai.ChatModelGPT4oMini

// OpenAIConfig wires an openai-go client into the Model interface.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	MaxRetries  int
	System      string
	Temperature *float64
	HTTPClient  *http.Client
}

type openaiCompletions interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	NewStreaming(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

type openaiModel struct {
	completions openaiCompletions
	model       string
	maxTokens   int
	system      string
	temperature *float64
}

// NewOpenAI constructs an OpenAI-backed Model. Retries are delegated to the SDK.
func NewOpenAI(cfg OpenAIConfig) (Model, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api key required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(max(cfg.MaxRetries, 0))}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	client := openai.NewClient(opts...)

	name := strings.TrimSpace(cfg.Model)
	if name == "" {
		name = defaultOpenAIModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &openaiModel{
		completions: &client.Chat.Completions,
		model:       name,
		maxTokens:   maxTokens,
		system:      strings.TrimSpace(cfg.System),
		temperature: cfg.Temperature,
	}, nil
}

func (m *openaiModel) Name() string { return m.model }

// Complete issues a non-streaming chat completion.
func (m *openaiModel) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := m.completions.New(ctx, m.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: no choices returned")
	}
	choice := resp.Choices[0]
	msg := Message{Role: "assistant", Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: decodeArguments(json.RawMessage(tc.Function.Arguments)),
		})
	}
	return &Response{
		Message:    msg,
		Usage:      usageFromOpenAI(resp.Usage),
		StopReason: choice.FinishReason,
	}, nil
}

// pendingCall aggregates partial tool call deltas keyed by choice index.
type pendingCall struct{ id, name, args string }

// CompleteStream forwards content deltas, then completed tool calls once the
// choice finishes, then the aggregate response.
func (m *openaiModel) CompleteStream(ctx context.Context, req Request, cb StreamHandler) error {
	if cb == nil {
		return errors.New("stream callback required")
	}
	params := m.buildParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	stream := m.completions.NewStreaming(ctx, params)
	if stream == nil {
		return errors.New("openai stream not available")
	}
	defer stream.Close()

	var (
		text   strings.Builder
		calls  = map[int64]*pendingCall{}
		usage  Usage
		reason string
	)
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			usage = usageFromOpenAI(chunk.Usage)
		}
		for _, ch := range chunk.Choices {
			if ch.Delta.Content != "" {
				text.WriteString(ch.Delta.Content)
				if err := cb(StreamResult{Delta: ch.Delta.Content}); err != nil {
					return err
				}
			}
			for _, tc := range ch.Delta.ToolCalls {
				pc, ok := calls[tc.Index]
				if !ok {
					pc = &pendingCall{}
					calls[tc.Index] = pc
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
				pc.args += tc.Function.Arguments
			}
			if ch.FinishReason != "" {
				reason = ch.FinishReason
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai streaming error: %w", err)
	}

	msg := Message{Role: "assistant", Content: text.String()}
	indexes := make([]int64, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	for _, idx := range indexes {
		pc := calls[idx]
		call := ToolCall{ID: pc.id, Name: pc.name, Arguments: decodeArguments(json.RawMessage(pc.args))}
		msg.ToolCalls = append(msg.ToolCalls, call)
		if err := cb(StreamResult{ToolCall: &call}); err != nil {
			return err
		}
	}
	return cb(StreamResult{Final: true, Response: &Response{Message: msg, Usage: usage, StopReason: reason}})
}

func (m *openaiModel) buildParams(req Request) openai.ChatCompletionNewParams {
	name := m.model
	if override := strings.TrimSpace(req.Model); override != "" {
		name = override
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.maxTokens
	}
	params := openai.ChatCompletionNewParams{
		Messages:            openaiMessages(req.Messages, m.system, req.System),
		Model:               name,
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
	if temp := firstNonNil(req.Temperature, m.temperature); temp != nil {
		params.Temperature = openai.Float(*temp)
	}
	for _, def := range req.Tools {
		if strings.TrimSpace(def.Name) == "" {
			continue
		}
		fn := openai.FunctionDefinitionParam{Name: def.Name, Parameters: openai.FunctionParameters(schemaOrEmpty(def.Parameters))}
		if def.Description != "" {
			fn.Description = openai.String(def.Description)
		}
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{Function: fn})
	}
	return params
}

func openaiMessages(msgs []Message, defaults ...string) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	for _, d := range defaults {
		if trimmed := strings.TrimSpace(d); trimmed != "" {
			out = append(out, openai.SystemMessage(trimmed))
		}
	}
	for _, msg := range msgs {
		switch strings.ToLower(strings.TrimSpace(msg.Role)) {
		case "system":
			out = append(out, openai.SystemMessage(msg.Content))
		case "assistant":
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				asst.Content.OfString = openai.String(msg.Content)
			}
			for _, call := range msg.ToolCalls {
				args, err := json.Marshal(schemaOrEmpty(call.Arguments))
				if err != nil {
					args = []byte("{}")
				}
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case "tool":
			for _, call := range msg.ToolCalls {
				if call.ID != "" {
					out = append(out, openai.ToolMessage(msg.Content, call.ID))
				}
			}
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func usageFromOpenAI(u openai.CompletionUsage) Usage {
	return Usage{
		InputTokens:     int(u.PromptTokens),
		OutputTokens:    int(u.CompletionTokens),
		TotalTokens:     int(u.TotalTokens),
		CacheReadTokens: int(u.PromptTokensDetails.CachedTokens),
	}
}

func schemaOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
