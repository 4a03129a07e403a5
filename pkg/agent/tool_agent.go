package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/drewano/dodai-sub000/pkg/config"
	"github.com/drewano/dodai-sub000/pkg/mcp"
	"github.com/drewano/dodai-sub000/pkg/message"
	"github.com/drewano/dodai-sub000/pkg/model"
)

// ToolExecutor runs a qualified tool. *mcp.Pool satisfies it.
type ToolExecutor interface {
	CallTool(ctx context.Context, qualifiedName string, args map[string]any) (*mcp.ToolCallResult, error)
}

// ToolAgentOption customises a ToolAgent.
type ToolAgentOption func(*ToolAgent)

// WithMaxIterations bounds the model/tool round trips. Values <= 0 keep the default.
func WithMaxIterations(n int) ToolAgentOption {
	return func(a *ToolAgent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// WithLogger sets the agent logger.
func WithLogger(l *slog.Logger) ToolAgentOption {
	return func(a *ToolAgent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithModelName overrides the reported model id. Empty names are ignored.
func WithModelName(name string) ToolAgentOption {
	return func(a *ToolAgent) {
		if name != "" {
			a.name = name
		}
	}
}

// ToolAgent lets the model call discovered tools turn by turn until it
// answers without tool calls.
type ToolAgent struct {
	model         model.Model
	name          string
	exec          ToolExecutor
	tools         []model.ToolDefinition
	maxIterations int
	logger        *slog.Logger
}

// NewToolAgent fails when mdl or exec is nil or tools is empty.
func NewToolAgent(mdl model.Model, tools []mcp.ToolDescriptor, exec ToolExecutor, opts ...ToolAgentOption) (*ToolAgent, error) {
	if mdl == nil {
		return nil, ErrMissingModel
	}
	if len(tools) == 0 {
		return nil, ErrNoTools
	}
	if exec == nil {
		return nil, ErrMissingTarget
	}
	a := &ToolAgent{
		model:         mdl,
		name:          model.NameOf(mdl),
		exec:          exec,
		tools:         toolDefinitions(tools),
		maxIterations: config.DefaultMaxIterations,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	a.logger = a.logger.With("component", "tool_agent")
	return a, nil
}

func (a *ToolAgent) Kind() Kind        { return KindToolAgent }
func (a *ToolAgent) ModelName() string { return a.name }

// ToolNames lists the qualified tool names advertised to the model.
func (a *ToolAgent) ToolNames() []string {
	names := make([]string, len(a.tools))
	for i, def := range a.tools {
		names[i] = def.Name
	}
	return names
}

func (a *ToolAgent) Run(ctx context.Context, turn Turn, sink Sink) (*Result, error) {
	msgs := message.CloneMessages(turn.Messages)
	result := &Result{}

	for result.Iterations < a.maxIterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.Iterations++

		resp, err := invoke(ctx, a.model, model.Request{Messages: msgs, Tools: a.tools, System: turn.System}, turn.Streaming, sink)
		if err != nil {
			return nil, err
		}
		addUsage(&result.Usage, resp.Usage)
		result.StopReason = resp.StopReason

		assistant := resp.Message
		assistant.Role = "assistant"
		msgs = append(msgs, assistant)
		if len(assistant.ToolCalls) == 0 {
			result.Content = assistant.Content
			return result, nil
		}

		for _, call := range assistant.ToolCalls {
			if err := sink.emit(OutputToolCall, describeCall(call)); err != nil {
				return nil, err
			}
			content := a.execute(ctx, call)
			result.ToolCalls++
			if err := sink.emit(OutputToolResult, content); err != nil {
				return nil, err
			}
			msgs = append(msgs, model.Message{
				Role:      "tool",
				Content:   content,
				ToolCalls: []model.ToolCall{{ID: call.ID, Name: call.Name}},
			})
		}
	}
	return nil, fmt.Errorf("agent: reached max iterations (%d) without a final answer", a.maxIterations)
}

// execute never fails: tool errors go back to the model as {"error": ...}.
func (a *ToolAgent) execute(ctx context.Context, call model.ToolCall) string {
	res, err := a.exec.CallTool(ctx, call.Name, call.Arguments)
	if err != nil {
		a.logger.Warn("tool call failed", "tool", call.Name, "error", err)
		return errorContent(err.Error())
	}
	if res == nil {
		return ""
	}
	if res.IsError {
		return errorContent(res.Content)
	}
	return res.Content
}

func errorContent(msg string) string {
	data, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, msg)
	}
	return string(data)
}

func describeCall(call model.ToolCall) string {
	if len(call.Arguments) == 0 {
		return call.Name
	}
	args, err := json.Marshal(call.Arguments)
	if err != nil {
		return call.Name
	}
	return call.Name + " " + string(args)
}

func toolDefinitions(tools []mcp.ToolDescriptor) []model.ToolDefinition {
	defs := make([]model.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		name := strings.TrimSpace(t.QualifiedName)
		if name == "" {
			continue
		}
		defs = append(defs, model.ToolDefinition{Name: name, Description: t.Description, Parameters: t.InputSchema})
	}
	return defs
}
