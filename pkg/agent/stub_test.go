package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/drewano/dodai-sub000/pkg/mcp"
	"github.com/drewano/dodai-sub000/pkg/model"
)

// scriptedModel replays responses in order and records every request.
type scriptedModel struct {
	mu        sync.Mutex
	responses []*model.Response
	requests  []model.Request
	streamErr error
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) next(req model.Request) (*model.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.responses) == 0 {
		return nil, errors.New("script exhausted")
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func (m *scriptedModel) Complete(_ context.Context, req model.Request) (*model.Response, error) {
	return m.next(req)
}

func (m *scriptedModel) CompleteStream(_ context.Context, req model.Request, cb model.StreamHandler) error {
	resp, err := m.next(req)
	if err != nil {
		return err
	}
	if err := cb(model.StreamResult{Thinking: "hmm"}); err != nil {
		return err
	}
	for _, r := range resp.Message.Content {
		if err := cb(model.StreamResult{Delta: string(r)}); err != nil {
			return err
		}
	}
	if m.streamErr != nil {
		return m.streamErr
	}
	return cb(model.StreamResult{Final: true, Response: resp})
}

func reply(content string, calls ...model.ToolCall) *model.Response {
	return &model.Response{
		Message: model.Message{Role: "assistant", Content: content, ToolCalls: calls},
		Usage:   model.Usage{InputTokens: 1, OutputTokens: 1, TotalTokens: 2},
	}
}

type recordingExecutor struct {
	calls   []string
	results map[string]*mcp.ToolCallResult
	errs    map[string]error
}

func (e *recordingExecutor) CallTool(_ context.Context, name string, _ map[string]any) (*mcp.ToolCallResult, error) {
	e.calls = append(e.calls, name)
	if err := e.errs[name]; err != nil {
		return nil, err
	}
	return e.results[name], nil
}

var noteTools = []mcp.ToolDescriptor{
	{QualifiedName: "mcp__notes__search", LocalName: "search", OwnerProvider: "notes", Description: "search notes"},
	{QualifiedName: "mcp__notes__read", LocalName: "read", OwnerProvider: "notes"},
}
