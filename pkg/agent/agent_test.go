package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/drewano/dodai-sub000/pkg/mcp"
	"github.com/drewano/dodai-sub000/pkg/model"
	"github.com/stretchr/testify/require"
)

func TestPlainModelComplete(t *testing.T) {
	mdl := &scriptedModel{responses: []*model.Response{reply("hello")}}
	plain, err := NewPlainModel(mdl, "")
	require.NoError(t, err)
	require.Equal(t, KindPlainModel, plain.Kind())
	require.Equal(t, "scripted", plain.ModelName())

	res, err := plain.Run(context.Background(), Turn{Messages: []model.Message{{Role: "user", Content: "hi"}}, System: "sys"}, nil)
	require.NoError(t, err)
	require.Equal(t, "hello", res.Content)
	require.Equal(t, 1, res.Iterations)
	require.Equal(t, "sys", mdl.requests[0].System)
	require.Empty(t, mdl.requests[0].Tools)
}

func TestPlainModelStreamsChunksAndThinking(t *testing.T) {
	mdl := &scriptedModel{responses: []*model.Response{reply("ok")}}
	plain, err := NewPlainModel(mdl, "override")
	require.NoError(t, err)
	require.Equal(t, "override", plain.ModelName())

	var out []Output
	res, err := plain.Run(context.Background(), Turn{Streaming: true}, func(o Output) error {
		out = append(out, o)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", res.Content)
	require.Equal(t, []Output{
		{Kind: OutputThinking, Text: "hmm"},
		{Kind: OutputChunk, Text: "o"},
		{Kind: OutputChunk, Text: "k"},
	}, out)
}

func TestPlainModelStreamFailure(t *testing.T) {
	boom := errors.New("boom")
	mdl := &scriptedModel{responses: []*model.Response{reply("x")}, streamErr: boom}
	plain, err := NewPlainModel(mdl, "")
	require.NoError(t, err)
	_, err = plain.Run(context.Background(), Turn{Streaming: true}, nil)
	require.ErrorIs(t, err, boom)
}

func TestNewPlainModelRequiresModel(t *testing.T) {
	_, err := NewPlainModel(nil, "")
	require.ErrorIs(t, err, ErrMissingModel)
}

func TestNewToolAgentValidation(t *testing.T) {
	exec := &recordingExecutor{}
	_, err := NewToolAgent(nil, noteTools, exec)
	require.ErrorIs(t, err, ErrMissingModel)
	_, err = NewToolAgent(&scriptedModel{}, nil, exec)
	require.ErrorIs(t, err, ErrNoTools)
	_, err = NewToolAgent(&scriptedModel{}, noteTools, nil)
	require.ErrorIs(t, err, ErrMissingTarget)

	ag, err := NewToolAgent(&scriptedModel{}, noteTools, exec)
	require.NoError(t, err)
	require.Equal(t, KindToolAgent, ag.Kind())
	require.Equal(t, []string{"mcp__notes__search", "mcp__notes__read"}, ag.ToolNames())
}

func TestToolAgentLoopsUntilAnswer(t *testing.T) {
	mdl := &scriptedModel{responses: []*model.Response{
		reply("", model.ToolCall{ID: "c1", Name: "mcp__notes__search", Arguments: map[string]any{"q": "go"}}),
		reply("found 1 note"),
	}}
	exec := &recordingExecutor{results: map[string]*mcp.ToolCallResult{"mcp__notes__search": {Content: "note-1"}}}
	ag, err := NewToolAgent(mdl, noteTools, exec)
	require.NoError(t, err)

	history := []model.Message{{Role: "user", Content: "find go"}}
	res, err := ag.Run(context.Background(), Turn{Messages: history}, nil)
	require.NoError(t, err)
	require.Equal(t, "found 1 note", res.Content)
	require.Equal(t, 2, res.Iterations)
	require.Equal(t, 1, res.ToolCalls)
	require.Equal(t, 4, res.Usage.TotalTokens)
	require.Equal(t, []string{"mcp__notes__search"}, exec.calls)
	require.Len(t, history, 1, "caller history must not be mutated")

	second := mdl.requests[1]
	require.Len(t, second.Tools, 2)
	require.Len(t, second.Messages, 3)
	toolMsg := second.Messages[2]
	require.Equal(t, "tool", toolMsg.Role)
	require.Equal(t, "note-1", toolMsg.Content)
	require.Equal(t, "c1", toolMsg.ToolCalls[0].ID)
}

func TestToolAgentReturnsToolErrorsToModel(t *testing.T) {
	mdl := &scriptedModel{responses: []*model.Response{
		reply("", model.ToolCall{ID: "c1", Name: "mcp__notes__search"}, model.ToolCall{ID: "c2", Name: "mcp__notes__read"}),
		reply("sorry"),
	}}
	exec := &recordingExecutor{
		errs:    map[string]error{"mcp__notes__search": errors.New("provider down")},
		results: map[string]*mcp.ToolCallResult{"mcp__notes__read": {Content: "no such note", IsError: true}},
	}
	ag, err := NewToolAgent(mdl, noteTools, exec)
	require.NoError(t, err)

	res, err := ag.Run(context.Background(), Turn{}, nil)
	require.NoError(t, err)
	require.Equal(t, "sorry", res.Content)

	msgs := mdl.requests[1].Messages
	require.JSONEq(t, `{"error":"provider down"}`, msgs[1].Content)
	require.JSONEq(t, `{"error":"no such note"}`, msgs[2].Content)
}

func TestToolAgentStreamsAnnotations(t *testing.T) {
	mdl := &scriptedModel{responses: []*model.Response{
		reply("", model.ToolCall{ID: "c1", Name: "mcp__notes__search", Arguments: map[string]any{"q": "x"}}),
		reply("done"),
	}}
	exec := &recordingExecutor{results: map[string]*mcp.ToolCallResult{"mcp__notes__search": {Content: "r"}}}
	ag, err := NewToolAgent(mdl, noteTools, exec)
	require.NoError(t, err)

	var kinds []OutputKind
	var chunks strings.Builder
	_, err = ag.Run(context.Background(), Turn{Streaming: true}, func(o Output) error {
		kinds = append(kinds, o.Kind)
		if o.Kind == OutputChunk {
			chunks.WriteString(o.Text)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "done", chunks.String())
	require.Equal(t, []OutputKind{
		OutputThinking, OutputToolCall, OutputToolResult,
		OutputThinking, OutputChunk, OutputChunk, OutputChunk, OutputChunk,
	}, kinds)
}

func TestToolAgentStopsAtMaxIterations(t *testing.T) {
	call := model.ToolCall{ID: "c", Name: "mcp__notes__search"}
	mdl := &scriptedModel{responses: []*model.Response{reply("", call), reply("", call), reply("", call)}}
	exec := &recordingExecutor{results: map[string]*mcp.ToolCallResult{"mcp__notes__search": {Content: "again"}}}
	ag, err := NewToolAgent(mdl, noteTools, exec, WithMaxIterations(2))
	require.NoError(t, err)

	_, err = ag.Run(context.Background(), Turn{}, nil)
	require.ErrorContains(t, err, "max iterations (2)")
	require.Len(t, exec.calls, 2)
}

func TestToolAgentSinkErrorAborts(t *testing.T) {
	mdl := &scriptedModel{responses: []*model.Response{reply("", model.ToolCall{ID: "c", Name: "mcp__notes__search"})}}
	ag, err := NewToolAgent(mdl, noteTools, &recordingExecutor{})
	require.NoError(t, err)
	stop := errors.New("channel gone")
	_, err = ag.Run(context.Background(), Turn{}, func(Output) error { return stop })
	require.ErrorIs(t, err, stop)
}
