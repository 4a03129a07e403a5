// Package agent holds the execution strategies a conversation turn runs on:
// a plain model call or a tool-calling loop over discovered remote tools.
package agent

import (
	"context"
	"errors"

	"github.com/drewano/dodai-sub000/pkg/model"
)

// Kind names a strategy.
type Kind string

const (
	KindPlainModel Kind = "plain_model"
	KindToolAgent  Kind = "tool_agent"
)

var (
	ErrMissingModel  = errors.New("agent: model is nil")
	ErrNoTools       = errors.New("agent: tool list is empty")
	ErrMissingTarget = errors.New("agent: tool executor is nil")
)

// OutputKind classifies what a strategy hands to its Sink.
type OutputKind string

const (
	OutputChunk      OutputKind = "chunk"
	OutputThinking   OutputKind = "thinking"
	OutputToolCall   OutputKind = "tool_call"
	OutputToolResult OutputKind = "tool_result"
)

// Output is one incremental unit produced while a turn runs.
type Output struct {
	Kind OutputKind
	Text string
}

// Sink receives incremental output. A non-nil error aborts the turn.
type Sink func(Output) error

func (s Sink) emit(kind OutputKind, text string) error {
	if s == nil || text == "" {
		return nil
	}
	return s(Output{Kind: kind, Text: text})
}

// Turn is the input of one run.
type Turn struct {
	Messages  []model.Message
	System    string
	Streaming bool
}

// Result summarises a completed run.
type Result struct {
	Content    string
	Usage      model.Usage
	StopReason string
	Iterations int
	ToolCalls  int
}

// Strategy runs a conversation turn.
type Strategy interface {
	Kind() Kind
	ModelName() string
	Run(ctx context.Context, turn Turn, sink Sink) (*Result, error)
}

// invoke performs a single model call, streaming when asked. Streaming
// deltas are forwarded to sink as they arrive.
func invoke(ctx context.Context, mdl model.Model, req model.Request, streaming bool, sink Sink) (*model.Response, error) {
	if !streaming {
		return mdl.Complete(ctx, req)
	}
	var final *model.Response
	err := mdl.CompleteStream(ctx, req, func(sr model.StreamResult) error {
		switch {
		case sr.Final:
			final = sr.Response
		case sr.Thinking != "":
			return sink.emit(OutputThinking, sr.Thinking)
		case sr.Delta != "":
			return sink.emit(OutputChunk, sr.Delta)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if final == nil {
		return nil, errors.New("agent: stream ended without a final response")
	}
	return final, nil
}

func addUsage(total *model.Usage, u model.Usage) {
	total.InputTokens += u.InputTokens
	total.OutputTokens += u.OutputTokens
	total.TotalTokens += u.TotalTokens
	total.CacheReadTokens += u.CacheReadTokens
	total.CacheCreationTokens += u.CacheCreationTokens
}
