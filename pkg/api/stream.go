package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drewano/dodai-sub000/pkg/agent"
	"github.com/drewano/dodai-sub000/pkg/core/events"
	"github.com/drewano/dodai-sub000/pkg/message"
	"github.com/drewano/dodai-sub000/pkg/session"
)

// Chat answers a CHAT_REQUEST. Non-streaming requests block until the
// strategy finishes. Streaming requests need a channel already opened under
// SessionID; they return as soon as the session is started and deliver the
// answer on that channel.
func (rt *Runtime) Chat(ctx context.Context, req ChatRequest) (Reply, error) {
	prompt := strings.TrimSpace(req.Message)
	if prompt == "" {
		return Reply{}, ErrMissingMessage
	}
	strategy, settings := rt.strategyFor(ctx, rt.Snapshot())
	turn := agent.Turn{
		Messages:  message.ToModel(req.History, prompt),
		System:    settings.SystemPrompt,
		Streaming: req.Streaming,
	}

	if !req.Streaming {
		docs := rt.retrieve(ctx, req, &turn)
		res, err := rt.runStrategy(ctx, strategy, turn, nil)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Success: true, Data: res.Content, SourceDocuments: docs}, nil
	}

	sess, err := rt.sessions.Acquire(req.SessionID)
	if errors.Is(err, session.ErrUnknownSession) {
		return Reply{}, fmt.Errorf("%w: %q", ErrNoChannel, req.SessionID)
	}
	if err != nil {
		return Reply{}, err
	}
	stream := newStreamSession(rt, sess, strategy)
	rt.streams.Add(1)
	go func() {
		defer rt.streams.Done()
		// the caller's reply is already sent; the turn outlives its context
		stream.run(context.WithoutCancel(ctx), req, turn)
	}()
	return Reply{Success: true, Streaming: true}, nil
}

func (rt *Runtime) runStrategy(ctx context.Context, strategy agent.Strategy, turn agent.Turn, sink agent.Sink) (*agent.Result, error) {
	start := time.Now()
	res, err := strategy.Run(ctx, turn, sink)
	if m := rt.metrics; m != nil {
		m.ModelDuration.WithLabelValues(string(strategy.Kind())).Observe(time.Since(start).Seconds())
	}
	return res, err
}

// retrieve adds retrieved passages to the turn's system prompt. Retrieval
// failures are logged and the turn proceeds without context.
func (rt *Runtime) retrieve(ctx context.Context, req ChatRequest, turn *agent.Turn) []events.SourceDocument {
	if !req.UseRetrieval || rt.opts.Retriever == nil {
		return nil
	}
	docs, err := rt.opts.Retriever.Retrieve(ctx, req.Message)
	if err != nil {
		rt.logger.Warn("retrieval failed, answering without context", "error", err)
		return nil
	}
	if len(docs) == 0 {
		return nil
	}
	turn.System = withSources(turn.System, docs)
	return docs
}

func withSources(system string, docs []events.SourceDocument) string {
	var b strings.Builder
	if system = strings.TrimSpace(system); system != "" {
		b.WriteString(system)
		b.WriteString("\n\n")
	}
	b.WriteString("Answer using the following context when it is relevant.\n")
	for i, doc := range docs {
		fmt.Fprintf(&b, "\n[%d]", i+1)
		if doc.Title != "" {
			fmt.Fprintf(&b, " %s", doc.Title)
		}
		if doc.Source != "" {
			fmt.Fprintf(&b, " (%s)", doc.Source)
		}
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(doc.Content))
		b.WriteString("\n")
	}
	return b.String()
}

type streamState int

const (
	streamCreated streamState = iota
	streamStarted
	streamStreaming
	streamEnded
)

// streamSession delivers one conversation turn on a session channel. Events
// leave in order under mu and nothing is sent after the terminal event.
type streamSession struct {
	rt       *Runtime
	sess     *session.Session
	strategy agent.Strategy

	mu    sync.Mutex
	state streamState
}

func newStreamSession(rt *Runtime, sess *session.Session, strategy agent.Strategy) *streamSession {
	return &streamSession{rt: rt, sess: sess, strategy: strategy}
}

func (s *streamSession) run(ctx context.Context, req ChatRequest, turn agent.Turn) {
	rt := s.rt
	logger := rt.logger.With("session_id", s.sess.ID, "strategy", s.strategy.Kind())
	ctx, span := rt.tracer.Start(ctx, "session.stream", trace.WithAttributes(
		attribute.String("session_id", s.sess.ID),
		attribute.String("strategy", string(s.strategy.Kind())),
	))
	defer span.End()
	if m := rt.metrics; m != nil {
		m.ActiveSessions.Inc()
		defer m.ActiveSessions.Dec()
	}

	var (
		res  *agent.Result
		docs []events.SourceDocument
		err  error
	)
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("stream aborted: %v", rec)
			}
		}()
		s.start()
		docs = rt.retrieve(ctx, req, &turn)
		res, err = rt.runStrategy(ctx, s.strategy, turn, s.sink)
	}()
	if err == nil && res == nil {
		err = errors.New("strategy returned no result")
	}

	outcome := s.end(docs, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("stream failed", "error", err, "outcome", outcome)
	} else {
		span.SetAttributes(attribute.Int("iterations", res.Iterations), attribute.Int("tool_calls", res.ToolCalls))
		logger.Debug("stream finished", "outcome", outcome, "iterations", res.Iterations)
	}
	if m := rt.metrics; m != nil {
		m.Sessions.WithLabelValues(outcome).Inc()
	}
	rt.sessions.Release(s.sess)
}

func (s *streamSession) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != streamCreated {
		return
	}
	s.state = streamStarted
	s.sendLocked(events.StreamStart, events.StartPayload{Model: s.strategy.ModelName()})
}

// sink forwards strategy output. It never fails the turn: once the peer is
// gone output is dropped and the model runs to completion.
func (s *streamSession) sink(out agent.Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == streamEnded {
		return nil
	}
	switch out.Kind {
	case agent.OutputChunk:
		s.state = streamStreaming
		s.sendLocked(events.StreamChunk, events.ChunkPayload{Chunk: out.Text})
	case agent.OutputThinking:
		s.sendLocked(events.StreamAnnotation, events.AnnotationPayload{Kind: events.AnnotationThinking, Text: out.Text})
	case agent.OutputToolCall:
		s.sendLocked(events.StreamAnnotation, events.AnnotationPayload{Kind: events.AnnotationToolCall, Text: out.Text})
	case agent.OutputToolResult:
		s.sendLocked(events.StreamAnnotation, events.AnnotationPayload{Kind: events.AnnotationToolResult, Text: out.Text})
	}
	return nil
}

// end emits the terminal event exactly once and returns the session outcome.
func (s *streamSession) end(docs []events.SourceDocument, err error) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == streamEnded {
		return "ended"
	}
	s.state = streamEnded

	payload := events.EndPayload{Success: err == nil, Model: s.strategy.ModelName(), SourceDocuments: docs}
	if err != nil {
		payload.Error = err.Error()
		s.sendLocked(events.StreamError, events.ErrorPayload{Error: err.Error()})
	}
	delivered := s.sendLocked(events.StreamEnd, payload)
	switch {
	case !delivered && s.sess.Cancelled():
		return "cancelled"
	case err != nil:
		return "failure"
	default:
		return "success"
	}
}

func (s *streamSession) sendLocked(typ events.EventType, payload any) bool {
	if s.sess.Cancelled() {
		return false
	}
	evt := events.Stamp(events.Event{Type: typ, SessionID: s.sess.ID, Payload: payload})
	if err := s.sess.Channel.Send(evt); err != nil {
		s.rt.logger.Debug("dropping stream event", "session_id", s.sess.ID, "type", typ, "error", err)
		return false
	}
	return true
}
