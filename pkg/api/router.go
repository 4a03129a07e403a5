package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/drewano/dodai-sub000/pkg/core/events"
	"github.com/drewano/dodai-sub000/pkg/mcp"
	"github.com/drewano/dodai-sub000/pkg/message"
)

// Kind is the declared type of an inbound request.
type Kind string

const (
	KindChat             Kind = "CHAT_REQUEST"
	KindListTools        Kind = "LIST_TOOLS"
	KindConnectionStatus Kind = "CONNECTION_STATUS"
	KindConfigChanged    Kind = "CONFIG_CHANGED"
)

// Request is one inbound host message.
type Request struct {
	ID      string          `json:"id,omitempty"`
	Kind    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ChatRequest is the payload of CHAT_REQUEST.
type ChatRequest struct {
	Message      string         `json:"message"`
	History      []message.Turn `json:"history,omitempty"`
	Streaming    bool           `json:"streaming,omitempty"`
	SessionID    string         `json:"sessionId,omitempty"`
	UseRetrieval bool           `json:"useRetrieval,omitempty"`
}

// Reply is the deferred answer to a Request.
type Reply struct {
	ID              string                        `json:"id,omitempty"`
	Success         bool                          `json:"success"`
	Error           string                        `json:"error,omitempty"`
	Data            string                        `json:"data,omitempty"`
	Streaming       bool                          `json:"streaming,omitempty"`
	SourceDocuments []events.SourceDocument       `json:"sourceDocuments,omitempty"`
	Tools           []mcp.ToolDescriptor          `json:"tools,omitzero"`
	ConnectionState map[string]mcp.ProviderStatus `json:"connectionState,omitzero"`
	AgentActive     *bool                         `json:"agentActive,omitempty"`
}

// NewRequest encodes payload into a Request of the given kind.
func NewRequest(kind Kind, payload any) (Request, error) {
	req := Request{Kind: kind}
	if payload == nil {
		return req, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Request{}, fmt.Errorf("api: encode %s payload: %w", kind, err)
	}
	req.Payload = raw
	return req, nil
}

type handlerFunc func(ctx context.Context, req Request) (Reply, error)

// Router maps request kinds onto runtime handlers. The table is fixed.
type Router struct {
	rt       *Runtime
	logger   *slog.Logger
	handlers map[Kind]handlerFunc
	inflight sync.WaitGroup
}

// NewRouter binds the handler table to rt.
func NewRouter(rt *Runtime) *Router {
	r := &Router{rt: rt, logger: rt.opts.Logger.With("component", "router")}
	r.handlers = map[Kind]handlerFunc{
		KindChat:             r.handleChat,
		KindListTools:        r.handleListTools,
		KindConnectionStatus: r.handleConnectionStatus,
		KindConfigChanged:    r.handleConfigChanged,
	}
	return r
}

// Handles reports whether kind has a handler.
func (r *Router) Handles(kind Kind) bool {
	_, ok := r.handlers[kind]
	return ok
}

// Dispatch looks up the handler for req and runs it asynchronously, passing
// its outcome to respond. It returns false without calling respond when the
// kind is not handled here. Handler errors and panics become
// {success:false, error} replies.
func (r *Router) Dispatch(ctx context.Context, req Request, respond func(Reply)) bool {
	h, ok := r.handlers[req.Kind]
	if !ok {
		r.logger.Debug("ignoring unhandled request kind", "kind", req.Kind)
		return false
	}
	if respond == nil {
		respond = func(Reply) {}
	}
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		reply := r.run(ctx, h, req)
		reply.ID = req.ID
		respond(reply)
	}()
	return true
}

func (r *Router) run(ctx context.Context, h handlerFunc, req Request) (reply Reply) {
	outcome := "success"
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("request handler panicked", "kind", req.Kind, "panic", rec, "stack", string(debug.Stack()))
			reply = Reply{Error: fmt.Sprintf("internal error: %v", rec)}
		}
		if !reply.Success {
			outcome = "failure"
		}
		if m := r.rt.metrics; m != nil {
			m.Requests.WithLabelValues(string(req.Kind), outcome).Inc()
		}
	}()

	reply, err := h(ctx, req)
	if err != nil {
		r.logger.Warn("request failed", "kind", req.Kind, "error", err)
		return Reply{Error: err.Error()}
	}
	return reply
}

// Call dispatches req and waits for its reply. The bool mirrors Dispatch.
func (r *Router) Call(ctx context.Context, req Request) (Reply, bool) {
	replies := make(chan Reply, 1)
	if !r.Dispatch(ctx, req, func(rep Reply) { replies <- rep }) {
		return Reply{}, false
	}
	select {
	case rep := <-replies:
		return rep, true
	case <-ctx.Done():
		return Reply{ID: req.ID, Error: ctx.Err().Error()}, true
	}
}

// Wait blocks until every dispatched handler has replied.
func (r *Router) Wait() { r.inflight.Wait() }

func (r *Router) handleChat(ctx context.Context, req Request) (Reply, error) {
	var chat ChatRequest
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &chat); err != nil {
			return Reply{}, fmt.Errorf("api: decode chat request: %w", err)
		}
	}
	return r.rt.Chat(ctx, chat)
}

func (r *Router) handleListTools(context.Context, Request) (Reply, error) {
	snap := r.rt.Snapshot()
	return Reply{Success: true, Tools: snap.Tools}, nil
}

func (r *Router) handleConnectionStatus(context.Context, Request) (Reply, error) {
	snap := r.rt.Snapshot()
	return Reply{Success: true, ConnectionState: snap.Status}, nil
}

func (r *Router) handleConfigChanged(ctx context.Context, _ Request) (Reply, error) {
	active := r.rt.Reinitialize(ctx)
	return Reply{Success: true, AgentActive: &active}, nil
}
