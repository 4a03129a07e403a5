package api

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drewano/dodai-sub000/pkg/config"
	"github.com/drewano/dodai-sub000/pkg/core/events"
	"github.com/drewano/dodai-sub000/pkg/mcp"
	"github.com/drewano/dodai-sub000/pkg/model"
	"github.com/drewano/dodai-sub000/pkg/observability"
	"github.com/drewano/dodai-sub000/pkg/session"
)

// stubModel replays scripted responses. Streaming splits the content on
// spaces into deltas.
type stubModel struct {
	mu      sync.Mutex
	replies []model.Response
	err     error
	failAt  int           // stream fails after this many deltas when > 0
	gate    chan struct{} // held open before the final response

	requests []model.Request
}

func (m *stubModel) Name() string { return "stub-model" }

func (m *stubModel) next(req model.Request) (model.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil && m.failAt == 0 {
		return model.Response{}, m.err
	}
	if len(m.replies) == 0 {
		return model.Response{Message: model.Message{Role: "assistant", Content: "plain reply"}}, nil
	}
	resp := m.replies[0]
	if len(m.replies) > 1 {
		m.replies = m.replies[1:]
	}
	return resp, nil
}

func (m *stubModel) Complete(_ context.Context, req model.Request) (*model.Response, error) {
	resp, err := m.next(req)
	if err != nil {
		return nil, err
	}
	if m.gate != nil {
		<-m.gate
	}
	return &resp, nil
}

func (m *stubModel) CompleteStream(_ context.Context, req model.Request, cb model.StreamHandler) error {
	resp, err := m.next(req)
	if err != nil {
		return err
	}
	for i, part := range strings.SplitAfter(resp.Message.Content, " ") {
		if part == "" {
			continue
		}
		if err := cb(model.StreamResult{Delta: part}); err != nil {
			return err
		}
		if m.failAt > 0 && i+1 == m.failAt {
			return m.err
		}
	}
	if m.gate != nil {
		<-m.gate
	}
	return cb(model.StreamResult{Final: true, Response: &resp})
}

func (m *stubModel) lastRequest() model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return model.Request{}
	}
	return m.requests[len(m.requests)-1]
}

func modelFactory(m model.Model) ModelFactory {
	return ModelFactoryFunc(func(context.Context, *config.ModelSettings) (model.Model, error) {
		return m, nil
	})
}

type echoInput struct {
	Text string `json:"text"`
}

func newToolServer(names ...string) *sdkmcp.Server {
	server := sdkmcp.NewServer(&sdkmcp.Implementation{Name: "tools", Version: "v0.0.1"}, nil)
	for _, name := range names {
		sdkmcp.AddTool(server, &sdkmcp.Tool{Name: name, Description: "echoes " + name},
			func(_ context.Context, _ *sdkmcp.CallToolRequest, in echoInput) (*sdkmcp.CallToolResult, any, error) {
				return &sdkmcp.CallToolResult{
					Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: name + ":" + in.Text}},
				}, nil, nil
			})
	}
	return server
}

// serverDialer connects providers to in-memory MCP servers by name. Unknown
// names fail to connect.
func serverDialer(t *testing.T, servers map[string]*sdkmcp.Server) mcp.Dialer {
	t.Helper()
	return mcp.DialerFunc(func(ctx context.Context, p mcp.ConnectionPolicy) (mcp.Conn, error) {
		server, ok := servers[p.Name]
		if !ok {
			return nil, errors.New("connection refused")
		}
		serverTransport, clientTransport := sdkmcp.NewInMemoryTransports()
		ss, err := server.Connect(ctx, serverTransport, nil)
		if err != nil {
			return nil, err
		}
		t.Cleanup(func() { _ = ss.Close() })
		client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "dodai-test", Version: "v0"}, nil)
		cs, err := client.Connect(ctx, clientTransport, nil)
		if err != nil {
			return nil, err
		}
		return &mcp.SessionConn{Session: cs}, nil
	})
}

func httpServers(names ...string) *config.Settings {
	s := &config.Settings{MCP: &config.MCPConfig{Servers: map[string]config.MCPServerConfig{}}}
	for _, name := range names {
		s.MCP.Servers[name] = config.MCPServerConfig{Type: "http", URL: "http://" + name + ".test/mcp"}
	}
	return s
}

type harness struct {
	rt      *Runtime
	router  *Router
	model   *stubModel
	store   *config.MemoryStore
	metrics *observability.Metrics
}

type harnessOption func(*Options)

func newHarness(t *testing.T, settings *config.Settings, servers map[string]*sdkmcp.Server, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		model:   &stubModel{},
		store:   config.NewMemoryStore(),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	o := Options{
		Settings:     config.StaticSource{Settings: settings},
		Store:        h.store,
		ModelFactory: modelFactory(h.model),
		Dialer:       serverDialer(t, servers),
		PoolOptions:  []mcp.PoolOption{mcp.WithSleep(func(context.Context, time.Duration) error { return nil })},
		Logger:       observability.Discard(),
		Metrics:      h.metrics,
	}
	for _, opt := range opts {
		opt(&o)
	}
	rt, err := New(o)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	h.rt = rt
	h.router = NewRouter(rt)
	return h
}

func (h *harness) call(t *testing.T, kind Kind, payload any) Reply {
	t.Helper()
	req, err := NewRequest(kind, payload)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, handled := h.router.Call(ctx, req)
	require.True(t, handled)
	return reply
}

// openChannel registers a pipe the way a host opens a channel before chatting.
func (h *harness) openChannel(t *testing.T, id string) *session.Pipe {
	t.Helper()
	pipe := session.NewPipe(id)
	_, err := h.rt.Sessions().Open(pipe)
	require.NoError(t, err)
	return pipe
}

// waitClosed blocks until the runtime closes the pipe after its terminal event.
func waitClosed(t *testing.T, pipe *session.Pipe) []events.Event {
	t.Helper()
	select {
	case <-pipe.Closed():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s never closed; events: %v", pipe.ID(), eventTypes(pipe.Events()))
	}
	return pipe.Events()
}

func eventTypes(evts []events.Event) []events.EventType {
	out := make([]events.EventType, len(evts))
	for i, evt := range evts {
		out[i] = evt.Type
	}
	return out
}
