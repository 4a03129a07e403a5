package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

type echoInput struct {
	Text string `json:"text"`
}

func newEchoServer(names ...string) *sdkmcp.Server {
	server := sdkmcp.NewServer(&sdkmcp.Implementation{Name: "echo", Version: "v0.0.1"}, nil)
	for _, name := range names {
		sdkmcp.AddTool(server, &sdkmcp.Tool{Name: name, Description: "echoes text"},
			func(_ context.Context, _ *sdkmcp.CallToolRequest, in echoInput) (*sdkmcp.CallToolResult, any, error) {
				return &sdkmcp.CallToolResult{
					Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: name + ":" + in.Text}},
				}, nil, nil
			})
	}
	return server
}

// inMemoryDialer connects each policy to the server registered under its name.
func inMemoryDialer(t *testing.T, servers map[string]*sdkmcp.Server) Dialer {
	t.Helper()
	return DialerFunc(func(ctx context.Context, p ConnectionPolicy) (Conn, error) {
		server, ok := servers[p.Name]
		if !ok {
			return nil, context.DeadlineExceeded
		}
		serverTransport, clientTransport := sdkmcp.NewInMemoryTransports()
		ss, err := server.Connect(ctx, serverTransport, nil)
		if err != nil {
			return nil, err
		}
		t.Cleanup(func() { _ = ss.Close() })
		client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "test-client", Version: "v0"}, nil)
		cs, err := client.Connect(ctx, clientTransport, nil)
		if err != nil {
			return nil, err
		}
		return &SessionConn{Session: cs}, nil
	})
}

func TestPoolOverSDKSessions(t *testing.T) {
	dialer := inMemoryDialer(t, map[string]*sdkmcp.Server{
		"providerA": newEchoServer("echo", "shout"),
	})
	pool := build(t, dialer, httpPolicy("providerA"))
	pool.ConnectAll(context.Background())
	defer pool.Close()

	got := pool.Tools()
	require.Len(t, got, 2)
	require.Equal(t, "mcp__providerA__echo", got[0].QualifiedName)
	require.Equal(t, "echoes text", got[0].Description)
	require.Equal(t, "object", got[0].InputSchema["type"])

	res, err := pool.CallTool(context.Background(), "mcp__providerA__shout", map[string]any{"text": "hey"})
	require.NoError(t, err)
	require.Equal(t, "shout:hey", res.Content)
	require.False(t, res.IsError)
}

func TestSDKDialerStreamableHTTPWithHeaders(t *testing.T) {
	server := newEchoServer("echo")
	handler := sdkmcp.NewStreamableHTTPHandler(func(*http.Request) *sdkmcp.Server { return server }, nil)

	var (
		mu    sync.Mutex
		auths []string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auths = append(auths, r.Header.Get("Authorization"))
		mu.Unlock()
		handler.ServeHTTP(w, r)
	}))
	defer ts.Close()

	policy := NewConnectionPolicy(ConnectionPolicy{
		Name:     "remote",
		Endpoint: ts.URL,
		Headers:  map[string]string{"Authorization": "Bearer secret"},
	})
	conn, err := SDKDialer{ClientName: "dodai-test"}.Dial(context.Background(), policy)
	require.NoError(t, err)
	defer conn.Close()

	listed, err := conn.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, "echo", listed[0].Name)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, auths)
	for _, a := range auths {
		require.Equal(t, "Bearer secret", a)
	}
}

func TestSDKDialerSSESessionOutlivesTimeout(t *testing.T) {
	server := newEchoServer("echo")
	ts := httptest.NewServer(sdkmcp.NewSSEHandler(func(*http.Request) *sdkmcp.Server { return server }, nil))
	defer ts.Close()

	policy := NewConnectionPolicy(ConnectionPolicy{
		Name:      "events",
		Endpoint:  ts.URL,
		Transport: TransportSSE,
		Timeout:   200 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	conn, err := SDKDialer{}.Dial(ctx, policy)
	require.NoError(t, err)
	defer conn.Close()
	cancel()

	res, err := conn.CallTool(context.Background(), "echo", map[string]any{"text": "first"})
	require.NoError(t, err)
	require.Equal(t, "echo:first", res.Content)

	time.Sleep(3 * policy.Timeout)

	res, err = conn.CallTool(context.Background(), "echo", map[string]any{"text": "later"})
	require.NoError(t, err)
	require.Equal(t, "echo:later", res.Content)
}

func TestSDKDialerHandshakeTimeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	policy := NewConnectionPolicy(ConnectionPolicy{Name: "stuck", Endpoint: ts.URL, Timeout: 100 * time.Millisecond})
	start := time.Now()
	_, err := SDKDialer{}.Dial(context.Background(), policy)
	require.Error(t, err)
	require.Contains(t, err.Error(), "handshake timed out")
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestSDKDialerRejectsUnknownTransport(t *testing.T) {
	_, err := SDKDialer{}.Dial(context.Background(), ConnectionPolicy{Name: "x", Endpoint: "http://h", Transport: "carrier"})
	require.Error(t, err)
}

func TestFlattenResult(t *testing.T) {
	res := flattenResult(&sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: "a"}, &sdkmcp.TextContent{Text: "b"}},
		IsError: true,
	})
	require.Equal(t, "a\nb", res.Content)
	require.True(t, res.IsError)

	structured := flattenResult(&sdkmcp.CallToolResult{StructuredContent: map[string]any{"n": 1}})
	require.JSONEq(t, `{"n":1}`, structured.Content)

	require.Empty(t, flattenResult(nil).Content)
}
