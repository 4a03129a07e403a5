package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// RemoteTool is a tool as advertised by a provider.
type RemoteTool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolCallResult is the flattened outcome of a remote tool call.
type ToolCallResult struct {
	Content string
	IsError bool
}

// Conn is one live provider connection.
type Conn interface {
	ListTools(ctx context.Context) ([]RemoteTool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error)
	Close() error
}

// Dialer opens provider connections. The handshake completes inside Dial.
type Dialer interface {
	Dial(ctx context.Context, policy ConnectionPolicy) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, policy ConnectionPolicy) (Conn, error)

func (fn DialerFunc) Dial(ctx context.Context, policy ConnectionPolicy) (Conn, error) {
	return fn(ctx, policy)
}

// SDKDialer dials providers with the official MCP Go SDK.
type SDKDialer struct {
	ClientName    string
	ClientVersion string
	// HTTPClient is the base client for http(s) providers; headers are layered on top.
	HTTPClient *http.Client
}

// Dial builds the transport forced by the policy and runs the initialize handshake.
func (d SDKDialer) Dial(ctx context.Context, policy ConnectionPolicy) (Conn, error) {
	transport, err := d.transport(policy)
	if err != nil {
		return nil, err
	}
	name := d.ClientName
	if name == "" {
		name = "dodai"
	}
	version := d.ClientVersion
	if version == "" {
		version = "dev"
	}
	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: name, Version: version}, nil)

	// Transport streams live on connCtx until Close. ctx and the policy
	// timeout only bound the handshake.
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	var timer *time.Timer
	if policy.Timeout > 0 {
		timer = time.AfterFunc(policy.Timeout, cancel)
	}
	session, err := client.Connect(connCtx, transport, nil)
	callerDone := !stop()
	timedOut := timer != nil && !timer.Stop()
	if err == nil && (callerDone || timedOut) {
		_ = session.Close()
		err = context.Canceled
	}
	if err != nil {
		cancel()
		if timedOut {
			err = fmt.Errorf("handshake timed out after %s: %w", policy.Timeout, err)
		}
		return nil, fmt.Errorf("mcp: connect %s: %w", policy.Name, err)
	}
	return &SessionConn{Session: session, Timeout: policy.Timeout, cancel: cancel}, nil
}

func (d SDKDialer) transport(policy ConnectionPolicy) (sdkmcp.Transport, error) {
	switch policy.Transport {
	case TransportStdio:
		argv := stdioCommand(policy)
		if len(argv) == 0 {
			return nil, fmt.Errorf("mcp: provider %s: stdio command is empty", policy.Name)
		}
		cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // command comes from trusted configuration
		if len(policy.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range policy.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		return &sdkmcp.CommandTransport{Command: cmd}, nil
	case TransportSSE:
		return &sdkmcp.SSEClientTransport{Endpoint: policy.Endpoint, HTTPClient: d.httpClient(policy)}, nil
	case TransportStreamable, "":
		return &sdkmcp.StreamableClientTransport{Endpoint: policy.Endpoint, HTTPClient: d.httpClient(policy)}, nil
	default:
		return nil, fmt.Errorf("mcp: provider %s: unsupported transport %q", policy.Name, policy.Transport)
	}
}

func (d SDKDialer) httpClient(policy ConnectionPolicy) *http.Client {
	base := d.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	client := *base
	// Client.Timeout would also cut the long-lived event streams.
	client.Timeout = 0
	if len(policy.Headers) > 0 {
		next := client.Transport
		if next == nil {
			next = http.DefaultTransport
		}
		client.Transport = &headerRoundTripper{headers: policy.Headers, next: next}
	}
	return &client
}

// headerRoundTripper injects static auth headers into every provider request.
type headerRoundTripper struct {
	headers map[string]string
	next    http.RoundTripper
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range h.headers {
		clone.Header.Set(k, v)
	}
	return h.next.RoundTrip(clone)
}

// SessionConn adapts an SDK client session to Conn. A positive Timeout
// bounds each request.
type SessionConn struct {
	Session *sdkmcp.ClientSession
	Timeout time.Duration

	cancel context.CancelFunc
}

func (c *SessionConn) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.Timeout)
}

// ListTools pages through tools/list until the cursor is exhausted.
func (c *SessionConn) ListTools(ctx context.Context) ([]RemoteTool, error) {
	if c == nil || c.Session == nil {
		return nil, errors.New("mcp: session is nil")
	}
	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	var (
		out    []RemoteTool
		cursor string
	)
	for {
		res, err := c.Session.ListTools(ctx, &sdkmcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("mcp: list tools: %w", err)
		}
		for _, tool := range res.Tools {
			if tool == nil || strings.TrimSpace(tool.Name) == "" {
				continue
			}
			schema, err := schemaMap(tool.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("mcp: tool %s schema: %w", tool.Name, err)
			}
			out = append(out, RemoteTool{Name: tool.Name, Description: tool.Description, InputSchema: schema})
		}
		if res.NextCursor == "" {
			return out, nil
		}
		cursor = res.NextCursor
	}
}

// CallTool invokes a tool by its provider-local name.
func (c *SessionConn) CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	if c == nil || c.Session == nil {
		return nil, errors.New("mcp: session is nil")
	}
	if args == nil {
		args = map[string]any{}
	}
	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	res, err := c.Session.CallTool(ctx, &sdkmcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("mcp: call %s: %w", name, err)
	}
	return flattenResult(res), nil
}

func (c *SessionConn) Close() error {
	if c == nil || c.Session == nil {
		return nil
	}
	err := c.Session.Close()
	if c.cancel != nil {
		c.cancel()
	}
	return err
}

// flattenResult joins text content; anything else is rendered as JSON.
func flattenResult(res *sdkmcp.CallToolResult) *ToolCallResult {
	if res == nil {
		return &ToolCallResult{}
	}
	var parts []string
	for _, item := range res.Content {
		switch v := item.(type) {
		case *sdkmcp.TextContent:
			if v.Text != "" {
				parts = append(parts, v.Text)
			}
		default:
			if raw, err := json.Marshal(v); err == nil {
				parts = append(parts, string(raw))
			}
		}
	}
	if len(parts) == 0 && res.StructuredContent != nil {
		if raw, err := json.Marshal(res.StructuredContent); err == nil {
			parts = append(parts, string(raw))
		}
	}
	return &ToolCallResult{Content: strings.Join(parts, "\n"), IsError: res.IsError}
}

func schemaMap(schema any) (map[string]any, error) {
	if schema == nil {
		return nil, nil
	}
	if m, ok := schema.(map[string]any); ok {
		return m, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
