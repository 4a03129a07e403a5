package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type fakeConn struct {
	tools    []RemoteTool
	listErr  error
	closeErr error

	mu     sync.Mutex
	calls  []string
	closed int
}

func (c *fakeConn) ListTools(context.Context) ([]RemoteTool, error) {
	if c.listErr != nil {
		return nil, c.listErr
	}
	return append([]RemoteTool(nil), c.tools...), nil
}

func (c *fakeConn) CallTool(_ context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
	return &ToolCallResult{Content: fmt.Sprintf("%s:%v", name, args["text"])}, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return c.closeErr
}

// fakeDialer hands out a fixed connection per provider name.
type fakeDialer struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
	fails map[string]int // remaining failures before success
	dials map[string]int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: map[string]*fakeConn{}, fails: map[string]int{}, dials: map[string]int{}}
}

func (d *fakeDialer) Dial(_ context.Context, p ConnectionPolicy) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[p.Name]++
	if d.fails[p.Name] > 0 {
		d.fails[p.Name]--
		return nil, errors.New("connection refused")
	}
	conn, ok := d.conns[p.Name]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return conn, nil
}

func (d *fakeDialer) dialCount(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[name]
}

func tools(names ...string) []RemoteTool {
	out := make([]RemoteTool, len(names))
	for i, n := range names {
		out[i] = RemoteTool{Name: n, Description: "does " + n}
	}
	return out
}

func httpPolicy(name string) ConnectionPolicy {
	return ConnectionPolicy{Name: name, Endpoint: "http://127.0.0.1:1/" + name}
}
