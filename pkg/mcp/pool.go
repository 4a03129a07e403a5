package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownTool is returned when a call names a tool no provider owns.
var ErrUnknownTool = errors.New("mcp: unknown tool")

// PoolBuildResult is the outcome of BuildPool. Pool is nil when no provider
// is configured; Status then is empty.
type PoolBuildResult struct {
	Pool   *Pool
	Status map[string]ProviderStatus
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithDialer replaces the default SDK dialer.
func WithDialer(d Dialer) PoolOption {
	return func(p *Pool) {
		if d != nil {
			p.dialer = d
		}
	}
}

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithTracer records one span per provider connect and tool call.
func WithTracer(t trace.Tracer) PoolOption {
	return func(p *Pool) {
		if t != nil {
			p.tracer = t
		}
	}
}

// WithConcurrency caps simultaneous provider connects. Zero means unbounded.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithSleep overrides the wait between reconnect attempts.
func WithSleep(fn func(context.Context, time.Duration) error) PoolOption {
	return func(p *Pool) { p.sleep = fn }
}

// Pool owns the live connections implied by one configuration snapshot.
type Pool struct {
	dialer      Dialer
	logger      *slog.Logger
	tracer      trace.Tracer
	concurrency int
	sleep       func(context.Context, time.Duration) error

	providers []*provider // sorted by name

	mu     sync.RWMutex
	index  map[string]*provider // qualified name -> owner
	closed bool
}

type provider struct {
	policy  ConnectionPolicy
	segment string // unique sanitised provider segment of qualified names

	mu    sync.Mutex
	conn  Conn
	tools []ToolDescriptor
	err   string
}

// BuildPool validates every policy and prepares one connection slot per
// provider. No I/O happens until ConnectAll.
func BuildPool(policies map[string]ConnectionPolicy, opts ...PoolOption) (*PoolBuildResult, error) {
	if len(policies) == 0 {
		return &PoolBuildResult{Status: map[string]ProviderStatus{}}, nil
	}
	p := &Pool{
		dialer: SDKDialer{},
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("mcp"),
		index:  map[string]*provider{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "mcp_pool")

	status := make(map[string]ProviderStatus, len(policies))
	segments := map[string]struct{}{}
	var errs []error
	for _, name := range sortedNames(policies) {
		policy := NewConnectionPolicy(policies[name])
		if policy.Name == "" {
			policy.Name = name
		}
		if policy.Name != name {
			errs = append(errs, fmt.Errorf("mcp: policy key %q does not match name %q", name, policy.Name))
			continue
		}
		if err := policy.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		segment := sanitizeToolPart(name)
		if _, taken := segments[segment]; taken {
			segment += "-" + toolNameHash(name, "")[:4]
		}
		segments[segment] = struct{}{}
		p.providers = append(p.providers, &provider{policy: policy, segment: segment})
		status[name] = ProviderStatus{Status: StatusUnknown}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &PoolBuildResult{Pool: p, Status: status}, nil
}

// Names lists the configured providers in order.
func (p *Pool) Names() []string {
	if p == nil {
		return nil
	}
	names := make([]string, len(p.providers))
	for i, prov := range p.providers {
		names[i] = prov.policy.Name
	}
	return names
}

// ConnectAll connects every provider concurrently and discovers its tools.
// A provider failure is recorded on that provider and never aborts the others.
func (p *Pool) ConnectAll(ctx context.Context) {
	if p == nil {
		return
	}
	var g errgroup.Group
	if p.concurrency > 0 {
		g.SetLimit(p.concurrency)
	}
	for _, prov := range p.providers {
		g.Go(func() error {
			p.connect(ctx, prov)
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.index = map[string]*provider{}
	for _, prov := range p.providers {
		prov.mu.Lock()
		for _, tool := range prov.tools {
			p.index[tool.QualifiedName] = prov
		}
		prov.mu.Unlock()
	}
}

func (p *Pool) connect(ctx context.Context, prov *provider) {
	policy := prov.policy
	ctx, span := p.tracer.Start(ctx, "mcp.connect", trace.WithAttributes(
		attribute.String("mcp.provider", policy.Name),
		attribute.String("mcp.transport", policy.Transport),
	))
	defer span.End()

	retry := RetryPolicyFor(policy.Reconnect)
	retry.Sleep = p.sleep
	var (
		conn  Conn
		tools []RemoteTool
	)
	err := retry.Do(ctx, func(attempt int) error {
		c, err := p.dialer.Dial(ctx, policy)
		if err != nil {
			p.logger.Debug("provider connect attempt failed", "provider", policy.Name, "attempt", attempt, "error", err)
			return err
		}
		listed, err := c.ListTools(ctx)
		if err != nil {
			_ = c.Close()
			p.logger.Debug("provider discovery attempt failed", "provider", policy.Name, "attempt", attempt, "error", err)
			return err
		}
		conn, tools = c, listed
		return nil
	})

	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()

	prov.mu.Lock()
	defer prov.mu.Unlock()
	if err != nil {
		prov.err = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Warn("provider unavailable", "provider", policy.Name, "error", err)
		return
	}

	if closed {
		_ = conn.Close()
		prov.err = "pool closed"
		return
	}

	names := newNamer()
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	prov.conn = conn
	prov.tools = make([]ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		prov.tools = append(prov.tools, ToolDescriptor{
			QualifiedName: names.name(prov.segment, t.Name),
			LocalName:     t.Name,
			Description:   t.Description,
			OwnerProvider: policy.Name,
			InputSchema:   t.InputSchema,
		})
	}
	span.SetAttributes(attribute.Int("mcp.tools", len(prov.tools)))
	p.logger.Info("provider connected", "provider", policy.Name, "tools", len(prov.tools))
}

// Tools returns every tool discovered so far, ordered by provider then name.
func (p *Pool) Tools() []ToolDescriptor {
	if p == nil {
		return nil
	}
	var out []ToolDescriptor
	for _, prov := range p.providers {
		prov.mu.Lock()
		out = append(out, prov.tools...)
		prov.mu.Unlock()
	}
	return out
}

// Errors returns the explicit connect errors keyed by provider.
func (p *Pool) Errors() map[string]string {
	out := map[string]string{}
	if p == nil {
		return out
	}
	for _, prov := range p.providers {
		prov.mu.Lock()
		if prov.err != "" {
			out[prov.policy.Name] = prov.err
		}
		prov.mu.Unlock()
	}
	return out
}

// Status derives the per-provider status from the current discovery results.
func (p *Pool) Status() map[string]ProviderStatus {
	if p == nil {
		return map[string]ProviderStatus{}
	}
	return DeriveStatus(p.Names(), p.Tools(), p.Errors())
}

// CallTool routes a call by qualified name to the owning provider.
func (p *Pool) CallTool(ctx context.Context, qualifiedName string, args map[string]any) (*ToolCallResult, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, qualifiedName)
	}
	p.mu.RLock()
	prov, ok := p.index[qualifiedName]
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, errors.New("mcp: pool closed")
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, qualifiedName)
	}

	prov.mu.Lock()
	conn := prov.conn
	local := ""
	for _, t := range prov.tools {
		if t.QualifiedName == qualifiedName {
			local = t.LocalName
			break
		}
	}
	prov.mu.Unlock()
	if conn == nil || local == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, qualifiedName)
	}

	ctx, span := p.tracer.Start(ctx, "mcp.call_tool", trace.WithAttributes(
		attribute.String("mcp.provider", prov.policy.Name),
		attribute.String("mcp.tool", local),
	))
	defer span.End()
	res, err := conn.CallTool(ctx, local, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return res, nil
}

// Close disconnects every provider. Individual failures are logged; Close
// always completes and is safe to call more than once.
func (p *Pool) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.index = map[string]*provider{}
	p.mu.Unlock()

	for _, prov := range p.providers {
		prov.mu.Lock()
		conn := prov.conn
		prov.conn = nil
		prov.tools = nil
		prov.mu.Unlock()
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil {
			p.logger.Warn("provider close failed", "provider", prov.policy.Name, "error", err)
		}
	}
}
