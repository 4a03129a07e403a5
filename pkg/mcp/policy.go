package mcp

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/drewano/dodai-sub000/pkg/config"
)

// Transport modes understood by the default dialer.
const (
	TransportStreamable = "http"
	TransportSSE        = "sse"
	TransportStdio      = "stdio"
)

// ReconnectPolicy bounds how often a provider connect is retried.
type ReconnectPolicy struct {
	Enabled     bool
	MaxAttempts int // retries after the first attempt
	Delay       time.Duration
}

// ConnectionPolicy is the immutable description of one tool-provider.
// Construct it with NewConnectionPolicy or PolicyFromConfig; both copy the
// maps and slices they are given.
type ConnectionPolicy struct {
	Name      string
	Endpoint  string // http(s)://host/path or stdio://command
	Transport string
	Args      []string
	Env       map[string]string
	Headers   map[string]string
	Timeout   time.Duration
	Reconnect ReconnectPolicy
}

// NewConnectionPolicy returns a deep copy of p with the transport resolved.
func NewConnectionPolicy(p ConnectionPolicy) ConnectionPolicy {
	out := p
	out.Name = strings.TrimSpace(p.Name)
	out.Endpoint = strings.TrimSpace(p.Endpoint)
	if len(p.Args) > 0 {
		out.Args = append([]string(nil), p.Args...)
	}
	out.Env = copyMap(p.Env)
	out.Headers = copyMap(p.Headers)
	if out.Transport == "" {
		out.Transport = inferTransport(out.Endpoint)
	}
	return out
}

// Validate reports malformed policies. Any error here fails pool construction.
func (p ConnectionPolicy) Validate() error {
	if p.Name == "" {
		return errors.New("mcp: provider name is required")
	}
	if p.Endpoint == "" {
		return fmt.Errorf("mcp: provider %s: endpoint is required", p.Name)
	}
	u, err := url.Parse(p.Endpoint)
	if err != nil {
		return fmt.Errorf("mcp: provider %s: parse endpoint: %w", p.Name, err)
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return fmt.Errorf("mcp: provider %s: endpoint host is empty", p.Name)
		}
		if p.Transport != TransportStreamable && p.Transport != TransportSSE {
			return fmt.Errorf("mcp: provider %s: transport %q does not match endpoint", p.Name, p.Transport)
		}
	case "stdio":
		if len(stdioCommand(p)) == 0 {
			return fmt.Errorf("mcp: provider %s: stdio command is empty", p.Name)
		}
	default:
		return fmt.Errorf("mcp: provider %s: unsupported endpoint scheme %q", p.Name, u.Scheme)
	}
	if p.Reconnect.MaxAttempts < 0 || p.Reconnect.Delay < 0 {
		return fmt.Errorf("mcp: provider %s: reconnect values must be >=0", p.Name)
	}
	return nil
}

// PolicyFromConfig converts one settings entry into a policy.
func PolicyFromConfig(name string, cfg config.MCPServerConfig) ConnectionPolicy {
	p := ConnectionPolicy{
		Name:    name,
		Env:     cfg.Env,
		Headers: cfg.Headers,
		Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		Reconnect: ReconnectPolicy{
			Enabled:     cfg.Reconnect.ReconnectEnabled(),
			MaxAttempts: config.DefaultReconnectAttempts,
			Delay:       config.DefaultReconnectDelayMs * time.Millisecond,
		},
	}
	if rc := cfg.Reconnect; rc != nil {
		if rc.MaxAttempts > 0 {
			p.Reconnect.MaxAttempts = rc.MaxAttempts
		}
		if rc.DelayMs > 0 {
			p.Reconnect.Delay = time.Duration(rc.DelayMs) * time.Millisecond
		}
	}
	switch t := cfg.ResolvedType(); t {
	case TransportStdio:
		p.Transport = TransportStdio
		p.Endpoint = "stdio://" + strings.TrimSpace(cfg.Command)
		p.Args = cfg.Args
	default:
		p.Transport = t
		p.Endpoint = cfg.URL
	}
	return NewConnectionPolicy(p)
}

// PoliciesFromSettings builds one policy per configured server. A nil or
// empty MCP section yields an empty map.
func PoliciesFromSettings(s *config.Settings) map[string]ConnectionPolicy {
	out := map[string]ConnectionPolicy{}
	if s == nil || s.MCP == nil {
		return out
	}
	for name, cfg := range s.MCP.Servers {
		out[name] = PolicyFromConfig(name, cfg)
	}
	return out
}

func inferTransport(endpoint string) string {
	if strings.HasPrefix(strings.ToLower(endpoint), "stdio://") {
		return TransportStdio
	}
	return TransportStreamable
}

// stdioCommand splits "stdio://cmd a b" and appends the explicit args.
func stdioCommand(p ConnectionPolicy) []string {
	raw := strings.TrimPrefix(p.Endpoint, "stdio://")
	parts := strings.Fields(raw)
	return append(parts, p.Args...)
}

func copyMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedNames(policies map[string]ConnectionPolicy) []string {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
