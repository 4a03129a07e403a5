package config

import (
	"errors"
	"strings"
)

// Settings models the contents of .dodai/settings.{json,yaml}.
// Optional booleans and floats use pointers so nil means "unset" and caller defaults apply.
type Settings struct {
	Model         *ModelSettings `json:"model,omitempty" yaml:"model,omitempty"`                 // Model backend used by every strategy.
	SystemPrompt  string         `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`   // Prepended to every conversation.
	MaxIterations int            `json:"maxIterations,omitempty" yaml:"maxIterations,omitempty"` // Upper bound on tool-agent model turns.
	MCP           *MCPConfig     `json:"mcp,omitempty" yaml:"mcp,omitempty"`                     // Tool-provider definitions keyed by name.
	Logging       *LoggingConfig `json:"logging,omitempty" yaml:"logging,omitempty"`
	Tracing       *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Server        *ServerConfig  `json:"server,omitempty" yaml:"server,omitempty"`
}

// ModelSettings selects and tunes the language model backend.
type ModelSettings struct {
	Provider       string   `json:"provider,omitempty" yaml:"provider,omitempty"` // anthropic (default) or openai
	Name           string   `json:"name,omitempty" yaml:"name,omitempty"`
	APIKey         string   `json:"apiKey,omitempty" yaml:"apiKey,omitempty"` // falls back to ANTHROPIC_API_KEY / OPENAI_API_KEY
	BaseURL        string   `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	MaxTokens      int      `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	ThinkingBudget int      `json:"thinkingBudget,omitempty" yaml:"thinkingBudget,omitempty"` // anthropic extended thinking tokens, 0 disables
	MaxRetries     int      `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
}

// MCPConfig nests Model Context Protocol server definitions.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `json:"servers,omitempty" yaml:"servers,omitempty"`
}

// MCPServerConfig describes how to reach an MCP server.
type MCPServerConfig struct {
	Type           string            `json:"type,omitempty" yaml:"type,omitempty"`       // stdio/http/sse
	Command        string            `json:"command,omitempty" yaml:"command,omitempty"` // for stdio
	Args           []string          `json:"args,omitempty" yaml:"args,omitempty"`
	URL            string            `json:"url,omitempty" yaml:"url,omitempty"` // for http/sse
	Env            map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"` // per-request HTTP timeout
	Reconnect      *ReconnectConfig  `json:"reconnect,omitempty" yaml:"reconnect,omitempty"`
}

// ReconnectConfig bounds connection retries for one server.
type ReconnectConfig struct {
	Enabled     *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	MaxAttempts int   `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
	DelayMs     int   `json:"delayMs,omitempty" yaml:"delayMs,omitempty"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`   // debug/info/warn/error
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // text/json
}

// TracingConfig enables OTLP span export. An empty endpoint disables tracing.
type TracingConfig struct {
	Endpoint    string   `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	ServiceName string   `json:"serviceName,omitempty" yaml:"serviceName,omitempty"`
	Insecure    *bool    `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	SampleRatio *float64 `json:"sampleRatio,omitempty" yaml:"sampleRatio,omitempty"`
}

// ServerConfig configures the host-facing HTTP listener.
type ServerConfig struct {
	Addr           string `json:"addr,omitempty" yaml:"addr,omitempty"`
	MaxConnections int    `json:"maxConnections,omitempty" yaml:"maxConnections,omitempty"` // 0 = unlimited
}

// Default reconnect policy applied when a server omits one.
const (
	DefaultReconnectAttempts = 3
	DefaultReconnectDelayMs  = 1000
	DefaultMaxIterations     = 8
)

// GetDefaultSettings returns the baseline every layer merges onto.
func GetDefaultSettings() Settings {
	return Settings{
		MaxIterations: DefaultMaxIterations,
		Model: &ModelSettings{
			Provider:  "anthropic",
			MaxTokens: 4096,
		},
		Logging: &LoggingConfig{Level: "info", Format: "text"},
		Server:  &ServerConfig{Addr: "127.0.0.1:8787"},
	}
}

// Validate delegates to the aggregated validator.
func (s *Settings) Validate() error { return ValidateSettings(s) }

// Validate checks a single server entry.
func (c MCPServerConfig) Validate(name string) error {
	return errors.Join(validateMCPServer(name, c)...)
}

// ServerNames returns the configured MCP server names, or nil when none are set.
func (s *Settings) ServerNames() []string {
	if s == nil || s.MCP == nil {
		return nil
	}
	names := make([]string, 0, len(s.MCP.Servers))
	for name := range s.MCP.Servers {
		names = append(names, name)
	}
	return names
}

// ResolvedType returns the normalised transport type, defaulting to stdio.
func (c MCPServerConfig) ResolvedType() string {
	t := strings.ToLower(strings.TrimSpace(c.Type))
	if t == "" {
		if strings.TrimSpace(c.URL) != "" {
			return "http"
		}
		return "stdio"
	}
	return t
}

// ReconnectEnabled reports whether retries are on, defaulting to true.
func (r *ReconnectConfig) ReconnectEnabled() bool {
	if r == nil || r.Enabled == nil {
		return true
	}
	return *r.Enabled
}

func boolPtr(v bool) *bool { return &v }

func floatPtr(v float64) *float64 { return &v }
