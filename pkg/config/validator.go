package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

var serverNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateSettings checks the merged Settings structure for logical consistency.
// Aggregates all failures using errors.Join so callers can surface every issue at once.
func ValidateSettings(s *Settings) error {
	if s == nil {
		return errors.New("settings is nil")
	}

	var errs []error

	// model
	errs = append(errs, validateModelSettings(s.Model)...)
	if s.MaxIterations < 0 {
		errs = append(errs, errors.New("maxIterations must be >=0"))
	}

	// mcp
	errs = append(errs, validateMCPConfig(s.MCP)...)

	// ambient
	errs = append(errs, validateLoggingConfig(s.Logging)...)
	errs = append(errs, validateTracingConfig(s.Tracing)...)
	if s.Server != nil && s.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.maxConnections must be >=0"))
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func validateModelSettings(m *ModelSettings) []error {
	if m == nil {
		return nil
	}
	var errs []error
	switch strings.ToLower(strings.TrimSpace(m.Provider)) {
	case "", "anthropic", "openai":
	default:
		errs = append(errs, fmt.Errorf("model.provider %q is not supported", m.Provider))
	}
	if m.MaxTokens < 0 {
		errs = append(errs, errors.New("model.maxTokens must be >=0"))
	}
	if m.ThinkingBudget < 0 {
		errs = append(errs, errors.New("model.thinkingBudget must be >=0"))
	}
	if m.MaxRetries < 0 {
		errs = append(errs, errors.New("model.maxRetries must be >=0"))
	}
	if m.Temperature != nil && (*m.Temperature < 0 || *m.Temperature > 2) {
		errs = append(errs, errors.New("model.temperature must be within [0,2]"))
	}
	return errs
}

func validateMCPConfig(cfg *MCPConfig) []error {
	if cfg == nil || len(cfg.Servers) == 0 {
		return nil
	}
	names := make([]string, 0, len(cfg.Servers))
	for name := range cfg.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names {
		errs = append(errs, validateMCPServer(name, cfg.Servers[name])...)
	}
	return errs
}

func validateMCPServer(name string, entry MCPServerConfig) []error {
	var errs []error
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return []error{errors.New("mcp.servers has an empty name")}
	}
	if !serverNamePattern.MatchString(trimmed) {
		errs = append(errs, fmt.Errorf("mcp.servers[%s] name must match %s", name, serverNamePattern.String()))
	}
	if entry.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("mcp.servers[%s].timeoutSeconds must be >=0", name))
	}
	switch serverType := entry.ResolvedType(); serverType {
	case "stdio":
		if strings.TrimSpace(entry.Command) == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%s].command is required for type stdio", name))
		}
	case "http", "sse":
		if strings.TrimSpace(entry.URL) == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%s].url is required for type %s", name, serverType))
		} else if u, err := url.Parse(entry.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("mcp.servers[%s].url must be an http(s) URL", name))
		}
	default:
		errs = append(errs, fmt.Errorf("mcp.servers[%s].type %q is not supported", name, entry.Type))
	}
	for k := range entry.Headers {
		if strings.TrimSpace(k) == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%s].headers contains empty key", name))
			break
		}
	}
	if rc := entry.Reconnect; rc != nil {
		if rc.MaxAttempts < 0 {
			errs = append(errs, fmt.Errorf("mcp.servers[%s].reconnect.maxAttempts must be >=0", name))
		}
		if rc.DelayMs < 0 {
			errs = append(errs, fmt.Errorf("mcp.servers[%s].reconnect.delayMs must be >=0", name))
		}
	}
	return errs
}

func validateLoggingConfig(cfg *LoggingConfig) []error {
	if cfg == nil {
		return nil
	}
	var errs []error
	switch strings.ToLower(cfg.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not supported", cfg.Level))
	}
	switch strings.ToLower(cfg.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not supported", cfg.Format))
	}
	return errs
}

func validateTracingConfig(cfg *TracingConfig) []error {
	if cfg == nil {
		return nil
	}
	if cfg.SampleRatio != nil && (*cfg.SampleRatio < 0 || *cfg.SampleRatio > 1) {
		return []error{errors.New("tracing.sampleRatio must be within [0,1]")}
	}
	return nil
}
