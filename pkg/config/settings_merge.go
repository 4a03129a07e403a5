package config

// This file provides pure, allocation-safe merge helpers for Settings.
// All functions return new objects and never mutate inputs.

// MergeSettings deep-merges two Settings structs (lower <- higher) and returns a new instance.
// - Scalars: higher non-zero values override lower.
// - Pointers: higher non-nil overrides lower.
// - Maps: merged per key with higher entries overriding.
// - Nested structs: merged recursively.
func MergeSettings(lower, higher *Settings) *Settings {
	if lower == nil && higher == nil {
		return nil
	}
	if lower == nil {
		return cloneSettings(higher)
	}
	if higher == nil {
		return cloneSettings(lower)
	}

	result := cloneSettings(lower)
	result.Model = mergeModel(lower.Model, higher.Model)
	if higher.SystemPrompt != "" {
		result.SystemPrompt = higher.SystemPrompt
	}
	if higher.MaxIterations != 0 {
		result.MaxIterations = higher.MaxIterations
	}
	result.MCP = mergeMCPConfig(lower.MCP, higher.MCP)
	result.Logging = mergeLogging(lower.Logging, higher.Logging)
	result.Tracing = mergeTracing(lower.Tracing, higher.Tracing)
	result.Server = mergeServer(lower.Server, higher.Server)
	return result
}

func mergeModel(lower, higher *ModelSettings) *ModelSettings {
	if higher == nil {
		return cloneModel(lower)
	}
	if lower == nil {
		return cloneModel(higher)
	}
	out := cloneModel(lower)
	if higher.Provider != "" {
		out.Provider = higher.Provider
	}
	if higher.Name != "" {
		out.Name = higher.Name
	}
	if higher.APIKey != "" {
		out.APIKey = higher.APIKey
	}
	if higher.BaseURL != "" {
		out.BaseURL = higher.BaseURL
	}
	if higher.MaxTokens != 0 {
		out.MaxTokens = higher.MaxTokens
	}
	if higher.Temperature != nil {
		out.Temperature = floatPtr(*higher.Temperature)
	}
	if higher.ThinkingBudget != 0 {
		out.ThinkingBudget = higher.ThinkingBudget
	}
	if higher.MaxRetries != 0 {
		out.MaxRetries = higher.MaxRetries
	}
	return out
}

// mergeMCPConfig replaces servers by name; a higher layer never partially edits a server.
func mergeMCPConfig(lower, higher *MCPConfig) *MCPConfig {
	if lower == nil && higher == nil {
		return nil
	}
	if lower == nil {
		return cloneMCPConfig(higher)
	}
	if higher == nil {
		return cloneMCPConfig(lower)
	}
	out := cloneMCPConfig(lower)
	if len(higher.Servers) > 0 {
		if out.Servers == nil {
			out.Servers = make(map[string]MCPServerConfig, len(higher.Servers))
		}
		for name, cfg := range higher.Servers {
			out.Servers[name] = cloneMCPServerConfig(cfg)
		}
	}
	return out
}

func mergeLogging(lower, higher *LoggingConfig) *LoggingConfig {
	if higher == nil {
		return cloneLogging(lower)
	}
	out := cloneLogging(lower)
	if out == nil {
		out = &LoggingConfig{}
	}
	if higher.Level != "" {
		out.Level = higher.Level
	}
	if higher.Format != "" {
		out.Format = higher.Format
	}
	return out
}

func mergeTracing(lower, higher *TracingConfig) *TracingConfig {
	if higher == nil {
		return cloneTracing(lower)
	}
	out := cloneTracing(lower)
	if out == nil {
		out = &TracingConfig{}
	}
	if higher.Endpoint != "" {
		out.Endpoint = higher.Endpoint
	}
	if higher.ServiceName != "" {
		out.ServiceName = higher.ServiceName
	}
	if higher.Insecure != nil {
		out.Insecure = boolPtr(*higher.Insecure)
	}
	if higher.SampleRatio != nil {
		out.SampleRatio = floatPtr(*higher.SampleRatio)
	}
	return out
}

func mergeServer(lower, higher *ServerConfig) *ServerConfig {
	if higher == nil {
		return cloneServer(lower)
	}
	out := cloneServer(lower)
	if out == nil {
		out = &ServerConfig{}
	}
	if higher.Addr != "" {
		out.Addr = higher.Addr
	}
	if higher.MaxConnections != 0 {
		out.MaxConnections = higher.MaxConnections
	}
	return out
}

// mergeMaps merges string maps; higher values override lower keys.
func mergeMaps(lower, higher map[string]string) map[string]string {
	if len(lower) == 0 && len(higher) == 0 {
		return nil
	}
	out := make(map[string]string, len(lower)+len(higher))
	for k, v := range lower {
		out[k] = v
	}
	for k, v := range higher {
		out[k] = v
	}
	return out
}

// --- cloning helpers (keep private to avoid aliasing callers) ---

func cloneSettings(src *Settings) *Settings {
	if src == nil {
		return nil
	}
	out := *src
	out.Model = cloneModel(src.Model)
	out.MCP = cloneMCPConfig(src.MCP)
	out.Logging = cloneLogging(src.Logging)
	out.Tracing = cloneTracing(src.Tracing)
	out.Server = cloneServer(src.Server)
	return &out
}

func cloneModel(src *ModelSettings) *ModelSettings {
	if src == nil {
		return nil
	}
	out := *src
	if src.Temperature != nil {
		out.Temperature = floatPtr(*src.Temperature)
	}
	return &out
}

func cloneMCPConfig(src *MCPConfig) *MCPConfig {
	if src == nil {
		return nil
	}
	out := &MCPConfig{}
	if len(src.Servers) > 0 {
		out.Servers = make(map[string]MCPServerConfig, len(src.Servers))
		for name, cfg := range src.Servers {
			out.Servers[name] = cloneMCPServerConfig(cfg)
		}
	}
	return out
}

func cloneMCPServerConfig(src MCPServerConfig) MCPServerConfig {
	out := src
	if len(src.Args) > 0 {
		out.Args = append([]string(nil), src.Args...)
	}
	out.Env = mergeMaps(nil, src.Env)
	out.Headers = mergeMaps(nil, src.Headers)
	if src.Reconnect != nil {
		rc := *src.Reconnect
		if src.Reconnect.Enabled != nil {
			rc.Enabled = boolPtr(*src.Reconnect.Enabled)
		}
		out.Reconnect = &rc
	}
	return out
}

func cloneLogging(src *LoggingConfig) *LoggingConfig {
	if src == nil {
		return nil
	}
	out := *src
	return &out
}

func cloneTracing(src *TracingConfig) *TracingConfig {
	if src == nil {
		return nil
	}
	out := *src
	if src.Insecure != nil {
		out.Insecure = boolPtr(*src.Insecure)
	}
	if src.SampleRatio != nil {
		out.SampleRatio = floatPtr(*src.SampleRatio)
	}
	return &out
}

func cloneServer(src *ServerConfig) *ServerConfig {
	if src == nil {
		return nil
	}
	out := *src
	return &out
}
