package mcp

import "sort"

// Status is the connection state of one provider.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusConnected Status = "connected"
	StatusError     Status = "error"
)

// ErrNoToolsLoaded is the status message for providers that connected without
// contributing a tool.
const ErrNoToolsLoaded = "no tools loaded"

// ProviderStatus is reported per configured provider name.
type ProviderStatus struct {
	Status Status `json:"status" yaml:"status"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

// DeriveStatus computes one status per name. An explicit connect error always
// wins; otherwise a provider owning at least one tool is connected and any
// other provider is in error with ErrNoToolsLoaded.
func DeriveStatus(names []string, tools []ToolDescriptor, explicit map[string]string) map[string]ProviderStatus {
	owned := make(map[string]int, len(names))
	for _, t := range tools {
		owned[t.OwnerProvider]++
	}
	out := make(map[string]ProviderStatus, len(names))
	for _, name := range names {
		switch {
		case explicit[name] != "":
			out[name] = ProviderStatus{Status: StatusError, Error: explicit[name]}
		case owned[name] > 0:
			out[name] = ProviderStatus{Status: StatusConnected}
		default:
			out[name] = ProviderStatus{Status: StatusError, Error: ErrNoToolsLoaded}
		}
	}
	return out
}

// CountStatuses tallies providers per status, for metrics and logs.
func CountStatuses(statuses map[string]ProviderStatus) map[Status]int {
	out := map[Status]int{}
	for _, st := range statuses {
		out[st.Status]++
	}
	return out
}

// StatusNames returns the provider names in a status map, sorted.
func StatusNames(statuses map[string]ProviderStatus) []string {
	names := make([]string, 0, len(statuses))
	for name := range statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
