package api

import (
	"maps"
	"slices"
	"sync"

	"github.com/drewano/dodai-sub000/pkg/agent"
	"github.com/drewano/dodai-sub000/pkg/config"
	"github.com/drewano/dodai-sub000/pkg/mcp"
)

// Snapshot is a consistent read of the runtime state.
type Snapshot struct {
	Pool     *mcp.Pool
	Tools    []mcp.ToolDescriptor
	Strategy agent.Strategy
	// Fallback is the plain-model strategy built from the same settings.
	Fallback agent.Strategy
	Status   map[string]mcp.ProviderStatus
	Settings *config.Settings
	// Initialized is false until the first orchestrator pass commits.
	Initialized bool
}

// AgentActive reports whether the committed strategy uses tools.
func (s Snapshot) AgentActive() bool {
	return s.Strategy != nil && s.Strategy.Kind() == agent.KindToolAgent
}

// State is the single mutable record shared by request handlers. Only the
// orchestrator writes it, through clear and commit.
type State struct {
	mu   sync.RWMutex
	snap Snapshot
}

// Snapshot returns a copy safe to use without holding the lock.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.snap
	out.Tools = slices.Clone(s.snap.Tools)
	out.Status = maps.Clone(s.snap.Status)
	if out.Status == nil {
		out.Status = map[string]mcp.ProviderStatus{}
	}
	if out.Tools == nil {
		out.Tools = []mcp.ToolDescriptor{}
	}
	return out
}

// clear detaches the active pool and empties tools and status. The plain
// fallback stays in place so a strategy is always available.
func (s *State) clear() *mcp.Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.snap.Pool
	s.snap.Pool = nil
	s.snap.Tools = nil
	s.snap.Status = nil
	s.snap.Strategy = s.snap.Fallback
	return prev
}

// commit installs a full orchestrator result in one step.
func (s *State) commit(next Snapshot) {
	next.Initialized = true
	s.mu.Lock()
	s.snap = next
	s.mu.Unlock()
}
