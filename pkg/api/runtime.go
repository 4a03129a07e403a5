// Package api hosts the runtime: the orchestrator that (re)builds tool
// providers and the execution strategy, the request router, and the
// streaming sessions that deliver model output to caller channels.
package api

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
	"gopkg.in/yaml.v3"

	"github.com/drewano/dodai-sub000/pkg/agent"
	"github.com/drewano/dodai-sub000/pkg/config"
	"github.com/drewano/dodai-sub000/pkg/core/events"
	"github.com/drewano/dodai-sub000/pkg/mcp"
	"github.com/drewano/dodai-sub000/pkg/model"
	"github.com/drewano/dodai-sub000/pkg/observability"
	"github.com/drewano/dodai-sub000/pkg/session"
)

// Runtime owns the shared state and everything that mutates it.
type Runtime struct {
	opts     Options
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *observability.Metrics
	bus      *events.Bus
	sessions *session.Registry

	state State
	// reinitMu queues concurrent re-initializations behind each other.
	reinitMu sync.Mutex
	streams  sync.WaitGroup
}

// New validates opts and returns an uninitialized runtime. Call Initialize
// before routing requests; until then chat falls back to an on-demand plain
// model.
func New(opts Options) (*Runtime, error) {
	if opts.Settings == nil {
		return nil, ErrMissingSource
	}
	opts = opts.withDefaults()
	return &Runtime{
		opts:     opts,
		logger:   opts.Logger.With("component", "runtime"),
		tracer:   opts.Tracer,
		metrics:  opts.Metrics,
		bus:      opts.Bus,
		sessions: opts.Sessions,
	}, nil
}

// Snapshot returns the committed state.
func (rt *Runtime) Snapshot() Snapshot { return rt.state.Snapshot() }

// Sessions exposes the registry host transports open channels on.
func (rt *Runtime) Sessions() *session.Registry { return rt.sessions }

// Bus exposes the notification bus.
func (rt *Runtime) Bus() *events.Bus { return rt.bus }

// Subscribe registers fn for runtime notifications such as STATE_UPDATED.
func (rt *Runtime) Subscribe(fn events.Handler, types ...events.EventType) func() {
	return rt.bus.Subscribe(fn, types...)
}

// Initialize runs the orchestrator. It reports whether a tool-augmented agent
// is active; false still leaves a plain model strategy in place.
func (rt *Runtime) Initialize(ctx context.Context) bool {
	return rt.rebuild(ctx, "initialize")
}

// Reinitialize reruns the orchestrator after a configuration change.
func (rt *Runtime) Reinitialize(ctx context.Context) bool {
	return rt.rebuild(ctx, "config_changed")
}

func (rt *Runtime) rebuild(ctx context.Context, reason string) bool {
	rt.reinitMu.Lock()
	defer rt.reinitMu.Unlock()

	start := time.Now()
	ctx, span := rt.tracer.Start(ctx, "runtime.initialize", trace.WithAttributes(attribute.String("reason", reason)))
	defer span.End()

	if prev := rt.state.clear(); prev != nil {
		rt.logger.Info("closing previous tool providers")
		prev.Close()
	}

	settings := rt.loadSettings()
	mdl, modelErr := rt.opts.ModelFactory.Model(ctx, settings.Model)
	if modelErr != nil {
		rt.logger.Warn("model unavailable", "error", modelErr)
		span.RecordError(modelErr)
	}
	fallback := plainStrategy(mdl, modelErr, settings)
	next := Snapshot{
		Settings: settings,
		Strategy: fallback,
		Fallback: fallback,
		Status:   map[string]mcp.ProviderStatus{},
	}

	policies := mcp.PoliciesFromSettings(settings)
	if len(policies) == 0 {
		rt.logger.Info("no tool providers configured, using plain model")
		return rt.finish(ctx, span, start, next)
	}

	built, err := mcp.BuildPool(policies, rt.opts.poolOptions()...)
	if err != nil {
		rt.logger.Error("tool provider pool construction failed", "error", err)
		span.RecordError(err)
		next.Status = constructionStatus(policies, err)
		return rt.finish(ctx, span, start, next)
	}
	built.Pool.ConnectAll(ctx)

	next.Pool = built.Pool
	next.Tools = built.Pool.Tools()
	next.Status = built.Pool.Status()

	if len(next.Tools) > 0 {
		if modelErr != nil {
			rt.logger.Warn("tools discovered but no model to drive them", "tools", len(next.Tools))
		} else if ag, err := agent.NewToolAgent(mdl, next.Tools, built.Pool,
			agent.WithMaxIterations(settings.MaxIterations),
			agent.WithModelName(fallback.ModelName()),
			agent.WithLogger(rt.opts.Logger),
		); err != nil {
			rt.logger.Warn("tool agent construction failed, using plain model", "error", err)
		} else {
			next.Strategy = ag
		}
	}
	return rt.finish(ctx, span, start, next)
}

func (rt *Runtime) finish(ctx context.Context, span trace.Span, start time.Time, next Snapshot) bool {
	rt.state.commit(next)
	snap := rt.state.Snapshot()
	active := snap.AgentActive()

	outcome := "degraded"
	if active {
		outcome = "ready"
	}
	counts := mcp.CountStatuses(snap.Status)
	span.SetAttributes(
		attribute.String("outcome", outcome),
		attribute.Int("tools", len(snap.Tools)),
		attribute.Int("providers", len(snap.Status)),
	)
	span.SetStatus(codes.Ok, "")
	rt.logger.Info("runtime initialized",
		"outcome", outcome,
		"strategy", snap.Strategy.Kind(),
		"tools", len(snap.Tools),
		"connected", counts[mcp.StatusConnected],
		"errored", counts[mcp.StatusError],
	)

	if m := rt.metrics; m != nil {
		m.Reinitializations.WithLabelValues(outcome).Inc()
		m.ReinitDuration.Observe(time.Since(start).Seconds())
		m.ToolsLoaded.Set(float64(len(snap.Tools)))
		byName := make(map[string]int, len(counts))
		for status, n := range counts {
			byName[string(status)] = n
		}
		m.SetProviderStatus(byName, string(mcp.StatusUnknown), string(mcp.StatusConnected), string(mcp.StatusError))
	}

	rt.persistSnapshot(ctx, snap)
	rt.publishState(snap)
	return active
}

func (rt *Runtime) loadSettings() *config.Settings {
	defaults := config.GetDefaultSettings()
	loaded, err := rt.opts.Settings.Load()
	if err != nil {
		rt.logger.Error("load settings", "error", err)
	}
	settings := config.MergeSettings(&defaults, loaded)
	if settings == nil {
		settings = &defaults
	}
	if err := settings.Validate(); err != nil {
		rt.logger.Warn("settings failed validation", "error", err)
	}
	return settings
}

// constructionStatus marks every configured provider as failed when the
// pool cannot be built, preferring each policy's own validation error.
func constructionStatus(policies map[string]mcp.ConnectionPolicy, err error) map[string]mcp.ProviderStatus {
	out := make(map[string]mcp.ProviderStatus, len(policies))
	for name, policy := range policies {
		msg := fmt.Sprintf("provider pool not built: %v", err)
		if verr := policy.Validate(); verr != nil {
			msg = verr.Error()
		}
		out[name] = mcp.ProviderStatus{Status: mcp.StatusError, Error: msg}
	}
	return out
}

type toolSnapshot struct {
	UpdatedAt time.Time                     `yaml:"updatedAt"`
	Strategy  string                        `yaml:"strategy"`
	Tools     []mcp.ToolDescriptor          `yaml:"tools"`
	Status    map[string]mcp.ProviderStatus `yaml:"status"`
}

func (rt *Runtime) persistSnapshot(ctx context.Context, snap Snapshot) {
	if rt.opts.Store == nil {
		return
	}
	data, err := yaml.Marshal(toolSnapshot{
		UpdatedAt: time.Now().UTC(),
		Strategy:  string(snap.Strategy.Kind()),
		Tools:     snap.Tools,
		Status:    snap.Status,
	})
	if err != nil {
		rt.logger.Warn("encode tool snapshot", "error", err)
		return
	}
	if err := rt.opts.Store.Set(ctx, ToolSnapshotKey, data); err != nil {
		rt.logger.Warn("persist tool snapshot", "error", err)
	}
}

func (rt *Runtime) publishState(snap Snapshot) {
	providers := make(map[string]string, len(snap.Status))
	for name, st := range snap.Status {
		providers[name] = string(st.Status)
	}
	err := rt.bus.Publish(events.Event{
		Type: events.StateUpdated,
		Payload: events.StateUpdatedPayload{
			AgentActive: snap.AgentActive(),
			Strategy:    string(snap.Strategy.Kind()),
			ToolCount:   len(snap.Tools),
			Providers:   providers,
		},
	})
	if err != nil {
		rt.logger.Warn("publish state update", "error", err)
	}
}

// strategyFor returns the committed strategy and settings, or a plain model
// built on demand when nothing has been committed yet.
func (rt *Runtime) strategyFor(ctx context.Context, snap Snapshot) (agent.Strategy, *config.Settings) {
	settings := snap.Settings
	if settings == nil {
		settings = rt.loadSettings()
	}
	switch {
	case snap.Strategy != nil:
		return snap.Strategy, settings
	case snap.Fallback != nil:
		return snap.Fallback, settings
	}
	mdl, err := rt.opts.ModelFactory.Model(ctx, settings.Model)
	return plainStrategy(mdl, err, settings), settings
}

// Close tears down every open session and the active pool. In-flight
// streams are awaited.
func (rt *Runtime) Close() error {
	rt.reinitMu.Lock()
	defer rt.reinitMu.Unlock()
	rt.sessions.CloseAll()
	rt.streams.Wait()
	if pool := rt.state.clear(); pool != nil {
		pool.Close()
	}
	return nil
}

// ToolNames lists the qualified names of the committed tools.
func (s Snapshot) ToolNames() []string {
	names := make([]string, len(s.Tools))
	for i, t := range s.Tools {
		names[i] = t.QualifiedName
	}
	sort.Strings(names)
	return names
}

func plainStrategy(mdl model.Model, err error, settings *config.Settings) agent.Strategy {
	name := ""
	if settings != nil && settings.Model != nil {
		name = settings.Model.Name
	}
	if err != nil || mdl == nil {
		if err == nil {
			err = errors.New("model factory returned nil")
		}
		mdl = unavailableModel{err: err}
	}
	plain, perr := agent.NewPlainModel(mdl, name)
	if perr != nil {
		// unreachable: mdl is never nil here
		panic(perr)
	}
	return plain
}

// unavailableModel stands in when the backend cannot be constructed so the
// failure surfaces per request instead of leaving no strategy.
type unavailableModel struct{ err error }

func (u unavailableModel) Complete(context.Context, model.Request) (*model.Response, error) {
	return nil, fmt.Errorf("model unavailable: %w", u.err)
}

func (u unavailableModel) CompleteStream(context.Context, model.Request, model.StreamHandler) error {
	return fmt.Errorf("model unavailable: %w", u.err)
}
