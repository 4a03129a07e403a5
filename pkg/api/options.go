package api

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/drewano/dodai-sub000/pkg/config"
	"github.com/drewano/dodai-sub000/pkg/core/events"
	"github.com/drewano/dodai-sub000/pkg/mcp"
	"github.com/drewano/dodai-sub000/pkg/model"
	"github.com/drewano/dodai-sub000/pkg/observability"
	"github.com/drewano/dodai-sub000/pkg/session"
)

var (
	ErrMissingSource  = errors.New("api: settings source is required")
	ErrMissingMessage = errors.New("api: message is required")
	ErrNoChannel      = errors.New("api: no open channel for session")
)

// ToolSnapshotKey is the Store key the committed tool list is written to.
const ToolSnapshotKey = "mcp.tools.snapshot"

// ModelFactory builds the model backend from the current settings.
type ModelFactory interface {
	Model(ctx context.Context, settings *config.ModelSettings) (model.Model, error)
}

// ModelFactoryFunc turns a function into a ModelFactory.
type ModelFactoryFunc func(ctx context.Context, settings *config.ModelSettings) (model.Model, error)

// Model implements ModelFactory.
func (fn ModelFactoryFunc) Model(ctx context.Context, settings *config.ModelSettings) (model.Model, error) {
	if fn == nil {
		return nil, errors.New("api: model factory is nil")
	}
	return fn(ctx, settings)
}

// Retriever supplies passages for retrieval-augmented chat.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]events.SourceDocument, error)
}

// RetrieverFunc turns a function into a Retriever.
type RetrieverFunc func(ctx context.Context, query string) ([]events.SourceDocument, error)

// Retrieve implements Retriever.
func (fn RetrieverFunc) Retrieve(ctx context.Context, query string) ([]events.SourceDocument, error) {
	return fn(ctx, query)
}

// Options configures a Runtime.
type Options struct {
	// Settings is read on every (re)initialization.
	Settings config.Source
	// Store receives the tool snapshot after each commit. Optional.
	Store config.Store

	// ModelFactory defaults to model.FromSettings.
	ModelFactory ModelFactory
	Retriever    Retriever

	// Dialer overrides how tool providers are reached. Defaults to the MCP SDK.
	Dialer      mcp.Dialer
	PoolOptions []mcp.PoolOption

	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *observability.Metrics
	Bus      *events.Bus
	Sessions *session.Registry
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("dodai")
	}
	if o.ModelFactory == nil {
		o.ModelFactory = ModelFactoryFunc(func(_ context.Context, s *config.ModelSettings) (model.Model, error) {
			return model.FromSettings(s, "")
		})
	}
	if o.Bus == nil {
		o.Bus = events.NewBus(o.Logger)
	}
	if o.Sessions == nil {
		o.Sessions = session.NewRegistry(o.Logger)
	}
	return o
}

func (o Options) poolOptions() []mcp.PoolOption {
	opts := []mcp.PoolOption{mcp.WithLogger(o.Logger), mcp.WithTracer(o.Tracer)}
	if o.Dialer != nil {
		opts = append(opts, mcp.WithDialer(o.Dialer))
	}
	return append(opts, o.PoolOptions...)
}
