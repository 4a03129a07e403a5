package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/drewano/dodai-sub000/pkg/api"
	"github.com/drewano/dodai-sub000/pkg/config"
	"github.com/drewano/dodai-sub000/pkg/core/events"
	"github.com/drewano/dodai-sub000/pkg/mcp"
	"github.com/drewano/dodai-sub000/pkg/observability"
	"github.com/drewano/dodai-sub000/pkg/transport/ws"
)

// stack is everything a command needs to drive a runtime.
type stack struct {
	loader   *config.SettingsLoader
	settings *config.Settings
	logger   *slog.Logger
	registry *prometheus.Registry
	rt       *api.Runtime
	router   *api.Router
	shutdown observability.ShutdownFunc
}

func newStack(ctx context.Context, flags *globalFlags, stderr io.Writer) (*stack, error) {
	loader := &config.SettingsLoader{ProjectRoot: flags.project}
	settings, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	logCfg := observability.LogConfigFrom(settings.Logging)
	logCfg.Output = stderr
	if flags.debug {
		logCfg.Level = "debug"
	}
	logger := observability.NewLogger(logCfg)
	loader.Logger = logger

	var (
		tracer   trace.Tracer
		shutdown observability.ShutdownFunc
	)
	tracer, shutdown, err = observability.NewTracer(ctx, observability.TraceConfigFrom(settings.Tracing))
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rt, err := api.New(api.Options{
		Settings: loader,
		Store:    config.FileStore{Dir: filepath.Join(loader.SettingsDir(), "state")},
		Dialer:   mcp.SDKDialer{ClientName: "dodai", ClientVersion: version},
		Logger:   logger,
		Tracer:   tracer,
		Metrics:  observability.NewMetrics(reg),
	})
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	return &stack{
		loader:   loader,
		settings: settings,
		logger:   logger,
		registry: reg,
		rt:       rt,
		router:   api.NewRouter(rt),
		shutdown: shutdown,
	}, nil
}

func (s *stack) close() {
	s.router.Wait()
	if err := s.rt.Close(); err != nil {
		s.logger.Warn("close runtime", "error", err)
	}
	if err := s.shutdown(context.Background()); err != nil {
		s.logger.Warn("flush traces", "error", err)
	}
}

func buildServeCmd(flags *globalFlags) *cobra.Command {
	var (
		addr     string
		maxConns int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the runtime over HTTP and websockets",
		Long: `Start the host server.

Routes:
  POST /rpc             typed requests (CHAT_REQUEST, LIST_TOOLS, ...)
  GET  /channels/{id}   websocket channel for streaming chat sessions
  GET  /events          websocket feed of runtime notifications
  GET  /metrics         Prometheus metrics
  GET  /healthz         liveness and runtime summary

Settings files are watched; a change triggers CONFIG_CHANGED.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, flags, addr, maxConns, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from settings)")
	cmd.Flags().IntVar(&maxConns, "max-connections", -1, "Cap on concurrent connections (default from settings, 0 = unlimited)")
	return cmd
}

func runServe(ctx context.Context, flags *globalFlags, addr string, maxConns int, stderr io.Writer) error {
	st, err := newStack(ctx, flags, stderr)
	if err != nil {
		return err
	}
	defer st.close()

	if server := st.settings.Server; server != nil {
		if addr == "" {
			addr = server.Addr
		}
		if maxConns < 0 {
			maxConns = server.MaxConnections
		}
	}

	st.rt.Initialize(ctx)

	watcher, err := config.NewWatcher(st.loader,
		config.OnChange(func(*config.Settings) {
			req := api.Request{ID: uuid.NewString(), Kind: api.KindConfigChanged}
			st.router.Dispatch(ctx, req, func(reply api.Reply) {
				st.logger.Info("settings reloaded", "request_id", reply.ID, "success", reply.Success, "agent_active", reply.AgentActive != nil && *reply.AgentActive)
			})
		}),
		config.OnError(func(err error) {
			st.logger.Warn("settings reload failed", "error", err)
		}),
	)
	if err != nil {
		return err
	}
	if _, err := watcher.Start(); err != nil {
		return fmt.Errorf("watch settings: %w", err)
	}
	defer watcher.Close()

	ln, err := ws.Listen(addr, maxConns)
	if err != nil {
		return err
	}
	server := ws.NewServer(st.rt, st.router, ws.WithLogger(st.logger), ws.WithGatherer(st.registry))
	return server.Serve(ctx, ln)
}

type toolsReport struct {
	AgentActive bool                          `json:"agentActive"`
	Tools       []mcp.ToolDescriptor          `json:"tools"`
	Status      map[string]mcp.ProviderStatus `json:"status"`
}

func buildToolsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Connect to configured providers and print tools and status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := newStack(cmd.Context(), flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer st.close()

			active := st.rt.Initialize(cmd.Context())
			snap := st.rt.Snapshot()
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(toolsReport{AgentActive: active, Tools: snap.Tools, Status: snap.Status})
		},
	}
}

func buildChatCmd(flags *globalFlags) *cobra.Command {
	var (
		noStream  bool
		retrieval bool
		verbose   bool
	)
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send one message and print the answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := newStack(ctx, flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer st.close()
			st.rt.Initialize(ctx)

			chat := api.ChatRequest{Message: args[0], Streaming: !noStream, UseRetrieval: retrieval}
			if noStream {
				return printReply(ctx, st.router, chat, cmd.OutOrStdout())
			}
			out := newPrintChannel("cli-"+uuid.NewString(), cmd.OutOrStdout(), cmd.ErrOrStderr(), verbose)
			if _, err := st.rt.Sessions().Open(out); err != nil {
				return err
			}
			chat.SessionID = out.ID()
			if err := printReply(ctx, st.router, chat, io.Discard); err != nil {
				return err
			}
			<-out.Done()
			return out.Err()
		},
	}
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "Wait for the full answer instead of streaming")
	cmd.Flags().BoolVar(&retrieval, "retrieval", false, "Request retrieval-augmented context")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print thinking and tool activity to stderr")
	return cmd
}

func printReply(ctx context.Context, router *api.Router, chat api.ChatRequest, w io.Writer) error {
	req, err := api.NewRequest(api.KindChat, chat)
	if err != nil {
		return err
	}
	req.ID = uuid.NewString()
	reply, _ := router.Call(ctx, req)
	if !reply.Success {
		return errors.New(reply.Error)
	}
	if reply.Data != "" {
		_, err = fmt.Fprintln(w, reply.Data)
	}
	return err
}

// printChannel renders a streaming session on a terminal.
type printChannel struct {
	id       string
	out, log io.Writer
	verbose  bool

	mu   sync.Mutex
	err  error
	done chan struct{}
	once sync.Once
}

func newPrintChannel(id string, out, log io.Writer, verbose bool) *printChannel {
	return &printChannel{id: id, out: out, log: log, verbose: verbose, done: make(chan struct{})}
}

func (p *printChannel) ID() string            { return p.id }
func (p *printChannel) Done() <-chan struct{} { return p.done }

func (p *printChannel) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// Err is the failure reported by the stream, if any.
func (p *printChannel) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *printChannel) Send(evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch payload := evt.Payload.(type) {
	case events.ChunkPayload:
		fmt.Fprint(p.out, payload.Chunk)
	case events.AnnotationPayload:
		if p.verbose {
			fmt.Fprintf(p.log, "[%s] %s\n", payload.Kind, payload.Text)
		}
	case events.EndPayload:
		fmt.Fprintln(p.out)
		if !payload.Success {
			p.err = errors.New(payload.Error)
		}
		for i, doc := range payload.SourceDocuments {
			fmt.Fprintf(p.log, "source [%d] %s %s\n", i+1, doc.Title, doc.Source)
		}
	}
	return nil
}
