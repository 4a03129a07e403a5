// Package ws exposes a Runtime to hosts over HTTP and websockets: request
// calls on /rpc, caller-opened streaming channels on /channels/{id} and
// runtime notifications on /events.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/drewano/dodai-sub000/pkg/api"
	"github.com/drewano/dodai-sub000/pkg/core/events"
)

// Server routes HTTP traffic into a runtime.
type Server struct {
	rt       *api.Runtime
	router   *api.Router
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithGatherer serves metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// NewServer wires rt and router behind an HTTP mux.
func NewServer(rt *api.Runtime, router *api.Router, opts ...Option) *Server {
	s := &Server{
		rt:       rt,
		router:   router,
		logger:   slog.Default(),
		gatherer: prometheus.DefaultGatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "ws")
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc", s.handleRPC)
	mux.HandleFunc("GET /channels/{id}", s.handleChannel)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// Listen opens a TCP listener on addr. maxConns > 0 caps concurrent
// connections.
func Listen(addr string, maxConns int) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ws: listen %s: %w", addr, err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	return ln, nil
}

// Serve handles connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("http server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown", "error", err)
		return err
	}
	return nil
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req api.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		req.ID = uuid.NewString()
	}
	reply, handled := s.router.Call(r.Context(), req)
	if !handled {
		writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("unhandled request kind %q", req.Kind)})
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "channel id is required"})
		return
	}
	if _, exists := s.rt.Sessions().Get(id); exists {
		writeJSON(w, http.StatusConflict, errorBody{Error: fmt.Sprintf("channel %q is already open", id)})
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("channel upgrade failed", "session_id", id, "error", err)
		return
	}
	p := newPeer(id, conn, s.logger)
	if _, err := s.rt.Sessions().Open(p); err != nil {
		s.logger.Warn("open channel", "session_id", id, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	s.logger.Debug("channel opened", "session_id", id)
	p.run()
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := newPeer("listener-"+uuid.NewString(), conn, s.logger)
	unsubscribe := s.rt.Subscribe(func(evt events.Event) {
		if err := p.Send(evt); err != nil {
			s.logger.Debug("drop notification", "listener", p.ID(), "error", err)
		}
	})
	defer func() {
		unsubscribe()
		_ = p.Close()
	}()
	p.run()
}

type health struct {
	Status      string `json:"status"`
	Initialized bool   `json:"initialized"`
	AgentActive bool   `json:"agentActive"`
	Tools       int    `json:"tools"`
	Sessions    int    `json:"sessions"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	snap := s.rt.Snapshot()
	writeJSON(w, http.StatusOK, health{
		Status:      "ok",
		Initialized: snap.Initialized,
		AgentActive: snap.AgentActive(),
		Tools:       len(snap.Tools),
		Sessions:    s.rt.Sessions().Len(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
