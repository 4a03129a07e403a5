package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drewano/dodai-sub000/pkg/api"
	"github.com/drewano/dodai-sub000/pkg/config"
	"github.com/drewano/dodai-sub000/pkg/core/events"
	"github.com/drewano/dodai-sub000/pkg/model"
	"github.com/drewano/dodai-sub000/pkg/observability"
	"github.com/drewano/dodai-sub000/pkg/session"
)

type echoModel struct{}

func (echoModel) Name() string { return "echo-model" }

func (echoModel) Complete(_ context.Context, req model.Request) (*model.Response, error) {
	last := req.Messages[len(req.Messages)-1].Content
	return &model.Response{Message: model.Message{Role: "assistant", Content: "echo: " + last}}, nil
}

func (m echoModel) CompleteStream(ctx context.Context, req model.Request, cb model.StreamHandler) error {
	resp, _ := m.Complete(ctx, req)
	for _, part := range strings.SplitAfter(resp.Message.Content, " ") {
		if err := cb(model.StreamResult{Delta: part}); err != nil {
			return err
		}
	}
	return cb(model.StreamResult{Final: true, Response: resp})
}

type fixture struct {
	rt  *api.Runtime
	srv *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	rt, err := api.New(api.Options{
		Settings: config.StaticSource{Settings: &config.Settings{}},
		ModelFactory: api.ModelFactoryFunc(func(context.Context, *config.ModelSettings) (model.Model, error) {
			return echoModel{}, nil
		}),
		Logger:  observability.Discard(),
		Metrics: observability.NewMetrics(reg),
	})
	require.NoError(t, err)
	rt.Initialize(context.Background())
	server := NewServer(rt, api.NewRouter(rt), WithLogger(observability.Discard()), WithGatherer(reg))
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = rt.Close()
	})
	return &fixture{rt: rt, srv: srv}
}

func (f *fixture) rpc(t *testing.T, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+"/rpc", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (f *fixture) dial(t *testing.T, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var evt map[string]any
	require.NoError(t, conn.ReadJSON(&evt))
	return evt
}

func TestRPCRoutesRequests(t *testing.T) {
	f := newFixture(t)

	status, body := f.rpc(t, `{"type":"LIST_TOOLS"}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["success"])
	require.Equal(t, []any{}, body["tools"])
	require.NotEmpty(t, body["id"])

	status, body = f.rpc(t, `{"id":"c1","type":"CHAT_REQUEST","payload":{"message":"ping"}}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "c1", body["id"])
	require.Equal(t, "echo: ping", body["data"])

	status, body = f.rpc(t, `{"type":"SAVE_NOTE"}`)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, false, body["success"])

	status, _ = f.rpc(t, `{"type":`)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestChannelStreamsChatAndCloses(t *testing.T) {
	f := newFixture(t)
	conn, _, err := f.dial(t, "/channels/tab-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := f.rt.Sessions().Get("tab-1")
		return ok
	}, 5*time.Second, 5*time.Millisecond)

	status, body := f.rpc(t, `{"type":"CHAT_REQUEST","payload":{"message":"hi there","streaming":true,"sessionId":"tab-1"}}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["streaming"])

	var types []string
	var text strings.Builder
	for {
		evt := readEvent(t, conn)
		types = append(types, evt["type"].(string))
		payload, _ := evt["payload"].(map[string]any)
		if evt["type"] == string(events.StreamChunk) {
			text.WriteString(payload["chunk"].(string))
		}
		if evt["type"] == string(events.StreamEnd) {
			require.Equal(t, true, payload["success"])
			require.Equal(t, "echo-model", payload["model"])
			break
		}
	}
	require.Equal(t, string(events.StreamStart), types[0])
	require.Equal(t, "echo: hi there", text.String())

	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	require.Zero(t, f.rt.Sessions().Len())
}

func TestChannelRejectsDuplicateID(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.dial(t, "/channels/dup")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.rt.Sessions().Len() == 1 }, 5*time.Second, 5*time.Millisecond)

	_, resp, err := f.dial(t, "/channels/dup")
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestChannelDisconnectDropsSession(t *testing.T) {
	f := newFixture(t)
	conn, _, err := f.dial(t, "/channels/bye")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.rt.Sessions().Len() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return f.rt.Sessions().Len() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestEventsListenerReceivesStateUpdates(t *testing.T) {
	f := newFixture(t)
	conn, _, err := f.dial(t, "/events")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.rt.Bus().Len() == 1 }, 5*time.Second, 5*time.Millisecond)

	status, body := f.rpc(t, `{"type":"CONFIG_CHANGED"}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, false, body["agentActive"])

	evt := readEvent(t, conn)
	require.Equal(t, string(events.StateUpdated), evt["type"])
	payload := evt["payload"].(map[string]any)
	require.Equal(t, "plain_model", payload["strategy"])

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return f.rt.Bus().Len() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	var h health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	resp.Body.Close()
	require.Equal(t, health{Status: "ok", Initialized: true}, h)

	resp, err = http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(raw), "dodai_reinitializations_total")
}

func TestListenLimitsConnections(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", 1)
	require.NoError(t, err)
	f := newFixture(t)
	server := NewServer(f.rt, api.NewRouter(f.rt), WithLogger(observability.Discard()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, ln) }()

	addr := ln.Addr().String()
	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	require.Error(t, err)
}

func TestPeerDisconnectsSlowReader(t *testing.T) {
	peers := make(chan *peer, 1)
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// no write loop: nothing drains the buffer
		peers <- newPeer("slow", conn, observability.Discard())
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()
	var p *peer
	select {
	case p = <-peers:
	case <-time.After(5 * time.Second):
		t.Fatal("server never upgraded")
	}

	evt := events.Event{Type: events.StreamChunk, SessionID: "slow", Payload: events.ChunkPayload{Chunk: "x"}}
	for range sendBuffer {
		require.NoError(t, p.Send(evt))
	}
	require.ErrorIs(t, p.Send(evt), errSendBufferFull)
	select {
	case <-p.Done():
	default:
		t.Fatal("overrun peer should be done")
	}
	require.ErrorIs(t, p.Send(evt), session.ErrChannelClosed)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := client.ReadMessage(); err != nil {
			var netErr net.Error
			require.False(t, errors.As(err, &netErr) && netErr.Timeout(), "socket left open: %v", err)
			break
		}
	}
}
