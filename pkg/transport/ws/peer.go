package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drewano/dodai-sub000/pkg/core/events"
	"github.com/drewano/dodai-sub000/pkg/session"
)

const (
	maxPayloadBytes = 1 << 20
	sendBuffer      = 256
	pongWait        = 45 * time.Second
	pingInterval    = 15 * time.Second
	writeWait       = 10 * time.Second
)

var errSendBufferFull = errors.New("ws: send buffer full")

// peer is a websocket connection that carries outbound events. It satisfies
// session.Channel so a host can open it as a streaming channel.
type peer struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool

	done     chan struct{}
	doneOnce sync.Once
	peerGone chan struct{}
}

var _ session.Channel = (*peer)(nil)

func newPeer(id string, conn *websocket.Conn, logger *slog.Logger) *peer {
	return &peer{
		id:       id,
		conn:     conn,
		logger:   logger,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		peerGone: make(chan struct{}),
	}
}

func (p *peer) ID() string { return p.id }

// Send queues evt without blocking. A reader too slow to drain the buffer
// is disconnected: the peer is marked done and the socket closed, so the
// session is cancelled instead of delivering a stream with gaps.
func (p *peer) Send(evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("ws: encode event: %w", err)
	}
	if len(data) > maxPayloadBytes {
		return fmt.Errorf("ws: event of %d bytes exceeds limit", len(data))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return session.ErrChannelClosed
	}
	select {
	case <-p.peerGone:
		return session.ErrChannelClosed
	case <-p.done:
		return session.ErrChannelClosed
	default:
	}
	select {
	case p.send <- data:
		return nil
	default:
		p.logger.Warn("websocket reader too slow, disconnecting", "peer", p.id, "buffered", len(p.send))
		p.markDone()
		_ = p.conn.Close()
		return errSendBufferFull
	}
}

func (p *peer) Done() <-chan struct{} { return p.done }

// Close stops accepting events. Queued events are flushed before the close
// frame is written.
func (p *peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.send)
	}
	p.markDone()
	return nil
}

func (p *peer) markDone() {
	p.doneOnce.Do(func() { close(p.done) })
}

// run blocks until the connection is gone.
func (p *peer) run() {
	go p.writeLoop()
	p.readLoop()
}

// readLoop discards inbound frames; it exists to observe pongs and the peer
// going away.
func (p *peer) readLoop() {
	defer func() {
		close(p.peerGone)
		p.markDone()
	}()
	p.conn.SetReadLimit(maxPayloadBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Debug("websocket read failed", "peer", p.id, "error", err)
			}
			return
		}
	}
}

func (p *peer) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"))
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				p.logger.Debug("websocket write failed", "peer", p.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.peerGone:
			return
		}
	}
}
