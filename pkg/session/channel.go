// Package session tracks the duplex channels that streaming conversations
// are delivered on.
package session

import (
	"errors"
	"sync"

	"github.com/drewano/dodai-sub000/pkg/core/events"
)

// ErrChannelClosed is returned by Send once a channel is closed or its peer
// has gone away.
var ErrChannelClosed = errors.New("session: channel closed")

// Channel is one caller-opened, duplex event stream.
type Channel interface {
	ID() string
	Send(events.Event) error
	// Done is closed when the peer disconnects or the channel is closed.
	Done() <-chan struct{}
	Close() error
}

// Pipe is an in-memory Channel that records every event it accepts.
type Pipe struct {
	id string

	mu       sync.Mutex
	events   []events.Event
	notify   chan struct{}
	done     chan struct{}
	closed   chan struct{}
	isDone   bool
	isClosed bool
}

// NewPipe returns an open pipe.
func NewPipe(id string) *Pipe {
	return &Pipe{
		id:     id,
		notify: make(chan struct{}),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (p *Pipe) ID() string { return p.id }

func (p *Pipe) Send(evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isDone {
		return ErrChannelClosed
	}
	p.events = append(p.events, evt)
	close(p.notify)
	p.notify = make(chan struct{})
	return nil
}

func (p *Pipe) Done() <-chan struct{} { return p.done }

// Close is the server-side close. It is idempotent.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markDone()
	if !p.isClosed {
		p.isClosed = true
		close(p.closed)
	}
	return nil
}

// Disconnect simulates the peer going away without a server-side close.
func (p *Pipe) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markDone()
}

// Closed fires once Close has been called.
func (p *Pipe) Closed() <-chan struct{} { return p.closed }

// Events returns a snapshot of everything sent so far.
func (p *Pipe) Events() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Event, len(p.events))
	copy(out, p.events)
	return out
}

// Changed returns a channel closed on the next successful Send.
func (p *Pipe) Changed() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notify
}

func (p *Pipe) markDone() {
	if !p.isDone {
		p.isDone = true
		close(p.done)
	}
}
