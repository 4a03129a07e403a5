package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrNoChannel        = errors.New("session: channel is nil")
	ErrDuplicateSession = errors.New("session: id already open")
	ErrUnknownSession   = errors.New("session: no open session")
	ErrSessionBusy      = errors.New("session busy")
)

// Session is one open conversation channel.
type Session struct {
	ID        string
	Channel   Channel
	StartedAt time.Time

	cancelled atomic.Bool
	inUse     bool // guarded by Registry.mu
	released  chan struct{}
	once      sync.Once
}

// Cancelled reports whether the peer disconnected before the session ended.
func (s *Session) Cancelled() bool { return s != nil && s.cancelled.Load() }

func (s *Session) release() {
	s.once.Do(func() { close(s.released) })
}

// Registry tracks open sessions keyed by id.
type Registry struct {
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry builds an empty registry. A nil logger falls back to slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger.With("component", "sessions"),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Open registers ch under its id and watches it for disconnects. The entry is
// dropped and the session marked cancelled as soon as ch.Done fires.
func (r *Registry) Open(ch Channel) (*Session, error) {
	if r == nil {
		return nil, errors.New("session registry is nil")
	}
	if ch == nil {
		return nil, ErrNoChannel
	}
	id := strings.TrimSpace(ch.ID())
	if id == "" {
		return nil, errors.New("session: id cannot be empty")
	}

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	sess := &Session{ID: id, Channel: ch, StartedAt: r.now(), released: make(chan struct{})}
	r.sessions[id] = sess
	r.mu.Unlock()

	go r.watch(sess)
	r.logger.Debug("session opened", "session_id", id)
	return sess, nil
}

func (r *Registry) watch(sess *Session) {
	select {
	case <-sess.Channel.Done():
		select {
		case <-sess.released:
			return
		default:
		}
		sess.cancelled.Store(true)
		if r.drop(sess) {
			r.logger.Info("session channel disconnected", "session_id", sess.ID)
		}
	case <-sess.released:
	}
}

// Get looks up an open session.
func (r *Registry) Get(id string) (*Session, bool) {
	if r == nil {
		return nil, false
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Acquire claims the open session id for one turn. A session stays claimed
// until it is released, so a second claim reports ErrSessionBusy.
func (r *Registry) Acquire(id string) (*Session, error) {
	if r == nil {
		return nil, errors.New("session registry is nil")
	}
	id = strings.TrimSpace(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSession, id)
	}
	if sess.inUse {
		return nil, fmt.Errorf("%w: %q", ErrSessionBusy, id)
	}
	sess.inUse = true
	return sess, nil
}

// Remove drops the session without closing its channel.
func (r *Registry) Remove(id string) bool {
	sess, ok := r.Get(id)
	if !ok {
		return false
	}
	return r.drop(sess)
}

// Release ends sess normally: the entry is dropped if still current and the
// channel is closed. It reports whether the entry was removed.
func (r *Registry) Release(sess *Session) bool {
	if r == nil || sess == nil {
		return false
	}
	removed := r.drop(sess)
	if err := sess.Channel.Close(); err != nil {
		r.logger.Warn("close session channel", "session_id", sess.ID, "error", err)
	}
	if removed {
		r.logger.Debug("session released", "session_id", sess.ID)
	}
	return removed
}

// drop removes sess only if it is still the registered entry for its id.
func (r *Registry) drop(sess *Session) bool {
	r.mu.Lock()
	current, ok := r.sessions[sess.ID]
	if ok && current == sess {
		delete(r.sessions, sess.ID)
	}
	r.mu.Unlock()
	sess.release()
	return ok && current == sess
}

// Len reports the number of open sessions.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// IDs lists open session ids in sorted order.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// CloseAll removes every session and closes its channel.
func (r *Registry) CloseAll() {
	if r == nil {
		return
	}
	r.mu.Lock()
	open := make([]*Session, 0, len(r.sessions))
	for id, sess := range r.sessions {
		open = append(open, sess)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, sess := range open {
		sess.release()
		if err := sess.Channel.Close(); err != nil {
			r.logger.Warn("close session channel", "session_id", sess.ID, "error", err)
		}
	}
}
