package events

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(Event)

type subscription struct {
	id     uint64
	types  []EventType
	handle Handler
}

func (s subscription) match(t EventType) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// Bus fans events out to subscribers. The zero value is not usable; call NewBus.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

// NewBus returns an empty bus. A nil logger falls back to slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger.With("component", "events")}
}

// Subscribe registers fn for the listed types, or for every type when none
// are given. The returned func removes the subscription and is idempotent.
func (b *Bus) Subscribe(fn Handler, types ...EventType) func() {
	if b == nil || fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, types: slices.Clone(types), handle: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.subs = slices.DeleteFunc(b.subs, func(s subscription) bool { return s.id == id })
		})
	}
}

// Publish stamps evt with an id and timestamp when missing and delivers it to
// every matching subscriber. A panicking handler is logged and skipped.
func (b *Bus) Publish(evt Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	if b == nil {
		return nil
	}
	evt = Stamp(evt)

	b.mu.RLock()
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.match(evt.Type) {
			b.deliver(sub, evt)
		}
	}
	return nil
}

// Len reports the number of live subscriptions.
func (b *Bus) Len() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) deliver(sub subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "type", evt.Type, "panic", r)
		}
	}()
	sub.handle(evt)
}

// Stamp fills ID and Timestamp when unset.
func Stamp(evt Event) Event {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	return evt
}
