// Package bus is the in-process fan-out between the sync pipeline and its
// consumers. Publishers never block on consumers and a misbehaving handler
// cannot take down a cycle.
package bus

import (
	"log/slog"
	"sync"

	"github.com/vendtrak/fleetsync/normalize"
)

// DefaultMaxSubscribers is the warning threshold for subscriber count. SSE
// clients subscribe one handler each; growth past this usually means
// connections are leaking.
const DefaultMaxSubscribers = 1024

// Handler receives a batch of newly stored records.
type Handler func(recs []normalize.Record)

// Bus fans record batches out to subscribers. Safe for concurrent use.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]Handler
	maxSubs int
	logger  *slog.Logger
}

// Option customizes a Bus.
type Option func(*Bus)

func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithMaxSubscribers overrides the leak-warning threshold.
func WithMaxSubscribers(n int) Option {
	return func(b *Bus) { b.maxSubs = n }
}

// New creates a Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[int]Handler),
		maxSubs: DefaultMaxSubscribers,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler and returns a function that removes it.
// Unsubscribing twice is harmless.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = h
	n := len(b.subs)
	b.mu.Unlock()

	if n > b.maxSubs {
		b.logger.Warn("bus: subscriber count above threshold", "count", n, "threshold", b.maxSubs)
	}
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers the batch to every current subscriber, in the caller's
// goroutine. A panicking handler is logged and skipped; the remaining
// handlers still run. Empty batches are dropped.
func (b *Bus) Publish(recs []normalize.Record) {
	if len(recs) == 0 {
		return
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, recs)
	}
}

func (b *Bus) deliver(h Handler, recs []normalize.Record) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus: subscriber panicked", "panic", r)
		}
	}()
	h(recs)
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
