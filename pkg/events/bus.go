package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultBuffer = 64

// Subscription is a handle on one subscriber of a Bus. Close drops it.
type Subscription[T any] struct {
	ID string
	C  <-chan T

	ch   chan T
	once sync.Once
	bus  *Bus[T]
}

// Close unsubscribes and closes the channel. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

// Bus is a typed pub/sub for one event kind. Publishing never blocks: a
// subscriber whose buffer is full misses the event, which is logged.
// Events from one publisher reach each subscriber in publish order.
type Bus[T any] struct {
	name   string
	logger zerolog.Logger
	// tap runs after delivery, on the publishing goroutine.
	tap func(T)

	mu   sync.RWMutex
	subs []*Subscription[T]
}

// NewBus creates a bus; name is used in log lines.
func NewBus[T any](name string, logger zerolog.Logger) *Bus[T] {
	return &Bus[T]{
		name:   name,
		logger: logger,
	}
}

// Subscribe registers a subscriber with the given channel buffer.
func (b *Bus[T]) Subscribe(buffer int) *Subscription[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan T, buffer)
	sub := &Subscription[T]{
		ID:  uuid.New().String(),
		C:   ch,
		ch:  ch,
		bus: b,
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.logger.Debug().
		Str("event", b.name).
		Str("sub_id", sub.ID).
		Msg("New subscription added")
	return sub
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus[T]) Publish(event T) {
	b.mu.RLock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn().
				Str("event", b.name).
				Str("sub_id", sub.ID).
				Msg("Subscriber channel full, dropping event")
		}
	}
	b.mu.RUnlock()
	if b.tap != nil {
		b.tap(event)
	}
}

// PublishWithTimeout delivers the event, waiting up to timeout per subscriber.
// It returns false if any subscriber missed it.
func (b *Bus[T]) PublishWithTimeout(event T, timeout time.Duration) bool {
	b.mu.RLock()
	delivered := true
	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
		case <-time.After(timeout):
			delivered = false
		}
	}
	b.mu.RUnlock()
	if b.tap != nil {
		b.tap(event)
	}
	return delivered
}

// Len returns the number of live subscriptions.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus[T]) remove(sub *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.subs[:0]
	for _, s := range b.subs {
		if s != sub {
			kept = append(kept, s)
		}
	}
	for i := len(kept); i < len(b.subs); i++ {
		b.subs[i] = nil
	}
	b.subs = kept
	close(sub.ch)

	b.logger.Debug().
		Str("event", b.name).
		Str("sub_id", sub.ID).
		Msg("Subscription removed")
}
