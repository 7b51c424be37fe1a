package events

import (
	"context"
	"sync"
)

// Handler consumes events synchronously on the publisher's goroutine.
type Handler func(Event)

// Bus fan-outs events to handlers and to streaming subscribers (SSE clients).
// A nil *Bus drops everything, so components can run without one.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	subs     map[int]chan Event
	next     int
}

// New initialises an empty bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[int]Handler),
		subs:     make(map[int]chan Event),
	}
}

// Subscribe registers h and returns a function removing it.
func (b *Bus) Subscribe(h Handler) (cancel func()) {
	if b == nil {
		return func() {}
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// On subscribes fn to events of type T only.
func On[T Event](b *Bus, fn func(T)) (cancel func()) {
	return b.Subscribe(func(evt Event) {
		if typed, ok := evt.(T); ok {
			fn(typed)
		}
	})
}

// Stream registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (b *Bus) Stream(ctx context.Context, buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	if b == nil {
		close(ch)
		return ch
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish delivers evt to every handler, then offers it to every stream.
func (b *Bus) Publish(evt Event) {
	if b == nil || evt == nil {
		return
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	// Handlers run outside the lock so they may publish or subscribe themselves.
	for _, h := range handlers {
		h(evt)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
