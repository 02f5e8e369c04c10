// Package pubsub provides small in-process fan-out primitives.
package pubsub

import (
	"slices"
	"sync"
)

// Topic is a latest-value fan-out. Each subscriber channel has a one-slot
// buffer; Publish replaces an unread value instead of blocking.
type Topic[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	next   int
	last   T
	has    bool
	closed bool
}

// NewTopic returns an empty topic.
func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{subs: make(map[int]chan T)}
}

// Subscribe returns a channel receiving published values and a cancel func.
// A subscriber joining after a Publish receives the latest value first.
func (t *Topic[T]) Subscribe() (<-chan T, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan T, 1)
	if t.closed {
		close(ch)
		return ch, func() {}
	}
	if t.has {
		ch <- t.last
	}
	id := t.next
	t.next++
	t.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if c, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers v to every subscriber without blocking.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.last, t.has = v, true
	for _, ch := range t.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

// Close closes all subscriber channels. Later Publish calls are no-ops.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}

// Listeners is a synchronous callback registry.
type Listeners[T any] struct {
	mu   sync.RWMutex
	fns  map[int]func(T)
	next int
}

// Add registers fn and returns an idempotent cancel func.
func (l *Listeners[T]) Add(fn func(T)) func() {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

// Emit calls every registered fn in registration order.
// Callbacks run outside the registry lock and may cancel themselves.
func (l *Listeners[T]) Emit(v T) {
	l.mu.RLock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	fns := make([]func(T), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len reports the number of registered callbacks.
func (l *Listeners[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.fns)
}
