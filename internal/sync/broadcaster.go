package sync

import (
	gosync "sync"

	"go.uber.org/zap"
)

// Broadcaster fans values out to subscribers. Sends never block: a
// subscriber whose buffer is full misses the value.
type Broadcaster[T any] struct {
	name   string
	buffer int
	logger *zap.Logger

	mu      gosync.RWMutex
	clients map[chan T]bool
	closed  bool
}

func NewBroadcaster[T any](name string, buffer int, logger *zap.Logger) *Broadcaster[T] {
	return &Broadcaster[T]{
		name:    name,
		buffer:  buffer,
		logger:  logger,
		clients: make(map[chan T]bool),
	}
}

// Subscribe registers a client. The returned func unregisters it and closes
// the channel.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.clients[ch] = true
	b.mu.Unlock()

	var once gosync.Once
	return ch, func() {
		once.Do(func() { b.removeClient(ch) })
	}
}

func (b *Broadcaster[T]) Emit(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.clients {
		select {
		case ch <- v:
		default:
			b.logger.Warn("client channel full, dropping value", zap.String("broadcaster", b.name))
		}
	}
}

// Len returns the number of subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close unregisters every client.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.clients {
		delete(b.clients, ch)
		close(ch)
	}
}

func (b *Broadcaster[T]) removeClient(ch chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clients[ch] {
		delete(b.clients, ch)
		close(ch)
	}
}
