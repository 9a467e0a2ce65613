package store

import (
	"context"
	"sync"
)

// DefaultFeedBuffer is the per-subscriber channel capacity.
const DefaultFeedBuffer = 64

// Broadcaster fans values out to subscriber channels in publish order.
// Publish blocks on a full subscriber until it drains or its context ends,
// so a consumer must not write to the store from the goroutine that reads
// its channel.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber[T]
	next   uint64
	buffer int
	closed bool
	quit   chan struct{}
}

type subscriber[T any] struct {
	ctx context.Context
	ch  chan T
}

// NewBroadcaster returns a Broadcaster with the given channel capacity.
func NewBroadcaster[T any](buffer int) *Broadcaster[T] {
	if buffer <= 0 {
		buffer = DefaultFeedBuffer
	}
	return &Broadcaster[T]{
		subs:   make(map[uint64]*subscriber[T]),
		buffer: buffer,
		quit:   make(chan struct{}),
	}
}

// Subscribe registers a subscriber that lives until ctx is done.
func (b *Broadcaster[T]) Subscribe(ctx context.Context) (<-chan T, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	id := b.next
	b.next++
	sub := &subscriber[T]{ctx: ctx, ch: make(chan T, b.buffer)}
	b.subs[id] = sub

	go func() {
		select {
		case <-ctx.Done():
			b.remove(id)
		case <-b.quit:
		}
	}()
	return sub.ch, nil
}

// Publish delivers v to every live subscriber.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- v:
		case <-sub.ctx.Done():
		}
	}
}

// Close closes every subscriber channel. Later Subscribe calls fail.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.quit)
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

func (b *Broadcaster[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		close(sub.ch)
		delete(b.subs, id)
	}
}
