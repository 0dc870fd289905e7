// Package memory provides in-process implementations of the bus
// interfaces for development and testing.
package memory

import (
	"context"
	"sync"

	"kernelci.org/api/bus"
)

// Bus is an in-process wake bus. Each channel owns a notify channel that is
// closed and replaced on publish, waking every waiter at once.
type Bus struct {
	mu      sync.Mutex
	notify  map[string]chan struct{}
	closed  bool
	closeCh chan struct{}
}

var _ bus.Bus = (*Bus)(nil)

// New creates an in-process wake bus.
func New() *Bus {
	return &Bus{
		notify:  make(map[string]chan struct{}),
		closeCh: make(chan struct{}),
	}
}

// Publish wakes all cursors subscribed to channel. The sequence ID itself
// is not transported: woken listeners re-read the event log.
func (b *Bus) Publish(ctx context.Context, channel string, seq int64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return bus.ErrClosed
	}
	ch, ok := b.notify[channel]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	b.notify[channel] = make(chan struct{})
	b.mu.Unlock()

	close(ch) // wake all waiters
	return nil
}

// Subscribe registers a cursor on channel. The cursor captures the current
// notify generation, so a publish racing the registration is not lost.
func (b *Bus) Subscribe(ctx context.Context, channel string) (bus.Cursor, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	ch, ok := b.notify[channel]
	if !ok {
		ch = make(chan struct{})
		b.notify[channel] = ch
	}
	return &cursor{
		bus:     b,
		channel: channel,
		next:    ch,
		done:    make(chan struct{}),
	}, nil
}

// Close tears down the bus and unblocks all waiters.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.closeCh)
	return nil
}

type cursor struct {
	bus     *Bus
	channel string

	mu   sync.Mutex
	next chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// Wait blocks on the captured notify generation. When it fires the cursor
// advances to the current generation, so wakes between Waits coalesce
// instead of getting lost.
func (c *cursor) Wait(ctx context.Context) error {
	c.mu.Lock()
	next := c.next
	c.mu.Unlock()

	select {
	case <-next:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return bus.ErrClosed
	case <-c.bus.closeCh:
		return bus.ErrClosed
	}

	c.bus.mu.Lock()
	current, ok := c.bus.notify[c.channel]
	c.bus.mu.Unlock()
	if ok {
		c.mu.Lock()
		c.next = current
		c.mu.Unlock()
	}
	return nil
}

// Close unregisters the cursor.
func (c *cursor) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
