// Package bus defines the transient wake bus that fans "new event"
// notifications out to listeners, plus the named work queues used to hand
// raw messages between workers.
//
// The bus is deliberately lossy: it carries channel names and sequence IDs,
// never payloads. The event history in the store is the source of truth,
// so a lost wake costs latency, not data.
package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed bus or cursor.
var ErrClosed = errors.New("bus closed")

type (
	// Bus announces freshly appended event history sequences.
	Bus interface {
		// Publish announces that seq is available on channel. Publishing to
		// a channel nobody listens on is not an error.
		Publish(ctx context.Context, channel string, seq int64) error

		// Subscribe registers a waiter on channel. Callers must close the
		// returned cursor when done with it.
		Subscribe(ctx context.Context, channel string) (Cursor, error)

		// Close tears down the bus and unblocks all waiters.
		Close() error
	}

	// Cursor is one subscriber's wake handle. Wakes are edge signals:
	// several publishes may coalesce into a single Wait return, and a wake
	// published between two Waits is reported by the next one.
	Cursor interface {
		// Wait blocks until a wake arrives, the context is done, or the
		// cursor or bus is closed.
		Wait(ctx context.Context) error

		// Close unregisters the cursor and unblocks a pending Wait.
		Close() error
	}

	// Queue is a named FIFO for raw messages.
	Queue interface {
		// Push appends payload to the tail of the named list.
		Push(ctx context.Context, name string, payload []byte) error

		// Pop removes and returns the head of the named list, blocking
		// until a message arrives or the context is done.
		Pop(ctx context.Context, name string) ([]byte, error)
	}
)
