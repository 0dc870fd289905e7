// Package pubsub implements hybrid publish/subscribe on top of the event
// history and the transient wake bus.
//
// Every published event is appended to the event history first; the bus
// only announces that a new sequence exists on a channel. Listeners always
// read the history, so delivery is at-least-once: a lost wake costs
// latency, never data.
//
// Subscriptions come in two flavors. Ephemeral subscriptions track their
// position in memory only and start at the current end of the channel.
// Durable subscriptions name a subscriber ID whose position is persisted:
// an event handed out by Listen is acknowledged implicitly by the next
// Listen call, so a delivery abandoned mid-flight is served again on
// reconnect.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"goa.design/clue/log"

	"kernelci.org/api/bus"
	"kernelci.org/api/retry"
	"kernelci.org/api/store"
)

// DefaultCatchUpLimit bounds how many history records a single catch-up
// read returns.
const DefaultCatchUpLimit = 1000

// Sentinel errors returned by broker operations.
var (
	// ErrNotFound is returned when the subscription ID is unknown.
	ErrNotFound = errors.New("subscription not found")
	// ErrForbidden is returned when a subscription or durable subscriber
	// state belongs to a different user.
	ErrForbidden = errors.New("subscription owned by another user")
	// ErrConflict is returned when a durable subscriber ID is already bound
	// to a different channel.
	ErrConflict = errors.New("subscriber id bound to another channel")
	// ErrClosed is returned once the broker has shut down.
	ErrClosed = errors.New("broker closed")
)

// Options configures a Broker.
type Options struct {
	// Events is the durable event history.
	Events store.EventLog
	// Cursors persists durable subscriber positions.
	Cursors store.CursorStore
	// Bus is the transient wake bus.
	Bus bus.Bus
	// CatchUpLimit bounds each catch-up read. Defaults to
	// DefaultCatchUpLimit.
	CatchUpLimit int
	// Retry overrides the retry policy applied to store operations.
	// Defaults to retry.DefaultConfig().
	Retry *retry.Config
}

// Validate checks that required options are set.
func (o Options) Validate() error {
	if o.Events == nil {
		return errors.New("event log is required")
	}
	if o.Cursors == nil {
		return errors.New("cursor store is required")
	}
	if o.Bus == nil {
		return errors.New("bus is required")
	}
	return nil
}

// Broker owns the in-process subscription registry and runs the delivery
// loop. It does not own the stores or the bus; the caller wires and closes
// those.
type Broker struct {
	events  store.EventLog
	cursors store.CursorStore
	bus     bus.Bus
	catchUp int
	retry   retry.Config

	mu     sync.Mutex
	subs   map[int64]*Subscription
	nextID int64
	closed bool
}

// New creates a broker.
func New(opts Options) (*Broker, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	catchUp := opts.CatchUpLimit
	if catchUp <= 0 {
		catchUp = DefaultCatchUpLimit
	}
	rc := retry.DefaultConfig()
	if opts.Retry != nil {
		rc = *opts.Retry
	}
	return &Broker{
		events:  opts.Events,
		cursors: opts.Cursors,
		bus:     opts.Bus,
		catchUp: catchUp,
		retry:   rc,
		subs:    make(map[int64]*Subscription),
	}, nil
}

// Publish appends the record to the event history, then wakes listeners on
// its channel. The append assigns the record's sequence ID and timestamp.
// A bus failure after a successful append is logged and swallowed:
// subscribers catch up from the history on their next poll.
func (b *Broker) Publish(ctx context.Context, rec *store.EventRecord) error {
	err := retry.Do(ctx, b.retry, func(ctx context.Context) error {
		return b.events.Append(ctx, rec)
	})
	if err != nil {
		return fmt.Errorf("pubsub: append event on %q: %w", rec.Channel, err)
	}
	if err := b.bus.Publish(ctx, rec.Channel, rec.SequenceID); err != nil {
		log.Errorf(ctx, err, "wake publish failed on channel %q", rec.Channel)
	}
	return nil
}

// Subscribe registers a listener on channel for user. With a subscriber ID
// the subscription is durable: an existing position is resumed, a new one
// starts at the current end of the channel so there is no backfill of
// events published before the subscriber first existed.
func (b *Broker) Subscribe(ctx context.Context, channel, user string, opts SubscribeOptions) (*Subscription, error) {
	if channel == "" {
		return nil, errors.New("channel is required")
	}

	pos, err := b.initialPosition(ctx, channel, user, opts)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		Channel:       channel,
		User:          user,
		Promiscuous:   opts.Promiscuous,
		SubscriberID:  opts.SubscriberID,
		Created:       time.Now().UTC(),
		acked:         pos,
		lastDelivered: pos,
		scanPos:       pos,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	sub.ID = b.nextID
	b.subs[sub.ID] = sub
	return sub, nil
}

// initialPosition resolves where in the channel history the subscription
// starts reading.
func (b *Broker) initialPosition(ctx context.Context, channel, user string, opts SubscribeOptions) (int64, error) {
	if opts.SubscriberID == "" {
		return b.latestSequence(ctx, channel)
	}

	for {
		var state *store.SubscriberState
		err := retry.Do(ctx, b.retry, func(ctx context.Context) error {
			var err error
			state, err = b.cursors.Load(ctx, opts.SubscriberID)
			return err
		})
		switch {
		case err == nil:
			if state.User != user {
				return 0, ErrForbidden
			}
			if state.Channel != channel {
				return 0, ErrConflict
			}
			return state.LastEventID, nil
		case !errors.Is(err, store.ErrNotFound):
			return 0, fmt.Errorf("pubsub: load subscriber %q: %w", opts.SubscriberID, err)
		}

		latest, err := b.latestSequence(ctx, channel)
		if err != nil {
			return 0, err
		}
		now := time.Now().UTC()
		err = retry.Do(ctx, b.retry, func(ctx context.Context) error {
			return b.cursors.Insert(ctx, &store.SubscriberState{
				SubscriberID: opts.SubscriberID,
				Channel:      channel,
				User:         user,
				Promiscuous:  opts.Promiscuous,
				LastEventID:  latest,
				LastPoll:     now,
				CreatedAt:    now,
			})
		})
		switch {
		case err == nil:
			return latest, nil
		case errors.Is(err, store.ErrDuplicate):
			// Lost an insert race with another process, reload and resume.
		default:
			return 0, fmt.Errorf("pubsub: register subscriber %q: %w", opts.SubscriberID, err)
		}
	}
}

func (b *Broker) latestSequence(ctx context.Context, channel string) (int64, error) {
	var latest int64
	err := retry.Do(ctx, b.retry, func(ctx context.Context) error {
		var err error
		latest, err = b.events.LatestSequence(ctx, channel)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("pubsub: channel position %q: %w", channel, err)
	}
	return latest, nil
}

// Unsubscribe removes the subscription and unblocks a pending Listen. The
// durable subscriber state, if any, is kept so a later Subscribe with the
// same subscriber ID resumes where this one stopped.
func (b *Broker) Unsubscribe(id int64, user string) error {
	b.mu.Lock()
	sub := b.subs[id]
	if sub == nil {
		b.mu.Unlock()
		return ErrNotFound
	}
	if user != "" && sub.User != user {
		b.mu.Unlock()
		return ErrForbidden
	}
	delete(b.subs, id)
	b.mu.Unlock()

	sub.close()
	return nil
}

// Listen returns the next event deliverable on the subscription, waiting up
// to budget for one to be published. A nil record with a nil error means
// the budget expired with nothing to deliver.
//
// Calling Listen acknowledges the event returned by the previous call:
// for durable subscriptions the acknowledged position is persisted before
// anything new is handed out, so a client that dies mid-delivery gets the
// unacknowledged event again after reconnecting.
func (b *Broker) Listen(ctx context.Context, id int64, user string, budget time.Duration) (*store.EventRecord, error) {
	b.mu.Lock()
	sub := b.subs[id]
	b.mu.Unlock()
	if sub == nil {
		return nil, ErrNotFound
	}
	if user != "" && sub.User != user {
		return nil, ErrForbidden
	}
	return b.deliver(ctx, sub, budget)
}

func (b *Broker) deliver(ctx context.Context, sub *Subscription, budget time.Duration) (*store.EventRecord, error) {
	sub.listenMu.Lock()
	defer sub.listenMu.Unlock()

	now := time.Now().UTC()
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return nil, ErrNotFound
	}
	sub.lastPoll = now
	ack := sub.lastDelivered
	sub.mu.Unlock()

	// Implicit acknowledgement. The write also refreshes last_poll, so it
	// runs on every call even when the position has not moved.
	if sub.SubscriberID != "" {
		err := retry.Do(ctx, b.retry, func(ctx context.Context) error {
			return b.cursors.Persist(ctx, sub.SubscriberID, ack, now)
		})
		if err != nil {
			return nil, fmt.Errorf("pubsub: acknowledge %q: %w", sub.SubscriberID, err)
		}
		sub.mu.Lock()
		sub.acked = ack
		sub.mu.Unlock()
	}

	waitCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	for {
		rec, err := b.nextDeliverable(ctx, sub)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			sub.mu.Lock()
			sub.lastDelivered = rec.SequenceID
			sub.mu.Unlock()
			return rec, nil
		}

		if budget <= 0 {
			return nil, nil
		}

		sub.mu.Lock()
		w := sub.wake
		closed := sub.closed
		sub.mu.Unlock()
		if closed {
			return nil, ErrNotFound
		}

		if w == nil {
			w, err = b.bus.Subscribe(ctx, sub.Channel)
			if err != nil {
				return nil, fmt.Errorf("pubsub: wake subscribe %q: %w", sub.Channel, err)
			}
			sub.mu.Lock()
			if sub.closed {
				sub.mu.Unlock()
				_ = w.Close()
				return nil, ErrNotFound
			}
			sub.wake = w
			sub.mu.Unlock()
			// Scan once more: an event published between the scan above and
			// the wake registration would otherwise sit unnoticed until the
			// next wake.
			continue
		}

		if err := w.Wait(waitCtx); err != nil {
			switch {
			case ctx.Err() != nil:
				return nil, ctx.Err()
			case waitCtx.Err() != nil:
				return nil, nil // wait budget spent, empty poll
			case errors.Is(err, bus.ErrClosed):
				sub.mu.Lock()
				closed := sub.closed
				sub.wake = nil
				sub.mu.Unlock()
				if closed {
					return nil, ErrNotFound
				}
				return nil, ErrClosed
			default:
				sub.mu.Lock()
				sub.wake = nil
				sub.mu.Unlock()
				_ = w.Close()
				return nil, fmt.Errorf("pubsub: wake wait on %q: %w", sub.Channel, err)
			}
		}
		// Woken: loop back to catch-up.
	}
}

// nextDeliverable scans the event history forward from the subscription's
// position and returns the first record passing the ownership rule.
// Records that fail the rule are consumed silently; the scan position
// advances past them in memory only, the persisted cursor moves on the
// next acknowledged delivery.
func (b *Broker) nextDeliverable(ctx context.Context, sub *Subscription) (*store.EventRecord, error) {
	for {
		sub.mu.Lock()
		pos := sub.scanPos
		sub.mu.Unlock()

		var recs []*store.EventRecord
		err := retry.Do(ctx, b.retry, func(ctx context.Context) error {
			var err error
			recs, err = b.events.ReadForward(ctx, sub.Channel, pos, b.catchUp)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("pubsub: catch-up on %q: %w", sub.Channel, err)
		}

		for _, rec := range recs {
			sub.mu.Lock()
			sub.scanPos = rec.SequenceID
			sub.mu.Unlock()
			if sub.deliverable(rec) {
				return rec, nil
			}
		}
		if len(recs) < b.catchUp {
			return nil, nil
		}
	}
}

// Stats returns a snapshot of the live subscriptions sorted by ID.
func (b *Broker) Stats() []Stat {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	stats := make([]Stat, len(subs))
	for i, sub := range subs {
		stats[i] = sub.stat()
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID })
	return stats
}

// CleanupStale unsubscribes in-memory subscriptions that have not polled
// for maxAge. Subscriptions that never polled age from their creation
// time. Durable subscriber states are untouched, so reaped durable
// subscribers resume where they left off. Returns how many were removed.
func (b *Broker) CleanupStale(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	b.mu.Lock()
	var stale []int64
	for id, sub := range b.subs {
		if sub.lastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	b.mu.Unlock()

	removed := 0
	for _, id := range stale {
		if err := b.Unsubscribe(id, ""); err == nil {
			removed++
		}
	}
	return removed
}

// CleanupStaleCursors deletes durable subscriber states whose last poll is
// older than the cutoff and returns how many were removed.
func (b *Broker) CleanupStaleCursors(ctx context.Context, olderThan time.Time) (int64, error) {
	var removed int64
	err := retry.Do(ctx, b.retry, func(ctx context.Context) error {
		var err error
		removed, err = b.cursors.DeleteStale(ctx, olderThan)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("pubsub: delete stale cursors: %w", err)
	}
	return removed, nil
}

// Close drops all subscriptions and unblocks their pending Listens. The
// stores and the bus belong to the caller and are not touched.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[int64]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	return nil
}
