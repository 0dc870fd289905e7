package pubsub

import (
	"sync"
	"time"

	"kernelci.org/api/bus"
	"kernelci.org/api/store"
)

// SubscribeOptions carries the optional subscription parameters.
type SubscribeOptions struct {
	// SubscriberID enables durable delivery under this identity. It should
	// be unique per subscriber instance, e.g. "scheduler-prod-1". Multiple
	// subscribers owned by one user track independent positions by using
	// distinct IDs.
	SubscriberID string
	// Promiscuous delivers every event on the channel regardless of owner.
	Promiscuous bool
}

// Subscription is a live listener registration. The exported fields are
// fixed at Subscribe time.
type Subscription struct {
	ID           int64
	Channel      string
	User         string
	Promiscuous  bool
	SubscriberID string
	Created      time.Time

	// listenMu serializes Listen calls so concurrent polls on one
	// subscription cannot interleave acknowledgements.
	listenMu sync.Mutex

	mu            sync.Mutex
	lastPoll      time.Time
	acked         int64 // highest sequence persisted (durable) or implicitly confirmed
	lastDelivered int64 // highest sequence handed to the client
	scanPos       int64 // how far the history scan got, including skips
	wake          bus.Cursor
	closed        bool
}

// deliverable applies the ownership rule: promiscuous subscriptions see
// every event, others see unowned events and their own.
func (s *Subscription) deliverable(rec *store.EventRecord) bool {
	return s.Promiscuous || rec.Owner == "" || rec.Owner == s.User
}

// close marks the subscription dead and releases its wake cursor,
// unblocking a pending Listen.
func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	w := s.wake
	s.wake = nil
	s.mu.Unlock()

	if w != nil {
		_ = w.Close()
	}
}

// lastActivity is the poll time used for staleness, falling back to the
// creation time for subscriptions that never polled.
func (s *Subscription) lastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPoll.IsZero() {
		return s.Created
	}
	return s.lastPoll
}

// Stat is a point-in-time view of a live subscription. LastPoll is nil
// until the first Listen.
type Stat struct {
	ID           int64      `json:"id"`
	Channel      string     `json:"channel"`
	User         string     `json:"user"`
	Promiscuous  bool       `json:"promiscuous"`
	SubscriberID string     `json:"subscriber_id,omitempty"`
	Created      time.Time  `json:"created"`
	LastPoll     *time.Time `json:"last_poll"`
}

func (s *Subscription) stat() Stat {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stat{
		ID:           s.ID,
		Channel:      s.Channel,
		User:         s.User,
		Promiscuous:  s.Promiscuous,
		SubscriberID: s.SubscriberID,
		Created:      s.Created,
	}
	if !s.lastPoll.IsZero() {
		t := s.lastPoll
		st.LastPoll = &t
	}
	return st
}
