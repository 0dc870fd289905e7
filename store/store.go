// Package store defines the persistence layer interfaces for the API: node
// documents, the append-only event history, and durable subscriber cursors.
//
// Two implementations exist:
//
//   - memory: In-memory stores for development and testing
//   - mongo: MongoDB stores for production persistence
//
// Implementations must be safe for concurrent use and must return the
// sentinel errors declared here so callers can map them to HTTP statuses
// without knowing the backend.
package store

import (
	"context"
	"errors"
	"time"

	"kernelci.org/api/node"
)

// Sentinel errors shared by all implementations.
var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStaleUpdate is returned by Update when the expected updated
	// timestamp no longer matches the stored document.
	ErrStaleUpdate = errors.New("document changed since last read")
	// ErrDuplicate is returned when an insert violates a unique constraint.
	ErrDuplicate = errors.New("duplicate key")
)

type (
	// Page bounds a List call.
	Page struct {
		Limit  int
		Offset int
	}

	// NodeStore persists node documents. Create assigns the node ID; all
	// other fields are the caller's responsibility.
	NodeStore interface {
		// Create inserts a new node and fills in its ID.
		Create(ctx context.Context, n *node.Node) error

		// Get retrieves a node by ID. Returns ErrNotFound if absent.
		Get(ctx context.Context, id string) (*node.Node, error)

		// Update replaces the stored document with n. When expectedUpdated
		// is non-zero the write only succeeds if the stored updated
		// timestamp still equals it; otherwise ErrStaleUpdate is returned.
		Update(ctx context.Context, n *node.Node, expectedUpdated time.Time) error

		// List returns nodes matching the filter, bounded by the page, in
		// creation order.
		List(ctx context.Context, f node.Filter, p Page) ([]*node.Node, error)

		// Count returns the number of nodes matching the filter.
		Count(ctx context.Context, f node.Filter) (int64, error)
	}

	// EventRecord is an immutable row of the event history. SequenceID is
	// dense and strictly increasing within a channel.
	EventRecord struct {
		SequenceID int64     `json:"sequence_id"`
		Channel    string    `json:"channel"`
		Owner      string    `json:"owner,omitempty"`
		Type       string    `json:"type,omitempty"`
		Source     string    `json:"source,omitempty"`
		Timestamp  time.Time `json:"timestamp"`
		Data       any       `json:"data"`
	}

	// EventQuery selects historical events. Zero fields are ignored. The
	// Kind, State, Result, NodeID and NodeIDs fields address well-known
	// keys of the event payload.
	EventQuery struct {
		Channel string
		After   int64 // exclusive sequence lower bound
		Kind    string
		State   string
		Result  string
		NodeID  string
		NodeIDs []string
		Limit   int
	}

	// EventLog is the append-only, TTL-bounded store of published events.
	EventLog interface {
		// Append persists the record, assigning its SequenceID (strictly
		// previous+1 for the channel, atomically against concurrent
		// appends) and its Timestamp.
		Append(ctx context.Context, rec *EventRecord) error

		// ReadForward returns up to max records on the channel with
		// sequence greater than after, in sequence order.
		ReadForward(ctx context.Context, channel string, after int64, max int) ([]*EventRecord, error)

		// LatestSequence returns the highest sequence assigned on the
		// channel, zero when none.
		LatestSequence(ctx context.Context, channel string) (int64, error)

		// ListEvents serves historical event queries.
		ListEvents(ctx context.Context, q EventQuery) ([]*EventRecord, error)
	}

	// SubscriberState is the persistent cursor of a durable subscriber.
	// There is exactly one record per subscriber ID.
	SubscriberState struct {
		SubscriberID string    `json:"subscriber_id"`
		Channel      string    `json:"channel"`
		User         string    `json:"user"`
		Promiscuous  bool      `json:"promiscuous"`
		LastEventID  int64     `json:"last_event_id"`
		LastPoll     time.Time `json:"last_poll"`
		CreatedAt    time.Time `json:"created_at"`
	}

	// CursorStore persists durable subscriber positions.
	CursorStore interface {
		// Load retrieves a subscriber state. Returns ErrNotFound if absent.
		Load(ctx context.Context, subscriberID string) (*SubscriberState, error)

		// Insert creates a new subscriber state. Returns ErrDuplicate when
		// the subscriber ID is already taken.
		Insert(ctx context.Context, s *SubscriberState) error

		// Persist is the idempotent acknowledgement write: it advances
		// last_event_id and last_poll for the subscriber.
		Persist(ctx context.Context, subscriberID string, lastEventID int64, lastPoll time.Time) error

		// DeleteStale removes states whose last poll is older than the
		// cutoff and returns how many were removed.
		DeleteStale(ctx context.Context, olderThan time.Time) (int64, error)
	}
)

// MatchEvent reports whether a record satisfies an event query. It is the
// reference semantics for ListEvents: the memory store evaluates it
// directly and the Mongo store translates it to a native query.
func MatchEvent(rec *EventRecord, q EventQuery) bool {
	if q.Channel != "" && rec.Channel != q.Channel {
		return false
	}
	if rec.SequenceID <= q.After {
		return false
	}
	data, _ := rec.Data.(map[string]any)
	field := func(key string) string {
		if data == nil {
			return ""
		}
		s, _ := data[key].(string)
		return s
	}
	if q.Kind != "" && field("kind") != q.Kind {
		return false
	}
	if q.State != "" && field("state") != q.State {
		return false
	}
	if q.Result != "" && field("result") != q.Result {
		return false
	}
	if q.NodeID != "" && field("id") != q.NodeID {
		return false
	}
	if len(q.NodeIDs) > 0 {
		id := field("id")
		found := false
		for _, want := range q.NodeIDs {
			if id == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
