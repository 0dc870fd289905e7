package memory

import (
	"context"
	"sync"
	"time"

	"kernelci.org/api/store"
)

// CursorStore is an in-memory implementation of store.CursorStore.
type CursorStore struct {
	mu      sync.Mutex
	cursors map[string]*store.SubscriberState
}

var _ store.CursorStore = (*CursorStore)(nil)

// NewCursorStore creates an in-memory cursor store.
func NewCursorStore() *CursorStore {
	return &CursorStore{cursors: make(map[string]*store.SubscriberState)}
}

// Load retrieves the state for subscriberID.
func (c *CursorStore) Load(ctx context.Context, subscriberID string) (*store.SubscriberState, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.cursors[subscriberID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

// Insert stores a new subscriber state. It fails with store.ErrDuplicate if
// the subscriber ID is already taken.
func (c *CursorStore) Insert(ctx context.Context, st *store.SubscriberState) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cursors[st.SubscriberID]; ok {
		return store.ErrDuplicate
	}
	cp := *st
	c.cursors[st.SubscriberID] = &cp
	return nil
}

// Persist records the acknowledged position and poll time for
// subscriberID. Persisting an unknown subscriber is a no-op.
func (c *CursorStore) Persist(ctx context.Context, subscriberID string, lastEventID int64, lastPoll time.Time) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.cursors[subscriberID]
	if !ok {
		return nil
	}
	st.LastEventID = lastEventID
	st.LastPoll = lastPoll.UTC().Truncate(time.Millisecond)
	return nil
}

// DeleteStale removes states whose last poll is older than cutoff and
// returns how many were removed.
func (c *CursorStore) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed int64
	for id, st := range c.cursors {
		if st.LastPoll.Before(cutoff) {
			delete(c.cursors, id)
			removed++
		}
	}
	return removed, nil
}
