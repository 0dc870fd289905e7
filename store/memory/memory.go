// Package memory provides in-memory implementations of the store
// interfaces.
//
// These implementations are suitable for development, testing, and
// single-node deployments where persistence across restarts is not
// required. They mirror the Mongo implementations' observable behavior,
// including sequence density, TTL expiry and optimistic update semantics.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"kernelci.org/api/node"
	"kernelci.org/api/store"
)

// Store is an in-memory implementation of store.NodeStore. It is safe for
// concurrent use.
type Store struct {
	mu    sync.RWMutex
	nodes map[string]*node.Node
	order []string // creation order, for stable pagination
}

// Compile-time check that Store implements store.NodeStore.
var _ store.NodeStore = (*Store)(nil)

// New creates a new in-memory node store.
func New() *Store {
	return &Store{nodes: make(map[string]*node.Node)}
}

// Create inserts a node, assigning a fresh ID.
func (s *Store) Create(ctx context.Context, n *node.Node) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n.ID = uuid.NewString()
	s.nodes[n.ID] = n.Clone()
	s.order = append(s.order, n.ID)
	return nil
}

// Get retrieves a node by ID.
func (s *Store) Get(ctx context.Context, id string) (*node.Node, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return n.Clone(), nil
}

// Update replaces the stored document, enforcing the optimistic check when
// expectedUpdated is set.
func (s *Store) Update(ctx context.Context, n *node.Node, expectedUpdated time.Time) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.nodes[n.ID]
	if !ok {
		return store.ErrNotFound
	}
	if !expectedUpdated.IsZero() && !cur.Updated.Equal(expectedUpdated) {
		return store.ErrStaleUpdate
	}
	s.nodes[n.ID] = n.Clone()
	return nil
}

// List returns matching nodes in creation order.
func (s *Store) List(ctx context.Context, f node.Filter, p store.Page) ([]*node.Node, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*node.Node
	skipped := 0
	for _, id := range s.order {
		n := s.nodes[id]
		if !f.Match(n) {
			continue
		}
		if skipped < p.Offset {
			skipped++
			continue
		}
		if p.Limit > 0 && len(out) >= p.Limit {
			break
		}
		out = append(out, n.Clone())
	}
	return out, nil
}

// Count returns the number of matching nodes.
func (s *Store) Count(ctx context.Context, f node.Filter) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, n := range s.nodes {
		if f.Match(n) {
			count++
		}
	}
	return count, nil
}
