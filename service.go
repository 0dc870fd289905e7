package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kernelci.org/api/auth"
	"kernelci.org/api/node"
	"kernelci.org/api/store"
)

// CreateNode persists a new node under the authenticated principal and
// emits an op=created event on the node channel.
//
// Identity and bookkeeping fields on the draft (id, path, owner, created,
// updated) are overwritten: the path is computed from the parent, the owner
// is always the principal. The draft may pick kind, state, result, group,
// data, artifacts, user groups, holdoff and timeout; anything left unset
// gets the documented default.
func (s *Service) CreateNode(ctx context.Context, draft *node.Node, p auth.Principal) (*node.Node, error) {
	now := s.now().UTC().Truncate(time.Millisecond)

	n := draft.Clone()
	n.ID = ""
	n.Owner = p.Username
	n.Created = now
	n.Updated = now
	if n.Kind == "" {
		n.Kind = node.DefaultKind
	}
	if n.State == "" {
		n.State = node.StateRunning
	}
	if n.Timeout.IsZero() {
		n.Timeout = now.Add(s.timeout)
	}
	if n.Holdoff != nil {
		h := n.Holdoff.UTC().Truncate(time.Millisecond)
		n.Holdoff = &h
	}

	if n.Parent == "" {
		n.Path = []string{n.Name}
	} else {
		parent, err := s.nodes.Get(ctx, n.Parent)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: parent %q not found", ErrInvalidParent, n.Parent)
			}
			return nil, fmt.Errorf("load parent %q: %w", n.Parent, err)
		}
		if parent.State == node.StateClosing || parent.State == node.StateDone {
			return nil, fmt.Errorf("%w: parent %q is %s", ErrInvalidParent, n.Parent, parent.State)
		}
		if !mayAttach(parent, p) {
			return nil, fmt.Errorf("%w: parent %q restricts children to %v", ErrPermission, n.Parent, parent.UserGroups)
		}
		n.Path = parent.ChildPath(n.Name)
	}

	if err := n.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	if err := s.nodes.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("create node: %w", err)
	}
	s.metrics.NodeTransition(string(n.State))
	if err := s.emit(ctx, node.OpCreated, n, p.Username); err != nil {
		return nil, err
	}
	return n, nil
}

// UpdateNode applies a partial patch to a node owned by or shared with the
// principal and emits an op=updated event. State changes must follow the
// transition graph. When the patch carries an updated timestamp the write
// is conditional on it, so two workers racing on the same node cannot
// silently overwrite each other.
func (s *Service) UpdateNode(ctx context.Context, id string, patch *node.Patch, p auth.Principal) (*node.Node, error) {
	n, err := s.nodes.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !mayMutate(n, p) {
		return nil, fmt.Errorf("%w: node %q belongs to %s", ErrPermission, id, n.Owner)
	}

	// The unconditional case still guards against writers that slipped in
	// between our read and this write.
	expected := n.Updated
	if patch.Updated != nil {
		expected = patch.Updated.UTC()
	}

	prev := n.State
	if err := patch.Apply(n); err != nil {
		return nil, err
	}
	n.Updated = s.now().UTC().Truncate(time.Millisecond)

	if err := s.nodes.Update(ctx, n, expected); err != nil {
		return nil, err
	}
	if n.State != prev {
		s.metrics.NodeTransition(string(n.State))
	}
	if err := s.emit(ctx, node.OpUpdated, n, p.Username); err != nil {
		return nil, err
	}
	return n, nil
}

// GetNode returns a node by ID. Reads are unauthenticated.
func (s *Service) GetNode(ctx context.Context, id string) (*node.Node, error) {
	return s.nodes.Get(ctx, id)
}

// ListNodes returns the nodes matching the filter bounded by the page,
// along with the total match count ignoring pagination.
func (s *Service) ListNodes(ctx context.Context, f node.Filter, page store.Page) ([]*node.Node, int64, error) {
	items, err := s.nodes.List(ctx, f, page)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.nodes.Count(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// CountNodes returns the number of nodes matching the filter.
func (s *Service) CountNodes(ctx context.Context, f node.Filter) (int64, error) {
	return s.nodes.Count(ctx, f)
}

// ListEvents serves historical event queries. With recursive set, records
// whose payload names a node get the full node document in place of the
// compact payload; records whose node has since disappeared keep the
// payload they were written with.
func (s *Service) ListEvents(ctx context.Context, q store.EventQuery, recursive bool) ([]*store.EventRecord, error) {
	recs, err := s.events.ListEvents(ctx, q)
	if err != nil {
		return nil, err
	}
	if !recursive {
		return recs, nil
	}
	for _, rec := range recs {
		data, ok := rec.Data.(map[string]any)
		if !ok {
			continue
		}
		id, _ := data["id"].(string)
		if id == "" {
			continue
		}
		n, err := s.nodes.Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("resolve node %q: %w", id, err)
		}
		rec.Data = n
	}
	return recs, nil
}

// emit publishes a node lifecycle event. The node document is already
// persisted at this point; a failed emit surfaces so the caller knows the
// event stream is missing a record, even though the write itself stuck.
func (s *Service) emit(ctx context.Context, op string, n *node.Node, owner string) error {
	rec := &store.EventRecord{
		Channel: node.Channel,
		Owner:   owner,
		Data:    node.EventPayload(op, n),
	}
	if err := s.pub.Publish(ctx, rec); err != nil {
		return fmt.Errorf("emit %s event for node %q: %w", op, n.ID, err)
	}
	return nil
}

// mayMutate reports whether the principal may modify the node: owners
// always can, anyone else needs a group shared with the node's user groups.
func mayMutate(n *node.Node, p auth.Principal) bool {
	if n.Owner == "" || n.Owner == p.Username {
		return true
	}
	return sharesGroup(n.UserGroups, p.Groups)
}

// mayAttach reports whether the principal may create children under the
// node. Unlike mutation this is open by default: only a non-empty
// user_groups set restricts it, and owners always pass.
func mayAttach(parent *node.Node, p auth.Principal) bool {
	if len(parent.UserGroups) == 0 || parent.Owner == p.Username {
		return true
	}
	return sharesGroup(parent.UserGroups, p.Groups)
}

func sharesGroup(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}
