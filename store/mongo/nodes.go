package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"kernelci.org/api/node"
	"kernelci.org/api/store"
)

// NodeStore is the MongoDB implementation of store.NodeStore.
type NodeStore struct {
	coll    collection
	timeout time.Duration
}

var _ store.NodeStore = (*NodeStore)(nil)

func newNodeStore(coll collection, timeout time.Duration) *NodeStore {
	return &NodeStore{coll: coll, timeout: timeout}
}

// nodeDocument wraps a node with its MongoDB object ID. All other fields
// marshal through the node's own bson tags.
type nodeDocument struct {
	OID       primitive.ObjectID `bson:"_id,omitempty"`
	node.Node `bson:",inline"`
}

// Create inserts a node and fills in its ID from the generated object ID.
func (s *NodeStore) Create(ctx context.Context, n *node.Node) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.InsertOne(ctx, &nodeDocument{Node: *n})
	if err != nil {
		return fmt.Errorf("mongodb insert node: %w", err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return fmt.Errorf("mongodb insert node: unexpected id type %T", res.InsertedID)
	}
	n.ID = oid.Hex()
	return nil
}

// Get retrieves a node by its hex object ID.
func (s *NodeStore) Get(ctx context.Context, id string) (*node.Node, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, store.ErrNotFound
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc nodeDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get node %q: %w", id, err)
	}
	n := doc.Node
	n.ID = doc.OID.Hex()
	n.Data = normalizeData(n.Data)
	return &n, nil
}

// Update replaces the stored document. When expectedUpdated is non-zero it
// is added to the write filter so that a concurrent modification since the
// caller's read surfaces as store.ErrStaleUpdate.
func (s *NodeStore) Update(ctx context.Context, n *node.Node, expectedUpdated time.Time) error {
	oid, err := primitive.ObjectIDFromHex(n.ID)
	if err != nil {
		return store.ErrNotFound
	}
	filter := bson.M{"_id": oid}
	if !expectedUpdated.IsZero() {
		filter["updated"] = expectedUpdated.UTC()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.ReplaceOne(ctx, filter, &nodeDocument{Node: *n})
	if err != nil {
		return fmt.Errorf("mongodb update node %q: %w", n.ID, err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	if expectedUpdated.IsZero() {
		return store.ErrNotFound
	}
	// Nothing matched: either the node is gone or the timestamp moved.
	err = s.coll.FindOne(ctx, bson.M{"_id": oid}).Err()
	switch {
	case errors.Is(err, mongodriver.ErrNoDocuments):
		return store.ErrNotFound
	case err != nil:
		return fmt.Errorf("mongodb update node %q: %w", n.ID, err)
	}
	return store.ErrStaleUpdate
}

// List returns nodes matching the filter in creation order, bounded by the
// page.
func (s *NodeStore) List(ctx context.Context, f node.Filter, p store.Page) ([]*node.Node, error) {
	query, err := nodeQuery(f)
	if err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if p.Limit > 0 {
		opts.SetLimit(int64(p.Limit))
	}
	if p.Offset > 0 {
		opts.SetSkip(int64(p.Offset))
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.coll.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list nodes: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []nodeDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list nodes decode: %w", err)
	}
	nodes := make([]*node.Node, len(docs))
	for i := range docs {
		n := docs[i].Node
		n.ID = docs[i].OID.Hex()
		n.Data = normalizeData(n.Data)
		nodes[i] = &n
	}
	return nodes, nil
}

// Count returns the number of nodes matching the filter.
func (s *NodeStore) Count(ctx context.Context, f node.Filter) (int64, error) {
	query, err := nodeQuery(f)
	if err != nil {
		return 0, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	count, err := s.coll.CountDocuments(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("mongodb count nodes: %w", err)
	}
	return count, nil
}

func (s *NodeStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// nodeQuery translates a node filter into a native MongoDB query. Document
// field names match the filter keys one for one, so only the id key and
// the operators need mapping. Conditions are combined with $and so that
// several operators may address the same key.
func nodeQuery(f node.Filter) (bson.M, error) {
	if len(f.Conds) == 0 {
		return bson.M{}, nil
	}
	clauses := make([]bson.M, 0, len(f.Conds))
	for _, c := range f.Conds {
		clause, err := condQuery(c)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
	}
	if len(clauses) == 1 {
		return clauses[0], nil
	}
	return bson.M{"$and": clauses}, nil
}

func condQuery(c node.Cond) (bson.M, error) {
	key := c.Key
	value := condValue(key, c.Value)
	if key == "id" {
		key = "_id"
	}
	switch c.Op {
	case node.OpEq:
		return bson.M{key: value}, nil
	case node.OpNe:
		return bson.M{key: bson.M{"$ne": value}}, nil
	case node.OpGt:
		return bson.M{key: bson.M{"$gt": value}}, nil
	case node.OpGte:
		return bson.M{key: bson.M{"$gte": value}}, nil
	case node.OpLt:
		return bson.M{key: bson.M{"$lt": value}}, nil
	case node.OpLte:
		return bson.M{key: bson.M{"$lte": value}}, nil
	case node.OpRe:
		pattern, ok := c.Value.(string)
		if !ok {
			return nil, fmt.Errorf("regex condition on %q has no pattern", key)
		}
		return bson.M{key: bson.M{"$regex": pattern}}, nil
	}
	return nil, fmt.Errorf("unsupported filter operator %d", c.Op)
}

// condValue converts filter values to their stored representation. Node
// IDs are hex object IDs in the API but native object IDs in the _id
// column; a malformed hex string is kept verbatim so the query matches
// nothing rather than failing.
func condValue(key string, value any) any {
	if key != "id" {
		if t, ok := value.(time.Time); ok {
			return t.UTC()
		}
		return value
	}
	s, ok := value.(string)
	if !ok {
		return value
	}
	if oid, err := primitive.ObjectIDFromHex(s); err == nil {
		return oid
	}
	return s
}
