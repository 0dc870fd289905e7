package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"

	"kernelci.org/api/store"
)

// CursorStore is the MongoDB implementation of store.CursorStore. The
// unique index on subscriber_id turns concurrent registrations of the same
// durable subscriber into store.ErrDuplicate.
type CursorStore struct {
	coll    collection
	timeout time.Duration
}

var _ store.CursorStore = (*CursorStore)(nil)

func newCursorStore(coll collection, timeout time.Duration) *CursorStore {
	return &CursorStore{coll: coll, timeout: timeout}
}

type cursorDocument struct {
	OID          primitive.ObjectID `bson:"_id,omitempty"`
	SubscriberID string             `bson:"subscriber_id"`
	Channel      string             `bson:"channel"`
	User         string             `bson:"user"`
	Promiscuous  bool               `bson:"promiscuous,omitempty"`
	LastEventID  int64              `bson:"last_event_id"`
	LastPoll     time.Time          `bson:"last_poll"`
	CreatedAt    time.Time          `bson:"created_at"`
}

// Load retrieves the state for subscriberID.
func (c *CursorStore) Load(ctx context.Context, subscriberID string) (*store.SubscriberState, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc cursorDocument
	err := c.coll.FindOne(ctx, bson.M{"subscriber_id": subscriberID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb load cursor %q: %w", subscriberID, err)
	}
	return &store.SubscriberState{
		SubscriberID: doc.SubscriberID,
		Channel:      doc.Channel,
		User:         doc.User,
		Promiscuous:  doc.Promiscuous,
		LastEventID:  doc.LastEventID,
		LastPoll:     doc.LastPoll.UTC(),
		CreatedAt:    doc.CreatedAt.UTC(),
	}, nil
}

// Insert stores a new subscriber state.
func (c *CursorStore) Insert(ctx context.Context, st *store.SubscriberState) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	doc := cursorDocument{
		SubscriberID: st.SubscriberID,
		Channel:      st.Channel,
		User:         st.User,
		Promiscuous:  st.Promiscuous,
		LastEventID:  st.LastEventID,
		LastPoll:     st.LastPoll.UTC(),
		CreatedAt:    st.CreatedAt.UTC(),
	}
	if _, err := c.coll.InsertOne(ctx, &doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("mongodb insert cursor %q: %w", st.SubscriberID, err)
	}
	return nil
}

// Persist advances the acknowledged position and poll time. A missing
// subscriber is not an error: the state may have been cleaned up while a
// listener was idle, and the next subscribe recreates it.
func (c *CursorStore) Persist(ctx context.Context, subscriberID string, lastEventID int64, lastPoll time.Time) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{
		"last_event_id": lastEventID,
		"last_poll":     lastPoll.UTC(),
	}}
	if _, err := c.coll.UpdateOne(ctx, bson.M{"subscriber_id": subscriberID}, update); err != nil {
		return fmt.Errorf("mongodb persist cursor %q: %w", subscriberID, err)
	}
	return nil
}

// DeleteStale removes states whose last poll is older than cutoff.
func (c *CursorStore) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.coll.DeleteMany(ctx, bson.M{"last_poll": bson.M{"$lt": cutoff.UTC()}})
	if err != nil {
		return 0, fmt.Errorf("mongodb delete stale cursors: %w", err)
	}
	return res.DeletedCount, nil
}

func (c *CursorStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}
