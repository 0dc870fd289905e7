// Package mongo provides the MongoDB implementations of the store
// interfaces for production deployments.
//
// A single Client owns the driver connection and exposes the node store,
// the event history log and the subscriber cursor store, all bound to
// collections of one database. Indexes, including the TTL index that
// expires event history, are created on connect.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"
)

const (
	nodesCollection    = "node"
	eventsCollection   = "event_history"
	countersCollection = "counters"
	cursorsCollection  = "subscriber_state"

	defaultOpTimeout = 5 * time.Second
	clientName       = "mongo"
)

// Options configures the Mongo store client.
type Options struct {
	// URL is the MongoDB connection string.
	URL string
	// Database is the database holding all API collections.
	Database string
	// EventTTL bounds event history retention. Zero keeps history forever.
	EventTTL time.Duration
	// Timeout is the per-operation timeout. Defaults to 5s.
	Timeout time.Duration
}

// Client owns the MongoDB connection and the stores built on it.
type Client struct {
	client  *mongodriver.Client
	timeout time.Duration

	nodes   *NodeStore
	events  *EventLog
	cursors *CursorStore
}

// Compile-time check that Client can back a health check.
var _ health.Pinger = (*Client)(nil)

// Connect establishes the MongoDB connection, creates the collection
// indexes and returns the store client.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("mongo url is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	cli, err := mongodriver.Connect(ctx, options.Client().ApplyURI(opts.URL))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	db := cli.Database(opts.Database)
	c := &Client{
		client:  cli,
		timeout: timeout,
		nodes:   newNodeStore(mongoCollection{coll: db.Collection(nodesCollection)}, timeout),
		events: newEventLog(
			mongoCollection{coll: db.Collection(eventsCollection)},
			mongoCollection{coll: db.Collection(countersCollection)},
			timeout,
		),
		cursors: newCursorStore(mongoCollection{coll: db.Collection(cursorsCollection)}, timeout),
	}
	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.ensureIndexes(idxCtx, opts.EventTTL); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, err
	}
	return c, nil
}

// Name implements health.Pinger.
func (c *Client) Name() string { return clientName }

// Ping implements health.Pinger.
func (c *Client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.client.Ping(ctx, readpref.Primary())
}

// Close disconnects from MongoDB.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// Nodes returns the node store.
func (c *Client) Nodes() *NodeStore { return c.nodes }

// Events returns the event history log.
func (c *Client) Events() *EventLog { return c.events }

// Cursors returns the subscriber cursor store.
func (c *Client) Cursors() *CursorStore { return c.cursors }

func (c *Client) ensureIndexes(ctx context.Context, eventTTL time.Duration) error {
	nodeIndexes := []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "state", Value: 1}}},
		{Keys: bson.D{{Key: "parent", Value: 1}}},
		{Keys: bson.D{{Key: "timeout", Value: 1}}},
	}
	for _, model := range nodeIndexes {
		if _, err := c.nodes.coll.Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("mongodb create node index: %w", err)
		}
	}

	eventIndexes := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "channel", Value: 1}, {Key: "sequence_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if eventTTL > 0 {
		eventIndexes = append(eventIndexes, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(eventTTL.Seconds())),
		})
	}
	for _, model := range eventIndexes {
		if _, err := c.events.events.Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("mongodb create event index: %w", err)
		}
	}

	cursorIndexes := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "subscriber_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "last_poll", Value: 1}}},
	}
	for _, model := range cursorIndexes {
		if _, err := c.cursors.coll.Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("mongodb create cursor index: %w", err)
		}
	}
	return nil
}

// collection abstracts the mongo driver collection so the stores can be
// unit tested without a server.
type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	FindOneAndUpdate(ctx context.Context, filter any, update any, opts ...*options.FindOneAndUpdateOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (documentCursor, error)
	InsertOne(ctx context.Context, document any) (*mongodriver.InsertOneResult, error)
	ReplaceOne(ctx context.Context, filter any, replacement any, opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error)
	UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	DeleteMany(ctx context.Context, filter any) (*mongodriver.DeleteResult, error)
	CountDocuments(ctx context.Context, filter any, opts ...*options.CountOptions) (int64, error)
	Indexes() indexView
}

type singleResult interface {
	Decode(val any) error
	Err() error
}

type documentCursor interface {
	All(ctx context.Context, results any) error
	Close(ctx context.Context) error
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter any, update any, opts ...*options.FindOneAndUpdateOptions) singleResult {
	return c.coll.FindOneAndUpdate(ctx, filter, update, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (documentCursor, error) {
	return c.coll.Find(ctx, filter, opts...)
}

func (c mongoCollection) InsertOne(ctx context.Context, document any) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document)
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter any, replacement any, opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteMany(ctx, filter)
}

func (c mongoCollection) CountDocuments(ctx context.Context, filter any, opts ...*options.CountOptions) (int64, error) {
	return c.coll.CountDocuments(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
