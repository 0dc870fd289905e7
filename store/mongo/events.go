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

	"kernelci.org/api/store"
)

// EventLog is the MongoDB implementation of store.EventLog. Records live in
// the event_history collection and expire through its TTL index; sequence
// IDs are allocated from a per-channel counter document so that they stay
// dense even after old records have expired.
type EventLog struct {
	events   collection
	counters collection
	timeout  time.Duration
}

var _ store.EventLog = (*EventLog)(nil)

func newEventLog(events, counters collection, timeout time.Duration) *EventLog {
	return &EventLog{events: events, counters: counters, timeout: timeout}
}

type eventDocument struct {
	OID        primitive.ObjectID `bson:"_id,omitempty"`
	Channel    string             `bson:"channel"`
	SequenceID int64              `bson:"sequence_id"`
	Owner      string             `bson:"owner,omitempty"`
	Type       string             `bson:"type,omitempty"`
	Source     string             `bson:"source,omitempty"`
	Timestamp  time.Time          `bson:"timestamp"`
	Data       any                `bson:"data,omitempty"`
}

func fromRecord(rec *store.EventRecord) *eventDocument {
	return &eventDocument{
		Channel:    rec.Channel,
		SequenceID: rec.SequenceID,
		Owner:      rec.Owner,
		Type:       rec.Type,
		Source:     rec.Source,
		Timestamp:  rec.Timestamp.UTC(),
		Data:       rec.Data,
	}
}

func (doc *eventDocument) toRecord() *store.EventRecord {
	return &store.EventRecord{
		SequenceID: doc.SequenceID,
		Channel:    doc.Channel,
		Owner:      doc.Owner,
		Type:       doc.Type,
		Source:     doc.Source,
		Timestamp:  doc.Timestamp.UTC(),
		Data:       normalizeValue(doc.Data),
	}
}

// Append allocates the channel's next sequence ID and persists the record.
// The allocation is a single atomic upsert on the counter document, so
// concurrent appends on one channel never collide.
func (l *EventLog) Append(ctx context.Context, rec *store.EventRecord) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	seq, err := l.nextSequence(ctx, rec.Channel)
	if err != nil {
		return err
	}
	rec.SequenceID = seq
	rec.Timestamp = time.Now().UTC().Truncate(time.Millisecond)
	if _, err := l.events.InsertOne(ctx, fromRecord(rec)); err != nil {
		return fmt.Errorf("mongodb insert event: %w", err)
	}
	return nil
}

func (l *EventLog) nextSequence(ctx context.Context, channel string) (int64, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)
	res := l.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": channel},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		opts,
	)
	var counter struct {
		Value int64 `bson:"value"`
	}
	if err := res.Decode(&counter); err != nil {
		return 0, fmt.Errorf("mongodb next sequence for %q: %w", channel, err)
	}
	return counter.Value, nil
}

// ReadForward returns up to max records on channel with sequence greater
// than after, in sequence order.
func (l *EventLog) ReadForward(ctx context.Context, channel string, after int64, max int) ([]*store.EventRecord, error) {
	filter := bson.M{
		"channel":     channel,
		"sequence_id": bson.M{"$gt": after},
	}
	opts := options.Find().SetSort(bson.D{{Key: "sequence_id", Value: 1}})
	if max > 0 {
		opts.SetLimit(int64(max))
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	cursor, err := l.events.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb read events: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []eventDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb read events decode: %w", err)
	}
	recs := make([]*store.EventRecord, len(docs))
	for i := range docs {
		recs[i] = docs[i].toRecord()
	}
	return recs, nil
}

// LatestSequence returns the highest sequence ever allocated on channel.
// The counter document is the authority: it survives record expiry.
func (l *EventLog) LatestSequence(ctx context.Context, channel string) (int64, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	var counter struct {
		Value int64 `bson:"value"`
	}
	err := l.counters.FindOne(ctx, bson.M{"_id": channel}).Decode(&counter)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("mongodb latest sequence for %q: %w", channel, err)
	}
	return counter.Value, nil
}

// ListEvents serves historical event queries. The translation mirrors
// store.MatchEvent: payload fields are addressed under the data document.
func (l *EventLog) ListEvents(ctx context.Context, q store.EventQuery) ([]*store.EventRecord, error) {
	filter := bson.M{}
	if q.Channel != "" {
		filter["channel"] = q.Channel
	}
	if q.After > 0 {
		filter["sequence_id"] = bson.M{"$gt": q.After}
	}
	if q.Kind != "" {
		filter["data.kind"] = q.Kind
	}
	if q.State != "" {
		filter["data.state"] = q.State
	}
	if q.Result != "" {
		filter["data.result"] = q.Result
	}
	if q.NodeID != "" {
		filter["data.id"] = q.NodeID
	}
	if len(q.NodeIDs) > 0 {
		in := bson.M{"$in": q.NodeIDs}
		if q.NodeID != "" {
			filter["$and"] = []bson.M{{"data.id": q.NodeID}, {"data.id": in}}
			delete(filter, "data.id")
		} else {
			filter["data.id"] = in
		}
	}
	opts := options.Find().SetSort(bson.D{
		{Key: "timestamp", Value: 1},
		{Key: "sequence_id", Value: 1},
	})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	cursor, err := l.events.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list events: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []eventDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list events decode: %w", err)
	}
	recs := make([]*store.EventRecord, len(docs))
	for i := range docs {
		recs[i] = docs[i].toRecord()
	}
	return recs, nil
}

func (l *EventLog) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if l.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.timeout)
}
