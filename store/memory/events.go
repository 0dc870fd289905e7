package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"kernelci.org/api/store"
)

// EventLog is an in-memory implementation of store.EventLog. Expired
// records are pruned lazily on access; sequence counters survive expiry so
// that channel sequences stay dense and monotonic for the lifetime of the
// process.
type EventLog struct {
	mu   sync.Mutex
	ttl  time.Duration
	seqs map[string]int64
	recs map[string][]*store.EventRecord

	now func() time.Time // test hook
}

var _ store.EventLog = (*EventLog)(nil)

// NewEventLog creates an in-memory event log whose records expire after
// ttl. A non-positive ttl disables expiry.
func NewEventLog(ttl time.Duration) *EventLog {
	return &EventLog{
		ttl:  ttl,
		seqs: make(map[string]int64),
		recs: make(map[string][]*store.EventRecord),
		now:  time.Now,
	}
}

// Append assigns the next sequence ID on the record's channel, stamps the
// record and retains it until expiry.
func (l *EventLog) Append(ctx context.Context, rec *store.EventRecord) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(rec.Channel)
	l.seqs[rec.Channel]++
	rec.SequenceID = l.seqs[rec.Channel]
	rec.Timestamp = l.now().UTC().Truncate(time.Millisecond)
	cp := *rec
	l.recs[rec.Channel] = append(l.recs[rec.Channel], &cp)
	return nil
}

// ReadForward returns up to max unexpired records on channel with sequence
// ID greater than after, in ascending sequence order.
func (l *EventLog) ReadForward(ctx context.Context, channel string, after int64, max int) ([]*store.EventRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(channel)
	recs := l.recs[channel]
	i := sort.Search(len(recs), func(i int) bool { return recs[i].SequenceID > after })
	var out []*store.EventRecord
	for ; i < len(recs); i++ {
		if max > 0 && len(out) >= max {
			break
		}
		cp := *recs[i]
		out = append(out, &cp)
	}
	return out, nil
}

// LatestSequence returns the highest sequence ID ever assigned on channel,
// or zero if none. Expiry does not lower the value.
func (l *EventLog) LatestSequence(ctx context.Context, channel string) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seqs[channel], nil
}

// ListEvents returns unexpired records matching the query in ascending
// (timestamp, sequence) order across channels.
func (l *EventLog) ListEvents(ctx context.Context, q store.EventQuery) ([]*store.EventRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*store.EventRecord
	for channel := range l.recs {
		if q.Channel != "" && channel != q.Channel {
			continue
		}
		l.prune(channel)
		for _, rec := range l.recs[channel] {
			if store.MatchEvent(rec, q) {
				cp := *rec
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].SequenceID < out[j].SequenceID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// prune drops expired records on channel. Callers must hold l.mu.
func (l *EventLog) prune(channel string) {
	if l.ttl <= 0 {
		return
	}
	cutoff := l.now().Add(-l.ttl)
	recs := l.recs[channel]
	i := 0
	for i < len(recs) && recs[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		l.recs[channel] = append([]*store.EventRecord(nil), recs[i:]...)
	}
}
