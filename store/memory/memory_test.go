package memory

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kernelci.org/api/node"
	"kernelci.org/api/store"
)

func testNode(name string) *node.Node {
	created := time.Now().UTC().Truncate(time.Millisecond)
	return &node.Node{
		Kind:    node.DefaultKind,
		Name:    name,
		Path:    []string{name},
		State:   node.StateRunning,
		Created: created,
		Updated: created,
		Timeout: created.Add(node.DefaultTimeout),
	}
}

func TestStoreCreateGet(t *testing.T) {
	ctx := context.Background()
	s := New()

	n := testNode("checkout")
	require.NoError(t, s.Create(ctx, n))
	require.NotEmpty(t, n.ID)

	got, err := s.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got)

	// The store holds its own copy.
	got.Name = "mutated"
	again, err := s.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "checkout", again.Name)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStoreUpdate(t *testing.T) {
	ctx := context.Background()
	s := New()

	n := testNode("build")
	require.NoError(t, s.Create(ctx, n))

	mod := n.Clone()
	mod.State = node.StateDone
	mod.Updated = n.Updated.Add(time.Second)
	require.NoError(t, s.Update(ctx, mod, n.Updated))

	got, err := s.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, node.StateDone, got.State)

	// A second writer holding the old timestamp loses.
	stale := n.Clone()
	stale.State = node.StateAvailable
	err = s.Update(ctx, stale, n.Updated)
	assert.ErrorIs(t, err, store.ErrStaleUpdate)

	// Zero expected timestamp means unconditional replace.
	require.NoError(t, s.Update(ctx, stale, time.Time{}))

	missing := testNode("ghost")
	missing.ID = "missing"
	err = s.Update(ctx, missing, time.Time{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStoreListOrderAndPagination(t *testing.T) {
	ctx := context.Background()
	s := New()

	var ids []string
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		n := testNode(name)
		require.NoError(t, s.Create(ctx, n))
		ids = append(ids, n.ID)
	}

	all, err := s.List(ctx, node.Filter{}, store.Page{Limit: 100})
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, n := range all {
		assert.Equal(t, ids[i], n.ID)
	}

	page, err := s.List(ctx, node.Filter{}, store.Page{Limit: 2, Offset: 3})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "d", page[0].Name)
	assert.Equal(t, "e", page[1].Name)
}

func TestStoreListFilterAndCount(t *testing.T) {
	ctx := context.Background()
	s := New()

	for i, name := range []string{"a", "b", "c"} {
		n := testNode(name)
		if i > 0 {
			n.State = node.StateDone
		}
		require.NoError(t, s.Create(ctx, n))
	}

	f := node.Filter{}.Where("state", node.StateDone)
	done, err := s.List(ctx, f, store.Page{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, done, 2)

	count, err := s.Count(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestStoreContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New()
	assert.Error(t, s.Create(ctx, testNode("n")))
	_, err := s.Get(ctx, "x")
	assert.Error(t, err)
}

func TestEventLogSequencesPerChannel(t *testing.T) {
	ctx := context.Background()
	l := NewEventLog(time.Hour)

	for i := 0; i < 3; i++ {
		rec := &store.EventRecord{Channel: "node", Data: map[string]any{"i": i}}
		require.NoError(t, l.Append(ctx, rec))
		assert.Equal(t, int64(i+1), rec.SequenceID)
		assert.False(t, rec.Timestamp.IsZero())
	}
	other := &store.EventRecord{Channel: "test_channel"}
	require.NoError(t, l.Append(ctx, other))
	assert.Equal(t, int64(1), other.SequenceID)

	latest, err := l.LatestSequence(ctx, "node")
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)
}

func TestEventLogReadForward(t *testing.T) {
	ctx := context.Background()
	l := NewEventLog(time.Hour)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(ctx, &store.EventRecord{Channel: "node"}))
	}

	recs, err := l.ReadForward(ctx, "node", 2, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, int64(3), recs[0].SequenceID)
	assert.Equal(t, int64(5), recs[2].SequenceID)

	capped, err := l.ReadForward(ctx, "node", 0, 2)
	require.NoError(t, err)
	require.Len(t, capped, 2)
	assert.Equal(t, int64(1), capped[0].SequenceID)

	empty, err := l.ReadForward(ctx, "node", 5, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestEventLogExpiry(t *testing.T) {
	ctx := context.Background()
	l := NewEventLog(time.Minute)
	now := time.Now().UTC()
	l.now = func() time.Time { return now }

	require.NoError(t, l.Append(ctx, &store.EventRecord{Channel: "node"}))
	require.NoError(t, l.Append(ctx, &store.EventRecord{Channel: "node"}))

	now = now.Add(2 * time.Minute)
	recs, err := l.ReadForward(ctx, "node", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)

	// The counter is not reset by expiry.
	latest, err := l.LatestSequence(ctx, "node")
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)

	rec := &store.EventRecord{Channel: "node"}
	require.NoError(t, l.Append(ctx, rec))
	assert.Equal(t, int64(3), rec.SequenceID)
}

func TestEventLogListEvents(t *testing.T) {
	ctx := context.Background()
	l := NewEventLog(time.Hour)

	payload := func(kind, state string) map[string]any {
		return map[string]any{"kind": kind, "state": state, "id": kind + "-id"}
	}
	require.NoError(t, l.Append(ctx, &store.EventRecord{Channel: "node", Data: payload("checkout", "running")}))
	require.NoError(t, l.Append(ctx, &store.EventRecord{Channel: "node", Data: payload("kbuild", "done")}))
	require.NoError(t, l.Append(ctx, &store.EventRecord{Channel: "node", Data: payload("checkout", "done")}))
	require.NoError(t, l.Append(ctx, &store.EventRecord{Channel: "test_channel", Data: payload("job", "done")}))

	recs, err := l.ListEvents(ctx, store.EventQuery{Channel: "node", Kind: "checkout"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(1), recs[0].SequenceID)
	assert.Equal(t, int64(3), recs[1].SequenceID)

	recs, err = l.ListEvents(ctx, store.EventQuery{Channel: "node", State: "done", Limit: 1})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	recs, err = l.ListEvents(ctx, store.EventQuery{NodeID: "job-id"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "test_channel", recs[0].Channel)

	recs, err = l.ListEvents(ctx, store.EventQuery{Channel: "node", After: 2})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(3), recs[0].SequenceID)
}

func TestEventLogSequenceDensity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("appends produce dense ascending sequences", prop.ForAll(
		func(n int) bool {
			ctx := context.Background()
			l := NewEventLog(time.Hour)
			for i := 0; i < n; i++ {
				if err := l.Append(ctx, &store.EventRecord{Channel: "node"}); err != nil {
					return false
				}
			}
			recs, err := l.ReadForward(ctx, "node", 0, n+1)
			if err != nil || len(recs) != n {
				return false
			}
			for i, rec := range recs {
				if rec.SequenceID != int64(i+1) {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t)
}

func TestCursorStore(t *testing.T) {
	ctx := context.Background()
	c := NewCursorStore()
	now := time.Now().UTC().Truncate(time.Millisecond)

	st := &store.SubscriberState{
		SubscriberID: "lab-1",
		Channel:      "node",
		User:         "bob",
		LastEventID:  7,
		LastPoll:     now,
		CreatedAt:    now,
	}
	require.NoError(t, c.Insert(ctx, st))
	assert.ErrorIs(t, c.Insert(ctx, st), store.ErrDuplicate)

	got, err := c.Load(ctx, "lab-1")
	require.NoError(t, err)
	assert.Equal(t, st, got)

	_, err = c.Load(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	later := now.Add(time.Minute)
	require.NoError(t, c.Persist(ctx, "lab-1", 12, later))
	got, err = c.Load(ctx, "lab-1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), got.LastEventID)
	assert.Equal(t, later, got.LastPoll)

	// Persisting an unknown subscriber is not an error.
	require.NoError(t, c.Persist(ctx, "missing", 1, later))

	removed, err := c.DeleteStale(ctx, later.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	_, err = c.Load(ctx, "lab-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
