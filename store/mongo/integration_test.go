package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"kernelci.org/api/node"
	"kernelci.org/api/store"
)

var (
	testMongoClient    *mongodriver.Client
	testMongoContainer testcontainers.Container
	testMongoURI       string
	skipMongoTests     bool
)

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skipMongoTests = true
		return
	}

	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skipMongoTests = true
		return
	}

	testMongoURI = fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongodriver.Connect(ctx, options.Client().ApplyURI(testMongoURI))
	if err != nil {
		fmt.Printf("Failed to connect to MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}

	if err := testMongoClient.Ping(ctx, nil); err != nil {
		fmt.Printf("Failed to ping MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}
}

// getTestClient connects a store client against a database dedicated to the
// calling test, dropping any leftovers from earlier runs.
func getTestClient(t *testing.T) *Client {
	t.Helper()
	if testMongoClient == nil && !skipMongoTests {
		setupMongoDB()
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	ctx := context.Background()
	dbName := "kernelci_" + strings.ToLower(strings.ReplaceAll(t.Name(), "/", "_"))
	require.NoError(t, testMongoClient.Database(dbName).Drop(ctx))

	client, err := Connect(ctx, Options{
		URL:      testMongoURI,
		Database: dbName,
		EventTTL: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close(context.Background()) })
	return client
}

func storedNode(name string) *node.Node {
	created := time.Now().UTC().Truncate(time.Millisecond)
	return &node.Node{
		Kind:    "node",
		Name:    name,
		Path:    []string{name},
		State:   node.StateRunning,
		Owner:   "admin",
		Created: created,
		Updated: created,
		Timeout: created.Add(6 * time.Hour),
	}
}

func nodesEquivalent(a, b *node.Node) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ja) == string(jb)
}

func TestMongoNodeStoreRoundTrip(t *testing.T) {
	client := getTestClient(t)
	nodes := client.Nodes()
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("create then get returns an equivalent node", prop.ForAll(
		func(name string, state node.State, result node.Result, data map[string]string) bool {
			created := time.Now().UTC().Truncate(time.Millisecond)
			n := &node.Node{
				Kind:    "kbuild",
				Name:    name,
				Path:    []string{"checkout", name},
				State:   state,
				Result:  result,
				Owner:   "admin",
				Created: created,
				Updated: created,
				Timeout: created.Add(time.Hour),
			}
			if len(data) > 0 {
				n.Data = make(map[string]any, len(data))
				for k, v := range data {
					n.Data[k] = v
				}
			}
			if err := nodes.Create(ctx, n); err != nil {
				return false
			}
			got, err := nodes.Get(ctx, n.ID)
			if err != nil {
				return false
			}
			return nodesEquivalent(n, got)
		},
		gen.Identifier(),
		gen.OneConstOf(node.StateRunning, node.StateAvailable, node.StateClosing, node.StateDone),
		gen.OneConstOf(node.ResultNone, node.ResultPass, node.ResultFail, node.ResultSkip, node.ResultIncomplete),
		gen.MapOf(gen.Identifier(), gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func TestMongoNodeStoreFilters(t *testing.T) {
	client := getTestClient(t)
	nodes := client.Nodes()
	ctx := context.Background()

	checkout := storedNode("checkout")
	checkout.Data = map[string]any{"kernel_revision": map[string]any{"tree": "mainline"}}
	require.NoError(t, nodes.Create(ctx, checkout))

	build := storedNode("kbuild-gcc-12")
	build.Kind = "kbuild"
	build.Parent = checkout.ID
	build.Path = []string{"checkout", "kbuild-gcc-12"}
	build.State = node.StateDone
	build.Result = node.ResultPass
	require.NoError(t, nodes.Create(ctx, build))

	test := storedNode("baseline-x86")
	test.Kind = "test"
	test.Parent = build.ID
	test.Path = []string{"checkout", "kbuild-gcc-12", "baseline-x86"}
	require.NoError(t, nodes.Create(ctx, test))

	t.Run("by state", func(t *testing.T) {
		got, err := nodes.List(ctx, node.Filter{}.Where("state", "done"), store.Page{Limit: 10})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, build.ID, got[0].ID)
	})

	t.Run("roots have null parent", func(t *testing.T) {
		got, err := nodes.List(ctx, node.Filter{}.Where("parent", nil), store.Page{Limit: 10})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, checkout.ID, got[0].ID)
	})

	t.Run("by parent id", func(t *testing.T) {
		got, err := nodes.List(ctx, node.Filter{}.Where("parent", checkout.ID), store.Page{Limit: 10})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, build.ID, got[0].ID)
	})

	t.Run("dotted data key", func(t *testing.T) {
		got, err := nodes.List(ctx, node.Filter{}.Where("data.kernel_revision.tree", "mainline"), store.Page{Limit: 10})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, checkout.ID, got[0].ID)
	})

	t.Run("name regex", func(t *testing.T) {
		f, err := node.ParseQuery(map[string][]string{"name__re": {"^kbuild"}})
		require.NoError(t, err)
		got, err := nodes.List(ctx, f, store.Page{Limit: 10})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, build.ID, got[0].ID)
	})

	t.Run("creation order and pagination", func(t *testing.T) {
		got, err := nodes.List(ctx, node.Filter{}, store.Page{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, build.ID, got[0].ID)
		assert.Equal(t, test.ID, got[1].ID)
	})

	t.Run("count", func(t *testing.T) {
		count, err := nodes.Count(ctx, node.Filter{}.WhereOp("state", node.OpNe, "done"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
	})
}

func TestMongoNodeStoreUpdateCAS(t *testing.T) {
	client := getTestClient(t)
	nodes := client.Nodes()
	ctx := context.Background()

	n := storedNode("checkout")
	require.NoError(t, nodes.Create(ctx, n))

	first := n.Clone()
	first.State = node.StateAvailable
	first.Updated = n.Updated.Add(time.Second)
	require.NoError(t, nodes.Update(ctx, first, n.Updated))

	second := n.Clone()
	second.State = node.StateDone
	err := nodes.Update(ctx, second, n.Updated)
	assert.ErrorIs(t, err, store.ErrStaleUpdate)

	got, err := nodes.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, node.StateAvailable, got.State)
}

func TestMongoEventLog(t *testing.T) {
	client := getTestClient(t)
	events := client.Events()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := &store.EventRecord{
			Channel: "node",
			Owner:   "admin",
			Data:    map[string]any{"op": "created", "seq": fmt.Sprint(i)},
		}
		require.NoError(t, events.Append(ctx, rec))
		assert.Equal(t, int64(i+1), rec.SequenceID)
	}

	recs, err := events.ReadForward(ctx, "node", 2, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, int64(3), recs[0].SequenceID)

	latest, err := events.LatestSequence(ctx, "node")
	require.NoError(t, err)
	assert.Equal(t, int64(5), latest)

	// Simulate TTL expiry by deleting the records out from under the log:
	// the counter keeps the sequence monotonic.
	_, err = events.events.DeleteMany(ctx, bson.M{"channel": "node"})
	require.NoError(t, err)

	rec := &store.EventRecord{Channel: "node"}
	require.NoError(t, events.Append(ctx, rec))
	assert.Equal(t, int64(6), rec.SequenceID)

	latest, err = events.LatestSequence(ctx, "node")
	require.NoError(t, err)
	assert.Equal(t, int64(6), latest)
}

func TestMongoEventLogListEvents(t *testing.T) {
	client := getTestClient(t)
	events := client.Events()
	ctx := context.Background()

	payload := func(kind, state, id string) map[string]any {
		return map[string]any{"op": "updated", "kind": kind, "state": state, "id": id}
	}
	require.NoError(t, events.Append(ctx, &store.EventRecord{Channel: "node", Data: payload("checkout", "running", "a")}))
	require.NoError(t, events.Append(ctx, &store.EventRecord{Channel: "node", Data: payload("kbuild", "done", "b")}))
	require.NoError(t, events.Append(ctx, &store.EventRecord{Channel: "node", Data: payload("checkout", "done", "c")}))
	require.NoError(t, events.Append(ctx, &store.EventRecord{Channel: "test_channel", Data: payload("job", "done", "d")}))

	recs, err := events.ListEvents(ctx, store.EventQuery{Channel: "node", Kind: "checkout"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(1), recs[0].SequenceID)
	assert.Equal(t, int64(3), recs[1].SequenceID)

	recs, err = events.ListEvents(ctx, store.EventQuery{State: "done", Limit: 2})
	require.NoError(t, err)
	require.Len(t, recs, 2)

	recs, err = events.ListEvents(ctx, store.EventQuery{NodeIDs: []string{"b", "d"}})
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestMongoCursorStore(t *testing.T) {
	client := getTestClient(t)
	cursors := client.Cursors()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	st := &store.SubscriberState{
		SubscriberID: "lab-collabora",
		Channel:      "node",
		User:         "bob",
		LastEventID:  3,
		LastPoll:     now,
		CreatedAt:    now,
	}
	require.NoError(t, cursors.Insert(ctx, st))
	assert.ErrorIs(t, cursors.Insert(ctx, st), store.ErrDuplicate)

	got, err := cursors.Load(ctx, "lab-collabora")
	require.NoError(t, err)
	assert.Equal(t, st.Channel, got.Channel)
	assert.Equal(t, st.User, got.User)
	assert.Equal(t, int64(3), got.LastEventID)
	assert.True(t, got.LastPoll.Equal(now))

	later := now.Add(time.Minute)
	require.NoError(t, cursors.Persist(ctx, "lab-collabora", 9, later))
	got, err = cursors.Load(ctx, "lab-collabora")
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.LastEventID)
	assert.True(t, got.LastPoll.Equal(later))

	_, err = cursors.Load(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	removed, err := cursors.DeleteStale(ctx, later.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
