package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"kernelci.org/api/bus"
)

var (
	testRedisContainer testcontainers.Container
	testRedisURI       string
	skipRedisTests     bool
	redisSetupDone     bool
)

func setupRedis() {
	redisSetupDone = true
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, Redis tests will be skipped: %v\n", containerErr)
		skipRedisTests = true
		return
	}

	host, err := testRedisContainer.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skipRedisTests = true
		return
	}

	port, err := testRedisContainer.MappedPort(ctx, "6379")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skipRedisTests = true
		return
	}

	testRedisURI = fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

// getTestClient connects a bus client against the shared Redis container.
// Tests isolate themselves through per-test channel and queue names.
func getTestClient(t *testing.T) *Client {
	t.Helper()
	if !redisSetupDone {
		setupRedis()
	}
	if skipRedisTests {
		t.Skip("Docker not available, skipping Redis test")
	}

	client, err := New(Options{URL: testRedisURI})
	require.NoError(t, err)
	require.NoError(t, client.Ping(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	_, err = New(Options{URL: "not-a-url"})
	require.Error(t, err)
}

func TestPingerName(t *testing.T) {
	c, err := New(Options{URL: "redis://localhost:6379/0"})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	assert.Equal(t, "redis", c.Name())
}

func TestWakeReachesAllCursors(t *testing.T) {
	c := getTestClient(t)
	ctx := context.Background()
	channel := t.Name()

	first, err := c.Subscribe(ctx, channel)
	require.NoError(t, err)
	defer func() { _ = first.Close() }()
	second, err := c.Subscribe(ctx, channel)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	require.NoError(t, c.Publish(ctx, channel, 42))

	for _, cur := range []bus.Cursor{first, second} {
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		require.NoError(t, cur.Wait(waitCtx))
		cancel()
	}
}

func TestWakeChannelIsolation(t *testing.T) {
	c := getTestClient(t)
	ctx := context.Background()

	cur, err := c.Subscribe(ctx, t.Name()+"-quiet")
	require.NoError(t, err)
	defer func() { _ = cur.Close() }()

	require.NoError(t, c.Publish(ctx, t.Name()+"-busy", 1))

	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, cur.Wait(waitCtx), context.DeadlineExceeded)
}

func TestClosedCursorUnblocksWait(t *testing.T) {
	c := getTestClient(t)
	ctx := context.Background()

	cur, err := c.Subscribe(ctx, t.Name())
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		errs <- cur.Wait(waitCtx)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, cur.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, bus.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after Close")
	}
}

func TestQueueOrdering(t *testing.T) {
	c := getTestClient(t)
	ctx := context.Background()
	name := t.Name()

	for _, payload := range []string{"first", "second", "third"} {
		require.NoError(t, c.Push(ctx, name, []byte(payload)))
	}
	for _, want := range []string{"first", "second", "third"} {
		got, err := c.Pop(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	c := getTestClient(t)
	ctx := context.Background()
	name := t.Name()

	type result struct {
		payload []byte
		err     error
	}
	results := make(chan result, 1)
	go func() {
		popCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		payload, err := c.Pop(popCtx, name)
		results <- result{payload, err}
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, c.Push(ctx, name, []byte("late")))

	select {
	case res := <-results:
		require.NoError(t, res.err)
		assert.Equal(t, "late", string(res.payload))
	case <-time.After(10 * time.Second):
		t.Fatal("Pop did not return after Push")
	}
}

func TestQueuePopHonorsDeadline(t *testing.T) {
	c := getTestClient(t)

	popCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := c.Pop(popCtx, t.Name())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClosedClientSubscribeFails(t *testing.T) {
	c := getTestClient(t)
	require.NoError(t, c.Close())

	_, err := c.Subscribe(context.Background(), t.Name())
	assert.Error(t, err)
}

func TestClosedClientPingFails(t *testing.T) {
	c := getTestClient(t)
	require.NoError(t, c.Close())
	assert.Error(t, c.Ping(context.Background()))
}
