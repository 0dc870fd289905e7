// Package redis implements the wake bus and work queues on Redis, the
// production transport. Wake payloads carry only the decimal sequence ID;
// queue payloads are opaque bytes.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/clue/health"

	"kernelci.org/api/bus"
)

const clientName = "redis"

// popPollInterval bounds each blocking pop so context cancellation is
// noticed promptly even on quiet lists.
const popPollInterval = time.Second

// Options configures the Redis bus client.
type Options struct {
	// URL is the Redis connection string, e.g. redis://localhost:6379/1.
	URL string
}

// Client implements bus.Bus and bus.Queue on a single Redis connection
// pool.
type Client struct {
	client *goredis.Client
}

var (
	_ bus.Bus       = (*Client)(nil)
	_ bus.Queue     = (*Client)(nil)
	_ health.Pinger = (*Client)(nil)
)

// New creates a Redis bus client.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("redis url is required")
	}
	ropts, err := goredis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &Client{client: goredis.NewClient(ropts)}, nil
}

// Name implements health.Pinger.
func (c *Client) Name() string { return clientName }

// Ping implements health.Pinger.
func (c *Client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.client.Ping(ctx).Err()
}

// Publish announces seq on channel.
func (c *Client) Publish(ctx context.Context, channel string, seq int64) error {
	err := c.client.Publish(ctx, channel, strconv.FormatInt(seq, 10)).Err()
	if err != nil {
		return fmt.Errorf("redis publish on %q: %w", channel, err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription on channel. The subscription is
// confirmed before returning, so publishes from that point on are seen.
func (c *Client) Subscribe(ctx context.Context, channel string) (bus.Cursor, error) {
	ps := c.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe to %q: %w", channel, err)
	}
	return &cursor{ps: ps, ch: ps.Channel()}, nil
}

// Close releases the connection pool. Open cursors are unblocked with an
// error.
func (c *Client) Close() error {
	return c.client.Close()
}

// Push appends payload to the tail of the named list.
func (c *Client) Push(ctx context.Context, name string, payload []byte) error {
	if err := c.client.RPush(ctx, name, payload).Err(); err != nil {
		return fmt.Errorf("redis push to %q: %w", name, err)
	}
	return nil
}

// Pop removes and returns the head of the named list, blocking until a
// message arrives or the context is done.
func (c *Client) Pop(ctx context.Context, name string) ([]byte, error) {
	for {
		res, err := c.client.BLPop(ctx, popPollInterval, name).Result()
		if errors.Is(err, goredis.Nil) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("redis pop from %q: %w", name, err)
		}
		if len(res) == 2 {
			return []byte(res[1]), nil
		}
	}
}

type cursor struct {
	ps *goredis.PubSub
	ch <-chan *goredis.Message
}

// Wait blocks until a wake arrives. The payload is ignored: listeners
// re-read the event log, so coalesced or lost wakes are harmless.
func (c *cursor) Wait(ctx context.Context) error {
	select {
	case _, ok := <-c.ch:
		if !ok {
			return bus.ErrClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the subscription.
func (c *cursor) Close() error {
	return c.ps.Close()
}
