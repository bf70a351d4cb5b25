package redis

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Client wraps go-redis client to centralize configuration.
type Client struct {
	inner *redis.Client
}

const pingTimeout = 3 * time.Second

// Ping verifies the broker round trip and classifies the failure.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return errors.New("redis client not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := c.inner.Ping(ctx).Err(); err != nil {
		return classify(err)
	}
	return nil
}

// Close closes client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// Raw exposes underlying go-redis client.
func (c *Client) Raw() *redis.Client {
	if c == nil {
		return nil
	}
	return c.inner
}

// Options returns the options the working connection was made with.
func (c *Client) Options() *redis.Options {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Options()
}

// Wrap adopts an already configured go-redis client, used by tests and tools.
func Wrap(inner *redis.Client) *Client {
	return &Client{inner: inner}
}
