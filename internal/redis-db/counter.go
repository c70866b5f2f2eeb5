package redis_db

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter is a windowed counter: the first increment of a key sets its
// expiry, so the count resets once the window passes.
type Counter struct {
	client redis.UniversalClient
	prefix string
}

func NewCounter(client redis.UniversalClient, prefix string) *Counter {
	return &Counter{client: client, prefix: prefix}
}

func (c *Counter) key(name string) string {
	return c.prefix + ":" + name
}

// Incr increments name and returns the new value.
func (c *Counter) Incr(ctx context.Context, name string, window time.Duration) (int64, error) {
	key := c.key(name)
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := c.client.Expire(ctx, key, window).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Get returns the current value of name, zero when unset.
func (c *Counter) Get(ctx context.Context, name string) (int64, error) {
	v, err := c.client.Get(ctx, c.key(name)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// Decr undoes one increment, used when a counted action is rolled back.
func (c *Counter) Decr(ctx context.Context, name string) error {
	return c.client.Decr(ctx, c.key(name)).Err()
}
