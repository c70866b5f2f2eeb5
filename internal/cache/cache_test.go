package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewCache(client), mr
}

func TestSetAndGet(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, RequestKey("req_1"), "ord_1", 10*time.Minute))

	var orderID string
	require.NoError(t, c.Get(ctx, RequestKey("req_1"), &orderID))
	assert.Equal(t, "ord_1", orderID)
}

func TestGetStruct(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	setValue := map[string]string{"order_id": "ord_1", "status": "processing"}
	require.NoError(t, c.Set(ctx, "snapshot", setValue, 10*time.Minute))

	var getValue map[string]string
	require.NoError(t, c.Get(ctx, "snapshot", &getValue))
	assert.Equal(t, setValue, getValue)
}

func TestGetNonExistentKey(t *testing.T) {
	c, _ := newTestCache(t)

	var orderID string
	err := c.Get(context.Background(), RequestKey("missing"), &orderID)
	assert.True(t, errors.Is(err, ErrMiss))
	assert.Empty(t, orderID)
}

func TestDelete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, RequestKey("req_1"), "ord_1", 10*time.Minute))
	require.NoError(t, c.Delete(ctx, RequestKey("req_1")))

	var orderID string
	assert.True(t, errors.Is(c.Get(ctx, RequestKey("req_1"), &orderID), ErrMiss))

	assert.NoError(t, c.Delete(ctx, "nonExistentKey"))
}
