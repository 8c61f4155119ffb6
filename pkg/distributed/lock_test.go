package distributed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_SingleHolder(t *testing.T) {
	addr := os.Getenv("STREAMCORE_TEST_REDIS")
	if addr == "" {
		t.Skip("STREAMCORE_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	defer client.Close()
	ctx := context.Background()
	client.Del(ctx, "test:lock")

	lock := NewLock(client, "test:lock", time.Second)
	first, err := lock.TryAcquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := lock.TryAcquire(ctx)
	require.NoError(t, err)
	assert.Nil(t, second)

	// Renewal keeps the lease past its ttl.
	time.Sleep(1500 * time.Millisecond)
	ttl, err := client.PTTL(ctx, "test:lock").Result()
	require.NoError(t, err)
	assert.Positive(t, ttl)

	require.NoError(t, first.Release(ctx))

	third, err := lock.TryAcquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, third)
	require.NoError(t, third.Release(ctx))
}
