package locks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseManager(t *testing.T, m Manager) {
	ctx := context.Background()

	release, ok, err := m.TryLock(ctx, "sync:u1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.TryLock(ctx, "sync:u1")
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	_, ok, err = m.TryLock(ctx, "sync:u2")
	require.NoError(t, err)
	assert.True(t, ok, "other keys are independent")

	release()
	release()

	_, ok, err = m.TryLock(ctx, "sync:u1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryManager(t *testing.T) {
	exerciseManager(t, NewMemory())
}

func TestRedisManager(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	exerciseManager(t, NewRedis(client, time.Minute))
}

func TestRedisLockExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	m := NewRedis(client, time.Minute)
	ctx := context.Background()

	stale, ok, err := m.TryLock(ctx, "sync:u1")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)
	_, ok, err = m.TryLock(ctx, "sync:u1")
	require.NoError(t, err)
	assert.True(t, ok)

	// the expired holder must not delete the new holder's key
	stale()
	assert.True(t, mr.Exists("lock:sync:u1"))
}
