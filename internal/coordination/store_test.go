package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return FromClient(rdb)
}

func TestIncrBy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.IncrBy(ctx, "rate:prod:gemini:rpm", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.IncrBy(ctx, "rate:prod:gemini:rpm", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
}

func TestGetSetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, "", v)

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	v, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	require.NoError(t, s.Delete(ctx, "k"))
	v, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "", v)
}

func TestHashFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "pool:worker-1", map[string]any{
		"mode":      "index",
		"claimedAt": "2026-07-31T00:00:00Z",
	}))

	m, err := s.HGetAll(ctx, "pool:worker-1")
	require.NoError(t, err)
	assert.Equal(t, "index", m["mode"])

	keys, err := s.Keys(ctx, "pool:*")
	require.NoError(t, err)
	assert.Contains(t, keys, "pool:worker-1")

	require.NoError(t, s.HDelete(ctx, "pool:worker-1"))
	m, err = s.HGetAll(ctx, "pool:worker-1")
	require.NoError(t, err)
	assert.Empty(t, m)
}
