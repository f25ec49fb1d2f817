package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paraito/registre-ocr/internal/coordination"
	"github.com/paraito/registre-ocr/internal/logging"
)

func newTestLimiter(t *testing.T, rpmMax, tpmMax int) *Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := coordination.FromClient(rdb)
	return New(store, logging.Noop(), "gemini", rpmMax, tpmMax)
}

func TestCheck_AllowsUnderBothLimits(t *testing.T) {
	l := newTestLimiter(t, 10, 10000)
	d := l.Check(context.Background(), 500)
	assert.True(t, d.Allowed)
}

func TestCheck_DeniesAtRPMLimit(t *testing.T) {
	l := newTestLimiter(t, 2, 10000)
	ctx := context.Background()

	l.Record(ctx, 10)
	l.Record(ctx, 10)

	d := l.Check(ctx, 10)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.WaitHintMs, int64(0))
}

func TestCheck_DeniesAtTPMLimit(t *testing.T) {
	l := newTestLimiter(t, 1000, 100)
	ctx := context.Background()

	l.Record(ctx, 90)

	d := l.Check(ctx, 20)
	assert.False(t, d.Allowed)
}

func TestRecord_AccumulatesAcrossCalls(t *testing.T) {
	l := newTestLimiter(t, 1000, 1000)
	ctx := context.Background()

	l.Record(ctx, 100)
	l.Record(ctx, 50)

	d := l.Check(ctx, 849)
	assert.True(t, d.Allowed)
	d = l.Check(ctx, 851)
	assert.False(t, d.Allowed)
}

func TestWait_ReturnsImmediatelyUnderBudget(t *testing.T) {
	l := newTestLimiter(t, 1000, 100000)
	err := l.Wait(context.Background(), 100)
	require.NoError(t, err)
}

func TestWait_RespectsContextCancellation(t *testing.T) {
	l := newTestLimiter(t, 1, 100000)
	// Drain the local token bucket's single burst slot so the next Wait blocks.
	require.NoError(t, l.local.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Wait(ctx, 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCheck_FailsOpenOnStoreError(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := coordination.FromClient(rdb)
	l := New(store, logging.Noop(), "gemini", 1, 1)

	mr.Close() // closing the backing server forces a store read error
	d := l.Check(context.Background(), 10)
	assert.True(t, d.Allowed)
}
