package pool

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paraito/registre-ocr/internal/coordination"
	"github.com/paraito/registre-ocr/internal/logging"
	"github.com/paraito/registre-ocr/internal/queue"
)

type fixedCounter struct {
	counts queue.PendingCounts
}

func (f fixedCounter) CountPendingByType(ctx context.Context, envs []queue.Environment) (queue.PendingCounts, error) {
	return f.counts, nil
}

func newTestManager(t *testing.T, counts queue.PendingCounts, poolSize, minIndex, minActe int) (*Manager, *coordination.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := coordination.FromClient(rdb)

	m := New(store, fixedCounter{counts: counts}, logging.Noop(), []queue.Environment{queue.Prod}, poolSize, minIndex, minActe, time.Hour)
	return m, store
}

func TestComputeTarget_EmptyQueueSplitsEvenly(t *testing.T) {
	m, _ := newTestManager(t, queue.PendingCounts{}, 4, 1, 1)
	idx, acte := m.computeTarget(queue.PendingCounts{})
	assert.Equal(t, 2, idx)
	assert.Equal(t, 2, acte)
}

func TestComputeTarget_ProportionalToRatio(t *testing.T) {
	m, _ := newTestManager(t, queue.PendingCounts{}, 10, 1, 1)
	idx, acte := m.computeTarget(queue.PendingCounts{IndexCount: 80, ActeCount: 20})
	assert.Equal(t, 8, idx)
	assert.Equal(t, 2, acte)
}

func TestComputeTarget_EnforcesMinimaAndPreservesTotal(t *testing.T) {
	m, _ := newTestManager(t, queue.PendingCounts{}, 5, 2, 2)
	idx, acte := m.computeTarget(queue.PendingCounts{IndexCount: 100, ActeCount: 0})
	assert.Equal(t, 3, idx) // clamped down to preserve total once acte is raised to its minimum
	assert.Equal(t, 2, acte)
	assert.Equal(t, 5, idx+acte)
}

func TestRebalanceOnce_PublishesAllocation(t *testing.T) {
	m, store := newTestManager(t, queue.PendingCounts{IndexCount: 50, ActeCount: 50}, 4, 1, 1)
	ctx := context.Background()

	require.NoError(t, m.rebalanceOnce(ctx))

	fields, err := store.HGetAll(ctx, allocationKey)
	require.NoError(t, err)
	assert.Equal(t, "2", fields["indexWorkers"])
	assert.Equal(t, "2", fields["acteWorkers"])
}

func TestAssign_StableAssignmentRetainsExistingMode(t *testing.T) {
	m, _ := newTestManager(t, queue.PendingCounts{}, 4, 1, 1)
	current := map[string]queue.DocumentSource{
		"w1": queue.Index,
		"w2": queue.Index,
		"w3": queue.Acte,
		"w4": queue.Acte,
	}

	alloc := m.assign(2, 2, current)
	assert.Equal(t, queue.Index, alloc.Assignment["w1"])
	assert.Equal(t, queue.Index, alloc.Assignment["w2"])
	assert.Equal(t, queue.Acte, alloc.Assignment["w3"])
	assert.Equal(t, queue.Acte, alloc.Assignment["w4"])
}
