package capacity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paraito/registre-ocr/internal/config"
	"github.com/paraito/registre-ocr/internal/queue"
)

func testConfig() config.CapacityConfig {
	return config.CapacityConfig{
		MaxCPU:         8,
		MaxRAM:         16,
		ReserveCPUPct:  0.20,
		ReserveRAMPct:  0.20,
		IndexWorkerCPU: 1.5,
		IndexWorkerRAM: 0.75,
		ActeWorkerCPU:  1.0,
		ActeWorkerRAM:  0.5,
	}
}

func TestCheckCapacity_AdmitsWithinBudget(t *testing.T) {
	m := New(testConfig())
	d := m.CheckCapacity(queue.Index)
	assert.True(t, d.Allowed)
}

func TestAllocate_ConsumesBudgetUntilRefused(t *testing.T) {
	m := New(testConfig())

	// Available CPU = 8 * 0.8 = 6.4. Index workers cost 1.5 each -> 4 fit, 5th doesn't.
	for i := 0; i < 4; i++ {
		require.NoError(t, m.Allocate(workerID(i), queue.Index))
	}
	d := m.CheckCapacity(queue.Index)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "CPU")
}

func TestRelease_FreesBudget(t *testing.T) {
	m := New(testConfig())
	require.NoError(t, m.Allocate("w1", queue.Index))
	require.NoError(t, m.Allocate("w2", queue.Index))
	require.NoError(t, m.Allocate("w3", queue.Index))
	require.NoError(t, m.Allocate("w4", queue.Index))

	assert.False(t, m.CheckCapacity(queue.Index).Allowed)

	m.Release("w1")
	assert.True(t, m.CheckCapacity(queue.Index).Allowed)
}

func TestAllocate_ModeSwitchReplacesPreviousCost(t *testing.T) {
	m := New(testConfig())
	require.NoError(t, m.Allocate("w1", queue.Index))
	usedCPU, _, _, _ := m.Snapshot()
	assert.Equal(t, 1.5, usedCPU)

	require.NoError(t, m.Allocate("w1", queue.Acte))
	usedCPU, _, _, _ = m.Snapshot()
	assert.Equal(t, 1.0, usedCPU)
}

func TestCheckCapacity_UnknownWorkerTypeRefused(t *testing.T) {
	m := New(testConfig())
	d := m.CheckCapacity(queue.PlanCadastraux)
	assert.False(t, d.Allowed)
}

func workerID(i int) string {
	ids := []string{"w1", "w2", "w3", "w4", "w5", "w6"}
	return ids[i]
}
