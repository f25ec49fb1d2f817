// Package capacity implements the Capacity Manager of spec.md §4.4: a
// per-host tracker of CPU/RAM allocation that admits or refuses a worker
// before it starts, or before it switches mode (§4.6).
package capacity

import (
	"fmt"
	"sync"

	"github.com/paraito/registre-ocr/internal/config"
	"github.com/paraito/registre-ocr/internal/queue"
)

// Decision is the result of CheckCapacity.
type Decision struct {
	Allowed bool
	Reason  string
}

// allocation is the fixed per-worker-type resource cost spec §4.4 describes.
type allocation struct {
	workerType queue.DocumentSource
	cpu        float64
	ramGB      float64
}

// Manager holds the single host's live allocation map. All state is local to
// the process; spec §4.4 scopes capacity to "per-host", not shared across
// the fleet the way the Rate Limiter and Pool Manager are.
type Manager struct {
	mu       sync.Mutex
	cfg      config.CapacityConfig
	workers  map[string]allocation
	usedCPU  float64
	usedRAM  float64
}

// New builds a Manager with zero allocations.
func New(cfg config.CapacityConfig) *Manager {
	return &Manager{
		cfg:     cfg,
		workers: make(map[string]allocation),
	}
}

func (m *Manager) costFor(t queue.DocumentSource) (cpu, ramGB float64, err error) {
	switch t {
	case queue.Index:
		c := m.cfg.IndexWorkerCost()
		return c.CPU, c.RAM, nil
	case queue.Acte:
		c := m.cfg.ActeWorkerCost()
		return c.CPU, c.RAM, nil
	default:
		return 0, 0, fmt.Errorf("capacity: no cost defined for worker type %s", t)
	}
}

// CheckCapacity implements checkCapacity(workerType): admits if adding the
// type stays under the available (post-reservation) CPU and RAM budget.
func (m *Manager) CheckCapacity(workerType queue.DocumentSource) Decision {
	cpu, ramGB, err := m.costFor(workerType)
	if err != nil {
		return Decision{Allowed: false, Reason: err.Error()}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	availCPU := m.cfg.AvailableCPU()
	availRAM := m.cfg.AvailableRAM()

	if m.usedCPU+cpu > availCPU {
		return Decision{Allowed: false, Reason: fmt.Sprintf("insufficient CPU: %.2f used + %.2f needed > %.2f available", m.usedCPU, cpu, availCPU)}
	}
	if m.usedRAM+ramGB > availRAM {
		return Decision{Allowed: false, Reason: fmt.Sprintf("insufficient RAM: %.2fGB used + %.2fGB needed > %.2fGB available", m.usedRAM, ramGB, availRAM)}
	}
	return Decision{Allowed: true}
}

// Allocate implements allocate(workerId, type): mutates the used counters
// and the worker map. Re-allocating an already-tracked worker first
// releases its previous cost, so a mode switch is a single call.
func (m *Manager) Allocate(workerID string, workerType queue.DocumentSource) error {
	cpu, ramGB, err := m.costFor(workerType)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.workers[workerID]; ok {
		m.usedCPU -= prev.cpu
		m.usedRAM -= prev.ramGB
	}
	m.workers[workerID] = allocation{workerType: workerType, cpu: cpu, ramGB: ramGB}
	m.usedCPU += cpu
	m.usedRAM += ramGB
	return nil
}

// Release implements release(workerId): frees a worker's allocation.
// Releasing an untracked worker is a no-op.
func (m *Manager) Release(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.workers[workerID]
	if !ok {
		return
	}
	m.usedCPU -= a.cpu
	m.usedRAM -= a.ramGB
	delete(m.workers, workerID)
}

// Snapshot reports current usage, for health/status endpoints and tests.
func (m *Manager) Snapshot() (usedCPU, usedRAM, availCPU, availRAM float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usedCPU, m.usedRAM, m.cfg.AvailableCPU(), m.cfg.AvailableRAM()
}
