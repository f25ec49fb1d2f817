// Package pool implements the Pool Manager of spec.md §4.6: a single
// logical controller that periodically analyses the pending-job composition
// of the queue and rebalances the worker pool's index/acte mode split, plus
// the per-worker side that watches its own assignment and switches mode.
//
// It replaces the teacher's package-level worker-pool globals (see ocr.go's
// module-level channels and counters) with an explicit struct carrying a
// Start(ctx) contract, stopping cleanly on context cancellation rather than
// living for the process lifetime (spec §9's "no ambient global state").
package pool

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/paraito/registre-ocr/internal/coordination"
	"github.com/paraito/registre-ocr/internal/queue"
)

// Allocation is the PoolAllocation record of spec.md GLOSSARY: the target
// worker-count split plus the concrete per-worker assignment.
type Allocation struct {
	IndexWorkers int
	ActeWorkers  int
	Assignment   map[string]queue.DocumentSource
}

func pendingTotal(c queue.PendingCounts) int { return c.IndexCount + c.ActeCount }

func pendingIndexRatio(c queue.PendingCounts) float64 {
	total := pendingTotal(c)
	if total == 0 {
		return 0
	}
	return float64(c.IndexCount) / float64(total)
}

// CountPending is implemented by whatever can answer "how many COMPLETE rows
// of each document type are pending across enabled environments" — in
// production, internal/queue.Store.
type CountPending interface {
	CountPendingByType(ctx context.Context, envs []queue.Environment) (queue.PendingCounts, error)
}

const allocationKey = "pool:allocation"

// Manager owns the rebalance loop. Exactly one instance should run per
// deployment (spec §4.6: "a single logical controller").
type Manager struct {
	store   *coordination.Store
	queue   CountPending
	log     *zap.SugaredLogger
	envs    []queue.Environment

	poolSize        int
	minIndexWorkers int
	minActeWorkers  int
	interval        time.Duration
}

// New builds a Manager. poolSize, minIndexWorkers, and minActeWorkers mirror
// config.PoolConfig's Size/MinIndexWorkers/MinActeWorkers.
func New(store *coordination.Store, q CountPending, log *zap.SugaredLogger, envs []queue.Environment, poolSize, minIndexWorkers, minActeWorkers int, interval time.Duration) *Manager {
	return &Manager{
		store:           store,
		queue:           q,
		log:             log,
		envs:            envs,
		poolSize:        poolSize,
		minIndexWorkers: minIndexWorkers,
		minActeWorkers:  minActeWorkers,
		interval:        interval,
	}
}

// Start runs the rebalance loop until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	if err := m.rebalanceOnce(ctx); err != nil {
		m.log.Errorw("pool rebalance failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.rebalanceOnce(ctx); err != nil {
				m.log.Errorw("pool rebalance failed", "error", err)
			}
		}
	}
}

func (m *Manager) rebalanceOnce(ctx context.Context) error {
	counts, err := m.queue.CountPendingByType(ctx, m.envs)
	if err != nil {
		return fmt.Errorf("pool: analysing pending jobs: %w", err)
	}

	targetIndex, targetActe := m.computeTarget(counts)
	current, err := m.currentAssignment(ctx)
	if err != nil {
		return fmt.Errorf("pool: reading current assignment: %w", err)
	}

	alloc := m.assign(targetIndex, targetActe, current)
	if err := m.publish(ctx, alloc); err != nil {
		return fmt.Errorf("pool: publishing allocation: %w", err)
	}

	m.log.Infow("pool rebalanced",
		"indexCount", counts.IndexCount, "acteCount", counts.ActeCount,
		"indexWorkers", alloc.IndexWorkers, "acteWorkers", alloc.ActeWorkers)
	return nil
}

// computeTarget implements spec §4.6 step 2.
func (m *Manager) computeTarget(counts queue.PendingCounts) (indexWorkers, acteWorkers int) {
	p := m.poolSize

	if pendingTotal(counts) == 0 {
		indexWorkers = p / 2
		acteWorkers = p - indexWorkers
	} else {
		indexWorkers = int(math.Round(float64(p) * pendingIndexRatio(counts)))
		acteWorkers = p - indexWorkers
	}

	if indexWorkers < m.minIndexWorkers {
		indexWorkers = m.minIndexWorkers
		acteWorkers = p - indexWorkers
	}
	if acteWorkers < m.minActeWorkers {
		acteWorkers = m.minActeWorkers
		indexWorkers = p - acteWorkers
	}
	return indexWorkers, acteWorkers
}

func (m *Manager) currentAssignment(ctx context.Context) (map[string]queue.DocumentSource, error) {
	fields, err := m.store.HGetAll(ctx, allocationKey+":assignment")
	if err != nil {
		return nil, err
	}
	out := make(map[string]queue.DocumentSource, len(fields))
	for workerID, mode := range fields {
		src, err := queue.ParseDocumentSource(mode)
		if err != nil {
			continue // stale/garbage field, skip rather than fail the whole rebalance
		}
		out[workerID] = src
	}
	return out, nil
}

// assign implements spec §4.6 step 3's stable assignment strategy: workers
// already in the target mode retain it; only surplus workers flip, chosen in
// map-iteration order (Go's map order is unspecified per run, which is
// "arbitrary order" as spec §4.6 calls for).
func (m *Manager) assign(targetIndex, targetActe int, current map[string]queue.DocumentSource) Allocation {
	assignment := make(map[string]queue.DocumentSource, len(current))
	var indexWorkers, acteWorkers []string
	for id, mode := range current {
		if mode == queue.Index {
			indexWorkers = append(indexWorkers, id)
		} else {
			acteWorkers = append(acteWorkers, id)
		}
	}

	for i, id := range indexWorkers {
		if i < targetIndex {
			assignment[id] = queue.Index
		} else {
			assignment[id] = queue.Acte
			acteWorkers = append(acteWorkers, id)
		}
	}
	flippedToIndex := 0
	needed := targetIndex - min(len(indexWorkers), targetIndex)
	for _, id := range acteWorkers {
		if _, already := assignment[id]; already {
			continue
		}
		if flippedToIndex < needed {
			assignment[id] = queue.Index
			flippedToIndex++
		} else {
			assignment[id] = queue.Acte
		}
	}

	return Allocation{IndexWorkers: targetIndex, ActeWorkers: targetActe, Assignment: assignment}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (m *Manager) publish(ctx context.Context, alloc Allocation) error {
	if err := m.store.HSet(ctx, allocationKey, map[string]any{
		"indexWorkers": alloc.IndexWorkers,
		"acteWorkers":  alloc.ActeWorkers,
		"totalWorkers": alloc.IndexWorkers + alloc.ActeWorkers,
	}); err != nil {
		return err
	}

	fields := make(map[string]any, len(alloc.Assignment))
	for id, mode := range alloc.Assignment {
		fields[id] = string(mode)
	}
	if len(fields) == 0 {
		return nil
	}
	return m.store.HSet(ctx, allocationKey+":assignment", fields)
}
