// Package stale implements the Stale-Job Recovery monitor of spec.md §4.7:
// a periodic sweep that resets jobs stuck in OCR_PROCESSING past a threshold
// back to the claimable state, on the theory that their worker died or
// hung without ever reaching Finish.
package stale

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/paraito/registre-ocr/internal/queue"
)

// Resetter is the subset of queue.Store the monitor needs.
type Resetter interface {
	ResetStale(ctx context.Context, env queue.Environment, threshold time.Duration) (int64, error)
}

// Monitor runs the periodic sweep across every enabled environment.
type Monitor struct {
	store     Resetter
	envs      []queue.Environment
	interval  time.Duration
	threshold time.Duration
	log       *zap.SugaredLogger
}

// New builds a Monitor. envs should be the operator's enabled-environment
// list (spec §6 "ocr.enabledEnvironments"); each sweep walks it in the
// order given.
func New(store Resetter, envs []queue.Environment, interval, threshold time.Duration, log *zap.SugaredLogger) *Monitor {
	return &Monitor{store: store, envs: envs, interval: interval, threshold: threshold, log: log}
}

// Start runs the sweep loop until ctx is cancelled. It sweeps once
// immediately on entry, then every interval.
func (m *Monitor) Start(ctx context.Context) error {
	m.sweepOnce(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Monitor) sweepOnce(ctx context.Context) {
	for _, env := range m.envs {
		n, err := m.store.ResetStale(ctx, env, m.threshold)
		if err != nil {
			m.log.Warnw("stale sweep failed", "environment", env, "error", err)
			continue
		}
		if n > 0 {
			m.log.Infow("reset stale jobs", "environment", env, "count", n)
		}
	}
}
