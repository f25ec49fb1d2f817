package pool

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/paraito/registre-ocr/internal/capacity"
	"github.com/paraito/registre-ocr/internal/coordination"
	"github.com/paraito/registre-ocr/internal/queue"
)

// Switcher lets AssignmentWatcher coordinate a mode change with whatever is
// actually running the job-claim loop, without pool depending on pipeline.
type Switcher interface {
	// CurrentMode reports the mode the worker is presently claiming in.
	CurrentMode() queue.DocumentSource
	// AwaitIdle blocks until no job is in flight (spec §4.6: "wait for any
	// in-flight job to complete; do not abort mid-pipeline").
	AwaitIdle(ctx context.Context)
	// SetMode switches the mode the claim loop uses going forward.
	SetMode(mode queue.DocumentSource)
}

// AssignmentWatcher is the per-worker half of spec.md §4.6: it polls its own
// entry in PoolAllocation every pollEvery and drives the worker through a
// mode switch when its assignment changes.
type AssignmentWatcher struct {
	store     *coordination.Store
	capacity  *capacity.Manager
	switcher  Switcher
	log       *zap.SugaredLogger
	workerID  string
	pollEvery time.Duration
}

// NewAssignmentWatcher builds a watcher for one worker.
func NewAssignmentWatcher(store *coordination.Store, cap *capacity.Manager, switcher Switcher, log *zap.SugaredLogger, workerID string, pollEvery time.Duration) *AssignmentWatcher {
	return &AssignmentWatcher{
		store:     store,
		capacity:  cap,
		switcher:  switcher,
		log:       log,
		workerID:  workerID,
		pollEvery: pollEvery,
	}
}

// Start polls until ctx is cancelled.
func (w *AssignmentWatcher) Start(ctx context.Context) error {
	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.Heartbeat(ctx); err != nil {
				w.log.Warnw("heartbeat failed", "worker", w.workerID, "error", err)
			}
			if err := w.checkOnce(ctx); err != nil {
				w.log.Warnw("assignment check failed", "worker", w.workerID, "error", err)
			}
		}
	}
}

func (w *AssignmentWatcher) checkOnce(ctx context.Context) error {
	fields, err := w.store.HGetAll(ctx, allocationKey+":assignment")
	if err != nil {
		return fmt.Errorf("reading assignment: %w", err)
	}

	raw, ok := fields[w.workerID]
	if !ok {
		return nil // not yet assigned; the assignment hash has no entry for this worker
	}
	target, err := queue.ParseDocumentSource(raw)
	if err != nil {
		return fmt.Errorf("parsing assignment %q: %w", raw, err)
	}

	current := w.switcher.CurrentMode()
	if target == current {
		return nil
	}

	return w.switchMode(ctx, current, target)
}

// switchMode implements spec §4.6's per-worker switch sequence exactly.
func (w *AssignmentWatcher) switchMode(ctx context.Context, from, to queue.DocumentSource) error {
	w.switcher.AwaitIdle(ctx)

	w.capacity.Release(w.workerID)
	decision := w.capacity.CheckCapacity(to)
	if !decision.Allowed {
		// Defer and retry: put the old allocation back so we don't leak
		// budget while waiting for the next poll to retry the switch.
		_ = w.capacity.Allocate(w.workerID, from)
		w.log.Infow("mode switch deferred: capacity refused", "worker", w.workerID, "target", to, "reason", decision.Reason)
		return nil
	}
	if err := w.capacity.Allocate(w.workerID, to); err != nil {
		return fmt.Errorf("allocating capacity for %s: %w", to, err)
	}

	if err := w.registerWorkerRecord(ctx, to); err != nil {
		return fmt.Errorf("registering worker record: %w", err)
	}

	w.switcher.SetMode(to)
	w.log.Infow("worker switched mode", "worker", w.workerID, "from", from, "to", to)
	return nil
}

// registerWorkerRecord upserts this worker's WorkerRecord with workerId,
// type and lastHeartbeat. It leaves startedAt as RegisterInitial wrote it,
// and no function here writes cpu or ram fields to the record.
func (w *AssignmentWatcher) registerWorkerRecord(ctx context.Context, mode queue.DocumentSource) error {
	key := fmt.Sprintf("worker:%s", w.workerID)
	return w.store.HSet(ctx, key, map[string]any{
		"workerId":      w.workerID,
		"type":          string(mode),
		"lastHeartbeat": time.Now().UTC().Format(time.RFC3339),
	})
}

// RegisterInitial writes this worker's WorkerRecord at process startup, so
// it is visible to the fleet before its first mode switch (which may never
// come, if it starts already in its target mode).
func (w *AssignmentWatcher) RegisterInitial(ctx context.Context, mode queue.DocumentSource) error {
	key := fmt.Sprintf("worker:%s", w.workerID)
	return w.store.HSet(ctx, key, map[string]any{
		"workerId":      w.workerID,
		"type":          string(mode),
		"startedAt":     time.Now().UTC().Format(time.RFC3339),
		"lastHeartbeat": time.Now().UTC().Format(time.RFC3339),
	})
}

// Heartbeat refreshes this worker's liveness timestamp, independent of any
// mode switch. Nothing in this module reads lastHeartbeat back;
// capacity.Manager tracks allocations in-process only.
func (w *AssignmentWatcher) Heartbeat(ctx context.Context) error {
	key := fmt.Sprintf("worker:%s", w.workerID)
	return w.store.HSet(ctx, key, map[string]any{
		"lastHeartbeat": time.Now().UTC().Format(time.RFC3339),
	})
}
