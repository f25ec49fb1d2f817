// Package workerloop drives one worker process's claim/process/finish cycle
// (spec.md §4.3 "Dynamic Worker Pool") and exposes the pool.Switcher contract
// so the Pool Manager's AssignmentWatcher can retarget it cooperatively.
package workerloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/paraito/registre-ocr/internal/pipeline"
	"github.com/paraito/registre-ocr/internal/queue"
)

// Runner is the subset of queue.Store a worker needs to drive its own loop.
type Runner interface {
	ClaimNext(ctx context.Context, mode queue.DocumentSource, envs []queue.Environment, workerID string) (*queue.Job, error)
	Finish(ctx context.Context, env queue.Environment, job *queue.Job, outcome queue.Outcome) error
}

// idleBackoff is how long a worker sleeps after an empty claim before
// polling again, so an empty queue doesn't spin the dispatcher.
const idleBackoff = 2 * time.Second

// Worker owns one claim loop. It satisfies pool.Switcher so the
// AssignmentWatcher can read and change its mode without a dependency from
// pool back onto this package.
type Worker struct {
	id       string
	store    Runner
	pipeline *pipeline.Pipeline
	envs     []queue.Environment
	log      *zap.SugaredLogger

	mode atomic.Value // queue.DocumentSource

	mu        sync.Mutex
	inFlight  bool
	idleCond  *sync.Cond
	stopGrace time.Duration
}

// New builds a Worker starting in the given mode.
func New(id string, store Runner, pl *pipeline.Pipeline, envs []queue.Environment, initialMode queue.DocumentSource, stopGrace time.Duration, log *zap.SugaredLogger) *Worker {
	w := &Worker{
		id:        id,
		store:     store,
		pipeline:  pl,
		envs:      envs,
		log:       log,
		stopGrace: stopGrace,
	}
	w.mode.Store(initialMode)
	w.idleCond = sync.NewCond(&w.mu)
	return w
}

// CurrentMode implements pool.Switcher.
func (w *Worker) CurrentMode() queue.DocumentSource {
	return w.mode.Load().(queue.DocumentSource)
}

// SetMode implements pool.Switcher. It only ever runs between jobs, since
// AwaitIdle is always called first by the watcher.
func (w *Worker) SetMode(mode queue.DocumentSource) {
	w.mode.Store(mode)
}

// AwaitIdle implements pool.Switcher: block until the loop is between jobs,
// or ctx is cancelled.
func (w *Worker) AwaitIdle(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		w.mu.Lock()
		for w.inFlight {
			w.idleCond.Wait()
		}
		w.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Run claims and processes jobs until ctx is cancelled. On cancellation it
// lets any in-flight job finish (bounded by stopGrace) before returning,
// per spec §5's shutdown contract: "never interrupt mid-job".
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		mode := w.CurrentMode()
		job, err := w.store.ClaimNext(ctx, mode, w.envs, w.id)
		if err != nil {
			w.log.Warnw("claim failed", "worker", w.id, "error", err)
			if !sleepOrDone(ctx, idleBackoff) {
				return nil
			}
			continue
		}
		if job == nil {
			if !sleepOrDone(ctx, idleBackoff) {
				return nil
			}
			continue
		}

		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *queue.Job) {
	w.mu.Lock()
	w.inFlight = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.inFlight = false
		w.idleCond.Broadcast()
		w.mu.Unlock()
	}()

	// The job runs on a context detached from ctx's cancellation: once
	// shutdown begins it gets stopGrace to finish rather than aborting
	// mid-pipeline.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stopGraceTimer := context.AfterFunc(ctx, func() { time.AfterFunc(w.stopGrace, cancel) })
	defer stopGraceTimer()

	outcome := w.pipeline.Run(runCtx, job)
	if err := w.store.Finish(runCtx, job.Environment, job, outcome); err != nil {
		w.log.Errorw("finishing job failed", "worker", w.id, "job", job.ID, "error", err)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
