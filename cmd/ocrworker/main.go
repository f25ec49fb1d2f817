// Command ocrworker is the process entry point: it wires the Config, Job
// Dispatcher, Provider Adapter, Rate Limiter, Capacity Manager, Pool
// Manager, and Stale-Job Monitor together per spec.md §9's ambient-
// configuration note (one immutable record, no package-level globals), and
// exposes a small operational HTTP surface in the teacher's fiber-route
// idiom (main.go: "a few fiber routes bolted onto a long-running process").
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/paraito/registre-ocr/internal/capacity"
	"github.com/paraito/registre-ocr/internal/config"
	"github.com/paraito/registre-ocr/internal/coordination"
	"github.com/paraito/registre-ocr/internal/logging"
	"github.com/paraito/registre-ocr/internal/pipeline"
	"github.com/paraito/registre-ocr/internal/pool"
	"github.com/paraito/registre-ocr/internal/provider"
	"github.com/paraito/registre-ocr/internal/queue"
	"github.com/paraito/registre-ocr/internal/ratelimit"
	"github.com/paraito/registre-ocr/internal/stale"
	"github.com/paraito/registre-ocr/internal/storage"
	"github.com/paraito/registre-ocr/internal/workerloop"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ocrworker:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logging.New(os.Getenv("OCRWORKER_ENV") != "production")
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	envs, err := parseEnvironments(cfg.OCR.EnabledEnvironments)
	if err != nil {
		return fmt.Errorf("parsing ocr.enabledEnvironments: %w", err)
	}

	queueStore, err := queue.Open(ctx, map[queue.Environment]string{
		queue.Prod:    cfg.Database.ProdDSN,
		queue.Staging: cfg.Database.StagingDSN,
		queue.Dev:     cfg.Database.DevDSN,
	}, envs)
	if err != nil {
		return fmt.Errorf("opening queue store: %w", err)
	}
	defer queueStore.Close() //nolint:errcheck

	coordStore, err := coordination.Open(ctx, cfg.Coordination.RedisAddr, cfg.Coordination.RedisPassword, cfg.Coordination.RedisDB)
	if err != nil {
		return fmt.Errorf("connecting coordination store: %w", err)
	}
	defer coordStore.Close() //nolint:errcheck

	blobStore := storage.New(cfg.Storage.Endpoint, cfg.Storage.Region, cfg.Storage.AccessKey, cfg.Storage.SecretKey)

	providers, err := buildProviders(ctx, cfg, coordStore, log)
	if err != nil {
		return fmt.Errorf("building providers: %w", err)
	}

	capManager := capacity.New(cfg.Capacity)
	poolManager := pool.New(coordStore, queueStore, log, envs, cfg.Pool.Size, cfg.Pool.MinIndexWorkers, cfg.Pool.MinActeWorkers, cfg.Pool.RebalanceInterval)
	staleMonitor := stale.New(queueStore, envs, cfg.Stale.CheckInterval, cfg.Stale.Threshold, log)

	workers, watchers, err := buildWorkers(cfg, queueStore, coordStore, capManager, blobStore, providers, envs, log)
	if err != nil {
		return fmt.Errorf("building worker pool: %w", err)
	}

	app := buildHTTPServer(capManager, coordStore)

	var wg sync.WaitGroup
	runBackground(&wg, func() error { return poolManager.Start(ctx) }, log, "pool manager")
	runBackground(&wg, func() error { return staleMonitor.Start(ctx) }, log, "stale monitor")
	for i := range workers {
		w, watcher := workers[i], watchers[i]
		runBackground(&wg, func() error { return w.Run(ctx) }, log, "worker loop")
		runBackground(&wg, func() error { return watcher.Start(ctx) }, log, "assignment watcher")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.Listen(cfg.HTTPAddr); err != nil {
			log.Errorw("http server stopped", "error", err)
		}
	}()

	<-ctx.Done()
	log.Infow("shutdown signal received, draining in-flight jobs", "grace", cfg.ShutdownGrace)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warnw("http server shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warnw("shutdown grace period elapsed; remaining in-flight jobs will be recovered by the stale monitor")
	}

	return nil
}

// runBackground starts fn in its own goroutine tied to wg, logging a
// non-nil return as an unexpected exit (fn itself only returns on ctx
// cancellation in normal operation).
func runBackground(wg *sync.WaitGroup, fn func() error, log *zap.SugaredLogger, name string) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := fn(); err != nil {
			log.Errorw(name+" exited with error", "error", err)
		}
	}()
}

func parseEnvironments(raw []string) ([]queue.Environment, error) {
	envs := make([]queue.Environment, 0, len(raw))
	for _, r := range raw {
		e, err := queue.ParseEnvironment(r)
		if err != nil {
			return nil, err
		}
		envs = append(envs, e)
	}
	return envs, nil
}

// buildProviders constructs the preferred/fallback provider pair spec §4.2's
// "Provider selection & fallback" describes, each backed by its own
// per-provider Rate Limiter instance (spec §4.3: limiters never share a
// window key across providers).
func buildProviders(ctx context.Context, cfg *config.Config, coordStore *coordination.Store, log *zap.SugaredLogger) (pipeline.Providers, error) {
	geminiLimiter := ratelimit.New(coordStore, log, "gemini", cfg.Rate.RPMSafeMax, cfg.Rate.TPMSafeMax)
	claudeLimiter := ratelimit.New(coordStore, log, "claude", cfg.Rate.RPMSafeMax, cfg.Rate.TPMSafeMax)

	geminiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.Provider.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return pipeline.Providers{}, fmt.Errorf("building gemini client: %w", err)
	}

	geminiVision := provider.NewGeminiVision(geminiClient, geminiLimiter, log, cfg.OCR.ExtractCompletionSentinel, cfg.OCR.BoostCompletionSentinel)
	geminiFile := provider.NewGeminiFile(geminiClient, geminiLimiter, log, cfg.OCR.ExtractCompletionSentinel, cfg.OCR.BoostCompletionSentinel)
	claudeVision := provider.NewClaudeVision(cfg.Provider.ClaudeAPIKey, claudeLimiter, log, cfg.OCR.ExtractCompletionSentinel, cfg.OCR.BoostCompletionSentinel)

	// The acte path requires FileCapable (spec §4.2: "only the file-capable
	// provider is used; no fallback"), so Preferred is a composite whose
	// ExtractFile always goes to the Gemini-File adapter; index extraction
	// picks between vision adapters via the preferred/fallback pair below.
	var preferredVision, fallbackVision provider.Provider
	switch cfg.OCR.PreferredProvider {
	case "claude":
		preferredVision, fallbackVision = claudeVision, geminiVision
	default:
		preferredVision, fallbackVision = geminiVision, claudeVision
	}

	return pipeline.Providers{
		Preferred: &indexPreferredActeFile{vision: preferredVision, file: geminiFile},
		Fallback:  fallbackVision,
	}, nil
}

// indexPreferredActeFile composes the chosen vision adapter with the
// Gemini-File adapter so the pipeline's single Providers.Preferred value
// satisfies both Provider (index path) and FileCapable (acte path) — the
// acte path always needs Gemini-File regardless of cfg.OCR.PreferredProvider
// (spec §4.2: "For the acte path, only the file-capable provider is used").
type indexPreferredActeFile struct {
	vision provider.Provider
	file   *provider.GeminiFile
}

func (p *indexPreferredActeFile) Name() string { return p.vision.Name() }

func (p *indexPreferredActeFile) Extract(ctx context.Context, image provider.Image, prompt string, opts provider.Options) (provider.Result, error) {
	return p.vision.Extract(ctx, image, prompt, opts)
}

func (p *indexPreferredActeFile) Boost(ctx context.Context, rawText string, prompt string, opts provider.Options) (provider.Result, error) {
	return p.vision.Boost(ctx, rawText, prompt, opts)
}

func (p *indexPreferredActeFile) ExtractFile(ctx context.Context, srcPath string, prompt string, opts provider.Options) (provider.Result, error) {
	return p.file.ExtractFile(ctx, srcPath, prompt, opts)
}

// buildWorkers constructs cfg.Pool.Size workers, each with its own scratch
// directory, pipeline, claim loop, and assignment watcher, seeding the
// initial pool allocation so the Pool Manager's first rebalance sees every
// worker (spec §4.6 step 3 assigns a mode per workerId already in the
// coordination store's assignment hash).
func buildWorkers(cfg *config.Config, queueStore *queue.Store, coordStore *coordination.Store, capManager *capacity.Manager, blobStore *storage.Client, providers pipeline.Providers, envs []queue.Environment, log *zap.SugaredLogger) ([]*workerloop.Worker, []*pool.AssignmentWatcher, error) {
	workers := make([]*workerloop.Worker, 0, cfg.Pool.Size)
	watchers := make([]*pool.AssignmentWatcher, 0, cfg.Pool.Size)

	// A run identifier distinguishes this process's workers from a prior
	// process's entries left behind in the coordination store (e.g. a crash
	// that skipped deregistration), so a restarted worker never appears to
	// inherit a dead process's stale WorkerRecord or assignment entry.
	runID := uuid.NewString()

	initialAssignment := make(map[string]any, cfg.Pool.Size)
	for i := 0; i < cfg.Pool.Size; i++ {
		workerID := fmt.Sprintf("%s-%d-%s", cfg.WorkerIDPrefix, i, runID)
		mode := queue.Acte
		if i%2 == 0 {
			mode = queue.Index
		}

		if err := capManager.Allocate(workerID, mode); err != nil {
			return nil, nil, fmt.Errorf("allocating capacity for %s: %w", workerID, err)
		}

		scratchDir := filepath.Join(cfg.OCR.TempDir, workerID)
		if err := os.MkdirAll(scratchDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating scratch dir for %s: %w", workerID, err)
		}

		pl := pipeline.New(blobStore, providers, cfg.OCR, cfg.Sanitizer, log, scratchDir)
		w := workerloop.New(workerID, queueStore, pl, envs, mode, cfg.ShutdownGrace, log)
		watcher := pool.NewAssignmentWatcher(coordStore, capManager, w, log, workerID, cfg.Pool.AssignmentPollEvery)

		registerCtx, registerCancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := watcher.RegisterInitial(registerCtx, mode)
		registerCancel()
		if err != nil {
			return nil, nil, fmt.Errorf("registering initial worker record for %s: %w", workerID, err)
		}

		workers = append(workers, w)
		watchers = append(watchers, watcher)
		initialAssignment[workerID] = string(mode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := coordStore.HSet(ctx, "pool:allocation:assignment", initialAssignment); err != nil {
		return nil, nil, fmt.Errorf("seeding initial pool assignment: %w", err)
	}

	return workers, watchers, nil
}

// buildHTTPServer exposes the small operational surface the teacher's
// main.go kept alongside its document-processing routes: liveness, and a
// capacity snapshot useful for ops dashboards.
func buildHTTPServer(capManager *capacity.Manager, coordStore *coordination.Store) *fiber.App {
	app := fiber.New()
	app.Use(logger.New())

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "service": "ocrworker"})
	})

	app.Get("/status", func(c *fiber.Ctx) error {
		usedCPU, usedRAM, availCPU, availRAM := capManager.Snapshot()

		ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
		defer cancel()
		alloc, _ := coordStore.HGetAll(ctx, "pool:allocation")

		indexWorkers, _ := strconv.Atoi(alloc["indexWorkers"])
		acteWorkers, _ := strconv.Atoi(alloc["acteWorkers"])

		return c.JSON(fiber.Map{
			"capacity": fiber.Map{
				"usedCpu": usedCPU, "usedRamGb": usedRAM,
				"availableCpu": availCPU, "availableRamGb": availRAM,
			},
			"pool": fiber.Map{
				"indexWorkers": indexWorkers, "acteWorkers": acteWorkers,
			},
		})
	})

	return app
}
