// Package pipeline implements the OCR Pipeline of spec.md §4.2: the
// per-job orchestration of storage resolution, rasterisation, provider
// extract/boost, optional sanitisation, and the queue's terminal/retry
// transition.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/paraito/registre-ocr/internal/config"
	"github.com/paraito/registre-ocr/internal/provider"
	"github.com/paraito/registre-ocr/internal/queue"
	"github.com/paraito/registre-ocr/internal/rasterize"
	"github.com/paraito/registre-ocr/internal/sanitize"
	"github.com/paraito/registre-ocr/internal/storage"
)

// Downloader is the subset of storage.Client the pipeline needs.
type Downloader interface {
	Download(ctx context.Context, bucket, key string) ([]byte, error)
}

// scratchCounter gives each download a monotonically-unique filename
// suffix within one worker process (spec §4.2 step 2).
var scratchCounter atomic.Uint64

// Providers bundles the preferred and fallback adapters for one pipeline
// run. Fallback may be nil when only one provider is configured.
type Providers struct {
	Preferred provider.Provider
	Fallback  provider.Provider
}

// Pipeline orchestrates one claimed job end to end.
type Pipeline struct {
	storage   Downloader
	providers Providers
	cfg       config.OCRConfig
	sanitizer config.SanitizerConfig
	log       *zap.SugaredLogger
	tempDir   string
}

// New builds a Pipeline bound to one worker's scratch directory.
func New(store Downloader, providers Providers, cfg config.OCRConfig, sanitizer config.SanitizerConfig, log *zap.SugaredLogger, workerTempDir string) *Pipeline {
	return &Pipeline{
		storage:   store,
		providers: providers,
		cfg:       cfg,
		sanitizer: sanitizer,
		log:       log,
		tempDir:   workerTempDir,
	}
}

// Run processes one claimed job and returns the Outcome the dispatcher's
// Finish expects. Run has no separate Go error return: every failure,
// including an unusable scratch directory or a recovered panic, is carried
// in Outcome.Err.
func (p *Pipeline) Run(ctx context.Context, job *queue.Job) (outcome queue.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorw("pipeline recovered from panic", "job", job.ID, "panic", r)
			outcome = queue.Outcome{Success: false, Err: fmt.Errorf("pipeline: recovered panic: %v", r)}
		}
	}()

	if job.DocumentSource == queue.PlanCadastraux {
		return queue.Outcome{Success: true} // spec §4.2 "Skip rule"
	}

	scratchDir, cleanup, err := p.scratchDir(job)
	if err != nil {
		return queue.Outcome{Success: false, Err: fmt.Errorf("pipeline: preparing scratch dir: %w", err)}
	}
	defer cleanup()

	var boosted string
	switch job.DocumentSource {
	case queue.Index:
		boosted, err = p.runIndex(ctx, job, scratchDir)
	case queue.Acte:
		boosted, err = p.runActe(ctx, job)
	default:
		err = fmt.Errorf("pipeline: unhandled document source %s", job.DocumentSource)
	}
	if err != nil {
		return queue.Outcome{Success: false, Err: err}
	}

	fileContent := boosted
	if p.sanitizer.Enabled {
		sanitized, sanErr := sanitize.Sanitize(boosted)
		if sanErr != nil {
			// The sanitiser is a pure parser over already-boosted text; a
			// failure here is not a provider/storage failure, but losing the
			// boosted text on a sanitiser bug would be worse than falling
			// back to verbose mode for this job.
			p.log.Warnw("sanitizer failed, falling back to boosted text", "job", job.ID, "error", sanErr)
		} else {
			fileContent = sanitized
		}
	}

	return queue.Outcome{Success: true, FileContent: fileContent, BoostedFileContent: boosted}
}

func (p *Pipeline) scratchDir(job *queue.Job) (string, func(), error) {
	suffix := scratchCounter.Add(1)
	dir := filepath.Join(p.tempDir, fmt.Sprintf("%s-%d", job.ID, suffix))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, err
	}
	return dir, func() {
		if err := os.RemoveAll(dir); err != nil {
			p.log.Warnw("scratch cleanup failed", "dir", dir, "error", err)
		}
	}, nil
}

// runIndex implements spec §4.2's index procedure: resolve, download,
// rasterise, per-page extract in bounded parallel, concatenate with page
// markers, boost once over the whole document.
func (p *Pipeline) runIndex(ctx context.Context, job *queue.Job, scratchDir string) (string, error) {
	bucket := job.DocumentSource.Bucket()
	key := storage.ResolveKey(bucket, job.SupabasePath)

	data, err := p.storage.Download(ctx, bucket, key)
	if err != nil {
		return "", fmt.Errorf("pipeline: downloading %s/%s: %w", bucket, key, err)
	}

	pages, err := rasterize.ToPages(data, scratchDir)
	if err != nil {
		return "", fmt.Errorf("pipeline: rasterising: %w", err)
	}

	texts := make([]string, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	for i, pg := range pages {
		i, pg := i, pg
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("page %d: recovered panic: %v", pg.Number, r)
				}
			}()
			img := provider.Image{Bytes: pg.Bytes, MimeType: rasterize.MimeType()}
			result, extractErr := p.extractWithFallback(gctx, img, p.cfg.ExtractPromptIndex)
			if extractErr != nil {
				return fmt.Errorf("page %d: %w", pg.Number, extractErr)
			}
			texts[i] = result.Text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	concatenated := concatenatePages(texts)

	// Boost sees the whole document exactly once — per-page boost is a
	// deliberate non-goal (spec §4.2 step 6).
	boostResult, err := p.boost(ctx, concatenated, p.cfg.BoostPromptIndex)
	if err != nil {
		return "", fmt.Errorf("pipeline: boosting: %w", err)
	}
	return boostResult.Text, nil
}

// concatenatePages implements spec §4.2 step 5's literal page markers,
// matching the exact framing spec §8 scenario 1 documents: each page's
// marker+text segment is "\n\n--- Page N ---\n\n<text>", and segments are
// joined with a single "\n" — which is why the junction between two pages
// shows three newlines (one from the joiner, two from the next marker's
// leading blank line) while the document's own leading whitespace shows two.
func concatenatePages(texts []string) string {
	var b []byte
	for i, t := range texts {
		if i > 0 {
			b = append(b, '\n')
		}
		b = append(b, []byte(fmt.Sprintf("\n\n--- Page %d ---\n\n%s", i+1, t))...)
	}
	return string(b)
}

// runActe implements spec §4.2's acte procedure: upload via the file path,
// extract once on the handle, then boost the raw text. No rasterisation, no
// fallback — only the file-capable provider serves acte documents.
func (p *Pipeline) runActe(ctx context.Context, job *queue.Job) (string, error) {
	fileProvider, ok := p.providers.Preferred.(provider.FileCapable)
	if !ok {
		return "", errors.New("pipeline: preferred provider does not support the file path required for acte documents")
	}

	bucket := job.DocumentSource.Bucket()
	key := storage.ResolveKey(bucket, job.SupabasePath)

	data, err := p.storage.Download(ctx, bucket, key)
	if err != nil {
		return "", fmt.Errorf("pipeline: downloading %s/%s: %w", bucket, key, err)
	}

	tmpPath, err := p.writeScratchPDF(job, data)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmpPath)

	opts := provider.Options{Model: p.cfg.GeminiModel, Temperature: p.cfg.GeminiTemperature, MaxAttempts: p.cfg.MaxAttempts}
	extractResult, err := fileProvider.ExtractFile(ctx, tmpPath, p.cfg.ExtractPromptActe, opts)
	if err != nil {
		return "", fmt.Errorf("pipeline: file extract: %w", err)
	}

	boostResult, err := fileProvider.Boost(ctx, extractResult.Text, p.cfg.BoostPromptActe, opts)
	if err != nil {
		return "", fmt.Errorf("pipeline: boosting: %w", err)
	}
	return boostResult.Text, nil
}

func (p *Pipeline) writeScratchPDF(job *queue.Job, data []byte) (string, error) {
	suffix := scratchCounter.Add(1)
	path := filepath.Join(p.tempDir, fmt.Sprintf("%s-%d.pdf", job.ID, suffix))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("pipeline: writing scratch PDF: %w", err)
	}
	return path, nil
}

// extractWithFallback implements spec §4.2's "Provider selection &
// fallback": try the preferred provider; on a retriable error kind, retry
// the same operation on the fallback provider.
func (p *Pipeline) extractWithFallback(ctx context.Context, img provider.Image, prompt string) (provider.Result, error) {
	opts := provider.Options{Model: p.cfg.GeminiModel, Temperature: p.cfg.GeminiTemperature, MaxAttempts: p.cfg.MaxAttempts}
	result, err := p.providers.Preferred.Extract(ctx, img, prompt, opts)
	if err == nil {
		return result, nil
	}

	if p.providers.Fallback == nil || !isFallbackEligible(err) {
		return provider.Result{}, err
	}
	p.log.Warnw("extract falling back to secondary provider", "error", err)

	fallbackOpts := provider.Options{Model: p.cfg.ClaudeModel, Temperature: p.cfg.ClaudeTemperature, MaxAttempts: p.cfg.MaxAttempts}
	return p.providers.Fallback.Extract(ctx, img, prompt, fallbackOpts)
}

func (p *Pipeline) boost(ctx context.Context, text, prompt string) (provider.Result, error) {
	opts := provider.Options{Model: p.cfg.GeminiModel, Temperature: p.cfg.GeminiTemperature, MaxAttempts: p.cfg.MaxAttempts}
	result, err := p.providers.Preferred.Boost(ctx, text, prompt, opts)
	if err == nil {
		return result, nil
	}
	if p.providers.Fallback == nil || !isFallbackEligible(err) {
		return provider.Result{}, err
	}

	fallbackOpts := provider.Options{Model: p.cfg.ClaudeModel, Temperature: p.cfg.ClaudeTemperature, MaxAttempts: p.cfg.MaxAttempts}
	return p.providers.Fallback.Boost(ctx, text, prompt, fallbackOpts)
}

func isFallbackEligible(err error) bool {
	var provErr *provider.Error
	if errors.As(err, &provErr) {
		return provErr.Retriable()
	}
	return false
}
