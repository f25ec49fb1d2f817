package provider

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/paraito/registre-ocr/internal/ratelimit"
)

const (
	fileActivePollInterval = 2 * time.Second
	fileActiveTimeout      = 2 * time.Minute
)

// GeminiFile is the Gemini-File adapter of spec.md §4.1 (acte documents:
// upload the PDF, poll PROCESSING -> ACTIVE, pass the handle to extract,
// delete the handle when ExtractFile returns). The handle is deleted before
// the pipeline's boost step runs; boost works on the extracted text only.
type GeminiFile struct {
	*GeminiVision
}

// NewGeminiFile wraps a GeminiVision adapter with the file-upload path. The
// two share rate limiting, sentinel config, and error classification.
func NewGeminiFile(client *genai.Client, limiter *ratelimit.Limiter, log *zap.SugaredLogger, extractSentinel, boostSentinel string) *GeminiFile {
	return &GeminiFile{GeminiVision: NewGeminiVision(client, limiter, log, extractSentinel, boostSentinel)}
}

func (g *GeminiFile) Name() string { return "gemini-file" }

// ExtractFile implements the Gemini-File path of spec.md §4.1: upload,
// poll for ACTIVE, extract via the handle, delete best-effort.
func (g *GeminiFile) ExtractFile(ctx context.Context, srcPath string, prompt string, opts Options) (Result, error) {
	handle, err := g.upload(ctx, srcPath)
	if err != nil {
		return Result{}, err
	}
	defer g.deleteBestEffort(ctx, handle.Name)

	if err := g.awaitActive(ctx, handle.Name); err != nil {
		return Result{}, err
	}

	result, err := runWithSentinelRetry(ctx, prompt, g.extractSentinel, opts.MaxAttempts, func(ctx context.Context, p string) (string, int, error) {
		return g.generate(ctx, opts, genai.NewPartFromText(p), &genai.Part{
			FileData: &genai.FileData{FileURI: handle.Name, MIMEType: "application/pdf"},
		})
	})
	if err != nil {
		return Result{}, err
	}
	result.Provider = g.Name()
	return result, nil
}

func (g *GeminiFile) upload(ctx context.Context, srcPath string) (FileHandle, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return FileHandle{}, fmt.Errorf("gemini-file: opening %s: %w", srcPath, err)
	}
	defer f.Close()

	uploaded, err := g.client.Files.Upload(ctx, f, &genai.UploadFileConfig{MIMEType: "application/pdf"})
	if err != nil {
		return FileHandle{}, classifyGeminiError(g.Name(), err)
	}
	return FileHandle{Name: uploaded.Name, State: string(uploaded.State)}, nil
}

// awaitActive polls for PROCESSING -> ACTIVE, per spec §4.1 ("polls for
// state transition from PROCESSING to ACTIVE (timeout)").
func (g *GeminiFile) awaitActive(ctx context.Context, fileName string) error {
	deadline := time.Now().Add(fileActiveTimeout)
	for {
		f, err := g.client.Files.Get(ctx, fileName, nil)
		if err != nil {
			return classifyGeminiError(g.Name(), err)
		}
		switch f.State {
		case genai.FileStateActive:
			return nil
		case genai.FileStateFailed:
			return newError(KindInvalidInput, g.Name(), fmt.Errorf("file %s entered FAILED state", fileName))
		}

		if time.Now().After(deadline) {
			return newError(KindTimeout, g.Name(), fmt.Errorf("file %s did not become ACTIVE within %s", fileName, fileActiveTimeout))
		}

		select {
		case <-time.After(fileActivePollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// deleteBestEffort deletes an uploaded file handle. ExtractFile defers it,
// so it runs after extract and before boost. A deletion failure is logged,
// never propagated.
func (g *GeminiFile) deleteBestEffort(ctx context.Context, fileName string) {
	if _, err := g.client.Files.Delete(ctx, fileName, nil); err != nil {
		g.log.Warnw("gemini file delete failed (ignored)", "file", fileName, "error", err)
	}
}
