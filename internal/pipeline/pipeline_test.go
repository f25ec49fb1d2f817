package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paraito/registre-ocr/internal/config"
	"github.com/paraito/registre-ocr/internal/logging"
	"github.com/paraito/registre-ocr/internal/provider"
	"github.com/paraito/registre-ocr/internal/queue"
)

// stubStorage satisfies Downloader with canned bytes, recording the
// bucket/key it was asked to resolve so acte-path tests can assert on the
// bucket inference rule of spec §4.2 step 1.
type stubStorage struct {
	data       []byte
	err        error
	lastBucket string
	lastKey    string
}

func (s *stubStorage) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	s.lastBucket, s.lastKey = bucket, key
	if s.err != nil {
		return nil, s.err
	}
	return s.data, nil
}

// stubProvider is a scriptable provider.Provider and provider.FileCapable
// (it always has ExtractFile; the fileCapable field is only a label and is
// never consulted) for exercising the pipeline without a real Gemini/Claude
// call.
type stubProvider struct {
	name string

	extractResult provider.Result
	extractErr    error
	extractCalls  int

	boostResult provider.Result
	boostErr    error
	boostCalls  int

	fileCapable       bool
	extractFileResult provider.Result
	extractFileErr    error
	extractFileCalls  int
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Extract(ctx context.Context, image provider.Image, prompt string, opts provider.Options) (provider.Result, error) {
	p.extractCalls++
	return p.extractResult, p.extractErr
}

func (p *stubProvider) Boost(ctx context.Context, rawText string, prompt string, opts provider.Options) (provider.Result, error) {
	p.boostCalls++
	return p.boostResult, p.boostErr
}

func (p *stubProvider) ExtractFile(ctx context.Context, srcPath string, prompt string, opts provider.Options) (provider.Result, error) {
	p.extractFileCalls++
	return p.extractFileResult, p.extractFileErr
}

var _ provider.Provider = (*stubProvider)(nil)
var _ provider.FileCapable = (*stubProvider)(nil)

func testCfg() config.OCRConfig {
	return config.OCRConfig{
		MaxAttempts:        3,
		ExtractPromptActe:  "extract-acte",
		BoostPromptActe:    "boost-acte",
		ExtractPromptIndex: "extract-index",
		BoostPromptIndex:   "boost-index",
	}
}

func TestPipeline_Run_PlanCadastrauxSkipsAllProviderCalls(t *testing.T) {
	preferred := &stubProvider{name: "gemini", fileCapable: true}
	p := New(&stubStorage{}, Providers{Preferred: preferred}, testCfg(), config.SanitizerConfig{}, logging.Noop(), t.TempDir())

	job := &queue.Job{ID: "j1", DocumentSource: queue.PlanCadastraux}
	outcome := p.Run(context.Background(), job)

	assert.True(t, outcome.Success)
	assert.Empty(t, outcome.FileContent)
	assert.Empty(t, outcome.BoostedFileContent)
	assert.Equal(t, 0, preferred.extractCalls)
	assert.Equal(t, 0, preferred.boostCalls)
	assert.Equal(t, 0, preferred.extractFileCalls)
}

func TestPipeline_RunActe_HappyPath(t *testing.T) {
	storage := &stubStorage{data: []byte("%PDF-fake")}
	preferred := &stubProvider{
		name:              "gemini",
		fileCapable:       true,
		extractFileResult: provider.Result{Text: "raw acte text", IsComplete: true, Provider: "gemini"},
		boostResult:       provider.Result{Text: "boosted acte text", IsComplete: true, Provider: "gemini"},
	}
	p := New(storage, Providers{Preferred: preferred}, testCfg(), config.SanitizerConfig{}, logging.Noop(), t.TempDir())

	job := &queue.Job{ID: "j2", DocumentSource: queue.Acte, SupabasePath: "2024/acte.pdf"}
	outcome := p.Run(context.Background(), job)

	require.True(t, outcome.Success)
	assert.Equal(t, "boosted acte text", outcome.FileContent)
	assert.Equal(t, "boosted acte text", outcome.BoostedFileContent)
	assert.Equal(t, 1, preferred.extractFileCalls)
	assert.Equal(t, 1, preferred.boostCalls)
	assert.Equal(t, "actes", storage.lastBucket) // spec §4.2 step 1 bucket inference for acte
}

func TestPipeline_RunActe_RequiresFileCapableProvider(t *testing.T) {
	// A provider satisfying only provider.Provider (no ExtractFile) must be
	// rejected for the acte path rather than silently falling back to the
	// vision path (spec §4.2: "only the file-capable provider is used").
	preferred := &visionOnlyProvider{name: "claude"}
	p := New(&stubStorage{data: []byte("pdf")}, Providers{Preferred: preferred}, testCfg(), config.SanitizerConfig{}, logging.Noop(), t.TempDir())

	job := &queue.Job{ID: "j3", DocumentSource: queue.Acte, SupabasePath: "2024/acte.pdf"}
	outcome := p.Run(context.Background(), job)

	require.False(t, outcome.Success)
	assert.Error(t, outcome.Err)
}

// visionOnlyProvider implements only provider.Provider — no ExtractFile at
// all — so it fails the acte path's type assertion to provider.FileCapable.
type visionOnlyProvider struct {
	name string
}

func (v *visionOnlyProvider) Name() string { return v.name }

func (v *visionOnlyProvider) Extract(ctx context.Context, image provider.Image, prompt string, opts provider.Options) (provider.Result, error) {
	return provider.Result{}, nil
}

func (v *visionOnlyProvider) Boost(ctx context.Context, rawText string, prompt string, opts provider.Options) (provider.Result, error) {
	return provider.Result{}, nil
}

var _ provider.Provider = (*visionOnlyProvider)(nil)

func TestPipeline_RunActe_FailurePropagatesStorageError(t *testing.T) {
	storage := &stubStorage{err: errors.New("object not found")}
	preferred := &stubProvider{name: "gemini", fileCapable: true}
	p := New(storage, Providers{Preferred: preferred}, testCfg(), config.SanitizerConfig{}, logging.Noop(), t.TempDir())

	job := &queue.Job{ID: "j4", DocumentSource: queue.Acte, SupabasePath: "2024/acte.pdf"}
	outcome := p.Run(context.Background(), job)

	require.False(t, outcome.Success)
	assert.Error(t, outcome.Err)
	assert.Equal(t, 0, preferred.extractFileCalls)
}

func TestPipeline_ExtractWithFallback_FallsBackOnRetriableError(t *testing.T) {
	preferred := &stubProvider{
		name:       "gemini",
		extractErr: &provider.Error{Kind: provider.KindRateLimited, Provider: "gemini", Err: errors.New("429")},
	}
	fallback := &stubProvider{
		name:          "claude",
		extractResult: provider.Result{Text: "fallback text", IsComplete: true, Provider: "claude"},
	}
	p := New(&stubStorage{}, Providers{Preferred: preferred, Fallback: fallback}, testCfg(), config.SanitizerConfig{}, logging.Noop(), t.TempDir())

	result, err := p.extractWithFallback(context.Background(), provider.Image{}, "prompt")

	require.NoError(t, err)
	assert.Equal(t, "fallback text", result.Text)
	assert.Equal(t, 1, preferred.extractCalls)
	assert.Equal(t, 1, fallback.extractCalls)
}

func TestPipeline_ExtractWithFallback_NoFallbackOnPermanentError(t *testing.T) {
	preferred := &stubProvider{
		name:       "gemini",
		extractErr: &provider.Error{Kind: provider.KindInvalidInput, Provider: "gemini", Err: errors.New("bad request")},
	}
	fallback := &stubProvider{name: "claude"}
	p := New(&stubStorage{}, Providers{Preferred: preferred, Fallback: fallback}, testCfg(), config.SanitizerConfig{}, logging.Noop(), t.TempDir())

	_, err := p.extractWithFallback(context.Background(), provider.Image{}, "prompt")

	require.Error(t, err)
	assert.Equal(t, 0, fallback.extractCalls)
}

func TestConcatenatePages_MatchesSpecScenario1Framing(t *testing.T) {
	text := "P1\n✅ EXTRACTION_COMPLETE:"
	got := concatenatePages([]string{text, text})
	want := "\n\n--- Page 1 ---\n\nP1\n✅ EXTRACTION_COMPLETE:" +
		"\n\n\n--- Page 2 ---\n\nP1\n✅ EXTRACTION_COMPLETE:"
	assert.Equal(t, want, got)
}

func TestConcatenatePages_SinglePage(t *testing.T) {
	got := concatenatePages([]string{"only page"})
	assert.Equal(t, "\n\n--- Page 1 ---\n\nonly page", got)
}

func TestPipeline_Run_SanitizerDisabled_BothColumnsCarryBoostedText(t *testing.T) {
	storage := &stubStorage{data: []byte("%PDF-fake")}
	preferred := &stubProvider{
		name:              "gemini",
		fileCapable:       true,
		extractFileResult: provider.Result{Text: "raw", IsComplete: true},
		boostResult:       provider.Result{Text: "boosted", IsComplete: true},
	}
	p := New(storage, Providers{Preferred: preferred}, testCfg(), config.SanitizerConfig{Enabled: false}, logging.Noop(), t.TempDir())

	job := &queue.Job{ID: "j5", DocumentSource: queue.Acte, SupabasePath: "x.pdf"}
	outcome := p.Run(context.Background(), job)

	require.True(t, outcome.Success)
	assert.Equal(t, outcome.FileContent, outcome.BoostedFileContent)
}
