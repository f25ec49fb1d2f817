package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/paraito/registre-ocr/internal/ratelimit"
)

// maxOutputTokensFor implements spec §4.1's per-model-family output budget:
// "≈8 K default, 32 K for 'pro', 65 K for a newer pro tier".
func maxOutputTokensFor(model string) int32 {
	switch {
	case strings.Contains(model, "2.5-pro") || strings.Contains(model, "3-pro"):
		return 65000
	case strings.Contains(model, "pro"):
		return 32000
	default:
		return 8000
	}
}

// GeminiVision is the Gemini-Vision adapter of spec.md §4.1 (index
// documents: one rasterised page image per call).
type GeminiVision struct {
	client  *genai.Client
	limiter *ratelimit.Limiter
	log     *zap.SugaredLogger

	extractSentinel string
	boostSentinel   string
}

// NewGeminiVision builds a Gemini-Vision adapter over an already-configured
// genai client (constructed once at startup from config.ProviderConfig).
func NewGeminiVision(client *genai.Client, limiter *ratelimit.Limiter, log *zap.SugaredLogger, extractSentinel, boostSentinel string) *GeminiVision {
	return &GeminiVision{
		client:          client,
		limiter:         limiter,
		log:             log,
		extractSentinel: extractSentinel,
		boostSentinel:   boostSentinel,
	}
}

func (g *GeminiVision) Name() string { return "gemini-vision" }

func (g *GeminiVision) Extract(ctx context.Context, image Image, prompt string, opts Options) (Result, error) {
	result, err := runWithSentinelRetry(ctx, prompt, g.extractSentinel, opts.MaxAttempts, func(ctx context.Context, p string) (string, int, error) {
		return g.generate(ctx, opts, genai.NewPartFromText(p), &genai.Part{
			InlineData: &genai.Blob{Data: image.Bytes, MIMEType: image.MimeType},
		})
	})
	if err != nil {
		return Result{}, err
	}
	result.Provider = g.Name()
	return result, nil
}

func (g *GeminiVision) Boost(ctx context.Context, rawText string, prompt string, opts Options) (Result, error) {
	fullPrompt := prompt + "\n\n" + rawText
	result, err := runWithSentinelRetry(ctx, fullPrompt, g.boostSentinel, opts.MaxAttempts, func(ctx context.Context, p string) (string, int, error) {
		return g.generate(ctx, opts, genai.NewPartFromText(p))
	})
	if err != nil {
		return Result{}, err
	}
	result.Provider = g.Name()
	return result, nil
}

// generate makes one Gemini generateContent call, consulting the rate
// limiter first and recording actual usage after (spec §4.3).
func (g *GeminiVision) generate(ctx context.Context, opts Options, parts ...*genai.Part) (string, int, error) {
	estTokens := estimateTokens(parts)
	if err := g.limiter.Wait(ctx, estTokens); err != nil {
		return "", 0, newError(KindTimeout, g.Name(), err)
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:     &opts.Temperature,
		MaxOutputTokens: maxOutputTokensFor(opts.Model),
	}

	text, tokens, err := retryTransient(ctx, opts.MaxAttempts, func() (string, int, error) {
		resp, err := g.client.Models.GenerateContent(ctx, opts.Model, []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, cfg)
		if err != nil {
			return "", 0, classifyGeminiError(g.Name(), err)
		}
		tokens := 0
		if resp.UsageMetadata != nil {
			tokens = int(resp.UsageMetadata.TotalTokenCount)
		}
		return resp.Text(), tokens, nil
	})
	if err != nil {
		return "", 0, err
	}
	g.limiter.Record(ctx, tokens)
	return text, tokens, nil
}

func estimateTokens(parts []*genai.Part) int {
	// Rough estimate: images dominate cost; text parts are small relative to
	// a page image. This feeds checkRateLimit before the real usage is known
	// (spec §4.3); actual usage replaces it via Record after the call.
	estimate := 0
	for _, p := range parts {
		if p.InlineData != nil {
			estimate += 1500
		}
		if p.Text != "" {
			estimate += len(p.Text) / 4
		}
	}
	if estimate == 0 {
		estimate = 500
	}
	return estimate
}

// classifyGeminiError maps a genai/HTTP error into the adapter error
// taxonomy of spec §4.1 / §7.
func classifyGeminiError(providerName string, err error) error {
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return newError(KindRateLimited, providerName, err)
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return newError(KindAuth, providerName, err)
		case apiErr.Code >= 500:
			return newError(KindTransient, providerName, err)
		case apiErr.Code >= 400:
			return newError(KindInvalidInput, providerName, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, providerName, err)
	}
	return newError(KindTransient, providerName, fmt.Errorf("gemini: %w", err))
}
