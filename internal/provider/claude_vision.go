package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/paraito/registre-ocr/internal/ratelimit"
)

// ClaudeVision is the Claude-Vision adapter of spec.md §4.1: image-only,
// operating over the same page-image batch the Gemini-Vision path consumes.
// There is no Claude file-upload path — acte documents never route here.
type ClaudeVision struct {
	client  anthropic.Client
	limiter *ratelimit.Limiter
	log     *zap.SugaredLogger

	extractSentinel string
	boostSentinel   string
}

// NewClaudeVision builds a Claude-Vision adapter with an API key sourced
// from config.ProviderConfig.
func NewClaudeVision(apiKey string, limiter *ratelimit.Limiter, log *zap.SugaredLogger, extractSentinel, boostSentinel string) *ClaudeVision {
	return &ClaudeVision{
		client:          anthropic.NewClient(option.WithAPIKey(apiKey)),
		limiter:         limiter,
		log:             log,
		extractSentinel: extractSentinel,
		boostSentinel:   boostSentinel,
	}
}

func (c *ClaudeVision) Name() string { return "claude-vision" }

func (c *ClaudeVision) Extract(ctx context.Context, image Image, prompt string, opts Options) (Result, error) {
	imgBlock := anthropic.NewImageBlockBase64(image.MimeType, base64.StdEncoding.EncodeToString(image.Bytes))

	result, err := runWithSentinelRetry(ctx, prompt, c.extractSentinel, opts.MaxAttempts, func(ctx context.Context, p string) (string, int, error) {
		return c.generate(ctx, opts, imgBlock, anthropic.NewTextBlock(p))
	})
	if err != nil {
		return Result{}, err
	}
	result.Provider = c.Name()
	return result, nil
}

func (c *ClaudeVision) Boost(ctx context.Context, rawText string, prompt string, opts Options) (Result, error) {
	fullPrompt := prompt + "\n\n" + rawText
	result, err := runWithSentinelRetry(ctx, fullPrompt, c.boostSentinel, opts.MaxAttempts, func(ctx context.Context, p string) (string, int, error) {
		return c.generate(ctx, opts, anthropic.NewTextBlock(p))
	})
	if err != nil {
		return Result{}, err
	}
	result.Provider = c.Name()
	return result, nil
}

func (c *ClaudeVision) generate(ctx context.Context, opts Options, blocks ...anthropic.ContentBlockParamUnion) (string, int, error) {
	estTokens := 1500
	if err := c.limiter.Wait(ctx, estTokens); err != nil {
		return "", 0, newError(KindTimeout, c.Name(), err)
	}

	text, tokens, err := retryTransient(ctx, opts.MaxAttempts, func() (string, int, error) {
		msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:       anthropic.Model(opts.Model),
			MaxTokens:   int64(maxOutputTokensFor(opts.Model)),
			Temperature: anthropic.Float(float64(opts.Temperature)),
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(blocks...),
			},
		})
		if err != nil {
			return "", 0, classifyClaudeError(c.Name(), err)
		}

		var text string
		for _, block := range msg.Content {
			if block.Type == "text" {
				text += block.Text
			}
		}
		return text, int(msg.Usage.InputTokens + msg.Usage.OutputTokens), nil
	})
	if err != nil {
		return "", 0, err
	}
	c.limiter.Record(ctx, tokens)
	return text, tokens, nil
}

// classifyClaudeError maps an anthropic-sdk-go error into the adapter error
// taxonomy of spec §4.1 / §7.
func classifyClaudeError(providerName string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return newError(KindRateLimited, providerName, err)
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return newError(KindAuth, providerName, err)
		case apiErr.StatusCode >= 500:
			return newError(KindTransient, providerName, err)
		case apiErr.StatusCode >= 400:
			return newError(KindInvalidInput, providerName, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, providerName, err)
	}
	return newError(KindTransient, providerName, fmt.Errorf("claude: %w", err))
}
