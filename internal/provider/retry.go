package provider

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
)

const (
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 32 * time.Second
)

// backoffDelay mirrors academic-mcp's ratelimit.go exponential backoff
// (base * 2^(attempt-1), capped), reused here for the adapter-internal
// retry of transient/rate-limited/timeout errors (spec §4.1, §7 kind 1).
func backoffDelay(attempt int) time.Duration {
	d := time.Duration(float64(baseRetryDelay) * math.Pow(2, float64(attempt-1)))
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

// sleepBackoff waits out one retry attempt, honoring context cancellation.
func sleepBackoff(ctx context.Context, attempt int) error {
	select {
	case <-time.After(backoffDelay(attempt)):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryTransient wraps a single provider API call with the adapter-internal
// retry spec §4.1 / §7 kind 1 describes: "transient and rate-limited errors
// are retried internally with exponential backoff capped at maxAttempts".
// Any other error kind (auth, invalid input) is returned immediately.
func retryTransient(ctx context.Context, maxAttempts int, call func() (string, int, error)) (string, int, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		text, tokens, err := call()
		if err == nil {
			return text, tokens, nil
		}
		lastErr = err

		var provErr *Error
		if !errors.As(err, &provErr) || !provErr.Retriable() {
			return "", 0, err
		}
		if attempt == maxAttempts {
			break
		}
		if sleepErr := sleepBackoff(ctx, attempt); sleepErr != nil {
			return "", 0, sleepErr
		}
	}
	return "", 0, lastErr
}

// hasSentinel reports whether resp contains the exact completion-marker
// line the prompt instructed the model to emit (spec §4.1 "Completion-
// marker semantics").
func hasSentinel(resp, sentinel string) bool {
	return strings.Contains(resp, sentinel)
}

// continuationPrompt builds the follow-up prompt spec §4.1 calls for when a
// fragment lacks its sentinel: "retries up to maxAttempts, supplying a
// continuation prefix to the prompt".
func continuationPrompt(original, priorFragment string) string {
	var b strings.Builder
	b.WriteString(original)
	b.WriteString("\n\nContinue exactly where the previous response left off. ")
	b.WriteString("Do not repeat any text already provided. Previous response ended with:\n")
	tail := priorFragment
	if len(tail) > 500 {
		tail = tail[len(tail)-500:]
	}
	b.WriteString(tail)
	return b.String()
}

// runWithSentinelRetry drives the shared retry loop both Gemini adapters and
// the Claude adapter use: call once, check for the sentinel, and if absent
// call again with a continuation prompt, up to maxAttempts calls in total,
// concatenating fragments in order (spec §4.1).
//
// call is handed the prompt to use for this attempt (the original prompt on
// attempt 1, a continuation prompt afterward) and must return the raw model
// text plus tokens used for that single call.
func runWithSentinelRetry(ctx context.Context, originalPrompt, sentinel string, maxAttempts int, call func(ctx context.Context, prompt string) (text string, tokens int, err error)) (Result, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var (
		combined     strings.Builder
		totalTokens  int
		isComplete   bool
		prompt       = originalPrompt
		lastFragment string
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		text, tokens, err := call(ctx, prompt)
		if err != nil {
			return Result{}, err
		}
		combined.WriteString(text)
		totalTokens += tokens
		lastFragment = text

		if hasSentinel(text, sentinel) {
			isComplete = true
			break
		}
		prompt = continuationPrompt(originalPrompt, lastFragment)
	}

	return Result{Text: combined.String(), TokensUsed: totalTokens, IsComplete: isComplete}, nil
}
