// Package provider implements the Provider Adapter of spec.md §4.1: a
// two-method contract (extract, boost) over Gemini's vision and file APIs
// and Claude's vision API, with a shared completion-sentinel / truncation-
// retry strategy (see retry.go).
package provider

import "context"

// Image is one rasterised page, base64-free here — callers hold raw bytes
// and a MIME type, matching google.golang.org/genai's and
// anthropic-sdk-go's inline-image content block shape.
type Image struct {
	Bytes    []byte
	MimeType string
}

// Options carries the per-call tunables spec §4.1 references (model family,
// temperature, max-attempts for the truncation retry).
type Options struct {
	Model       string
	Temperature float32
	MaxAttempts int
}

// Result is the common return shape of both extract and boost.
type Result struct {
	Text        string
	TokensUsed  int
	IsComplete  bool // true iff a completion sentinel was seen on any fragment
	Provider    string
}

// FileHandle is an uploaded-file reference, used only by the Gemini-File
// path for acte documents (spec §4.1).
type FileHandle struct {
	Name  string // the provider's handle identifier
	State string
}

// Provider is the two-operation contract spec.md §4.1 defines. Every
// concrete adapter (Gemini-Vision, Gemini-File, Claude-Vision) satisfies it.
type Provider interface {
	// Name identifies the provider for logging and the pipeline's
	// "provider" result field (spec §4.2).
	Name() string

	// Extract runs OCR on one page image and returns its raw text.
	Extract(ctx context.Context, image Image, prompt string, opts Options) (Result, error)

	// Boost refines previously-extracted raw text (cross-page correction
	// for index documents, single-pass cleanup for acte documents).
	Boost(ctx context.Context, rawText string, prompt string, opts Options) (Result, error)
}

// FileCapable is implemented only by providers that support the upload/poll/
// delete file path (currently Gemini-File). The pipeline's acte procedure
// type-asserts for this rather than adding file methods to every provider.
type FileCapable interface {
	Provider

	// ExtractFile uploads srcPath, waits for it to become ACTIVE, and runs
	// extract against the resulting handle (spec §4.1 Gemini-File path).
	ExtractFile(ctx context.Context, srcPath string, prompt string, opts Options) (Result, error)
}
