package provider

import "fmt"

// Kind is the closed error taxonomy of spec.md §7's abstracted error kinds,
// restricted to the ones a Provider implementation surfaces (kinds 1-3).
type Kind int

const (
	KindTransient Kind = iota + 1
	KindRateLimited
	KindInvalidInput
	KindAuth
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidInput:
		return "invalid_input"
	case KindAuth:
		return "auth"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the typed error every adapter returns, discriminated with
// errors.As by the pipeline's fallback logic (spec §4.1, §4.2).
type Error struct {
	Kind     Kind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retriable reports whether the pipeline's fallback-provider retry applies
// to this error kind (spec §7 kind 1: "retried within the adapter; if
// unresolved, surfaced to pipeline which attempts the fallback provider").
func (e *Error) Retriable() bool {
	switch e.Kind {
	case KindTransient, KindRateLimited, KindTimeout:
		return true
	default:
		return false
	}
}

func newError(kind Kind, provider string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Err: err}
}
