package provider

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_RetriableKinds(t *testing.T) {
	cases := []struct {
		kind      Kind
		retriable bool
	}{
		{KindTransient, true},
		{KindRateLimited, true},
		{KindTimeout, true},
		{KindInvalidInput, false},
		{KindAuth, false},
	}
	for _, c := range cases {
		e := newError(c.kind, "gemini-vision", errors.New("boom"))
		assert.Equal(t, c.retriable, e.Retriable(), c.kind.String())
	}
}

func TestError_UnwrapsUnderlying(t *testing.T) {
	underlying := errors.New("network reset")
	e := newError(KindTransient, "gemini-vision", underlying)
	assert.ErrorIs(t, e, underlying)
}
