package provider

import (
	"context"
	"errors"
	"fmt"
)

// Provider generates a sleep prediction from a natural-language prompt.
// Adapters are interchangeable: each one builds a backend-specific
// request, applies the shared retry policy on rate limits, and normalizes
// the response into a Prediction.
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt string) (Prediction, error)
}

// ErrUnrealisticHistory is returned when the backend explicitly flags the
// sleep history as unrealistic. It is distinguished from generic
// generation failures so the caller can fall back to the heuristic path
// with a different user-facing message.
var ErrUnrealisticHistory = errors.New("backend flagged sleep history as unrealistic")

// Known backend identifiers.
const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
	KindGemini    = "gemini"
)

// Options configures a backend adapter.
type Options struct {
	APIKey string
	Model  string
	// BaseURL overrides the backend endpoint; used by tests.
	BaseURL string
}

// New returns the adapter for the given backend kind. Flat dispatch on
// the kind string; adapters share no behavior beyond the Provider
// contract.
func New(kind string, opts Options) (Provider, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("provider %s: API key is required", kind)
	}
	switch kind {
	case KindOpenAI:
		return newOpenAI(opts), nil
	case KindAnthropic:
		return newAnthropic(opts), nil
	case KindGemini:
		return newGemini(opts), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", kind)
	}
}
