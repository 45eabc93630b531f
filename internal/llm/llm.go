// Package llm defines the provider abstraction the router dispatches
// extraction requests through. Concrete transports live under pkg/.
package llm

import "context"

// Request is a single completion request. The router fills Model, MaxTokens
// and Temperature from routing defaults when the caller leaves them zero.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int64
	Temperature *float64

	// ResponseFormat hints the expected output shape ("json_object" or "").
	ResponseFormat string
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is the provider's completion output.
type Response struct {
	Text       string
	Model      string
	Provider   string
	StopReason string
	Usage      Usage
}

// Provider is one external model service. Implementations classify their
// failures via resilience.TransientError / resilience.BadRequestError so the
// router can decide between retry, fallback, and fail-fast.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}
