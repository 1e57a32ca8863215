// Package llm provides a provider-agnostic client layer for the language
// models the pipeline calls: test-data generation, solution writing,
// statement OCR and summaries. Providers speak the OpenAI-compatible chat
// completion protocol; reasoning models additionally return a
// reasoning_content channel which is surfaced verbatim.
package llm

import (
	"context"
	"time"
)

// Provider is a configured connection to one LLM backend.
type Provider interface {
	// Name returns the provider identifier (e.g. "deepseek").
	Name() string

	// Spec returns the provider's static definition.
	Spec() ProviderSpec

	// Complete sends a completion request and blocks until the full
	// response is available.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// VisionCapable is implemented by providers whose model accepts images.
// ReadImage sends one image plus an extraction prompt and returns the
// recognized text.
type VisionCapable interface {
	ReadImage(ctx context.Context, imageURL, prompt string) (string, error)
}

// HealthCheckable is implemented by providers that can verify their own
// configuration. With full=false the check validates credential shape
// without touching the network; full=true sends a minimal real prompt.
type HealthCheckable interface {
	HealthCheck(ctx context.Context, full bool) HealthCheckResult
}

// CompletionRequest contains the parameters for one completion call.
type CompletionRequest struct {
	// System is the optional system prompt.
	System string

	// Prompt is the user message.
	Prompt string

	// Model overrides the provider's configured model when non-empty.
	Model string

	// Temperature controls randomness. Nil uses the provider default.
	Temperature *float64

	// TopP controls nucleus sampling. Nil uses the provider default.
	TopP *float64

	// MaxTokens limits the response length. Nil uses the provider default.
	MaxTokens *int

	// Metadata carries request tracking information (task ids etc).
	Metadata map[string]string
}

// CompletionResponse is the full response from a completion call.
type CompletionResponse struct {
	// Content is the generated text.
	Content string

	// Reasoning is the model's chain-of-thought channel, when the backend
	// exposes one (DeepSeek reasoner's reasoning_content). Empty otherwise.
	Reasoning string

	// Usage reports token consumption.
	Usage TokenUsage

	// Model is the model that actually served the request.
	Model string

	// Provider is the provider name that served the request.
	Provider string

	// RequestID identifies the request for tracing.
	RequestID string

	// Latency is the wall-clock duration of the call.
	Latency time.Duration

	// Created is when the response was received.
	Created time.Time
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// HealthCheckResult reports a provider health check.
type HealthCheckResult struct {
	// Configured indicates credentials have a plausible shape.
	Configured bool `json:"configured"`

	// Reachable indicates a real request succeeded. Only meaningful after a
	// full check.
	Reachable bool `json:"reachable"`

	// OK is true when every performed step passed.
	OK bool `json:"ok"`

	// Message carries diagnostic context or actionable guidance.
	Message string `json:"message"`

	// Model is the model the check ran against.
	Model string `json:"model,omitempty"`

	// Latency is the duration of the live probe, zero for shape-only checks.
	Latency time.Duration `json:"latency,omitempty"`
}

// Config carries the per-deployment settings needed to activate a provider.
// Zero fields fall back to the provider spec's defaults.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	SummaryModel string
	Timeout      time.Duration
}
