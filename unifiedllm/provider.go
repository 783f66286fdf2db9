package unifiedllm

import "context"

// ProviderAdapter is implemented by each LLM backend.
type ProviderAdapter interface {
	// Name returns the provider identifier used for routing, e.g. "groq".
	Name() string

	// Complete sends a blocking request and returns the full response.
	Complete(ctx context.Context, req Request) (*Response, error)
}
