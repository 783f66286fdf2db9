package unifiedllm

import (
	"context"
	"log/slog"
)

// FallbackAdapter tries each adapter in order and returns the first
// successful response. Cancellation stops the chain immediately.
type FallbackAdapter struct {
	adapters []ProviderAdapter
	logger   *slog.Logger
}

// NewFallbackAdapter chains adapters in priority order.
func NewFallbackAdapter(logger *slog.Logger, adapters ...ProviderAdapter) *FallbackAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackAdapter{adapters: adapters, logger: logger}
}

func (f *FallbackAdapter) Name() string { return string(SelectorAuto) }

func (f *FallbackAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(f.adapters) == 0 {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "fallback adapter has no providers"}}
	}
	var attempts []error
	for i, a := range f.adapters {
		resp, err := a.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		attempts = append(attempts, err)
		if ctx.Err() != nil {
			return nil, err
		}
		if i+1 < len(f.adapters) {
			f.logger.Warn("provider failed, falling back",
				"provider", a.Name(), "next", f.adapters[i+1].Name(), "error", err)
		}
	}
	return nil, &FallbackError{Attempts: attempts}
}
