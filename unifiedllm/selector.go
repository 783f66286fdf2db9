package unifiedllm

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Selector chooses which provider(s) back a Client.
type Selector string

const (
	SelectorGroq   Selector = "groq"
	SelectorGoogle Selector = "google"
	SelectorAuto   Selector = "auto"
)

// ParseSelector normalizes a selector name. "gemini" is accepted as an
// alias for google and the empty string means auto.
func ParseSelector(s string) (Selector, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return SelectorAuto, nil
	case "groq":
		return SelectorGroq, nil
	case "google", "gemini":
		return SelectorGoogle, nil
	default:
		return "", &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("unknown LLM provider %q (want groq, google or auto)", s),
		}}
	}
}

// AdapterFactory builds the adapter for one gollm provider.
type AdapterFactory func(provider, apiKey, model string) (ProviderAdapter, error)

// ProviderConfig carries credentials and model choices for NewClientForSelector.
type ProviderConfig struct {
	Selector     Selector
	GroqAPIKey   string
	GroqModel    string
	GoogleAPIKey string
	GoogleModel  string
	Retry        *RetryPolicy
	Logger       *slog.Logger

	// Factory overrides adapter construction. Defaults to gollm.
	Factory AdapterFactory
}

func defaultFactory(provider, apiKey, model string) (ProviderAdapter, error) {
	var (
		a   *GollmAdapter
		err error
	)
	switch provider {
	case ProviderGroq:
		a, err = NewGroqAdapter(apiKey, model)
	case ProviderGoogle:
		a, err = NewGeminiAdapter(apiKey, model)
	default:
		a, err = NewGollmAdapter(provider, apiKey, WithModel(model), WithTemperature(0))
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// NewClientForSelector wires the adapters the selector asks for. Each
// adapter retries on its own; auto then chains Groq before Gemini.
// A selector with no usable API key is a ConfigurationError.
func NewClientForSelector(cfg ProviderConfig, opts ...ClientOption) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	factory := cfg.Factory
	if factory == nil {
		factory = defaultFactory
	}
	policy := DefaultRetryPolicy()
	if cfg.Retry != nil {
		policy = *cfg.Retry
	}
	if policy.OnRetry == nil {
		policy.OnRetry = func(err error, attempt int, delay time.Duration) {
			logger.Warn("retrying llm request", "attempt", attempt, "delay", delay, "error", err)
		}
	}

	build := func(provider, key, model string) (ProviderAdapter, error) {
		if model == "" {
			model = DefaultModel(provider)
		}
		a, err := factory(provider, key, model)
		if err != nil {
			return nil, err
		}
		return RetryingAdapter{ProviderAdapter: a, Policy: policy}, nil
	}

	var (
		name    string
		adapter ProviderAdapter
		err     error
	)
	switch cfg.Selector {
	case SelectorGroq:
		if cfg.GroqAPIKey == "" {
			return nil, missingKey("GROQ_API_KEY", cfg.Selector)
		}
		name = ProviderGroq
		adapter, err = build(ProviderGroq, cfg.GroqAPIKey, cfg.GroqModel)
	case SelectorGoogle:
		if cfg.GoogleAPIKey == "" {
			return nil, missingKey("GOOGLE_API_KEY", cfg.Selector)
		}
		name = ProviderGoogle
		adapter, err = build(ProviderGoogle, cfg.GoogleAPIKey, cfg.GoogleModel)
	case SelectorAuto, "":
		var chain []ProviderAdapter
		if cfg.GroqAPIKey != "" {
			a, buildErr := build(ProviderGroq, cfg.GroqAPIKey, cfg.GroqModel)
			if buildErr != nil {
				return nil, buildErr
			}
			chain = append(chain, a)
		}
		if cfg.GoogleAPIKey != "" {
			a, buildErr := build(ProviderGoogle, cfg.GoogleAPIKey, cfg.GoogleModel)
			if buildErr != nil {
				return nil, buildErr
			}
			chain = append(chain, a)
		}
		if len(chain) == 0 {
			return nil, missingKey("GROQ_API_KEY or GOOGLE_API_KEY", SelectorAuto)
		}
		name = string(SelectorAuto)
		adapter = NewFallbackAdapter(logger, chain...)
	default:
		return nil, &ConfigurationError{SDKError: SDKError{Message: fmt.Sprintf("unknown selector %q", cfg.Selector)}}
	}
	if err != nil {
		return nil, err
	}

	all := append([]ClientOption{
		WithProvider(name, adapter),
		WithDefaultProvider(name),
		WithMiddleware(LoggingMiddleware(logger)),
	}, opts...)
	return NewClient(all...), nil
}

func missingKey(env string, sel Selector) error {
	return &ConfigurationError{SDKError: SDKError{
		Message: fmt.Sprintf("provider %s requires %s", sel, env),
	}}
}
