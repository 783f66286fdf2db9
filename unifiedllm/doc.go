// Package unifiedllm is the provider layer behind the fixflow agent executor.
//
// A Client routes a Request to a named ProviderAdapter. Two adapters are
// built on gollm: Groq and Gemini (through Google's OpenAI-compatible
// endpoint). A FallbackAdapter chains them for the "auto" selector so a
// request that fails on Groq is replayed against Gemini.
//
// Errors returned by adapters belong to the ProviderError hierarchy; use
// IsRetryable to decide whether Retry should try again.
package unifiedllm
