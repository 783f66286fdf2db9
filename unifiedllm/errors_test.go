package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFromStatusCode(t *testing.T) {
	tests := []struct {
		status    int
		check     func(error) bool
		retryable bool
	}{
		{400, func(e error) bool { var x *InvalidRequestError; return errors.As(e, &x) }, false},
		{401, func(e error) bool { var x *AuthenticationError; return errors.As(e, &x) }, false},
		{403, func(e error) bool { var x *AccessDeniedError; return errors.As(e, &x) }, false},
		{404, func(e error) bool { var x *NotFoundError; return errors.As(e, &x) }, false},
		{408, func(e error) bool { var x *RequestTimeoutError; return errors.As(e, &x) }, true},
		{413, func(e error) bool { var x *ContextLengthError; return errors.As(e, &x) }, false},
		{422, func(e error) bool { var x *InvalidRequestError; return errors.As(e, &x) }, false},
		{429, func(e error) bool { var x *RateLimitError; return errors.As(e, &x) }, true},
		{500, func(e error) bool { var x *ServerError; return errors.As(e, &x) }, true},
		{503, func(e error) bool { var x *ServerError; return errors.As(e, &x) }, true},
		{418, func(e error) bool { var x *ProviderError; return errors.As(e, &x) }, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			err := ErrorFromStatusCode(tt.status, "test error", "groq", nil)
			assert.True(t, tt.check(err), "unexpected type %T", err)
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"auth", &AuthenticationError{}, false},
		{"config", &ConfigurationError{}, false},
		{"abort", &AbortError{}, false},
		{"content filter", &ContentFilterError{}, false},
		{"fallback exhausted", &FallbackError{Attempts: []error{&RateLimitError{}}}, false},
		{"rate limit", &RateLimitError{}, true},
		{"server", &ServerError{}, true},
		{"network", &NetworkError{}, true},
		{"timeout", &RequestTimeoutError{}, true},
		{"wrapped rate limit", fmt.Errorf("round 2: %w", &RateLimitError{}), true},
		{"wrapped auth", fmt.Errorf("round 2: %w", &AuthenticationError{}), false},
		{"provider not retryable", &ProviderError{Retryable: false}, false},
		{"unknown", errors.New("mystery"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestSDKErrorUnwrap(t *testing.T) {
	err := &AbortError{SDKError: SDKError{Message: "cancelled", Cause: context.Canceled}}
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "cancelled: context canceled", err.Error())
}

func TestFallbackErrorMessage(t *testing.T) {
	err := &FallbackError{Attempts: []error{errors.New("groq down"), errors.New("gemini down")}}
	assert.Equal(t, "all providers failed: groq down; gemini down", err.Error())
	assert.ErrorContains(t, err, "gemini down")
}
