package unifiedllm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSelector(t *testing.T) {
	tests := []struct {
		in      string
		want    Selector
		wantErr bool
	}{
		{"", SelectorAuto, false},
		{"auto", SelectorAuto, false},
		{"groq", SelectorGroq, false},
		{"GROQ", SelectorGroq, false},
		{"google", SelectorGoogle, false},
		{" gemini ", SelectorGoogle, false},
		{"openai", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSelector(tt.in)
			if tt.wantErr {
				var cfgErr *ConfigurationError
				require.ErrorAs(t, err, &cfgErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type factoryCall struct{ provider, key, model string }

func recordingFactory(calls *[]factoryCall, adapters map[string]*mockAdapter) AdapterFactory {
	return func(provider, apiKey, model string) (ProviderAdapter, error) {
		*calls = append(*calls, factoryCall{provider, apiKey, model})
		return adapters[provider], nil
	}
}

func TestNewClientForSelectorAutoChainsGroqThenGemini(t *testing.T) {
	groq := &mockAdapter{name: ProviderGroq, errs: []error{&AuthenticationError{}}}
	google := &mockAdapter{name: ProviderGoogle}
	var calls []factoryCall
	policy := fastPolicy(0)

	c, err := NewClientForSelector(ProviderConfig{
		Selector:     SelectorAuto,
		GroqAPIKey:   "gk",
		GoogleAPIKey: "gg",
		GoogleModel:  "gemini-2.5-pro",
		Retry:        &policy,
		Logger:       discardLogger(),
		Factory:      recordingFactory(&calls, map[string]*mockAdapter{ProviderGroq: groq, ProviderGoogle: google}),
	})
	require.NoError(t, err)
	assert.Equal(t, "auto", c.DefaultProvider())
	assert.Equal(t, []factoryCall{
		{ProviderGroq, "gk", "moonshotai/kimi-k2-instruct-0905"},
		{ProviderGoogle, "gg", "gemini-2.5-pro"},
	}, calls)

	resp, err := c.Complete(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	require.NoError(t, err)
	assert.Equal(t, "ok from google-openai", resp.Text())
	assert.Equal(t, 1, groq.calls())
}

func TestNewClientForSelectorAutoSkipsMissingKey(t *testing.T) {
	google := &mockAdapter{name: ProviderGoogle}
	var calls []factoryCall
	c, err := NewClientForSelector(ProviderConfig{
		GoogleAPIKey: "gg",
		Logger:       discardLogger(),
		Factory:      recordingFactory(&calls, map[string]*mockAdapter{ProviderGoogle: google}),
	})
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, ProviderGoogle, calls[0].provider)
	assert.Equal(t, "gemini-2.5-flash", calls[0].model)

	_, err = c.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, google.calls())
}

func TestNewClientForSelectorSingleProvider(t *testing.T) {
	groq := &mockAdapter{name: ProviderGroq}
	var calls []factoryCall
	c, err := NewClientForSelector(ProviderConfig{
		Selector:   SelectorGroq,
		GroqAPIKey: "gk",
		GroqModel:  "llama-3.3-70b-versatile",
		Logger:     discardLogger(),
		Factory:    recordingFactory(&calls, map[string]*mockAdapter{ProviderGroq: groq}),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{ProviderGroq}, c.Providers())
	assert.Equal(t, "llama-3.3-70b-versatile", calls[0].model)
}

func TestNewClientForSelectorMissingKeys(t *testing.T) {
	tests := []struct {
		name string
		cfg  ProviderConfig
	}{
		{"groq without key", ProviderConfig{Selector: SelectorGroq, GoogleAPIKey: "gg"}},
		{"google without key", ProviderConfig{Selector: SelectorGoogle, GroqAPIKey: "gk"}},
		{"auto without keys", ProviderConfig{Selector: SelectorAuto}},
		{"unknown selector", ProviderConfig{Selector: "openai", GroqAPIKey: "gk"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Logger = discardLogger()
			tt.cfg.Factory = func(string, string, string) (ProviderAdapter, error) {
				t.Fatal("factory should not be called")
				return nil, nil
			}
			_, err := NewClientForSelector(tt.cfg)
			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
		})
	}
}
