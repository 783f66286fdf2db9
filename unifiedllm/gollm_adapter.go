package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM and implements ProviderAdapter.
type GollmAdapter struct {
	provider string
	model    string

	mu  sync.Mutex // SetOption mutates llm; serialize Complete
	llm gollm.LLM
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) { c.model = model }
}

func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) { c.maxTokens = n }
}

func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) { c.temperature = t }
}

// WithGollmOptions passes extra configuration straight to gollm.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) { c.extraOpts = append(c.extraOpts, opts...) }
}

// NewGollmAdapter creates an adapter for a gollm provider. Retries are left
// to RetryingAdapter so gollm's own retry loop is disabled.
func NewGollmAdapter(provider, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	if apiKey == "" {
		return nil, &ConfigurationError{SDKError: SDKError{Message: fmt.Sprintf("no API key for provider %s", provider)}}
	}
	cfg := &gollmAdapterConfig{maxTokens: 4096}
	for _, opt := range opts {
		opt(cfg)
	}
	model := ResolveModel(cfg.model)
	if model == "" {
		model = DefaultModel(provider)
	}
	if model == "" {
		return nil, &ConfigurationError{SDKError: SDKError{Message: fmt.Sprintf("no model configured for provider %s", provider)}}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetAPIKey(apiKey),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0),
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("create gollm client for %s", provider), Cause: err,
		}}
	}
	return &GollmAdapter{provider: provider, model: model, llm: llm}, nil
}

// NewGroqAdapter builds the Groq adapter at temperature 0.
func NewGroqAdapter(apiKey, model string) (*GollmAdapter, error) {
	return NewGollmAdapter(ProviderGroq, apiKey, WithModel(model), WithTemperature(0))
}

// NewGeminiAdapter builds the Gemini adapter, via Google's OpenAI-compatible
// endpoint, at temperature 0.
func NewGeminiAdapter(apiKey, model string) (*GollmAdapter, error) {
	return NewGollmAdapter(ProviderGoogle, apiKey, WithModel(model), WithTemperature(0))
}

func (a *GollmAdapter) Name() string  { return a.provider }
func (a *GollmAdapter) Model() string { return a.model }

// Complete flattens the conversation into a gollm prompt and parses any
// tool calls out of the generated text.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.translateRequest(req)

	a.mu.Lock()
	a.applyRequestOptions(req)
	text, err := a.llm.Generate(ctx, prompt)
	a.mu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			return nil, &AbortError{SDKError: SDKError{Message: "generation cancelled", Cause: ctx.Err()}}
		}
		return nil, translateError(a.provider, err)
	}
	return buildResponse(a.provider, a.modelFor(req), req, text), nil
}

func (a *GollmAdapter) modelFor(req Request) string {
	if req.Model != "" {
		return ResolveModel(req.Model)
	}
	return a.model
}

func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	system, text := flattenMessages(req.Messages)

	var promptOpts []gollm.PromptOption
	if system != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
		if req.ToolChoice != nil {
			promptOpts = append(promptOpts, gollm.WithToolChoice(req.ToolChoice.Mode))
		}
	}
	return gollm.NewPrompt(text, promptOpts...)
}

// applyRequestOptions must be called with a.mu held.
func (a *GollmAdapter) applyRequestOptions(req Request) {
	a.llm.SetOption("model", a.modelFor(req))
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

// flattenMessages renders a conversation as a system prompt and a single
// transcript, since gollm prompts carry one input string.
func flattenMessages(msgs []Message) (system, transcript string) {
	var sys []string
	var parts []string
	for _, msg := range msgs {
		switch msg.Role {
		case RoleSystem:
			sys = append(sys, msg.TextContent())
		case RoleUser:
			parts = append(parts, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				parts = append(parts, "[Assistant]: "+text)
			}
			for _, tc := range msg.ToolCalls() {
				parts = append(parts, fmt.Sprintf("[Assistant called %s (%s)]: %s", tc.Name, tc.ID, string(tc.Arguments)))
			}
		case RoleTool:
			for _, p := range msg.Content {
				if p.Kind != ContentToolResult || p.ToolResult == nil {
					continue
				}
				prefix := "[Tool Result"
				if p.ToolResult.IsError {
					prefix = "[Tool Error"
				}
				parts = append(parts, fmt.Sprintf("%s %s (%s)]: %s", prefix, p.ToolResult.Name, p.ToolResult.ToolCallID, p.ToolResult.Content))
			}
		}
	}
	transcript = strings.Join(parts, "\n\n")
	if transcript == "" {
		transcript = "Begin."
	}
	return strings.TrimSpace(strings.Join(sys, "\n\n")), transcript
}

func buildResponse(provider, model string, req Request, text string) *Response {
	calls, remaining := parseToolCalls(text)

	var parts []ContentPart
	if remaining != "" {
		parts = append(parts, TextPart(remaining))
	}
	for _, tc := range calls {
		parts = append(parts, ToolCallPart(tc.ID, tc.Name, tc.Arguments))
	}
	if len(parts) == 0 {
		parts = []ContentPart{TextPart(text)}
	}

	finish := FinishReason{Reason: FinishStop, Raw: FinishStop}
	if len(calls) > 0 {
		finish = FinishReason{Reason: FinishToolCalls, Raw: FinishToolCalls}
	}

	in := estimateTokens(req)
	out := len(text) / 4
	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        model,
		Provider:     provider,
		Message:      Message{Role: RoleAssistant, Content: parts},
		FinishReason: finish,
		Usage:        Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}
}

var functionCallTag = regexp.MustCompile(`(?s)<function_call>\s*(.*?)\s*</function_call>`)

type rawToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Function  *struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// parseToolCalls extracts tool calls from generated text. Three shapes are
// recognized: gollm's <function_call> tags, a {"tool_calls": [...]} object
// and a bare [{"name": ...}] array. Arguments may be an object or a JSON
// string holding one. The text left after removing the calls is returned.
func parseToolCalls(text string) ([]ToolCallData, string) {
	var raws []rawToolCall
	remaining := text

	if tags := functionCallTag.FindAllStringSubmatch(text, -1); len(tags) > 0 {
		for _, m := range tags {
			var rc rawToolCall
			if err := json.Unmarshal([]byte(m[1]), &rc); err == nil {
				raws = append(raws, rc)
			}
		}
		remaining = functionCallTag.ReplaceAllString(text, "")
	} else if start := strings.Index(text, `{"tool_calls"`); start != -1 {
		var wrapper struct {
			ToolCalls []rawToolCall `json:"tool_calls"`
		}
		dec := json.NewDecoder(strings.NewReader(text[start:]))
		if err := dec.Decode(&wrapper); err == nil {
			raws = wrapper.ToolCalls
			remaining = text[:start] + text[start+int(dec.InputOffset()):]
		}
	} else if start := strings.Index(text, `[{"`); start != -1 {
		dec := json.NewDecoder(strings.NewReader(text[start:]))
		var arr []rawToolCall
		if err := dec.Decode(&arr); err == nil && len(arr) > 0 && (arr[0].Name != "" || arr[0].Function != nil) {
			raws = arr
			remaining = text[:start] + text[start+int(dec.InputOffset()):]
		}
	}

	var calls []ToolCallData
	for _, rc := range raws {
		name, args := rc.Name, rc.Arguments
		if rc.Function != nil {
			name, args = rc.Function.Name, rc.Function.Arguments
		}
		if name == "" {
			continue
		}
		id := rc.ID
		if id == "" {
			id = "call_" + uuid.New().String()[:8]
		}
		calls = append(calls, ToolCallData{ID: id, Name: name, Arguments: normalizeArguments(args)})
	}
	if len(calls) == 0 {
		return nil, strings.TrimSpace(text)
	}
	return calls, strings.TrimSpace(remaining)
}

func normalizeArguments(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage(`{}`)
	}
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal(raw, &inner); err == nil && json.Valid([]byte(inner)) {
			return json.RawMessage(inner)
		}
	}
	return json.RawMessage(trimmed)
}

// translateError classifies a gollm error by its message, since gollm does
// not expose status codes.
func translateError(provider string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	containsAny := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}

	switch {
	case containsAny("401", "unauthorized", "invalid key", "invalid api key"):
		return ErrorFromStatusCode(401, msg, provider, err)
	case containsAny("403", "forbidden", "permission denied"):
		return ErrorFromStatusCode(403, msg, provider, err)
	case containsAny("404", "model not found", "does not exist"):
		return ErrorFromStatusCode(404, msg, provider, err)
	case containsAny("429", "rate limit", "quota"):
		return ErrorFromStatusCode(429, msg, provider, err)
	case containsAny("context length", "too many tokens", "context_length_exceeded"):
		return ErrorFromStatusCode(413, msg, provider, err)
	case containsAny("400", "bad request", "invalid_request"):
		return ErrorFromStatusCode(400, msg, provider, err)
	case containsAny("500", "502", "503", "504", "internal server", "service unavailable", "overloaded"):
		return ErrorFromStatusCode(503, msg, provider, err)
	case containsAny("timeout", "deadline exceeded"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case containsAny("connection refused", "no such host", "connection reset", "eof"):
		return &NetworkError{SDKError: SDKError{Message: msg, Cause: err}}
	case containsAny("content filter", "safety"):
		return &ContentFilterError{ProviderError: ProviderError{
			SDKError: SDKError{Message: msg, Cause: err}, Provider: provider,
		}}
	default:
		return &ProviderError{SDKError: SDKError{Message: msg, Cause: err}, Provider: provider, Retryable: true}
	}
}

func estimateTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText:
				total += len(part.Text) / 4
			case ContentToolResult:
				if part.ToolResult != nil {
					total += len(part.ToolResult.Content) / 4
				}
			}
		}
	}
	return total
}
