package unifiedllm

import (
	"encoding/json"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentKind discriminates the ContentPart union.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentToolCall   ContentKind = "tool_call"
	ContentToolResult ContentKind = "tool_result"
)

// ToolCallData is a model-initiated tool invocation.
type ToolCallData struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResultData is the outcome of running a tool call.
type ToolResultData struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// ContentPart is one piece of a message. Exactly one payload field is set,
// matching Kind.
type ContentPart struct {
	Kind       ContentKind     `json:"kind"`
	Text       string          `json:"text,omitempty"`
	ToolCall   *ToolCallData   `json:"tool_call,omitempty"`
	ToolResult *ToolResultData `json:"tool_result,omitempty"`
}

func TextPart(text string) ContentPart {
	return ContentPart{Kind: ContentText, Text: text}
}

func ToolCallPart(id, name string, args json.RawMessage) ContentPart {
	return ContentPart{Kind: ContentToolCall, ToolCall: &ToolCallData{ID: id, Name: name, Arguments: args}}
}

func ToolResultPart(callID, name, content string, isError bool) ContentPart {
	return ContentPart{Kind: ContentToolResult, ToolResult: &ToolResultData{
		ToolCallID: callID, Name: name, Content: content, IsError: isError,
	}}
}

// Message is a single conversational turn.
type Message struct {
	Role    Role          `json:"role"`
	Content []ContentPart `json:"content"`
}

// TextContent concatenates the text parts of the message.
func (m Message) TextContent() string {
	var sb strings.Builder
	for _, p := range m.Content {
		if p.Kind == ContentText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool call parts of the message in order.
func (m Message) ToolCalls() []ToolCallData {
	var calls []ToolCallData
	for _, p := range m.Content {
		if p.Kind == ContentToolCall && p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: []ContentPart{TextPart(text)}}
}

func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentPart{TextPart(text)}}
}

func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentPart{TextPart(text)}}
}

// ToolResultsMessage bundles the results of one round of tool calls.
func ToolResultsMessage(results ...ToolResultData) Message {
	parts := make([]ContentPart, 0, len(results))
	for _, r := range results {
		parts = append(parts, ToolResultPart(r.ToolCallID, r.Name, r.Content, r.IsError))
	}
	return Message{Role: RoleTool, Content: parts}
}

// ToolDefinition describes a tool the model may call. Parameters is a JSON
// Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolChoice mode: "auto", "none" or "required".
type ToolChoice struct {
	Mode string `json:"mode"`
}

// Request is a provider-agnostic completion request.
type Request struct {
	Model       string           `json:"model,omitempty"`
	Provider    string           `json:"provider,omitempty"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  *ToolChoice      `json:"tool_choice,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
}

// FinishReason reports why generation stopped.
type FinishReason struct {
	Reason string `json:"reason"`
	Raw    string `json:"raw,omitempty"`
}

const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
)

// Usage is approximate token accounting. gollm does not surface provider
// usage so adapters estimate from text length.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// Response is a completed generation.
type Response struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Provider     string       `json:"provider"`
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
}

// Text returns the assistant's text output.
func (r Response) Text() string {
	return r.Message.TextContent()
}

// ToolCalls returns the tool calls the model requested.
func (r Response) ToolCalls() []ToolCallData {
	return r.Message.ToolCalls()
}
