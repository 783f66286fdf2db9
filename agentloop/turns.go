package agentloop

import (
	"time"

	"github.com/martinemde/fixflow/unifiedllm"
)

// TurnKind discriminates between turn types.
type TurnKind string

const (
	TurnUser        TurnKind = "user"
	TurnAssistant   TurnKind = "assistant"
	TurnToolResults TurnKind = "tool_results"
	TurnSteering    TurnKind = "steering"
)

// Turn is one entry in an executor's conversation history.
type Turn struct {
	Kind      TurnKind  `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	Content   string                      `json:"content,omitempty"`
	ToolCalls []unifiedllm.ToolCallData   `json:"tool_calls,omitempty"`
	Results   []unifiedllm.ToolResultData `json:"results,omitempty"`
}

func NewUserTurn(content string) Turn {
	return Turn{Kind: TurnUser, Timestamp: time.Now(), Content: content}
}

func NewAssistantTurn(content string, calls []unifiedllm.ToolCallData) Turn {
	return Turn{Kind: TurnAssistant, Timestamp: time.Now(), Content: content, ToolCalls: calls}
}

func NewToolResultsTurn(results []unifiedllm.ToolResultData) Turn {
	return Turn{Kind: TurnToolResults, Timestamp: time.Now(), Results: results}
}

// NewSteeringTurn wraps an instruction injected by the executor itself,
// such as a loop warning.
func NewSteeringTurn(content string) Turn {
	return Turn{Kind: TurnSteering, Timestamp: time.Now(), Content: content}
}

// ConvertHistoryToMessages converts the turn history into LLM messages.
// Steering turns are sent as user messages.
func ConvertHistoryToMessages(history []Turn) []unifiedllm.Message {
	var messages []unifiedllm.Message
	for _, turn := range history {
		switch turn.Kind {
		case TurnUser, TurnSteering:
			messages = append(messages, unifiedllm.UserMessage(turn.Content))
		case TurnAssistant:
			msg := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
			if turn.Content != "" {
				msg.Content = append(msg.Content, unifiedllm.TextPart(turn.Content))
			}
			for _, tc := range turn.ToolCalls {
				msg.Content = append(msg.Content, unifiedllm.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
			}
			messages = append(messages, msg)
		case TurnToolResults:
			messages = append(messages, unifiedllm.ToolResultsMessage(turn.Results...))
		}
	}
	return messages
}
