// Package eventlog records the append-only, ordered event history of a
// pipeline run and persists it as a single JSON document.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// EventType classifies an event.
type EventType string

const (
	AgentStart   EventType = "agent_start"
	AgentEnd     EventType = "agent_end"
	ToolCall     EventType = "tool_call"
	ToolResult   EventType = "tool_result"
	Error        EventType = "error"
	LLMRequest   EventType = "llm_request"
	LLMResponse  EventType = "llm_response"
	MemoryUpdate EventType = "memory_update"
	System       EventType = "system"
)

// Event is one immutable record in the log.
type Event struct {
	EventID   int64          `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	AgentName string         `json:"agent_name"`
	EventType EventType      `json:"event_type"`
	Iteration int            `json:"iteration"`
	Data      map[string]any `json:"data"`
}

// Document is the persisted form of a message log.
type Document struct {
	SessionID      string     `json:"session_id"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	TotalEvents    int        `json:"total_events"`
	AgentsInvolved []string   `json:"agents_involved"`
	Events         []Event    `json:"events"`
}

// Timeline returns the events ordered by event id.
func (d *Document) Timeline() []Event {
	out := make([]Event, len(d.Events))
	copy(out, d.Events)
	sort.SliceStable(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out
}

// Load reads a persisted message log.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: read: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("eventlog: parse: %w", err)
	}
	return &doc, nil
}
