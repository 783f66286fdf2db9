package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/martinemde/fixflow/eventlog"
	"github.com/martinemde/fixflow/internal/telemetry"
	"github.com/martinemde/fixflow/internal/textutil"
)

// MaxLoggedResult is how many characters of a tool result are copied into
// the event log.
const MaxLoggedResult = 2000

const instrumentationName = "github.com/martinemde/fixflow/sandbox"

// Result is the outcome of one tool call: either Output, or an error kind
// and message.
type Result struct {
	Tool      string `json:"tool"`
	Output    string `json:"output,omitempty"`
	IsError   bool   `json:"is_error"`
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Text renders the result for a model.
func (r Result) Text() string {
	if r.IsError {
		return fmt.Sprintf("Error (%s): %s", r.ErrorKind, r.Message)
	}
	return r.Output
}

// Toolset is the set of tools granted to one caller, bound to an
// environment and an event recorder. Every call is logged as a tool_call
// event followed by exactly one tool_result or error event.
type Toolset struct {
	registry *ToolRegistry
	env      *Environment
	recorder eventlog.Recorder
	granted  map[string]bool
	logger   *slog.Logger
	calls    metric.Int64Counter
}

// ToolsetOption configures a Toolset.
type ToolsetOption func(*Toolset)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ToolsetOption {
	return func(t *Toolset) { t.logger = logger }
}

// WithRegistry replaces the default core tool registry.
func WithRegistry(reg *ToolRegistry) ToolsetOption {
	return func(t *Toolset) { t.registry = reg }
}

// NewToolset creates a toolset with every core tool granted. A nil recorder
// disables event logging.
func NewToolset(env *Environment, recorder eventlog.Recorder, opts ...ToolsetOption) *Toolset {
	t := &Toolset{
		env:      env,
		recorder: recorder,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.registry == nil {
		t.registry = NewToolRegistry()
		RegisterCoreTools(t.registry)
	}
	counter, err := telemetry.Meter(instrumentationName).Int64Counter("fixflow.tool.calls",
		metric.WithDescription("Sandbox tool invocations by tool and outcome"))
	if err != nil {
		t.logger.Warn("sandbox: create tool counter", "error", err)
	}
	t.calls = counter
	return t
}

// Environment returns the bound environment.
func (t *Toolset) Environment() *Environment { return t.env }

// Recorder returns the event recorder tool calls are logged to. Executors
// use it to log their own events into the same sequence.
func (t *Toolset) Recorder() eventlog.Recorder { return t.recorder }

// Grant returns a copy restricted to the named tools.
func (t *Toolset) Grant(names ...string) *Toolset {
	cp := *t
	cp.granted = make(map[string]bool, len(names))
	for _, n := range names {
		if t.allowed(n) {
			cp.granted[n] = true
		}
	}
	return &cp
}

// ScopeReads returns a copy whose reads are limited to the given files.
func (t *Toolset) ScopeReads(paths ...string) (*Toolset, error) {
	env, err := t.env.WithReadScope(paths...)
	if err != nil {
		return nil, err
	}
	cp := *t
	cp.env = env
	return &cp, nil
}

// Names returns the granted tool names, sorted.
func (t *Toolset) Names() []string {
	var names []string
	for _, n := range t.registry.Names() {
		if t.allowed(n) {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// Definitions returns the granted tool definitions.
func (t *Toolset) Definitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, d := range t.registry.Definitions() {
		if t.allowed(d.Name) {
			defs = append(defs, d)
		}
	}
	return defs
}

func (t *Toolset) allowed(name string) bool {
	if t.granted == nil {
		return t.registry.Get(name) != nil
	}
	return t.granted[name]
}

// Call executes one tool call on behalf of agent. Failures are returned as
// a Result with IsError set; Call never retries.
func (t *Toolset) Call(ctx context.Context, agent, name string, arguments json.RawMessage) Result {
	ctx, span := telemetry.Tracer(instrumentationName).Start(ctx, "tool."+name)
	defer span.End()
	span.SetAttributes(attribute.String("fixflow.agent", agent), attribute.String("fixflow.tool", name))

	t.record(agent, eventlog.ToolCall, map[string]any{
		"tool":      name,
		"arguments": argumentsForLog(arguments),
	})

	output, err := t.execute(ctx, name, arguments)
	if err != nil {
		kind := KindOf(err)
		t.record(agent, eventlog.Error, map[string]any{
			"tool":       name,
			"error_kind": kind,
			"message":    err.Error(),
		})
		span.SetStatus(codes.Error, err.Error())
		t.count(ctx, name, "error")
		t.logger.Debug("tool call failed", "agent", agent, "tool", name, "kind", kind, "error", err)
		return Result{Tool: name, IsError: true, ErrorKind: kind, Message: err.Error()}
	}

	logged := textutil.Head(output, MaxLoggedResult)
	truncated := len(logged) < len(output)
	t.record(agent, eventlog.ToolResult, map[string]any{
		"tool":             name,
		"result":           logged,
		"result_truncated": truncated,
		"result_length":    len(output),
	})
	t.count(ctx, name, "ok")
	return Result{Tool: name, Output: output}
}

func (t *Toolset) execute(ctx context.Context, name string, arguments json.RawMessage) (string, error) {
	if !t.allowed(name) {
		return "", fmt.Errorf("%w: %q (available: %v)", ErrToolNotAvailable, name, t.Names())
	}
	tool := t.registry.Get(name)
	if tool == nil {
		return "", fmt.Errorf("%w: %q", ErrToolNotAvailable, name)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return tool.Executor(ctx, arguments, t.env)
}

func (t *Toolset) record(agent string, typ eventlog.EventType, data map[string]any) {
	if t.recorder == nil {
		return
	}
	if _, err := t.recorder.Log(agent, typ, data); err != nil {
		t.logger.Warn("sandbox: event log write failed", "event_type", string(typ), "error", err)
	}
}

func (t *Toolset) count(ctx context.Context, tool, outcome string) {
	if t.calls == nil {
		return
	}
	t.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	))
}

// argumentsForLog decodes arguments for the event payload, keeping the raw
// text when they are not a JSON object.
func argumentsForLog(raw json.RawMessage) any {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		if content, ok := m["content"].(string); ok && len(content) > MaxLoggedResult {
			m["content"] = content[:MaxLoggedResult]
			m["content_truncated"] = true
		}
		return m
	}
	return string(raw)
}
