package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/fixflow/eventlog"
	"github.com/martinemde/fixflow/memory"
	"github.com/martinemde/fixflow/pipeline"
	"github.com/martinemde/fixflow/sandbox"
	"github.com/martinemde/fixflow/unifiedllm"
)

const userService = `from models.user import User


def get_user_by_email(email):
    return User.query.filter(User.emails == email).first()
`

// mockAdapter replays scripted responses; once they run out it repeats the
// last one.
type mockAdapter struct {
	mu        sync.Mutex
	responses []*unifiedllm.Response
	err       error
	requests  []unifiedllm.Request
}

func (m *mockAdapter) Name() string { return "mock" }

func (m *mockAdapter) Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	i := len(m.requests) - 1
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	return m.responses[i], nil
}

func textResponse(text string) *unifiedllm.Response {
	return &unifiedllm.Response{
		Provider:     "mock",
		Message:      unifiedllm.AssistantMessage(text),
		FinishReason: unifiedllm.FinishReason{Reason: unifiedllm.FinishStop},
	}
}

func toolResponse(calls ...unifiedllm.ToolCallData) *unifiedllm.Response {
	msg := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
	for _, c := range calls {
		msg.Content = append(msg.Content, unifiedllm.ToolCallPart(c.ID, c.Name, c.Arguments))
	}
	return &unifiedllm.Response{
		Provider:     "mock",
		Message:      msg,
		FinishReason: unifiedllm.FinishReason{Reason: unifiedllm.FinishToolCalls},
	}
}

func call(id, name, args string) unifiedllm.ToolCallData {
	return unifiedllm.ToolCallData{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

type harness struct {
	tools *sandbox.Toolset
	log   *eventlog.Logger
	root  string
}

func newHarness(t *testing.T) harness {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "codebase")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "services"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "services", "user.py"), []byte(userService), 0o644))

	env, err := sandbox.NewEnvironment(sandbox.Config{
		CodebaseRoot: root,
		OutputDir:    filepath.Join(base, "output"),
		Mappings:     []sandbox.PrefixMapping{{From: sandbox.DefaultForeignPrefix}},
	})
	require.NoError(t, err)
	log, err := eventlog.New("")
	require.NoError(t, err)
	return harness{tools: sandbox.NewToolset(env, log, sandbox.WithLogger(quietLogger())), log: log, root: root}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newExecutor(adapter *mockAdapter, cfg Config) *Executor {
	client := unifiedllm.NewClient(unifiedllm.WithProvider("mock", adapter))
	return New(client, WithConfig(cfg), WithLogger(quietLogger()),
		WithClock(func() time.Time { return time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC) }))
}

func rcaTask() pipeline.Task {
	return pipeline.Task{
		Stage:     pipeline.StageRCA,
		Agent:     pipeline.AgentRCA,
		TracePath: "trace.json",
		Tools:     pipeline.StageRCA.Tools(),
	}
}

const rcaAnswer = "Analysis complete.\n```json\n" + `{
  "error_type": "AttributeError",
  "root_cause": "filter uses User.emails",
  "affected_file": "/usr/srv/app/services/user.py",
  "affected_line": 5,
  "evidence": ["services/user.py:5 references User.emails"]
}` + "\n```"

func TestRunReadsThenAnswers(t *testing.T) {
	h := newHarness(t)
	adapter := &mockAdapter{responses: []*unifiedllm.Response{
		toolResponse(call("c1", "read_file", `{"path": "/usr/srv/app/services/user.py"}`)),
		textResponse(rcaAnswer),
	}}
	e := newExecutor(adapter, DefaultConfig())

	out, err := e.Run(context.Background(), rcaTask(), h.tools.Grant(pipeline.StageRCA.Tools()...))
	require.NoError(t, err)
	assert.Equal(t, "AttributeError", out["error_type"])
	assert.IsType(t, memory.Valid{}, memory.Validate(memory.SectionRCA, out))

	require.Len(t, adapter.requests, 2)
	first := adapter.requests[0]
	assert.Equal(t, unifiedllm.RoleSystem, first.Messages[0].Role)
	assert.Contains(t, first.Messages[0].TextContent(), "affected_line")
	assert.Len(t, first.Tools, 3)
	require.NotNil(t, first.ToolChoice)

	second := adapter.requests[1]
	last := second.Messages[len(second.Messages)-1]
	require.Equal(t, unifiedllm.RoleTool, last.Role)
	result := last.Content[0].ToolResult
	require.NotNil(t, result)
	assert.Equal(t, "c1", result.ToolCallID)
	assert.False(t, result.IsError)
	assert.Contains(t, result.Content, "User.emails")

	var types []eventlog.EventType
	for _, ev := range h.log.Events() {
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []eventlog.EventType{
		eventlog.LLMRequest, eventlog.LLMResponse,
		eventlog.ToolCall, eventlog.ToolResult,
		eventlog.LLMRequest, eventlog.LLMResponse,
	}, types)
}

func TestRunLoggedResponseKeepsRunesWhole(t *testing.T) {
	h := newHarness(t)
	adapter := &mockAdapter{responses: []*unifiedllm.Response{
		textResponse(strings.Repeat("日", 700) + "\n" + rcaAnswer),
	}}
	e := newExecutor(adapter, DefaultConfig())

	_, err := e.Run(context.Background(), rcaTask(), h.tools.Grant(pipeline.StageRCA.Tools()...))
	require.NoError(t, err)

	var logged string
	for _, ev := range h.log.Events() {
		if ev.EventType == eventlog.LLMResponse {
			logged, _ = ev.Data["text"].(string)
		}
	}
	require.NotEmpty(t, logged)
	assert.True(t, utf8.ValidString(logged))
	assert.Equal(t, strings.Repeat("日", 666), logged)
}

func TestRunExecutesParallelCallsInOrder(t *testing.T) {
	h := newHarness(t)
	adapter := &mockAdapter{responses: []*unifiedllm.Response{
		toolResponse(
			call("a", "list_directory", `{"path": "services"}`),
			call("b", "read_file", `{"path": "services/user.py", "start_line": 5, "end_line": 5}`),
			call("c", "read_file", `{"path": "../etc/passwd"}`),
		),
		textResponse(rcaAnswer),
	}}
	e := newExecutor(adapter, DefaultConfig())

	_, err := e.Run(context.Background(), rcaTask(), h.tools.Grant(pipeline.StageRCA.Tools()...))
	require.NoError(t, err)

	msgs := adapter.requests[1].Messages
	results := msgs[len(msgs)-1].Content
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].ToolResult.ToolCallID)
	assert.Contains(t, results[0].ToolResult.Content, "user.py")
	assert.Equal(t, "b", results[1].ToolResult.ToolCallID)
	assert.Contains(t, results[1].ToolResult.Content, "User.emails")
	assert.True(t, results[2].ToolResult.IsError)
	assert.Contains(t, results[2].ToolResult.Content, sandbox.KindPathTraversal)
}

func TestRunUngrantedToolIsReportedToModel(t *testing.T) {
	h := newHarness(t)
	adapter := &mockAdapter{responses: []*unifiedllm.Response{
		toolResponse(call("w", "write_file", `{"path": "x.py", "content": "x"}`)),
		textResponse(`{"description": "fix", "steps": ["one"]}`),
	}}
	e := newExecutor(adapter, DefaultConfig())
	task := pipeline.Task{Stage: pipeline.StageFixPlan, Agent: pipeline.AgentFix, RCA: &memory.RCAResult{}}

	out, err := e.Run(context.Background(), task, h.tools.Grant())
	require.NoError(t, err)
	assert.Equal(t, "fix", out["description"])

	assert.Empty(t, adapter.requests[0].Tools)
	assert.Nil(t, adapter.requests[0].ToolChoice)
	msgs := adapter.requests[1].Messages
	res := msgs[len(msgs)-1].Content[0].ToolResult
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, sandbox.KindToolNotAvailable)
}

func TestRunNudgesOnceForJSON(t *testing.T) {
	h := newHarness(t)
	adapter := &mockAdapter{responses: []*unifiedllm.Response{
		textResponse("The bug is in user.py."),
		textResponse(rcaAnswer),
	}}
	out, err := newExecutor(adapter, DefaultConfig()).Run(context.Background(), rcaTask(), h.tools)
	require.NoError(t, err)
	assert.Equal(t, "AttributeError", out["error_type"])
	msgs := adapter.requests[1].Messages
	assert.Contains(t, msgs[len(msgs)-1].TextContent(), "did not contain a JSON object")

	cfg := DefaultConfig()
	cfg.MaxFormatRetries = 0
	adapter = &mockAdapter{responses: []*unifiedllm.Response{textResponse("no json here")}}
	_, err = newExecutor(adapter, cfg).Run(context.Background(), rcaTask(), h.tools)
	assert.ErrorIs(t, err, ErrNoJSONObject)
}

func TestRunToolRoundLimitAndLoopWarning(t *testing.T) {
	h := newHarness(t)
	adapter := &mockAdapter{responses: []*unifiedllm.Response{
		toolResponse(call("r", "read_file", `{"path": "services/user.py"}`)),
	}}
	cfg := DefaultConfig()
	cfg.MaxToolRounds = 3
	cfg.LoopDetectionWindow = 2

	_, err := newExecutor(adapter, cfg).Run(context.Background(), rcaTask(), h.tools)
	assert.ErrorIs(t, err, ErrToolRoundsExceeded)
	assert.Len(t, adapter.requests, 4)

	msgs := adapter.requests[2].Messages
	assert.Contains(t, msgs[len(msgs)-1].TextContent(), "Loop detected")
}

func TestRunProviderError(t *testing.T) {
	h := newHarness(t)
	adapter := &mockAdapter{err: &unifiedllm.AuthenticationError{}}
	_, err := newExecutor(adapter, DefaultConfig()).Run(context.Background(), rcaTask(), h.tools)
	var authErr *unifiedllm.AuthenticationError
	assert.ErrorAs(t, err, &authErr)
}

func TestRunCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	adapter := &mockAdapter{responses: []*unifiedllm.Response{textResponse(rcaAnswer)}}
	_, err := newExecutor(adapter, DefaultConfig()).Run(ctx, rcaTask(), h.tools)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, adapter.requests)
}

func TestRunSatisfiesPipelineExecutor(t *testing.T) {
	var exec pipeline.Executor = New(unifiedllm.NewClient())
	_, err := exec.Run(context.Background(), rcaTask(), newHarness(t).tools)
	var cfgErr *unifiedllm.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestBuildSystemPrompt(t *testing.T) {
	now := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	task := pipeline.Task{Stage: pipeline.StagePatch, CodebaseRoot: "/src", OutputDir: "/out"}
	prompt := BuildSystemPrompt(task, []string{"read_file", "write_file"}, now)
	assert.Contains(t, prompt, "ENTIRE corrected file")
	assert.Contains(t, prompt, "Output directory: /out")
	assert.Contains(t, prompt, "Tools: read_file, write_file")
	assert.Contains(t, prompt, "2026-03-04")
	assert.Contains(t, prompt, "patched_file")
	assert.Contains(t, prompt, `"tool_calls"`)

	fix := BuildSystemPrompt(pipeline.Task{Stage: pipeline.StageFixPlan}, nil, now)
	assert.Contains(t, fix, "Tools: none")
	assert.NotContains(t, fix, `"tool_calls"`)
	assert.Contains(t, fix, "safety_considerations")
}

func TestTaskMessage(t *testing.T) {
	task := pipeline.Task{
		Stage:           pipeline.StagePatch,
		RCA:             &memory.RCAResult{AffectedFile: "/usr/srv/app/services/user.py", AffectedLine: 5},
		FixPlan:         &memory.FixPlan{Description: "use email", Steps: []string{"rename"}},
		PatchedFileHint: "fixed_user.py",
	}
	msg, err := TaskMessage(task)
	require.NoError(t, err)
	assert.Contains(t, msg, "Patch /usr/srv/app/services/user.py around line 5")
	assert.Contains(t, msg, "fixed_user.py")
	assert.Contains(t, msg, `"description": "use email"`)
	assert.True(t, strings.HasSuffix(msg, "```"))
}
