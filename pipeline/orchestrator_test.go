package pipeline

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/fixflow/eventlog"
	"github.com/martinemde/fixflow/memory"
	"github.com/martinemde/fixflow/sandbox"
)

const userService = `from models.user import User


def get_user_by_email(email):
    return User.query.filter(User.emails == email).first()
`

const fixedUserService = `from models.user import User


def get_user_by_email(email):
    return User.query.filter(User.email == email).first()
`

type fixture struct {
	cfg    Config
	output string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "codebase")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "services"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "services", "user.py"), []byte(userService), 0o644))

	trace, err := os.ReadFile(filepath.Join("..", "errortrace", "testdata", "apm_trace.json"))
	require.NoError(t, err)
	tracePath := filepath.Join(base, "trace.json")
	require.NoError(t, os.WriteFile(tracePath, trace, 0o644))

	output := filepath.Join(base, "output")
	return fixture{
		cfg: Config{
			TracePath:    tracePath,
			CodebaseRoot: root,
			OutputDir:    output,
			Mappings:     []sandbox.PrefixMapping{{From: sandbox.DefaultForeignPrefix}},
			StageTimeout: 5 * time.Second,
		},
		output: output,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedExecutor plays the three agents of the User.emails scenario
// through the real toolset.
type scriptedExecutor struct {
	mu     sync.Mutex
	tasks  []Task
	tools  map[Stage][]string
	result map[Stage]sandbox.Result
}

func newScripted() *scriptedExecutor {
	return &scriptedExecutor{tools: map[Stage][]string{}, result: map[Stage]sandbox.Result{}}
}

func (s *scriptedExecutor) Run(ctx context.Context, task Task, tools *sandbox.Toolset) (map[string]any, error) {
	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	s.tools[task.Stage] = tools.Names()
	s.mu.Unlock()

	switch task.Stage {
	case StageRCA:
		origin, _ := task.Trace.Origin()
		res := tools.Call(ctx, task.Agent, sandbox.ToolReadFile, json.RawMessage(`{"path": "`+origin.File+`"}`))
		s.mu.Lock()
		s.result[task.Stage] = res
		s.mu.Unlock()
		return map[string]any{
			"error_type":        task.Trace.ErrorType,
			"error_message":     task.Trace.Message,
			"root_cause":        "User model has attribute email, not emails",
			"affected_file":     origin.File,
			"affected_line":     origin.Line,
			"affected_function": origin.Function,
			"evidence":          []string{"services/user.py:18 filters on User.emails"},
		}, nil
	case StageFixPlan:
		return map[string]any{
			"description":           "Filter on User.email",
			"steps":                 []string{"Replace User.emails with User.email in get_user_by_email"},
			"safety_considerations": []string{"No schema change"},
			"expected_outcome":      "Lookup by email succeeds",
		}, nil
	case StagePatch:
		args, _ := json.Marshal(map[string]string{"path": task.PatchedFileHint, "content": fixedUserService})
		res := tools.Call(ctx, task.Agent, sandbox.ToolWriteFile, args)
		s.mu.Lock()
		s.result[task.Stage] = res
		s.mu.Unlock()
		if res.IsError {
			return nil, errors.New(res.Message)
		}
		return map[string]any{
			"original_file":  task.RCA.AffectedFile,
			"patched_file":   task.PatchedFileHint,
			"changes_made":   []string{"User.emails -> User.email"},
			"lines_modified": []int{5},
		}, nil
	}
	return nil, errors.New("unexpected stage")
}

func eventTypes(t *testing.T, path string) []string {
	t.Helper()
	doc, err := eventlog.Load(path)
	require.NoError(t, err)
	var types []string
	for _, ev := range doc.Timeline() {
		types = append(types, ev.AgentName+":"+string(ev.EventType))
	}
	return types
}

func TestRunUserEmailsScenario(t *testing.T) {
	f := newFixture(t)
	exec := newScripted()
	o, err := New(f.cfg, exec, WithLogger(quietLogger()))
	require.NoError(t, err)

	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StageDone, summary.State)
	assert.Equal(t, 0, summary.ExitCode())
	require.Len(t, summary.Stages, 3)
	for _, st := range summary.Stages {
		assert.Equal(t, StatusCompleted, st.Status, st.Stage)
	}

	// Tool grants per stage.
	assert.Equal(t, []string{"list_directory", "parse_error_trace", "read_file"}, exec.tools[StageRCA])
	assert.Empty(t, exec.tools[StageFixPlan])
	assert.Equal(t, []string{"read_file", "write_file"}, exec.tools[StagePatch])

	// The foreign path in the trace resolved to the local codebase.
	assert.False(t, exec.result[StageRCA].IsError, exec.result[StageRCA].Message)
	assert.Contains(t, exec.result[StageRCA].Output, "User.emails")

	// The patch landed in the output dir only.
	patched := filepath.Join(f.output, "fixed_user.py")
	got, err := os.ReadFile(patched)
	require.NoError(t, err)
	assert.Equal(t, fixedUserService, string(got))
	assert.True(t, strings.HasSuffix(summary.PatchedFile, "fixed_user.py"))
	orig, err := os.ReadFile(filepath.Join(f.cfg.CodebaseRoot, "services", "user.py"))
	require.NoError(t, err)
	assert.Equal(t, userService, string(orig))

	// Shared memory holds all three sections.
	store, err := memory.Load(summary.SharedMemoryPath)
	require.NoError(t, err)
	var rca memory.RCAResult
	present, err := store.Decode(memory.SectionRCA, &rca)
	require.NoError(t, err)
	require.True(t, present)
	assert.Equal(t, "AttributeError", rca.ErrorType)
	assert.Equal(t, 18, rca.AffectedLine)
	assert.Equal(t, "get_user_by_email", rca.AffectedFunction)
	assert.NotEmpty(t, rca.Timestamp)
	doc := store.Snapshot()
	assert.True(t, doc.Has(memory.SectionFixPlan))
	assert.True(t, doc.Has(memory.SectionPatchMetadata))

	// The Fix task saw the RCA; the Patch task saw both.
	require.Len(t, exec.tasks, 3)
	assert.Nil(t, exec.tasks[0].RCA)
	require.NotNil(t, exec.tasks[1].RCA)
	assert.Equal(t, "AttributeError", exec.tasks[1].RCA.ErrorType)
	require.NotNil(t, exec.tasks[2].FixPlan)
	assert.Equal(t, "Filter on User.email", exec.tasks[2].FixPlan.Description)

	assert.Equal(t, []string{
		"system:system",
		"RCA_Agent:agent_start",
		"RCA_Agent:tool_call",
		"RCA_Agent:tool_result",
		"RCA_Agent:memory_update",
		"RCA_Agent:agent_end",
		"Fix_Agent:agent_start",
		"Fix_Agent:memory_update",
		"Fix_Agent:agent_end",
		"Patch_Generation_Agent:agent_start",
		"Patch_Generation_Agent:tool_call",
		"Patch_Generation_Agent:tool_result",
		"Patch_Generation_Agent:memory_update",
		"Patch_Generation_Agent:agent_end",
		"system:system",
	}, eventTypes(t, summary.MessageLogPath))

	logDoc, err := eventlog.Load(summary.MessageLogPath)
	require.NoError(t, err)
	assert.NotNil(t, logDoc.EndTime)
	assert.Equal(t, summary.SessionID, logDoc.SessionID)
}

func TestRunStartAtFixPlanWithoutRCAFails(t *testing.T) {
	f := newFixture(t)
	exec := newScripted()
	o, err := New(f.cfg, exec, WithLogger(quietLogger()), WithStartAt(StageFixPlan))
	require.NoError(t, err)

	summary, err := o.Run(context.Background())
	var missing *MissingPrerequisiteError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, StageFixPlan, missing.Stage)
	assert.Equal(t, memory.SectionRCA, missing.Section)

	assert.Equal(t, StageFailed, summary.State)
	assert.Equal(t, StageFixPlan, summary.FailedStage)
	assert.Equal(t, 1, summary.ExitCode())
	assert.Empty(t, exec.tasks, "executor must not run without prerequisites")

	store, err := memory.Load(summary.SharedMemoryPath)
	require.NoError(t, err)
	doc := store.Snapshot()
	assert.False(t, doc.Has(memory.SectionRCA))
	assert.False(t, doc.Has(memory.SectionFixPlan))
	assert.False(t, doc.Has(memory.SectionPatchMetadata))

	types := eventTypes(t, summary.MessageLogPath)
	assert.Contains(t, types, "Fix_Agent:error")
	assert.NotContains(t, types, "Patch_Generation_Agent:agent_start")
}

func TestRunResumesFromExistingMemory(t *testing.T) {
	f := newFixture(t)
	first, err := New(f.cfg, newScripted(), WithLogger(quietLogger()))
	require.NoError(t, err)
	_, err = first.Run(context.Background())
	require.NoError(t, err)

	// Keep only the rca section and rerun from fix_plan.
	memPath := filepath.Join(f.output, SharedMemoryFile)
	var doc map[string]json.RawMessage
	raw, err := os.ReadFile(memPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &doc))
	doc["fix_plan"], doc["patch_metadata"] = json.RawMessage("null"), json.RawMessage("null")
	raw, err = json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(memPath, raw, 0o644))

	exec := newScripted()
	o, err := New(f.cfg, exec, WithLogger(quietLogger()), WithStartAt(StageFixPlan))
	require.NoError(t, err)
	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StageDone, summary.State)
	assert.Equal(t, StatusSkipped, summary.Stages[0].Status)
	require.Len(t, exec.tasks, 2)
	assert.Equal(t, StageFixPlan, exec.tasks[0].Stage)
}

func TestRunResumeAfterCompletedRunRedoesLaterStages(t *testing.T) {
	f := newFixture(t)
	first, err := New(f.cfg, newScripted(), WithLogger(quietLogger()))
	require.NoError(t, err)
	_, err = first.Run(context.Background())
	require.NoError(t, err)

	exec := newScripted()
	o, err := New(f.cfg, exec, WithLogger(quietLogger()), WithStartAt(StageFixPlan))
	require.NoError(t, err)
	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StageDone, summary.State)

	// fix_plan and patch_metadata from the first run were dropped, so both
	// stages ran again instead of failing on an already set section.
	require.Len(t, exec.tasks, 2)
	assert.Equal(t, StageFixPlan, exec.tasks[0].Stage)
	assert.Equal(t, StagePatch, exec.tasks[1].Stage)
	require.NotNil(t, exec.tasks[0].RCA)
	assert.Equal(t, "get_user_by_email", exec.tasks[0].RCA.AffectedFunction)

	store, err := memory.Load(summary.SharedMemoryPath)
	require.NoError(t, err)
	doc := store.Snapshot()
	assert.True(t, doc.Has(memory.SectionRCA))
	assert.True(t, doc.Has(memory.SectionFixPlan))
	assert.True(t, doc.Has(memory.SectionPatchMetadata))

	logDoc, err := eventlog.Load(summary.MessageLogPath)
	require.NoError(t, err)
	var carried any
	for _, ev := range logDoc.Timeline() {
		if ev.Data["message"] == "resuming from existing shared memory" {
			carried = ev.Data["carried_forward"]
		}
	}
	assert.Equal(t, []any{"rca"}, carried)
}

func TestRunResumeRejectsInvalidCarriedSection(t *testing.T) {
	f := newFixture(t)
	first, err := New(f.cfg, newScripted(), WithLogger(quietLogger()))
	require.NoError(t, err)
	_, err = first.Run(context.Background())
	require.NoError(t, err)

	memPath := filepath.Join(f.output, SharedMemoryFile)
	var doc map[string]json.RawMessage
	raw, err := os.ReadFile(memPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &doc))
	doc["rca"] = json.RawMessage(`{"error_type": "AttributeError"}`)
	raw, err = json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(memPath, raw, 0o644))

	exec := newScripted()
	o, err := New(f.cfg, exec, WithLogger(quietLogger()), WithStartAt(StagePatch))
	require.NoError(t, err)
	summary, err := o.Run(context.Background())
	assert.ErrorIs(t, err, ErrInvalidOutput)
	assert.Contains(t, err.Error(), "affected_file")
	assert.Equal(t, StageInit, summary.FailedStage)
	assert.Empty(t, exec.tasks)

	// The previous document is left for inspection.
	after, err := os.ReadFile(memPath)
	require.NoError(t, err)
	assert.Equal(t, raw, after)
}

func TestRunToolsCannotWriteArtifacts(t *testing.T) {
	f := newFixture(t)
	base := newScripted()
	var writes []sandbox.Result
	exec := ExecutorFunc(func(ctx context.Context, task Task, tools *sandbox.Toolset) (map[string]any, error) {
		if task.Stage != StagePatch {
			return base.Run(ctx, task, tools)
		}
		for _, name := range []string{SharedMemoryFile, MessageLogFile, MCPLogFile, "shared_memory.json.backup_1", ".shared_memory.json.42.tmp"} {
			args, _ := json.Marshal(map[string]string{"path": name, "content": `{"rca": null}`})
			writes = append(writes, tools.Call(ctx, task.Agent, sandbox.ToolWriteFile, args))
		}
		return map[string]any{
			"original_file":  task.RCA.AffectedFile,
			"patched_file":   MessageLogFile,
			"changes_made":   []string{"none"},
			"lines_modified": []int{1},
		}, nil
	})
	o, err := New(f.cfg, exec, WithLogger(quietLogger()))
	require.NoError(t, err)

	summary, err := o.Run(context.Background())
	assert.ErrorIs(t, err, ErrPatchOutsideOutput)
	assert.Equal(t, StagePatch, summary.FailedStage)

	require.Len(t, writes, 5)
	for _, w := range writes {
		assert.True(t, w.IsError)
		assert.Equal(t, sandbox.KindWriteNotAllowed, w.ErrorKind)
	}
	_, statErr := os.Stat(filepath.Join(f.output, "shared_memory.json.backup_1"))
	assert.True(t, os.IsNotExist(statErr))

	store, err := memory.Load(summary.SharedMemoryPath)
	require.NoError(t, err)
	doc := store.Snapshot()
	assert.True(t, doc.Has(memory.SectionRCA))
	assert.True(t, doc.Has(memory.SectionFixPlan))
	assert.False(t, doc.Has(memory.SectionPatchMetadata))
}

func TestRunRejectsPatchNotWrittenDuringStage(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(f.output, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.output, "fixed_user.py"), []byte("stale\n"), 0o644))

	base := newScripted()
	exec := ExecutorFunc(func(ctx context.Context, task Task, tools *sandbox.Toolset) (map[string]any, error) {
		if task.Stage != StagePatch {
			return base.Run(ctx, task, tools)
		}
		return map[string]any{
			"original_file":  task.RCA.AffectedFile,
			"patched_file":   "fixed_user.py",
			"changes_made":   []string{"User.emails -> User.email"},
			"lines_modified": []int{5},
		}, nil
	})
	o, err := New(f.cfg, exec, WithLogger(quietLogger()))
	require.NoError(t, err)

	summary, err := o.Run(context.Background())
	assert.ErrorIs(t, err, sandbox.ErrFileNotFound)
	assert.Equal(t, StagePatch, summary.FailedStage)
	assert.Empty(t, summary.PatchedFile)
}

func TestRunInvalidOutput(t *testing.T) {
	f := newFixture(t)
	exec := ExecutorFunc(func(ctx context.Context, task Task, tools *sandbox.Toolset) (map[string]any, error) {
		return map[string]any{"error_type": "AttributeError", "affected_line": 18}, nil
	})
	o, err := New(f.cfg, exec, WithLogger(quietLogger()))
	require.NoError(t, err)

	summary, err := o.Run(context.Background())
	var agentErr *AgentExecutionError
	require.ErrorAs(t, err, &agentErr)
	assert.ErrorIs(t, err, ErrInvalidOutput)
	assert.Contains(t, err.Error(), "affected_file")
	assert.Contains(t, err.Error(), "evidence")
	assert.Equal(t, StageRCA, summary.FailedStage)

	store, err := memory.Load(summary.SharedMemoryPath)
	require.NoError(t, err)
	_, present := store.Get(memory.SectionRCA)
	assert.False(t, present)
}

func TestRunTimeoutWithUncooperativeExecutor(t *testing.T) {
	f := newFixture(t)
	f.cfg.StageTimeout = 50 * time.Millisecond
	release := make(chan struct{})
	defer close(release)
	exec := ExecutorFunc(func(ctx context.Context, task Task, tools *sandbox.Toolset) (map[string]any, error) {
		<-release
		return nil, nil
	})
	o, err := New(f.cfg, exec, WithLogger(quietLogger()))
	require.NoError(t, err)

	summary, err := o.Run(context.Background())
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, StageRCA, timeout.Stage)
	assert.Equal(t, 50*time.Millisecond, timeout.After)
	assert.Equal(t, StageFailed, summary.State)
	assert.Equal(t, "TimeoutError", Kind(err))
}

func TestRunExecutorError(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("model refused")
	exec := ExecutorFunc(func(ctx context.Context, task Task, tools *sandbox.Toolset) (map[string]any, error) {
		return nil, boom
	})
	o, err := New(f.cfg, exec, WithLogger(quietLogger()))
	require.NoError(t, err)

	_, err = o.Run(context.Background())
	var agentErr *AgentExecutionError
	require.ErrorAs(t, err, &agentErr)
	assert.ErrorIs(t, err, boom)
}

func TestRunRejectsPatchOutsideOutputDir(t *testing.T) {
	f := newFixture(t)
	base := newScripted()
	exec := ExecutorFunc(func(ctx context.Context, task Task, tools *sandbox.Toolset) (map[string]any, error) {
		out, err := base.Run(ctx, task, tools)
		if task.Stage == StagePatch && err == nil {
			out["patched_file"] = filepath.Join(f.cfg.CodebaseRoot, "services", "user.py")
		}
		return out, err
	})
	o, err := New(f.cfg, exec, WithLogger(quietLogger()))
	require.NoError(t, err)

	summary, err := o.Run(context.Background())
	assert.ErrorIs(t, err, ErrPatchOutsideOutput)
	assert.Equal(t, StagePatch, summary.FailedStage)

	// Earlier sections survive the failure.
	store, err := memory.Load(summary.SharedMemoryPath)
	require.NoError(t, err)
	doc := store.Snapshot()
	assert.True(t, doc.Has(memory.SectionRCA))
	assert.True(t, doc.Has(memory.SectionFixPlan))
	assert.False(t, doc.Has(memory.SectionPatchMetadata))
}

func TestRunBadTraceFailsInit(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.cfg.TracePath, []byte(`{"nope": true}`), 0o644))
	o, err := New(f.cfg, newScripted(), WithLogger(quietLogger()))
	require.NoError(t, err)

	summary, err := o.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StageInit, summary.FailedStage)
	assert.Equal(t, 1, summary.ExitCode())
	assert.Contains(t, eventTypes(t, summary.MessageLogPath), "system:error")
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	exec := ExecutorFunc(func(ctx context.Context, task Task, tools *sandbox.Toolset) (map[string]any, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o, err := New(f.cfg, exec, WithLogger(quietLogger()))
	require.NoError(t, err)

	_, err = o.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{}, newScripted())
	assert.Error(t, err)

	f := newFixture(t)
	_, err = New(f.cfg, nil)
	assert.Error(t, err)

	_, err = New(f.cfg, newScripted(), WithStartAt(StageDone))
	assert.Error(t, err)
}
