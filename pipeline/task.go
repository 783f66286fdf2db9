// Package pipeline runs the three remediation stages (root-cause analysis,
// fix planning, patch generation) in order against one error trace, with
// shared memory reads and writes and event logging around every stage.
package pipeline

import (
	"context"

	"github.com/martinemde/fixflow/errortrace"
	"github.com/martinemde/fixflow/memory"
	"github.com/martinemde/fixflow/sandbox"
)

// Stage is a pipeline state. The run moves init -> rca -> fix_plan ->
// patch -> done, or to failed from any stage.
type Stage string

const (
	StageInit    Stage = "init"
	StageRCA     Stage = "rca"
	StageFixPlan Stage = "fix_plan"
	StagePatch   Stage = "patch"
	StageDone    Stage = "done"
	StageFailed  Stage = "failed"
)

// Stages lists the executor stages in run order.
var Stages = []Stage{StageRCA, StageFixPlan, StagePatch}

// Agent names used in the message log.
const (
	AgentRCA    = "RCA_Agent"
	AgentFix    = "Fix_Agent"
	AgentPatch  = "Patch_Generation_Agent"
	AgentSystem = "system"
)

// Agent returns the log name of the agent that runs stage.
func (s Stage) Agent() string {
	switch s {
	case StageRCA:
		return AgentRCA
	case StageFixPlan:
		return AgentFix
	case StagePatch:
		return AgentPatch
	default:
		return AgentSystem
	}
}

// Section returns the memory section a stage writes.
func (s Stage) Section() memory.Section {
	switch s {
	case StageRCA:
		return memory.SectionRCA
	case StageFixPlan:
		return memory.SectionFixPlan
	case StagePatch:
		return memory.SectionPatchMetadata
	}
	return ""
}

// Prerequisites returns the sections that must be present before s runs.
func (s Stage) Prerequisites() []memory.Section {
	switch s {
	case StageFixPlan:
		return []memory.Section{memory.SectionRCA}
	case StagePatch:
		return []memory.Section{memory.SectionRCA, memory.SectionFixPlan}
	}
	return nil
}

// Tools returns the sandbox tools granted to s.
func (s Stage) Tools() []string {
	switch s {
	case StageRCA:
		return []string{sandbox.ToolParseErrorTrace, sandbox.ToolReadFile, sandbox.ToolListDirectory}
	case StagePatch:
		return []string{sandbox.ToolReadFile, sandbox.ToolWriteFile}
	}
	return nil
}

// ParseStage accepts a stage name, as used by resume.
func ParseStage(name string) (Stage, bool) {
	for _, s := range Stages {
		if string(s) == name {
			return s, true
		}
	}
	return "", false
}

// Task is the context handed to an Executor for one stage.
type Task struct {
	Stage Stage  `json:"stage"`
	Agent string `json:"agent"`

	TracePath    string            `json:"trace_path"`
	Trace        *errortrace.Trace `json:"trace,omitempty"`
	CodebaseRoot string            `json:"codebase_root"`
	OutputDir    string            `json:"output_dir"`

	RCA     *memory.RCAResult `json:"rca,omitempty"`
	FixPlan *memory.FixPlan   `json:"fix_plan,omitempty"`

	// PatchedFileHint is the suggested output name for the patch stage.
	PatchedFileHint string   `json:"patched_file_hint,omitempty"`
	Tools           []string `json:"tools"`
}

// Executor turns a task into a structured record, possibly by calling the
// granted tools. The returned map is validated against the stage's record
// schema before it reaches shared memory.
type Executor interface {
	Run(ctx context.Context, task Task, tools *sandbox.Toolset) (map[string]any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task Task, tools *sandbox.Toolset) (map[string]any, error)

func (f ExecutorFunc) Run(ctx context.Context, task Task, tools *sandbox.Toolset) (map[string]any, error) {
	return f(ctx, task, tools)
}
