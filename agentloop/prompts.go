package agentloop

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/martinemde/fixflow/memory"
	"github.com/martinemde/fixflow/pipeline"
)

var rolePrompts = map[pipeline.Stage]string{
	pipeline.StageRCA: `You are a debugger performing root-cause analysis of a production error.

Work from evidence:
- Call parse_error_trace on the trace path to get the error type, message and primary location.
- Call read_file on the implicated file and confirm the defect in the code around the failing line.
- Use list_directory only when you need to locate a related file.

Separate the symptom (the exception) from the cause (the code that is wrong). Every
evidence item must point at a concrete file, line or function.`,

	pipeline.StageFixPlan: `You are a senior engineer planning the smallest safe fix for an analysed defect.

- Address the root cause stated in the analysis; do not refactor unrelated code.
- Give numbered, concrete steps a patch author can follow exactly.
- Call out edge cases, side effects and compatibility concerns.
- You have no tools; work only from the analysis you are given.`,

	pipeline.StagePatch: `You are a patch author producing a corrected copy of one source file.

- Call read_file on the original file before changing anything.
- Apply the fix plan with minimal edits; keep formatting and comments intact.
- Call write_file once with the ENTIRE corrected file content, not a diff, using the suggested file name.
- Writes always land in the output directory; the original file is never modified.`,
}

// BuildSystemPrompt assembles the role prompt, an environment block and the
// output contract for a task.
func BuildSystemPrompt(task pipeline.Task, tools []string, now time.Time) string {
	var sb strings.Builder
	sb.WriteString(rolePrompts[task.Stage])
	sb.WriteString("\n\n")
	sb.WriteString(environmentBlock(task, tools, now))
	sb.WriteString("\n\n# Output\n\n")
	sb.WriteString("When you are done, reply with exactly one JSON object and nothing else, ")
	sb.WriteString("optionally inside a ```json fenced block. It must satisfy this schema:\n\n")
	sb.WriteString(outputSchema(task.Stage.Section()))
	if len(tools) > 0 {
		sb.WriteString("\n\nTo call a tool, use the tool-calling interface, or reply with ")
		sb.WriteString(`{"tool_calls": [{"name": "<tool>", "arguments": {...}}]}`)
		sb.WriteString(" and wait for the results.")
	}
	return sb.String()
}

func environmentBlock(task pipeline.Task, tools []string, now time.Time) string {
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Stage: %s\n", task.Stage)
	fmt.Fprintf(&sb, "Codebase root: %s\n", task.CodebaseRoot)
	fmt.Fprintf(&sb, "Output directory: %s\n", task.OutputDir)
	if len(tools) > 0 {
		fmt.Fprintf(&sb, "Tools: %s\n", strings.Join(tools, ", "))
	} else {
		sb.WriteString("Tools: none\n")
	}
	fmt.Fprintf(&sb, "Today's date: %s\n", now.Format("2006-01-02"))
	sb.WriteString("Paths under /usr/srv/app in traces refer to the codebase root.\n")
	sb.WriteString("</environment>")
	return sb.String()
}

var schemaReflector = &jsonschema.Reflector{
	DoNotReference: true,
	ExpandedStruct: true,
}

// outputSchema renders the JSON Schema of the record a section holds.
func outputSchema(section memory.Section) string {
	rec, err := memory.NewRecord(section)
	if err != nil {
		return "{}"
	}
	schema := schemaReflector.Reflect(rec)
	schema.Version = ""
	b, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

// TaskMessage renders the task as the first user message.
func TaskMessage(task pipeline.Task) (string, error) {
	var sb strings.Builder
	switch task.Stage {
	case pipeline.StageRCA:
		fmt.Fprintf(&sb, "Perform a root-cause analysis of the error trace at %s.\n\n", task.TracePath)
		if task.Trace != nil {
			sb.WriteString("Parsed trace:\n")
			sb.WriteString(task.Trace.Summary())
			sb.WriteString("\n")
		}
	case pipeline.StageFixPlan:
		sb.WriteString("Write a fix plan for the defect described in the root-cause analysis below.\n\n")
	case pipeline.StagePatch:
		fmt.Fprintf(&sb, "Patch %s", task.RCA.AffectedFile)
		if task.RCA.AffectedLine > 0 {
			fmt.Fprintf(&sb, " around line %d", task.RCA.AffectedLine)
		}
		fmt.Fprintf(&sb, " following the fix plan below. Save the corrected file as %s.\n\n", task.PatchedFileHint)
	}

	ctx := struct {
		RCA     *memory.RCAResult `json:"rca,omitempty"`
		FixPlan *memory.FixPlan   `json:"fix_plan,omitempty"`
		Trace   string            `json:"trace_path,omitempty"`
		Hint    string            `json:"patched_file_hint,omitempty"`
	}{task.RCA, task.FixPlan, task.TracePath, task.PatchedFileHint}
	b, err := json.MarshalIndent(ctx, "", "  ")
	if err != nil {
		return "", err
	}
	sb.WriteString("Task context:\n```json\n")
	sb.Write(b)
	sb.WriteString("\n```")
	return sb.String(), nil
}
