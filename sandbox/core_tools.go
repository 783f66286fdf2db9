package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// Tool names.
const (
	ToolReadFile        = "read_file"
	ToolWriteFile       = "write_file"
	ToolListDirectory   = "list_directory"
	ToolParseErrorTrace = "parse_error_trace"
)

// MaxReadLines caps how many lines read_file returns without an explicit
// range.
const MaxReadLines = 800

// RegisterCoreTools registers the four sandbox tools.
func RegisterCoreTools(reg *ToolRegistry) {
	registerReadFile(reg)
	registerWriteFile(reg)
	registerListDirectory(reg)
	registerParseErrorTrace(reg)
}

type readFileArgs struct {
	Path      string `json:"path" validate:"required" jsonschema:"description=File path relative to the codebase root or an absolute path as reported in a stack trace"`
	StartLine int    `json:"start_line,omitempty" validate:"gte=0" jsonschema:"description=First line to return (1-based)"`
	EndLine   int    `json:"end_line,omitempty" validate:"gte=0" jsonschema:"description=Last line to return (inclusive)"`
}

func registerReadFile(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolReadFile,
			Description: "Read a source file from the codebase. Returns line-numbered content and the encoding used.",
			Parameters:  schemaFor(&readFileArgs{}),
		},
		Executor: func(_ context.Context, arguments json.RawMessage, env *Environment) (string, error) {
			args, err := decodeArgs[readFileArgs](arguments)
			if err != nil {
				return "", err
			}
			fc, err := env.ReadFile(args.Path, args.StartLine, args.EndLine)
			if err != nil {
				return "", err
			}
			return formatFileContent(env, fc, args.StartLine == 0 && args.EndLine == 0), nil
		},
	})
}

func formatFileContent(env *Environment, fc *FileContent, wholeFile bool) string {
	lines := splitLines(fc.Content)
	capped := false
	if wholeFile && len(lines) > MaxReadLines {
		lines = lines[:MaxReadLines]
		capped = true
	}

	var sb strings.Builder
	last := fc.StartLine + len(lines) - 1
	fmt.Fprintf(&sb, "File: %s (encoding: %s, %d bytes, lines %d-%d of %d)\n",
		env.Resolver().Rel(fc.Path), fc.Encoding, fc.Size, fc.StartLine, last, fc.TotalLines)
	for i, line := range lines {
		fmt.Fprintf(&sb, "%4d | %s\n", fc.StartLine+i, line)
	}
	if capped {
		fmt.Fprintf(&sb, "[showing lines 1-%d of %d; pass start_line and end_line to read further]\n", MaxReadLines, fc.TotalLines)
	}
	return sb.String()
}

type writeFileArgs struct {
	Path    string `json:"path" validate:"required" jsonschema:"description=Target file name. Only the base name is kept and the file is written to the output directory"`
	Content string `json:"content" validate:"required" jsonschema:"description=Full file content to write"`
}

func registerWriteFile(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolWriteFile,
			Description: "Write a file to the output directory. Directory components of the path are discarded. An existing file of the same name is kept as <name>.backup_<unix-time>.",
			Parameters:  schemaFor(&writeFileArgs{}),
		},
		Executor: func(ctx context.Context, arguments json.RawMessage, env *Environment) (string, error) {
			args, err := decodeArgs[writeFileArgs](arguments)
			if err != nil {
				return "", err
			}
			res, err := env.WriteFile(ctx, args.Path, args.Content)
			if err != nil {
				return "", err
			}
			msg := fmt.Sprintf("Wrote %d bytes (%d lines) to %s", res.Bytes, res.Lines, res.Path)
			if res.Backup != "" {
				msg += fmt.Sprintf("\nPrevious file kept as %s", res.Backup)
			}
			return msg, nil
		},
	})
}

type listDirectoryArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory relative to the codebase root. Defaults to the root"`
}

func registerListDirectory(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolListDirectory,
			Description: "List the immediate entries of a codebase directory with their kind and file size.",
			Parameters:  schemaFor(&listDirectoryArgs{}),
		},
		Executor: func(_ context.Context, arguments json.RawMessage, env *Environment) (string, error) {
			args, err := decodeArgs[listDirectoryArgs](arguments)
			if err != nil {
				return "", err
			}
			entries, err := env.ListDirectory(args.Path)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "(empty directory)", nil
			}
			var sb strings.Builder
			for _, e := range entries {
				if e.Kind == KindDirectory {
					fmt.Fprintf(&sb, "[dir]  %s%c\n", e.Name, filepath.Separator)
					continue
				}
				fmt.Fprintf(&sb, "[file] %s (%d bytes)\n", e.Name, e.Size)
			}
			return sb.String(), nil
		},
	})
}

type parseErrorTraceArgs struct {
	Trace string `json:"trace" validate:"required" jsonschema:"description=Path to a JSON error trace file or the trace JSON itself"`
}

func registerParseErrorTrace(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolParseErrorTrace,
			Description: "Parse an APM error trace into error type, message and stack frames. Internal frames are application code.",
			Parameters:  schemaFor(&parseErrorTraceArgs{}),
		},
		Executor: func(_ context.Context, arguments json.RawMessage, env *Environment) (string, error) {
			args, err := decodeArgs[parseErrorTraceArgs](arguments)
			if err != nil {
				return "", err
			}
			tr, err := env.ParseErrorTrace(args.Trace)
			if err != nil {
				return "", err
			}
			b, err := json.MarshalIndent(tr, "", "  ")
			if err != nil {
				return "", err
			}
			return tr.Summary() + "\n" + string(b), nil
		},
	})
}
