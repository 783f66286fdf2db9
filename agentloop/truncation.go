package agentloop

import (
	"fmt"
	"strings"

	"github.com/martinemde/fixflow/internal/textutil"
)

// TruncationMode chooses which part of an oversized output is kept.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// Character limits on tool output sent back to the model. The message log
// keeps its own, shorter, excerpt.
var DefaultToolCharLimits = map[string]int{
	"read_file":         40000,
	"list_directory":    10000,
	"parse_error_trace": 16000,
	"write_file":        1000,
}

var DefaultTruncationModes = map[string]TruncationMode{
	"read_file":         TruncateHeadTail,
	"list_directory":    TruncateTail,
	"parse_error_trace": TruncateHeadTail,
	"write_file":        TruncateTail,
}

var DefaultToolLineLimits = map[string]int{
	"list_directory": 400,
}

const fallbackCharLimit = 20000

// TruncateOutput cuts output to maxChars, leaving a marker that says how
// much was dropped.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars
	if mode == TruncateTail {
		return fmt.Sprintf("[output truncated: first %d characters removed]\n\n", removed) +
			textutil.Tail(output, maxChars)
	}
	half := maxChars / 2
	return textutil.Head(output, half) +
		fmt.Sprintf("\n\n[output truncated: %d characters removed from the middle; request a narrower line range to see them]\n\n", removed) +
		textutil.Tail(output, half)
}

// TruncateLines keeps the first and last lines of an output with more than
// maxLines lines.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return output
	}
	head := maxLines / 2
	tail := maxLines - head
	omitted := len(lines) - head - tail
	return strings.Join(lines[:head], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tail:], "\n")
}

// TruncateToolOutput applies character then line truncation for a tool.
// Entries in charLimits and lineLimits override the defaults.
func TruncateToolOutput(output, toolName string, charLimits, lineLimits map[string]int) string {
	maxChars, ok := charLimits[toolName]
	if !ok {
		maxChars, ok = DefaultToolCharLimits[toolName]
		if !ok {
			maxChars = fallbackCharLimit
		}
	}
	mode, ok := DefaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}
	result := TruncateOutput(output, maxChars, mode)

	maxLines, ok := lineLimits[toolName]
	if !ok {
		maxLines = DefaultToolLineLimits[toolName]
	}
	return TruncateLines(result, maxLines)
}
