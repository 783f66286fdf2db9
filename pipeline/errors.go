package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/martinemde/fixflow/memory"
)

// ErrInvalidOutput marks executor output that failed record validation.
var ErrInvalidOutput = errors.New("invalid executor output")

// ErrPatchOutsideOutput marks a patched_file that does not resolve inside
// the output directory.
var ErrPatchOutsideOutput = errors.New("patched file outside output directory")

// MissingPrerequisiteError is returned when a stage starts without the
// sections it reads.
type MissingPrerequisiteError struct {
	Stage   Stage
	Section memory.Section
}

func (e *MissingPrerequisiteError) Error() string {
	return fmt.Sprintf("stage %s: missing prerequisite section %q", e.Stage, e.Section)
}

// AgentExecutionError wraps an executor failure or rejected output.
type AgentExecutionError struct {
	Stage Stage
	Err   error
}

func (e *AgentExecutionError) Error() string {
	return fmt.Sprintf("stage %s: agent execution failed: %v", e.Stage, e.Err)
}

func (e *AgentExecutionError) Unwrap() error { return e.Err }

// TimeoutError is returned when a stage exceeds its deadline.
type TimeoutError struct {
	Stage Stage
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("stage %s: timed out after %s", e.Stage, e.After)
}

// Kind names an error for the message log.
func Kind(err error) string {
	var (
		missing *MissingPrerequisiteError
		timeout *TimeoutError
		agent   *AgentExecutionError
		dup     *memory.SectionAlreadySetError
	)
	switch {
	case errors.As(err, &missing):
		return "MissingPrerequisiteError"
	case errors.As(err, &timeout):
		return "TimeoutError"
	case errors.As(err, &agent):
		return "AgentExecutionError"
	case errors.As(err, &dup):
		return "SectionAlreadySetError"
	default:
		return "InternalError"
	}
}
