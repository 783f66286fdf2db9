package pipeline

import "time"

// StageStatus is the outcome of one stage in a run.
type StageStatus string

const (
	StatusCompleted StageStatus = "completed"
	StatusFailed    StageStatus = "failed"
	StatusSkipped   StageStatus = "skipped"
)

// StageReport records one stage of a run.
type StageReport struct {
	Stage     Stage         `json:"stage"`
	Agent     string        `json:"agent"`
	Status    StageStatus   `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Summary is the result of a run.
type Summary struct {
	SessionID        string        `json:"session_id"`
	State            Stage         `json:"state"`
	FailedStage      Stage         `json:"failed_stage,omitempty"`
	Error            string        `json:"error,omitempty"`
	Stages           []StageReport `json:"stages"`
	SharedMemoryPath string        `json:"shared_memory_path"`
	MessageLogPath   string        `json:"message_log_path"`
	PatchedFile      string        `json:"patched_file,omitempty"`
}

// ExitCode maps the terminal state to a process exit code.
func (s *Summary) ExitCode() int {
	if s != nil && s.State == StageDone {
		return 0
	}
	return 1
}
