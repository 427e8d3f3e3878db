package sandbox

import (
	"fmt"
	"time"
)

// Halt reasons recorded on a transcript. Stable strings: transcripts
// are audit records and downstream tooling matches on them.
const (
	HaltTimeout          = "timeout"
	HaltCancelled        = "cancelled"
	HaltResourceExceeded = "resource exceeded"
	HaltDangerousOutput  = "dangerous output"
	HaltLaunchFailure    = "sandbox launch failure"
)

// Transcript is the immutable audit record of one sandboxed execution.
// Once written it is never mutated; corrections are new records
// referencing the original by SupersedesID.
type Transcript struct {
	ExecutionID             string        `json:"execution_id"`
	Timestamp               time.Time     `json:"timestamp"`
	Command                 string        `json:"command"`
	WorkingDir              string        `json:"working_dir"`
	QuotasApplied           Specification `json:"quotas_applied"`
	ExitCode                int           `json:"exit_code"`
	Stdout                  string        `json:"stdout"`
	Stderr                  string        `json:"stderr"`
	WallTimeSeconds         float64       `json:"wall_time_seconds"`
	CPUTimeSeconds          float64       `json:"cpu_time_seconds"`
	MemoryPeakMB            int64         `json:"memory_peak_mb"`
	DangerousOutputDetected bool          `json:"dangerous_output_detected"`
	HaltReason              string        `json:"halt_reason,omitempty"`
	SupersedesID            string        `json:"supersedes_id,omitempty"`
}

// Error codes for sandbox failures, deterministic and typed.
const (
	ErrCodeLaunchFailure    = "ERR_SANDBOX_LAUNCH_FAILURE"
	ErrCodeTimeout          = "ERR_EXECUTION_TIMEOUT"
	ErrCodeSlotTimeout      = "ERR_EXECUTION_SLOT_TIMEOUT"
	ErrCodeInvalidSpec      = "ERR_INVALID_SPECIFICATION"
	ErrCodeResourceExceeded = "ERR_RESOURCE_EXCEEDED"
)

// Error is a typed sandbox error with a stable code.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
