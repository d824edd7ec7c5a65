package record

import "time"

// Level is the severity of a log record as reported by the worker.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ValidLevel reports whether l is one of the known severities.
func ValidLevel(l Level) bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

// Source is the stream a log line was captured from.
type Source string

const (
	SourceStdout Source = "stdout"
	SourceStderr Source = "stderr"
	SourceSystem Source = "system"
)

func ValidSource(s Source) bool {
	switch s {
	case SourceStdout, SourceStderr, SourceSystem:
		return true
	}
	return false
}

// StageStatus is the lifecycle state of a pipeline stage. Orchestrators may
// report custom statuses beyond the standard set; those pass through as-is.
type StageStatus string

const (
	StagePending   StageStatus = "PENDING"
	StageRunning   StageStatus = "RUNNING"
	StageCompleted StageStatus = "COMPLETED"
	StageFailed    StageStatus = "FAILED"
	StageCancelled StageStatus = "CANCELLED"
)

// LogRecord is one log line emitted by a worker for a CI job. Records are
// immutable once decoded from the wire; the streaming layer never mutates
// them after fan-out.
type LogRecord struct {
	JobID     string            `json:"job_id"`
	WorkerID  string            `json:"worker_id"`
	Level     Level             `json:"level"`
	Source    Source            `json:"source"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ProgressRecord is one stage-progress update for a pipeline.
type ProgressRecord struct {
	PipelineID   string      `json:"pipeline_id"`
	StageID      string      `json:"stage_id"`
	Status       StageStatus `json:"status"`
	Percentage   int         `json:"percentage"`
	Message      string      `json:"message,omitempty"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}
