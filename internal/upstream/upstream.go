package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/logrelay-dev/logrelay/internal/record"
)

// LogStream is one open upstream call producing ordered log records.
// Recv blocks until the next record arrives; it returns io.EOF when the
// upstream ends the stream cleanly.
type LogStream interface {
	Recv() (record.LogRecord, error)
	Close() error
}

// ProgressStream is one open upstream call producing ordered stage-progress
// records for a pipeline.
type ProgressStream interface {
	Recv() (record.ProgressRecord, error)
	Close() error
}

// Source opens streams against the worker-orchestration process. The
// multiplexer treats this as an opaque factory; implementations include the
// SSE client (production) and the file tailer (dev mode).
type Source interface {
	OpenLogStream(ctx context.Context, jobID string) (LogStream, error)
	OpenProgressStream(ctx context.Context, pipelineID string) (ProgressStream, error)
}

// TerminalError marks an upstream failure that must not be retried:
// unknown job, permission denied, already-completed pipeline. Anything that
// is not terminal is treated as transient and retried within the policy.
type TerminalError struct {
	Reason string
	Err    error
}

func (e *TerminalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream: %s: %v", e.Reason, e.Err)
	}
	return "upstream: " + e.Reason
}

func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err as a non-retryable failure.
func Terminal(reason string, err error) error {
	return &TerminalError{Reason: reason, Err: err}
}

// IsTerminal reports whether err (or anything it wraps) is a TerminalError.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// RetryPolicy bounds re-opening of a failed upstream call. Backoff is
// linear: Delay after the first failure, 2*Delay after the second, and
// so on.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

func (p RetryPolicy) backoff(failures int) time.Duration {
	return p.Delay * time.Duration(failures)
}

// Default policies: log streams get one more attempt than progress streams
// since a job's logs are the primary product.
var (
	DefaultLogRetry      = RetryPolicy{MaxAttempts: 3, Delay: 500 * time.Millisecond}
	DefaultProgressRetry = RetryPolicy{MaxAttempts: 2, Delay: 500 * time.Millisecond}
)
