package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/logrelay-dev/logrelay/internal/record"
)

// LogHandlers receive the output of one adapter. OnRecord is called for
// every record in upstream order. Exactly one of OnError (terminal failure
// or exhausted retries) or OnClose (clean upstream end) is called, unless
// the adapter is cancelled first, in which case neither is.
type LogHandlers struct {
	OnRecord func(record.LogRecord)
	OnError  func(error)
	OnClose  func()
}

// ProgressHandlers is the progress-stream counterpart of LogHandlers.
type ProgressHandlers struct {
	OnRecord func(record.ProgressRecord)
	OnError  func(error)
	OnClose  func()
}

// Adapter owns exactly one logical upstream call (re-opened transparently
// on transient failures, within the retry policy) for one job or pipeline.
// The multiplexer creates at most one per key.
type Adapter struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel releases the upstream connection. Idempotent; a no-op after the
// stream has already ended.
func (a *Adapter) Cancel() {
	a.cancel()
}

// Done is closed when the adapter's receive loop has fully exited.
func (a *Adapter) Done() <-chan struct{} { return a.done }

// OpenLogs starts an adapter for jobID's log stream.
func OpenLogs(src Source, jobID string, policy RetryPolicy, h LogHandlers) *Adapter {
	open := func(ctx context.Context) (func(context.Context) error, func() error, error) {
		s, err := src.OpenLogStream(ctx, jobID)
		if err != nil {
			return nil, nil, err
		}
		pump := func(ctx context.Context) error {
			for {
				rec, err := s.Recv()
				if err != nil {
					return err
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				h.OnRecord(rec)
			}
		}
		return pump, s.Close, nil
	}
	return start("logs", jobID, policy, open, h.OnError, h.OnClose)
}

// OpenProgress starts an adapter for pipelineID's progress stream.
func OpenProgress(src Source, pipelineID string, policy RetryPolicy, h ProgressHandlers) *Adapter {
	open := func(ctx context.Context) (func(context.Context) error, func() error, error) {
		s, err := src.OpenProgressStream(ctx, pipelineID)
		if err != nil {
			return nil, nil, err
		}
		pump := func(ctx context.Context) error {
			for {
				rec, err := s.Recv()
				if err != nil {
					return err
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				h.OnRecord(rec)
			}
		}
		return pump, s.Close, nil
	}
	return start("progress", pipelineID, policy, open, h.OnError, h.OnClose)
}

func start(kind, key string, policy RetryPolicy,
	open func(context.Context) (func(context.Context) error, func() error, error),
	onError func(error), onClose func()) *Adapter {

	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{cancel: cancel, done: make(chan struct{})}
	go a.run(ctx, kind, key, policy, open, onError, onClose)
	return a
}

func (a *Adapter) run(ctx context.Context, kind, key string, policy RetryPolicy,
	open func(context.Context) (func(context.Context) error, func() error, error),
	onError func(error), onClose func()) {

	defer close(a.done)

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(policy.backoff(attempt - 1)):
			case <-ctx.Done():
				return
			}
		}

		pump, closeStream, err := open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if IsTerminal(err) {
				onError(err)
				return
			}
			lastErr = err
			log.Printf("upstream: open %s %s (attempt %d/%d): %v", kind, key, attempt, policy.MaxAttempts, err)
			continue
		}

		err = pump(ctx)
		closeStream()

		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, io.EOF) {
			onClose()
			return
		}
		if IsTerminal(err) {
			onError(err)
			return
		}
		lastErr = err
		log.Printf("upstream: %s %s dropped (attempt %d/%d): %v", kind, key, attempt, policy.MaxAttempts, err)
	}

	onError(fmt.Errorf("upstream: %s %s: retries exhausted: %w", kind, key, lastErr))
}
