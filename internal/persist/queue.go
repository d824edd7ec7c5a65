package persist

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/logrelay-dev/logrelay/internal/record"
)

// Sink accepts finalized log batches. Calls are best-effort and must never
// block the caller; implementations drop on overload.
type Sink interface {
	PersistBatch(jobID string, records []record.LogRecord)
}

// NopSink discards everything. Used when persistence is disabled.
type NopSink struct{}

func (NopSink) PersistBatch(string, []record.LogRecord) {}

// Writer performs the actual durable write of one batch.
type Writer interface {
	WriteBatch(ctx context.Context, jobID string, records []record.LogRecord) error
}

type batch struct {
	jobID   string
	records []record.LogRecord
}

// Queue decouples the streaming path from the storage backend: PersistBatch
// enqueues without blocking and a single worker drains to the Writer. A full
// queue drops the batch and counts it.
type Queue struct {
	ch     chan batch
	writer Writer
	onDrop func()
	wg     sync.WaitGroup
	cancel context.CancelFunc
	closed atomic.Bool
}

func NewQueue(w Writer, bufSize int, onDrop func()) *Queue {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Queue{
		ch:     make(chan batch, bufSize),
		writer: w,
		onDrop: onDrop,
	}
}

func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case b, ok := <-q.ch:
				if !ok {
					return
				}
				if err := q.writer.WriteBatch(ctx, b.jobID, b.records); err != nil {
					log.Printf("persist: batch for %s (%d records) failed: %v", b.jobID, len(b.records), err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// PersistBatch enqueues a batch for the worker. Never blocks; drops when the
// queue is full or already stopped.
func (q *Queue) PersistBatch(jobID string, records []record.LogRecord) {
	if len(records) == 0 || q.closed.Load() {
		return
	}
	select {
	case q.ch <- batch{jobID: jobID, records: records}:
	default:
		if q.onDrop != nil {
			q.onDrop()
		}
		log.Printf("persist: queue full, dropping %d records for %s", len(records), jobID)
	}
}

func (q *Queue) Stop() {
	if q.closed.Swap(true) {
		return
	}
	if q.cancel != nil {
		q.cancel()
	}
	close(q.ch)
	q.wg.Wait()
}
