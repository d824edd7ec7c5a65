package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/logrelay-dev/logrelay/internal/record"
)

// FileSource is the dev-mode upstream: it tails JSONL files written by a
// local runner instead of connecting to the orchestrator. Log records are
// read from {dir}/{job_id}.jsonl and progress records from
// {dir}/{pipeline_id}.progress.jsonl, one JSON object per line. A line
// consisting of the word "complete" ends the stream cleanly, mirroring the
// SSE complete event.
type FileSource struct {
	dir      string
	interval time.Duration
}

func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir, interval: 500 * time.Millisecond}
}

func (f *FileSource) OpenLogStream(ctx context.Context, jobID string) (LogStream, error) {
	path := filepath.Join(f.dir, jobID+".jsonl")
	t := newFileTail(path, f.interval)
	s := &fileLogStream{tail: t, jobID: jobID, ch: make(chan record.LogRecord, 64)}
	go t.run(s.decode)
	return s, nil
}

func (f *FileSource) OpenProgressStream(ctx context.Context, pipelineID string) (ProgressStream, error) {
	path := filepath.Join(f.dir, pipelineID+".progress.jsonl")
	t := newFileTail(path, f.interval)
	s := &fileProgressStream{tail: t, pipelineID: pipelineID, ch: make(chan record.ProgressRecord, 64)}
	go t.run(s.decode)
	return s, nil
}

type fileLogStream struct {
	tail  *fileTail
	jobID string
	ch    chan record.LogRecord
}

func (s *fileLogStream) decode(line string) {
	var rec record.LogRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		log.Printf("upstream: file %s: skip malformed line: %v", s.tail.path, err)
		return
	}
	if rec.JobID == "" {
		rec.JobID = s.jobID
	}
	select {
	case s.ch <- rec:
	case <-s.tail.ctx.Done():
	}
}

func (s *fileLogStream) Recv() (record.LogRecord, error) {
	select {
	case rec := <-s.ch:
		return rec, nil
	case <-s.tail.done:
		// Drain anything buffered before reporting end-of-stream.
		select {
		case rec := <-s.ch:
			return rec, nil
		default:
		}
		return record.LogRecord{}, io.EOF
	case <-s.tail.ctx.Done():
		return record.LogRecord{}, s.tail.ctx.Err()
	}
}

func (s *fileLogStream) Close() error {
	s.tail.cancel()
	return nil
}

type fileProgressStream struct {
	tail       *fileTail
	pipelineID string
	ch         chan record.ProgressRecord
}

func (s *fileProgressStream) decode(line string) {
	var rec record.ProgressRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		log.Printf("upstream: file %s: skip malformed line: %v", s.tail.path, err)
		return
	}
	if rec.PipelineID == "" {
		rec.PipelineID = s.pipelineID
	}
	select {
	case s.ch <- rec:
	case <-s.tail.ctx.Done():
	}
}

func (s *fileProgressStream) Recv() (record.ProgressRecord, error) {
	select {
	case rec := <-s.ch:
		return rec, nil
	case <-s.tail.done:
		select {
		case rec := <-s.ch:
			return rec, nil
		default:
		}
		return record.ProgressRecord{}, io.EOF
	case <-s.tail.ctx.Done():
		return record.ProgressRecord{}, s.tail.ctx.Err()
	}
}

func (s *fileProgressStream) Close() error {
	s.tail.cancel()
	return nil
}

// fileTail polls a file for new complete lines, waiting for the file to
// appear first. "run" dispatches each line to the decode callback and closes
// done when a "complete" sentinel line is seen.
type fileTail struct {
	path     string
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func newFileTail(path string, interval time.Duration) *fileTail {
	ctx, cancel := context.WithCancel(context.Background())
	return &fileTail{
		path:     path,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (t *fileTail) run(decode func(string)) {
	// Wait for the file to exist (the runner may not have created it yet)
	for {
		if _, err := os.Stat(t.path); err == nil {
			break
		}
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(t.interval):
		}
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	var offset int64
	for {
		done, next := t.readFrom(offset, decode)
		offset = next
		if done {
			close(t.done)
			return
		}
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// readFrom reads complete lines starting at offset. Returns true when the
// "complete" sentinel was reached, plus the new offset.
func (t *fileTail) readFrom(offset int64, decode func(string)) (bool, int64) {
	f, err := os.Open(t.path)
	if err != nil {
		return false, offset
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, offset
	}
	if info.Size() < offset {
		// File was truncated — reset
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return false, offset
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if t.ctx.Err() != nil {
			return false, offset
		}
		line := sc.Text()
		if line == "" {
			continue
		}
		if line == "complete" {
			return true, offset
		}
		decode(line)
	}

	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return false, offset
	}
	return false, pos
}
