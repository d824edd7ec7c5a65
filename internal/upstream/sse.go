package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/logrelay-dev/logrelay/internal/record"
)

// SSESource opens text/event-stream calls against the orchestrator's
// streaming API:
//
//	GET {endpoint}/jobs/{job_id}/logs
//	GET {endpoint}/pipelines/{pipeline_id}/progress
//
// Events named "log" and "progress" carry JSON record payloads; "complete"
// ends the stream cleanly. 401/403/404/410 responses are terminal, anything
// else is treated as transient.
type SSESource struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewSSESource(endpoint, token string) *SSESource {
	return &SSESource{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		// No client timeout — streams are long-lived; cancellation comes
		// from the request context.
		client: &http.Client{},
	}
}

func (s *SSESource) OpenLogStream(ctx context.Context, jobID string) (LogStream, error) {
	r, err := s.open(ctx, s.endpoint+"/jobs/"+url.PathEscape(jobID)+"/logs")
	if err != nil {
		return nil, err
	}
	return &sseLogStream{r: r}, nil
}

func (s *SSESource) OpenProgressStream(ctx context.Context, pipelineID string) (ProgressStream, error) {
	r, err := s.open(ctx, s.endpoint+"/pipelines/"+url.PathEscape(pipelineID)+"/progress")
	if err != nil {
		return nil, err
	}
	return &sseProgressStream{r: r}, nil
}

func (s *SSESource) open(ctx context.Context, streamURL string) (*eventReader, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: connect %s: %w", streamURL, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		resp.Body.Close()
		return nil, Terminal("not authorized for "+streamURL, nil)
	case http.StatusNotFound, http.StatusGone:
		resp.Body.Close()
		return nil, Terminal("stream not available: "+streamURL, nil)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("upstream: %s returned %d", streamURL, resp.StatusCode)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &eventReader{body: resp.Body, sc: sc}, nil
}

// eventReader parses one SSE event block at a time ("event:" + "data:"
// lines terminated by a blank line). Comments, ids and retry hints are
// skipped.
type eventReader struct {
	body io.ReadCloser
	sc   *bufio.Scanner
}

func (r *eventReader) next() (string, []byte, error) {
	var name string
	var data []byte
	for r.sc.Scan() {
		line := r.sc.Text()
		if line == "" {
			if name != "" || len(data) > 0 {
				return name, data, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if v, ok := strings.CutPrefix(line, "event:"); ok {
			name = strings.TrimSpace(v)
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(v, " ")...)
			continue
		}
	}
	if err := r.sc.Err(); err != nil {
		return "", nil, err
	}
	// Connection dropped without a "complete" event — transient.
	return "", nil, io.ErrUnexpectedEOF
}

func (r *eventReader) Close() error { return r.body.Close() }

type sseLogStream struct{ r *eventReader }

func (s *sseLogStream) Recv() (record.LogRecord, error) {
	for {
		name, data, err := s.r.next()
		if err != nil {
			return record.LogRecord{}, err
		}
		switch name {
		case "log":
			var rec record.LogRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				log.Printf("upstream: skip malformed log event: %v", err)
				continue
			}
			return rec, nil
		case "complete":
			return record.LogRecord{}, io.EOF
		default:
			// heartbeat and unknown events are ignored
		}
	}
}

func (s *sseLogStream) Close() error { return s.r.Close() }

type sseProgressStream struct{ r *eventReader }

func (s *sseProgressStream) Recv() (record.ProgressRecord, error) {
	for {
		name, data, err := s.r.next()
		if err != nil {
			return record.ProgressRecord{}, err
		}
		switch name {
		case "progress":
			var rec record.ProgressRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				log.Printf("upstream: skip malformed progress event: %v", err)
				continue
			}
			return rec, nil
		case "complete":
			return record.ProgressRecord{}, io.EOF
		default:
		}
	}
}

func (s *sseProgressStream) Close() error { return s.r.Close() }
