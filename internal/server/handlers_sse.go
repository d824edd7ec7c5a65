package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/logrelay-dev/logrelay/internal/mux"
)

func (s *Server) handleJobStreamSSE(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	s.streamSSE(w, r,
		func(sid string) (*mux.Subscription, error) { return s.registry.WatchJob(sid, jobID) },
		func(sid string) { s.registry.UnwatchJob(sid, jobID) },
	)
}

func (s *Server) handlePipelineStreamSSE(w http.ResponseWriter, r *http.Request) {
	pipelineID := r.PathValue("pipeline_id")
	s.streamSSE(w, r,
		func(sid string) (*mux.Subscription, error) { return s.registry.WatchPipeline(sid, pipelineID) },
		func(sid string) { s.registry.UnwatchPipeline(sid, pipelineID) },
	)
}

func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request,
	watch func(string) (*mux.Subscription, error), unwatch func(string)) {

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sid, cleanup, status, err := s.acquireSession(r)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	defer cleanup()

	sub, err := watch(sid)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	defer unwatch(sid)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeSSEEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev mux.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("sse: marshal event: %v", err)
		return nil
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
