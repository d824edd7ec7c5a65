package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/logrelay-dev/logrelay/internal/mux"
	"github.com/logrelay-dev/logrelay/internal/session"
)

// keepaliveInterval is how often an otherwise-idle streaming connection gets
// a heartbeat event so intermediaries don't reap it.
const keepaliveInterval = 30 * time.Second

// acquireSession resolves the session a streaming request runs under. With
// ?session_id= the request joins an existing session (and counts as
// activity); otherwise an ephemeral session is created from the query filter
// and closed when the connection ends.
func (s *Server) acquireSession(r *http.Request) (string, func(), int, error) {
	if id := r.URL.Query().Get("session_id"); id != "" {
		// Touch both verifies the session still exists and marks the
		// activity in one registry pass.
		if err := s.registry.Touch(id); err != nil {
			return "", nil, http.StatusNotFound, err
		}
		return id, func() {}, 0, nil
	}

	f, err := s.queryFilter(r)
	if err != nil {
		return "", nil, http.StatusBadRequest, err
	}
	info, err := s.registry.Create(f)
	if err != nil {
		if errors.Is(err, session.ErrCapacity) {
			return "", nil, http.StatusTooManyRequests, err
		}
		return "", nil, http.StatusBadRequest, err
	}
	return info.ID, func() { s.registry.Close(info.ID) }, 0, nil
}

func (s *Server) handleJobStreamWS(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	s.streamWS(w, r,
		func(sid string) (*mux.Subscription, error) { return s.registry.WatchJob(sid, jobID) },
		func(sid string) { s.registry.UnwatchJob(sid, jobID) },
	)
}

func (s *Server) handlePipelineStreamWS(w http.ResponseWriter, r *http.Request) {
	pipelineID := r.PathValue("pipeline_id")
	s.streamWS(w, r,
		func(sid string) (*mux.Subscription, error) { return s.registry.WatchPipeline(sid, pipelineID) },
		func(sid string) { s.registry.UnwatchPipeline(sid, pipelineID) },
	)
}

func (s *Server) streamWS(w http.ResponseWriter, r *http.Request,
	watch func(string) (*mux.Subscription, error), unwatch func(string)) {

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

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // allow any origin (token auth is sufficient)
	})
	if err != nil {
		log.Printf("ws: accept failed: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if err := writeWSEvent(ctx, conn, mux.Event{Type: mux.EventHeartbeat}); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				// Final error/complete event was already delivered.
				conn.Close(websocket.StatusNormalClosure, "stream complete")
				return
			}
			if err := writeWSEvent(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func writeWSEvent(ctx context.Context, conn *websocket.Conn, ev mux.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("ws: marshal event: %v", err)
		return nil
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
