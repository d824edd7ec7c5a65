// Mock orchestrator for local development. Serves canned build logs and
// pipeline progress over SSE on the endpoints logrelay's sse upstream
// expects. Run it, then point logrelay at it:
//
//	go run ./scripts/mock-upstream
//	go run ./cmd/logrelay -dev -token dev  # with upstream.mode = "sse"
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"
)

type logEntry struct {
	JobID     string `json:"job_id"`
	WorkerID  string `json:"worker_id"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type progressEntry struct {
	PipelineID string  `json:"pipeline_id"`
	StageID    string  `json:"stage_id"`
	Status     string  `json:"status"`
	Percentage float64 `json:"percentage"`
	Message    string  `json:"message"`
}

var mockLogs = []logEntry{
	{WorkerID: "worker-1", Level: "INFO", Message: "=== build started ==="},
	{WorkerID: "worker-1", Level: "INFO", Message: "installing project dependencies..."},
	{WorkerID: "worker-1", Level: "DEBUG", Message: "package download: axios@5.2.2"},
	{WorkerID: "worker-2", Level: "INFO", Message: "compiling 125 files"},
	{WorkerID: "worker-3", Level: "WARN", Message: "deprecated package detected"},
	{WorkerID: "worker-2", Level: "INFO", Message: "running test suite..."},
	{WorkerID: "worker-2", Level: "INFO", Message: "tests passed: 84/84"},
	{WorkerID: "worker-1", Level: "INFO", Message: "=== deploy started ==="},
	{WorkerID: "worker-3", Level: "ERROR", Message: "retrying docker push after timeout"},
	{WorkerID: "worker-3", Level: "INFO", Message: "deploy complete"},
}

var mockStages = []progressEntry{
	{StageID: "checkout", Status: "COMPLETED", Percentage: 100, Message: "source checked out"},
	{StageID: "build", Status: "RUNNING", Percentage: 40, Message: "compiling"},
	{StageID: "build", Status: "COMPLETED", Percentage: 100, Message: "build finished"},
	{StageID: "test", Status: "RUNNING", Percentage: 50, Message: "running suite"},
	{StageID: "test", Status: "COMPLETED", Percentage: 100, Message: "all green"},
	{StageID: "deploy", Status: "COMPLETED", Percentage: 100, Message: "released"},
}

func main() {
	listen := flag.String("listen", "localhost:9000", "listen address")
	interval := flag.Duration("interval", time.Second, "delay between events")
	flag.Parse()

	mux := http.NewServeMux()

	mux.HandleFunc("GET /jobs/{job_id}/logs", func(w http.ResponseWriter, r *http.Request) {
		jobID := r.PathValue("job_id")
		count := len(mockLogs)
		if n, err := strconv.Atoi(r.URL.Query().Get("count")); err == nil && n < count {
			count = n
		}

		fl, ok := sseHeaders(w)
		if !ok {
			return
		}

		for i, entry := range mockLogs[:count] {
			entry.JobID = jobID
			entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
			if !writeEvent(w, fl, "log", entry) {
				log.Printf("[logs] %s: client disconnected", jobID)
				return
			}
			if i < count-1 {
				select {
				case <-time.After(*interval):
				case <-r.Context().Done():
					return
				}
			}
		}

		writeEvent(w, fl, "complete", map[string]any{"total_logs": count})
		log.Printf("[logs] %s: stream complete (%d records)", jobID, count)
	})

	mux.HandleFunc("GET /pipelines/{pipeline_id}/progress", func(w http.ResponseWriter, r *http.Request) {
		pipelineID := r.PathValue("pipeline_id")

		fl, ok := sseHeaders(w)
		if !ok {
			return
		}

		for _, entry := range mockStages {
			entry.PipelineID = pipelineID
			if !writeEvent(w, fl, "progress", entry) {
				log.Printf("[progress] %s: client disconnected", pipelineID)
				return
			}
			select {
			case <-time.After(*interval):
			case <-r.Context().Done():
				return
			}
		}

		writeEvent(w, fl, "complete", map[string]any{"total_stages": len(mockStages)})
		log.Printf("[progress] %s: stream complete", pipelineID)
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	log.Printf("mock upstream listening on %s", *listen)
	log.Fatal(http.ListenAndServe(*listen, mux))
}

func sseHeaders(w http.ResponseWriter) (http.Flusher, bool) {
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	fl.Flush()
	return fl, true
}

func writeEvent(w http.ResponseWriter, fl http.Flusher, event string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return false
	}
	fl.Flush()
	return true
}
