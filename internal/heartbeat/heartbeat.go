// Package heartbeat reports relay liveness and stream metrics to the
// platform API so the orchestrator can route viewers to healthy relays.
package heartbeat

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/logrelay-dev/logrelay/internal/config"
	"github.com/logrelay-dev/logrelay/internal/metrics"
	"github.com/logrelay-dev/logrelay/internal/version"
)

type Heartbeat struct {
	cfg          *config.Config
	collector    *metrics.Collector
	client       *http.Client
	start        time.Time
	stop         chan struct{}
	registered   bool
	registeredMu sync.Mutex
}

func New(cfg *config.Config, collector *metrics.Collector) *Heartbeat {
	return &Heartbeat{
		cfg:       cfg,
		collector: collector,
		client:    &http.Client{Timeout: 10 * time.Second},
		start:     time.Now(),
		stop:      make(chan struct{}),
	}
}

type Payload struct {
	RelayID        string  `json:"relay_id"`
	StreamToken    string  `json:"stream_token,omitempty"`
	Version        string  `json:"version"`
	Uptime         int64   `json:"uptime"`
	Sessions       int64   `json:"sessions"`
	ActiveStreams  int64   `json:"active_streams"`
	MessagesPerSec float64 `json:"messages_per_second"`
	MemoryMB       int     `json:"memory_mb"`
	OS             string  `json:"os"`
	Arch           string  `json:"arch"`
}

type RegisterPayload struct {
	RelayID     string `json:"relay_id"`
	StreamToken string `json:"stream_token,omitempty"`
	Version     string `json:"version"`
	OS          string `json:"os"`
	Arch        string `json:"arch"`
}

func (h *Heartbeat) Start(interval time.Duration) {
	go func() {
		// Register immediately on startup
		h.register()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				h.send()
			case <-h.stop:
				return
			}
		}
	}()
}

func (h *Heartbeat) Stop() {
	close(h.stop)
}

func (h *Heartbeat) register() {
	payload := RegisterPayload{
		RelayID:     h.cfg.API.RelayID,
		StreamToken: h.cfg.Auth.StreamToken,
		Version:     version.Version,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("register: marshal: %v", err)
		return
	}

	url := h.cfg.API.Endpoint + "/relays/register"
	req, err := http.NewRequest("POST", url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if h.cfg.API.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.API.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		log.Printf("register: %v", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode < 300 {
		h.registeredMu.Lock()
		h.registered = true
		h.registeredMu.Unlock()
		log.Printf("register: relay %s registered with API", h.cfg.API.RelayID)
	} else {
		log.Printf("register: API returned %d", resp.StatusCode)
	}
}

func (h *Heartbeat) send() {
	// Retry registration if it hasn't succeeded yet
	h.registeredMu.Lock()
	registered := h.registered
	h.registeredMu.Unlock()
	if !registered {
		h.register()
	}

	snap := h.collector.Snapshot()

	payload := Payload{
		RelayID:        h.cfg.API.RelayID,
		StreamToken:    h.cfg.Auth.StreamToken,
		Version:        version.Version,
		Uptime:         int64(time.Since(h.start).Seconds()),
		Sessions:       snap.ActiveSessions,
		ActiveStreams:  snap.ActiveStreams,
		MessagesPerSec: snap.MessagesPerSecond,
		MemoryMB:       int(snap.MemoryBytes / 1024 / 1024),
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("heartbeat: marshal: %v", err)
		return
	}

	url := h.cfg.API.Endpoint + "/heartbeats"
	req, err := http.NewRequest("POST", url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if h.cfg.API.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.API.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		log.Printf("heartbeat: %v", err)
		return
	}
	resp.Body.Close()
}
