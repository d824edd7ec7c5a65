package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/logrelay-dev/logrelay/internal/filter"
	"github.com/logrelay-dev/logrelay/internal/record"
)

// CreateSessionRequest starts a session with an inline filter, a named
// preset, or neither (pass-everything).
type CreateSessionRequest struct {
	Filter *filter.Filter `json:"filter,omitempty"`
	Preset string         `json:"preset,omitempty"`
}

type UpdateFilterRequest struct {
	Filter *filter.Filter `json:"filter,omitempty"`
	Preset string         `json:"preset,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// resolveFilter picks the preset if named, otherwise the inline filter.
func (s *Server) resolveFilter(f *filter.Filter, presetName string) (*filter.Filter, error) {
	if presetName == "" {
		return f, nil
	}
	p, ok := s.presets.Get(presetName)
	if !ok {
		return nil, fmt.Errorf("unknown preset %q", presetName)
	}
	return p, nil
}

// queryFilter builds a filter from streaming-URL query parameters, e.g.
// ?levels=ERROR,WARN&sources=stderr&keywords=deploy&preset=errors-only.
// A preset wins over inline params.
func (s *Server) queryFilter(r *http.Request) (*filter.Filter, error) {
	q := r.URL.Query()

	if name := q.Get("preset"); name != "" {
		p, ok := s.presets.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown preset %q", name)
		}
		return p, nil
	}

	f := &filter.Filter{}
	empty := true
	if v := q.Get("levels"); v != "" {
		for _, l := range strings.Split(v, ",") {
			f.Levels = append(f.Levels, record.Level(strings.ToUpper(strings.TrimSpace(l))))
		}
		empty = false
	}
	if v := q.Get("sources"); v != "" {
		for _, src := range strings.Split(v, ",") {
			f.Sources = append(f.Sources, record.Source(strings.ToLower(strings.TrimSpace(src))))
		}
		empty = false
	}
	if v := q.Get("keywords"); v != "" {
		f.Keywords = strings.Split(v, ",")
		empty = false
	}
	if v := q.Get("workers"); v != "" {
		f.WorkerIDs = strings.Split(v, ",")
		empty = false
	}
	if empty {
		return nil, nil
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}
