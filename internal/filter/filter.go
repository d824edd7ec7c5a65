package filter

import (
	"fmt"
	"strings"
	"time"

	"github.com/logrelay-dev/logrelay/internal/record"
)

// Filter selects which records a subscriber wants to see. Every configured
// dimension must match (AND); within Keywords a record passes if any keyword
// is a case-insensitive substring of the message (OR). A nil or zero Filter
// matches everything.
//
// Filters are value objects: sessions replace them atomically and never
// mutate one in place after it has been handed to a subscription.
type Filter struct {
	Levels    []record.Level  `json:"levels,omitempty" yaml:"levels,omitempty"`
	Sources   []record.Source `json:"sources,omitempty" yaml:"sources,omitempty"`
	Keywords  []string        `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	WorkerIDs []string        `json:"worker_ids,omitempty" yaml:"worker_ids,omitempty"`
	JobIDs    []string        `json:"job_ids,omitempty" yaml:"job_ids,omitempty"`
	Since     *time.Time      `json:"since,omitempty" yaml:"since,omitempty"`
	Until     *time.Time      `json:"until,omitempty" yaml:"until,omitempty"`
}

// Matches reports whether r passes every configured dimension of f.
func (f *Filter) Matches(r record.LogRecord) bool {
	if f == nil {
		return true
	}
	if len(f.Levels) > 0 && !containsLevel(f.Levels, r.Level) {
		return false
	}
	if len(f.Sources) > 0 && !containsSource(f.Sources, r.Source) {
		return false
	}
	if len(f.WorkerIDs) > 0 && !containsString(f.WorkerIDs, r.WorkerID) {
		return false
	}
	if len(f.JobIDs) > 0 && !containsString(f.JobIDs, r.JobID) {
		return false
	}
	if len(f.Keywords) > 0 && !matchesKeywords(f.Keywords, r.Message) {
		return false
	}
	if f.Since != nil && r.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && r.Timestamp.After(*f.Until) {
		return false
	}
	return true
}

// MatchesProgress applies the reduced dimension set that makes sense for
// progress records: job/pipeline ids match against the pipeline id, and
// keywords match against the stage message and error text.
func (f *Filter) MatchesProgress(p record.ProgressRecord) bool {
	if f == nil {
		return true
	}
	if len(f.JobIDs) > 0 && !containsString(f.JobIDs, p.PipelineID) {
		return false
	}
	if len(f.Keywords) > 0 &&
		!matchesKeywords(f.Keywords, p.Message) &&
		!matchesKeywords(f.Keywords, p.ErrorMessage) {
		return false
	}
	return true
}

// Validate rejects filters with unknown enum values, blank keywords, or an
// inverted time range. A nil filter is valid.
func (f *Filter) Validate() error {
	if f == nil {
		return nil
	}
	for _, l := range f.Levels {
		if !record.ValidLevel(l) {
			return fmt.Errorf("filter: unknown level %q", l)
		}
	}
	for _, s := range f.Sources {
		if !record.ValidSource(s) {
			return fmt.Errorf("filter: unknown source %q", s)
		}
	}
	for _, k := range f.Keywords {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("filter: empty keyword")
		}
	}
	if f.Since != nil && f.Until != nil && f.Since.After(*f.Until) {
		return fmt.Errorf("filter: since %s is after until %s", f.Since, f.Until)
	}
	return nil
}

func matchesKeywords(keywords []string, msg string) bool {
	lower := strings.ToLower(msg)
	for _, k := range keywords {
		if strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

func containsLevel(set []record.Level, l record.Level) bool {
	for _, v := range set {
		if v == l {
			return true
		}
	}
	return false
}

func containsSource(set []record.Source, s record.Source) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsString(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
