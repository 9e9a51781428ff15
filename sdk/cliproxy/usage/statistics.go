package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ModelStatistics aggregates records for one model.
type ModelStatistics struct {
	Requests     int64 `json:"requests"`
	Failures     int64 `json:"failures"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// StatisticsSnapshot is the read-only view reported by the status endpoint.
type StatisticsSnapshot struct {
	Requests      int64                      `json:"requests"`
	Failures      int64                      `json:"failures"`
	Streams       int64                      `json:"streams"`
	TotalTokens   int64                      `json:"total_tokens"`
	LastRequestAt *time.Time                 `json:"last_request_at,omitempty"`
	FailureKinds  map[string]int64           `json:"failure_kinds,omitempty"`
	Models        map[string]ModelStatistics `json:"models"`
}

// Statistics is an in-memory Plugin keeping process-lifetime counters.
type Statistics struct {
	mu       sync.RWMutex
	requests int64
	failures int64
	streams  int64
	tokens   int64
	last     time.Time
	kinds    map[string]int64
	models   map[string]*ModelStatistics
}

// NewStatistics returns an empty aggregator.
func NewStatistics() *Statistics {
	return &Statistics{
		kinds:  make(map[string]int64),
		models: make(map[string]*ModelStatistics),
	}
}

// HandleUsage implements Plugin.
func (s *Statistics) HandleUsage(_ context.Context, record Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests++
	if record.Stream {
		s.streams++
	}
	if record.Failed {
		s.failures++
		if record.ErrorKind != "" {
			s.kinds[record.ErrorKind]++
		}
	}
	s.tokens += record.Detail.TotalTokens
	if record.RequestedAt.After(s.last) {
		s.last = record.RequestedAt
	}

	model := record.Model
	if model == "" {
		model = "unknown"
	}
	stats, ok := s.models[model]
	if !ok {
		stats = &ModelStatistics{}
		s.models[model] = stats
	}
	stats.Requests++
	if record.Failed {
		stats.Failures++
	}
	stats.InputTokens += record.Detail.InputTokens
	stats.OutputTokens += record.Detail.OutputTokens
	stats.TotalTokens += record.Detail.TotalTokens
}

// Snapshot copies the current counters.
func (s *Statistics) Snapshot() StatisticsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := StatisticsSnapshot{
		Requests:    s.requests,
		Failures:    s.failures,
		Streams:     s.streams,
		TotalTokens: s.tokens,
		Models:      make(map[string]ModelStatistics, len(s.models)),
	}
	if !s.last.IsZero() {
		last := s.last
		out.LastRequestAt = &last
	}
	if len(s.kinds) > 0 {
		out.FailureKinds = make(map[string]int64, len(s.kinds))
		for k, v := range s.kinds {
			out.FailureKinds[k] = v
		}
	}
	for name, stats := range s.models {
		out.Models[name] = *stats
	}
	return out
}

// ModelNames returns the models seen so far, sorted.
func (s *Statistics) ModelNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.models))
	for name := range s.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoggerPlugin writes one debug line per record.
type LoggerPlugin struct{}

// HandleUsage implements Plugin.
func (LoggerPlugin) HandleUsage(_ context.Context, record Record) {
	entry := log.WithFields(log.Fields{
		"model":  record.Model,
		"stream": record.Stream,
	})
	if record.Failed {
		entry.WithField("kind", record.ErrorKind).Debugf("usage %s failed after %s", record.ID, record.Latency.Round(time.Millisecond))
		return
	}
	entry.Debugf("usage %s in=%d out=%d total=%d latency=%s", record.ID,
		record.Detail.InputTokens, record.Detail.OutputTokens, record.Detail.TotalTokens,
		record.Latency.Round(time.Millisecond))
}
