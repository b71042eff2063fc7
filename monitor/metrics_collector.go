package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/glimte/asyncop-go/messaging"
)

// SimpleMetricsCollector implements messaging.MetricsCollector in memory. It
// backs the CLI's end-of-run summaries where no Prometheus scrape happens.
type SimpleMetricsCollector struct {
	mu sync.RWMutex

	callsStarted int64
	progress     int64

	// Settled calls by outcome
	callStats map[string]*TimeStats

	// Finished commands by command, then outcome
	commandCounters map[string]map[string]int64
	commandTimes    map[string]*TimeStats
}

var _ messaging.MetricsCollector = (*SimpleMetricsCollector)(nil)

// TimeStats tracks timing statistics
type TimeStats struct {
	Count   int64
	TotalMs int64
	MinMs   int64
	MaxMs   int64
	samples []int64 // Keep last 100 samples for percentiles
}

// NewSimpleMetricsCollector creates a new in-memory metrics collector
func NewSimpleMetricsCollector() *SimpleMetricsCollector {
	return &SimpleMetricsCollector{
		callStats:       make(map[string]*TimeStats),
		commandCounters: make(map[string]map[string]int64),
		commandTimes:    make(map[string]*TimeStats),
	}
}

// RecordCallStarted implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordCallStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callsStarted++
}

// RecordProgress implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordProgress() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress++
}

// RecordCallSettled implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordCallSettled(outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	observe(c.callStats, outcome, duration)
}

// RecordCommand implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordCommand(command string, outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.commandCounters[command] == nil {
		c.commandCounters[command] = make(map[string]int64)
	}
	c.commandCounters[command][outcome]++
	observe(c.commandTimes, command, duration)
}

func observe(stats map[string]*TimeStats, key string, duration time.Duration) {
	durationMs := duration.Milliseconds()

	s, exists := stats[key]
	if !exists {
		s = &TimeStats{
			MinMs:   durationMs,
			MaxMs:   durationMs,
			samples: make([]int64, 0, 100),
		}
		stats[key] = s
	}

	s.Count++
	s.TotalMs += durationMs

	if durationMs < s.MinMs {
		s.MinMs = durationMs
	}
	if durationMs > s.MaxMs {
		s.MaxMs = durationMs
	}

	if len(s.samples) >= 100 {
		s.samples = s.samples[1:]
	}
	s.samples = append(s.samples, durationMs)
}

// GetMetricsSummary returns a snapshot of all collected metrics
func (c *SimpleMetricsCollector) GetMetricsSummary() MetricsSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := MetricsSummary{
		CallsStarted:   c.callsStarted,
		ProgressEvents: c.progress,
		Calls:          make(map[string]ProcessingStats, len(c.callStats)),
		CommandCounts:  make(map[string]map[string]int64, len(c.commandCounters)),
		CommandStats:   make(map[string]ProcessingStats, len(c.commandTimes)),
	}

	for outcome, stats := range c.callStats {
		summary.Calls[outcome] = stats.summarize()
	}
	for command, outcomes := range c.commandCounters {
		summary.CommandCounts[command] = make(map[string]int64, len(outcomes))
		for outcome, count := range outcomes {
			summary.CommandCounts[command][outcome] = count
		}
	}
	for command, stats := range c.commandTimes {
		summary.CommandStats[command] = stats.summarize()
	}

	return summary
}

func (s *TimeStats) summarize() ProcessingStats {
	stats := ProcessingStats{
		Count: s.Count,
		MinMs: s.MinMs,
		MaxMs: s.MaxMs,
	}
	if s.Count > 0 {
		stats.AvgMs = s.TotalMs / s.Count
	}
	if len(s.samples) > 0 {
		sorted := append([]int64(nil), s.samples...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		stats.P50Ms = percentile(sorted, 0.50)
		stats.P95Ms = percentile(sorted, 0.95)
		stats.P99Ms = percentile(sorted, 0.99)
	}
	return stats
}

// percentile reads p from an ascending slice
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}

// MetricsSummary represents a snapshot of all metrics
type MetricsSummary struct {
	CallsStarted   int64                       `json:"calls_started"`
	ProgressEvents int64                       `json:"progress_events"`
	Calls          map[string]ProcessingStats  `json:"calls"`
	CommandCounts  map[string]map[string]int64 `json:"command_counts"`
	CommandStats   map[string]ProcessingStats  `json:"command_stats"`
}

// CallsInFlight returns calls started but not yet settled
func (s MetricsSummary) CallsInFlight() int64 {
	n := s.CallsStarted
	for _, stats := range s.Calls {
		n -= stats.Count
	}
	return n
}

// ProcessingStats represents duration statistics for one key
type ProcessingStats struct {
	Count int64 `json:"count"`
	AvgMs int64 `json:"avg_ms"`
	MinMs int64 `json:"min_ms"`
	MaxMs int64 `json:"max_ms"`
	P50Ms int64 `json:"p50_ms"`
	P95Ms int64 `json:"p95_ms"`
	P99Ms int64 `json:"p99_ms"`
}

// Reset clears all collected metrics
func (c *SimpleMetricsCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.callsStarted = 0
	c.progress = 0
	c.callStats = make(map[string]*TimeStats)
	c.commandCounters = make(map[string]map[string]int64)
	c.commandTimes = make(map[string]*TimeStats)
}

// MultiCollector fans every record out to several collectors
type MultiCollector []messaging.MetricsCollector

var _ messaging.MetricsCollector = MultiCollector(nil)

// RecordCallStarted implements messaging.MetricsCollector
func (m MultiCollector) RecordCallStarted() {
	for _, c := range m {
		c.RecordCallStarted()
	}
}

// RecordProgress implements messaging.MetricsCollector
func (m MultiCollector) RecordProgress() {
	for _, c := range m {
		c.RecordProgress()
	}
}

// RecordCallSettled implements messaging.MetricsCollector
func (m MultiCollector) RecordCallSettled(outcome string, duration time.Duration) {
	for _, c := range m {
		c.RecordCallSettled(outcome, duration)
	}
}

// RecordCommand implements messaging.MetricsCollector
func (m MultiCollector) RecordCommand(command string, outcome string, duration time.Duration) {
	for _, c := range m {
		c.RecordCommand(command, outcome, duration)
	}
}
