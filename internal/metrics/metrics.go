package metrics

import (
	"sync"
	"time"
)

// Counter names tracked by the pipeline
const (
	ReceiptsIngested   = "receipts_ingested"
	ReceiptsDuplicate  = "receipts_duplicate"
	ReceiptsErrored    = "receipts_errored"
	ReceiptsValidated  = "receipts_validated"
	BrandMatches       = "brand_matches"
	BrandMisses        = "brand_misses"
	LinesValidated     = "lines_validated"
	LinesRejected      = "lines_rejected"
	OperatorOverrides  = "operator_overrides"
	InvalidTransitions = "invalid_transitions"
)

// TimerSnapshot summarizes one step's latency distribution
type TimerSnapshot struct {
	Count   int64 `json:"count"`
	TotalMs int64 `json:"total_ms"`
	AvgMs   int64 `json:"avg_ms"`
	MinMs   int64 `json:"min_ms"`
	MaxMs   int64 `json:"max_ms"`
}

// Snapshot is a point-in-time view served by the metrics endpoint
type Snapshot struct {
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Counters      map[string]int64         `json:"counters"`
	StepTimers    map[string]TimerSnapshot `json:"step_timers"`
}

type timer struct {
	count   int64
	totalMs int64
	minMs   int64
	maxMs   int64
}

// Metrics collects pipeline counters and per-step latency timers. Safe for
// concurrent use by workers and the API.
type Metrics struct {
	mu        sync.Mutex
	counters  map[string]int64
	timers    map[string]*timer
	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		counters:  make(map[string]int64),
		timers:    make(map[string]*timer),
		startTime: time.Now(),
	}
}

// IncrementCounter increments a named counter by 1
func (m *Metrics) IncrementCounter(name string) {
	m.mu.Lock()
	m.counters[name]++
	m.mu.Unlock()
}

// RecordStepDuration records one step execution duration
func (m *Metrics) RecordStepDuration(step string, durationMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[step]
	if !ok {
		t = &timer{minMs: durationMs, maxMs: durationMs}
		m.timers[step] = t
	}
	t.count++
	t.totalMs += durationMs
	if durationMs < t.minMs {
		t.minMs = durationMs
	}
	if durationMs > t.maxMs {
		t.maxMs = durationMs
	}
}

// Snapshot returns a copy of all current values
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		UptimeSeconds: int64(time.Since(m.startTime).Seconds()),
		Counters:      make(map[string]int64, len(m.counters)),
		StepTimers:    make(map[string]TimerSnapshot, len(m.timers)),
	}
	for name, v := range m.counters {
		snap.Counters[name] = v
	}
	for step, t := range m.timers {
		avg := int64(0)
		if t.count > 0 {
			avg = t.totalMs / t.count
		}
		snap.StepTimers[step] = TimerSnapshot{
			Count:   t.count,
			TotalMs: t.totalMs,
			AvgMs:   avg,
			MinMs:   t.minMs,
			MaxMs:   t.maxMs,
		}
	}
	return snap
}
