// Package stats aggregates measurements and loss state into a rolling
// snapshot and multi-resolution timeline buckets for historical queries.
package stats

import (
	"math"
	"sync"
	"time"

	"github.com/zbynekdrlik/audiotester/internal/analyzer"
	"github.com/zbynekdrlik/audiotester/internal/loss"
)

// maxRecentHistory bounds the fixed-length recent measurement buffer used
// for live charting.
const maxRecentHistory = 300

// HistoryPoint is one entry of the recent-history buffer.
type HistoryPoint struct {
	Timestamp time.Time `json:"timestamp"`
	LatencyMs float64   `json:"latency_ms"`
}

// Snapshot is the aggregate view recomputed from store state on read.
type Snapshot struct {
	CurrentLatencyMs float64        `json:"current_latency_ms"`
	Confidence       float64        `json:"confidence"`
	MinLatencyMs     float64        `json:"min_latency_ms"`
	MaxLatencyMs     float64        `json:"max_latency_ms"`
	AvgLatencyMs     float64        `json:"avg_latency_ms"`
	MeasurementCount uint64         `json:"measurement_count"`
	TotalLost        uint64         `json:"total_lost"`
	TotalCorrupted   uint64         `json:"total_corrupted"`
	EstimatedLoss    uint64         `json:"estimated_loss"`
	CounterSilent    bool           `json:"counter_silent"`
	SignalLost       bool           `json:"signal_lost"`
	UptimeSeconds    uint64         `json:"uptime_seconds"`
	RecentHistory    []HistoryPoint `json:"recent_history"`
}

// DisconnectionEvent records a stream drop and its recovery.
type DisconnectionEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	DurationMs  uint64    `json:"duration_ms"`
	Reconnected bool      `json:"reconnected"`
}

// Store ingests measurements from the analysis worker and serves snapshot
// and timeline queries. Writes come from a single worker goroutine; reads
// take snapshots under a reader-writer lock so no query observes a
// half-updated bucket.
type Store struct {
	mu    sync.RWMutex
	clock func() time.Time

	currentLatency float64
	confidence     float64
	minLatency     float64
	maxLatency     float64
	latencySum     float64
	count          uint64
	validCount     uint64

	totalLost      uint64
	totalCorrupted uint64
	lossState      loss.State

	recent []HistoryPoint

	latencySeries map[time.Duration]*bucketSeries
	lossSeries    map[time.Duration]*bucketSeries

	disconnections []DisconnectionEvent
	startedAt      time.Time
}

// New creates a store. A nil clock means wall time.
func New(clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	s := &Store{
		clock:      clock,
		minLatency: math.MaxFloat64,
		startedAt:  clock(),
	}
	s.latencySeries = newSeriesSet()
	s.lossSeries = newSeriesSet()
	return s
}

// RecordMeasurement ingests one analysis result. Invalid measurements are
// excluded from latency statistics but still counted.
func (s *Store) RecordMeasurement(m analyzer.Measurement) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.confidence = m.Confidence
	if !m.Valid {
		return
	}

	s.currentLatency = m.LatencyMs
	s.minLatency = math.Min(s.minLatency, m.LatencyMs)
	s.maxLatency = math.Max(s.maxLatency, m.LatencyMs)
	s.latencySum += m.LatencyMs
	s.validCount++

	s.recent = append(s.recent, HistoryPoint{Timestamp: m.Timestamp, LatencyMs: m.LatencyMs})
	if len(s.recent) > maxRecentHistory {
		s.recent = s.recent[len(s.recent)-maxRecentHistory:]
	}

	now := s.clock()
	for _, series := range s.latencySeries {
		series.addLatency(now, m.LatencyMs)
	}
}

// RecordLoss ingests lost sample counts from the accountant.
func (s *Store) RecordLoss(count uint64) {
	if count == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalLost += count
	now := s.clock()
	for _, series := range s.lossSeries {
		series.addLoss(now, count)
	}
}

// RecordCorruption ingests corrupted sample counts.
func (s *Store) RecordCorruption(count uint64) {
	if count == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalCorrupted += count
}

// SetLossState caches the accountant state for snapshots.
func (s *Store) SetLossState(st loss.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lossState = st
}

// RecordDisconnection records a stream drop event.
func (s *Store) RecordDisconnection(durationMs uint64, reconnected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnections = append(s.disconnections, DisconnectionEvent{
		Timestamp:   s.clock(),
		DurationMs:  durationMs,
		Reconnected: reconnected,
	})
}

// Disconnections returns the recorded stream drop events.
func (s *Store) Disconnections() []DisconnectionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DisconnectionEvent, len(s.disconnections))
	copy(out, s.disconnections)
	return out
}

// Snapshot returns the current aggregate view.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		CurrentLatencyMs: s.currentLatency,
		Confidence:       s.confidence,
		MaxLatencyMs:     s.maxLatency,
		MeasurementCount: s.count,
		TotalLost:        s.totalLost,
		TotalCorrupted:   s.totalCorrupted,
		EstimatedLoss:    s.lossState.EstimatedLoss,
		CounterSilent:    s.lossState.CounterSilent,
		SignalLost:       s.lossState.SignalLost,
		UptimeSeconds:    uint64(s.clock().Sub(s.startedAt).Seconds()),
	}
	if s.minLatency != math.MaxFloat64 {
		snap.MinLatencyMs = s.minLatency
	}
	if s.validCount > 0 {
		snap.AvgLatencyMs = s.latencySum / float64(s.validCount)
	}
	if n := len(s.recent); n > 0 {
		snap.RecentHistory = make([]HistoryPoint, n)
		copy(snap.RecentHistory, s.recent)
	}
	return snap
}

// ResetCounters resets min/max/avg and totals but preserves timeline
// history for continued visualization.
func (s *Store) ResetCounters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentLatency = 0
	s.confidence = 0
	s.minLatency = math.MaxFloat64
	s.maxLatency = 0
	s.latencySum = 0
	s.validCount = 0
	s.count = 0
	s.totalLost = 0
	s.totalCorrupted = 0
	s.startedAt = s.clock()
}
