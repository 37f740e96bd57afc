package app

import (
	"sync/atomic"
	"time"
)

// Metrics tracks backing file activity across sessions.
type Metrics struct {
	// Sync passes
	syncCount    atomic.Uint64
	syncTotalNs  atomic.Int64
	syncMinNs    atomic.Int64
	syncMaxNs    atomic.Int64
	syncFailures atomic.Uint64
	blocks       atomic.Uint64

	// Preserve and recovery
	preserves       atomic.Uint64
	originalChanges atomic.Uint64
	recovered       atomic.Uint64
	linesMissing    atomic.Uint64

	// Edits through Session.Edit
	edits atomic.Uint64

	startTime time.Time
}

// NewMetrics creates a new metrics tracker.
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),
	}
	// Initialize min to max int64 so the first sync will be smaller
	m.syncMinNs.Store(1<<63 - 1)
	return m
}

// RecordSync records one sync pass that wrote blocks blocks.
func (m *Metrics) RecordSync(duration time.Duration, blocks int) {
	ns := duration.Nanoseconds()

	m.syncCount.Add(1)
	m.syncTotalNs.Add(ns)
	m.blocks.Add(uint64(blocks))

	for {
		old := m.syncMinNs.Load()
		if ns >= old || m.syncMinNs.CompareAndSwap(old, ns) {
			break
		}
	}
	for {
		old := m.syncMaxNs.Load()
		if ns <= old || m.syncMaxNs.CompareAndSwap(old, ns) {
			break
		}
	}
}

// RecordSyncFailure records a sync pass that returned an error.
func (m *Metrics) RecordSyncFailure() {
	m.syncFailures.Add(1)
}

// RecordPreserve records an explicit preserve.
func (m *Metrics) RecordPreserve() {
	m.preserves.Add(1)
}

// RecordOriginalChange records an original file found changed on disk.
func (m *Metrics) RecordOriginalChange() {
	m.originalChanges.Add(1)
}

// RecordRecovery records a recovered document and its missing lines.
func (m *Metrics) RecordRecovery(linesMissing int) {
	m.recovered.Add(1)
	m.linesMissing.Add(uint64(linesMissing))
}

// RecordEdit records a document mutation.
func (m *Metrics) RecordEdit() {
	m.edits.Add(1)
}

// Snapshot returns a snapshot of current metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	syncCount := m.syncCount.Load()

	var avgSyncNs int64
	if syncCount > 0 {
		avgSyncNs = m.syncTotalNs.Load() / int64(syncCount)
	}

	minSyncNs := m.syncMinNs.Load()
	if minSyncNs == 1<<63-1 {
		minSyncNs = 0
	}

	return MetricsSnapshot{
		Uptime:          time.Since(m.startTime),
		SyncCount:       syncCount,
		AvgSyncNs:       avgSyncNs,
		MinSyncNs:       minSyncNs,
		MaxSyncNs:       m.syncMaxNs.Load(),
		SyncFailures:    m.syncFailures.Load(),
		BlocksWritten:   m.blocks.Load(),
		Preserves:       m.preserves.Load(),
		OriginalChanges: m.originalChanges.Load(),
		Recovered:       m.recovered.Load(),
		LinesMissing:    m.linesMissing.Load(),
		Edits:           m.edits.Load(),
	}
}

// MetricsSnapshot is a point-in-time view of metrics.
type MetricsSnapshot struct {
	Uptime          time.Duration
	SyncCount       uint64
	AvgSyncNs       int64
	MinSyncNs       int64
	MaxSyncNs       int64
	SyncFailures    uint64
	BlocksWritten   uint64
	Preserves       uint64
	OriginalChanges uint64
	Recovered       uint64
	LinesMissing    uint64
	Edits           uint64
}

// BlocksPerSync returns the average number of blocks written per sync.
func (s MetricsSnapshot) BlocksPerSync() float64 {
	if s.SyncCount == 0 {
		return 0
	}
	return float64(s.BlocksWritten) / float64(s.SyncCount)
}

// Timer provides a simple way to measure elapsed time.
type Timer struct {
	start time.Time
}

// StartTimer creates a new timer.
func StartTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed time since the timer started.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}
