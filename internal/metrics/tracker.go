// Package metrics tracks in-process counters for engine health logging.
package metrics

import (
	"sync"
	"time"
)

// Tracker accumulates ingest and detection counters. All methods are safe for
// concurrent use by the reconciler and the live listener.
type Tracker struct {
	mu sync.RWMutex

	liveBets        int64
	dedupDiscards   int64
	suspiciousFlags int64

	epochsCommitted int64
	epochsFailed    int64
	epochsSkipped   int64

	wsStatus    string
	lastLiveBet time.Time
	startedAt   time.Time
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	LiveBets        int64
	DedupDiscards   int64
	SuspiciousFlags int64
	EpochsCommitted int64
	EpochsFailed    int64
	EpochsSkipped   int64
	WSStatus        string
	LastLiveBet     time.Time
	Uptime          time.Duration
}

// NewTracker creates a tracker with the clock started.
func NewTracker() *Tracker {
	return &Tracker{
		wsStatus:  "disconnected",
		startedAt: time.Now(),
	}
}

// IncrementLiveBets records one live bet handled.
func (t *Tracker) IncrementLiveBets() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.liveBets++
	t.lastLiveBet = time.Now()
}

// IncrementDedupDiscards records one duplicate live delivery dropped.
func (t *Tracker) IncrementDedupDiscards() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dedupDiscards++
}

// IncrementSuspiciousFlags records one suspicious heuristic verdict.
func (t *Tracker) IncrementSuspiciousFlags() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.suspiciousFlags++
}

// IncrementEpochsCommitted records one reconciled epoch.
func (t *Tracker) IncrementEpochsCommitted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.epochsCommitted++
}

// IncrementEpochsFailed records one failed reconciliation attempt.
func (t *Tracker) IncrementEpochsFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.epochsFailed++
}

// IncrementEpochsSkipped records one permanently skipped epoch.
func (t *Tracker) IncrementEpochsSkipped() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.epochsSkipped++
}

// SetWSStatus records the streaming connection state.
func (t *Tracker) SetWSStatus(status string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wsStatus = status
}

// Snapshot returns a copy of all counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		LiveBets:        t.liveBets,
		DedupDiscards:   t.dedupDiscards,
		SuspiciousFlags: t.suspiciousFlags,
		EpochsCommitted: t.epochsCommitted,
		EpochsFailed:    t.epochsFailed,
		EpochsSkipped:   t.epochsSkipped,
		WSStatus:        t.wsStatus,
		LastLiveBet:     t.lastLiveBet,
		Uptime:          time.Since(t.startedAt),
	}
}
