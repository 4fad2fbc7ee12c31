// Package health - In-memory confidence history.
package health

import (
	"context"
	"sync"
	"time"
)

// observation is one recorded confidence score.
type observation struct {
	confidence float64
	observedAt time.Time
}

// MemoryHistory records confidence scores in memory and serves them back to
// the monitor. Observations older than twice the retention window are
// pruned on write, so memory stays bounded without a background sweeper.
type MemoryHistory struct {
	mu        sync.Mutex
	byModel   map[string][]observation
	retention time.Duration
	now       func() time.Time
}

// NewMemoryHistory creates a history with the given retention window.
func NewMemoryHistory(retention time.Duration) *MemoryHistory {
	if retention <= 0 {
		retention = DefaultWindow
	}
	return &MemoryHistory{
		byModel:   make(map[string][]observation),
		retention: retention,
		now:       time.Now,
	}
}

// Record stores one observed confidence score for a detector.
func (h *MemoryHistory) Record(detectorID string, confidence float64, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	obs := append(h.byModel[detectorID], observation{confidence: confidence, observedAt: at})

	cutoff := h.now().Add(-2 * h.retention)
	kept := obs[:0]
	for _, o := range obs {
		if o.observedAt.After(cutoff) {
			kept = append(kept, o)
		}
	}
	h.byModel[detectorID] = kept
}

// ConfidenceScores returns the scores observed since the given time.
func (h *MemoryHistory) ConfidenceScores(_ context.Context, detectorID string, since time.Time) ([]float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []float64
	for _, o := range h.byModel[detectorID] {
		if o.observedAt.After(since) {
			out = append(out, o.confidence)
		}
	}
	return out, nil
}
