// Package jobs - Shared job snapshot store.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultRetention is how long a completed job stays pollable.
const DefaultRetention = time.Hour

// Store holds job snapshots for polling. Writers replace whole snapshots;
// readers get copies. Terminal states are immutable: a publish attempting
// to leave SUCCESS or FAILURE is dropped.
type Store struct {
	mu        sync.RWMutex
	jobs      map[string]Job
	retention time.Duration
	log       *logrus.Logger
	now       func() time.Time
}

// NewStore creates an empty store with the given retention window.
func NewStore(retention time.Duration, log *logrus.Logger) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{
		jobs:      make(map[string]Job),
		retention: retention,
		log:       log,
		now:       time.Now,
	}
}

// publish atomically replaces the stored snapshot. Transitions out of a
// terminal state are refused.
func (s *Store) publish(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[job.ID]; ok && existing.State.Terminal() {
		s.log.WithFields(logrus.Fields{
			"job_id": job.ID,
			"from":   existing.State,
			"to":     job.State,
		}).Warn("dropping state transition out of terminal state")
		return
	}
	s.jobs[job.ID] = job
}

// Get returns a snapshot of the job. Unknown ids (including expired jobs)
// yield a snapshot in StateUnknown rather than an error, so post-expiry
// polling stays graceful.
//
// Arguments:
//   - id: Job id returned by Submit.
//
// Returns:
//   - Job: Value copy of the current snapshot.
func (s *Store) Get(id string) Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{ID: id, State: StateUnknown}
	}
	return job
}

// Sweep removes terminal jobs whose completion is older than the retention
// window.
//
// Returns:
//   - int: Number of jobs removed.
func (s *Store) Sweep() int {
	cutoff := s.now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, job := range s.jobs {
		if job.State.Terminal() && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		s.log.WithField("removed", removed).Debug("expired jobs swept")
	}
	return removed
}

// RunSweeper sweeps on a fixed interval until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Len returns the number of jobs currently held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
