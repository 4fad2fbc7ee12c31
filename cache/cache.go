// Package cache - Prediction cache with fail-open semantics.
//
// Inference is the most expensive operation in the system, so results are
// cached by image content digest rather than by filename: re-uploading the
// same photograph under a different name, or re-running the same batch, is
// free after the first run. A backing-store outage degrades the system to
// "always recompute"; it never fails a request.
package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orchardvision/go-detect/detector"
)

const (
	// DefaultTTL is how long a prediction stays cached.
	DefaultTTL = 24 * time.Hour

	// scanBatch is the cursor page size used for bulk operations.
	scanBatch = 100
	// deleteBatch bounds one DeleteMany call during bulk invalidation.
	deleteBatch = 1000
	// memorySampleSize is the number of keys sampled for the memory
	// estimate; the total is extrapolated linearly beyond it.
	memorySampleSize = 100
)

// Prediction is one cached detection result. Immutable once stored;
// superseded only by explicit invalidation.
type Prediction struct {
	DetectedCount      int              `json:"detected_count"`
	WeightPerUnitKg    float64          `json:"weight_per_unit_kg"`
	WeightKg           float64          `json:"weight_kg"`
	TotalWeightKg      float64          `json:"total_weight_kg"`
	ConfidenceScore    float64          `json:"confidence_score"`
	AnnotatedImagePath string           `json:"annotated_image_path"`
	Profile            detector.Profile `json:"profile"`
	ComputedAt         time.Time        `json:"computed_at"`
}

// Statistics reports cache effectiveness. Hit/miss counters are local to
// this process; key count and memory are read from the backing store, the
// latter sampled over the first memorySampleSize keys.
type Statistics struct {
	HitCount          uint64  `json:"hit_count"`
	MissCount         uint64  `json:"miss_count"`
	HitRatePercent    float64 `json:"hit_rate_percent"`
	KeyCount          int64   `json:"key_count"`
	ApproxMemoryBytes int64   `json:"approx_memory_bytes"`
	// Degraded is set after any backing-store fault and cleared by the
	// next successful store operation.
	Degraded bool `json:"degraded"`
}

// PredictionCache maps prediction keys to results with TTL expiry.
type PredictionCache struct {
	store    Store
	ttl      time.Duration
	log      *logrus.Logger
	hits     atomic.Uint64
	misses   atomic.Uint64
	degraded atomic.Bool
}

// Option customizes a PredictionCache.
type Option func(*PredictionCache)

// WithTTL overrides the default 24h entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *PredictionCache) { c.ttl = ttl }
}

// New creates a prediction cache over the given store.
//
// Arguments:
//   - store: Backing key/value store (Redis in production).
//   - log: Structured logger; must not be nil.
//   - opts: Optional overrides.
//
// Returns:
//   - *PredictionCache: The cache.
func New(store Store, log *logrus.Logger, opts ...Option) *PredictionCache {
	c := &PredictionCache{
		store: store,
		ttl:   DefaultTTL,
		log:   log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// markDegraded records a backing-store fault. Fail-open is a design
// requirement here, not swallowed breakage: the flag is surfaced through
// Statistics so operators and tests can observe the degradation.
func (c *PredictionCache) markDegraded(op string, err error) {
	c.degraded.Store(true)
	c.log.WithError(err).WithField("op", op).
		Warn("cache store unavailable; degrading to recompute")
}

// Get returns the cached prediction for key, or ok=false on a miss. A
// backing-store fault counts as a miss and is never propagated.
//
// Arguments:
//   - ctx: Request context.
//   - key: Prediction key built by digest.PredictionKey.
//
// Returns:
//   - *Prediction: The cached result, nil on miss.
//   - bool: Whether the lookup was a hit.
func (c *PredictionCache) Get(ctx context.Context, key string) (*Prediction, bool) {
	raw, err := c.store.Get(ctx, key)
	if err == ErrNotFound {
		c.misses.Add(1)
		c.degraded.Store(false)
		c.log.WithField("key", key).Debug("cache miss")
		return nil, false
	}
	if err != nil {
		c.misses.Add(1)
		c.markDegraded("get", err)
		return nil, false
	}

	var pred Prediction
	if err := json.Unmarshal(raw, &pred); err != nil {
		// A corrupt entry is unreadable forever; drop it and recompute.
		c.misses.Add(1)
		c.log.WithError(err).WithField("key", key).Warn("corrupt cache entry dropped")
		_, _ = c.store.Delete(ctx, key)
		return nil, false
	}

	c.hits.Add(1)
	c.degraded.Store(false)
	c.log.WithField("key", key).Debug("cache hit")
	return &pred, true
}

// Set stores a prediction under key. Best-effort: a write failure is
// reported as false but never fails the inference that produced the value.
//
// Arguments:
//   - ctx: Request context.
//   - key: Prediction key.
//   - pred: Result to cache.
//
// Returns:
//   - bool: Whether the write succeeded.
func (c *PredictionCache) Set(ctx context.Context, key string, pred *Prediction) bool {
	raw, err := json.Marshal(pred)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Error("encoding prediction")
		return false
	}

	if err := c.store.Set(ctx, key, raw, c.ttl); err != nil {
		c.markDegraded("set", err)
		return false
	}
	c.degraded.Store(false)
	c.log.WithFields(logrus.Fields{"key": key, "ttl": c.ttl}).Debug("cache set")
	return true
}

// Invalidate removes one key.
//
// Arguments:
//   - ctx: Request context.
//   - key: Prediction key.
//
// Returns:
//   - bool: Whether an entry was actually evicted.
func (c *PredictionCache) Invalidate(ctx context.Context, key string) bool {
	evicted, err := c.store.Delete(ctx, key)
	if err != nil {
		c.markDegraded("delete", err)
		return false
	}
	if evicted {
		c.log.WithField("key", key).Info("cache entry invalidated")
	}
	return evicted
}

// InvalidateAll removes every prediction entry, optionally only those
// produced by one detector. Iteration is cursor-based so it never stalls
// other cache operations, and deletions happen in bounded batches.
//
// Arguments:
//   - ctx: Request context.
//   - detectorID: Restricts eviction to one detector when non-empty.
//
// Returns:
//   - int64: Number of keys deleted.
func (c *PredictionCache) InvalidateAll(ctx context.Context, detectorID string) int64 {
	pattern := "prediction:*"
	if detectorID != "" {
		pattern = "prediction:*:" + detectorID
	}

	var (
		cursor  uint64
		pending []string
		deleted int64
	)

	flush := func() {
		for len(pending) > 0 {
			batch := pending
			if len(batch) > deleteBatch {
				batch = batch[:deleteBatch]
			}
			n, err := c.store.DeleteMany(ctx, batch)
			deleted += n
			pending = pending[len(batch):]
			if err != nil {
				c.markDegraded("bulk-delete", err)
				return
			}
		}
	}

	for {
		keys, next, err := c.store.Scan(ctx, cursor, pattern, scanBatch)
		if err != nil {
			c.markDegraded("scan", err)
			break
		}
		pending = append(pending, keys...)
		if len(pending) >= deleteBatch {
			flush()
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	flush()

	c.log.WithFields(logrus.Fields{
		"pattern": pattern,
		"deleted": deleted,
	}).Info("cache bulk invalidated")
	return deleted
}

// Stats returns current cache statistics. Key count and the sampled memory
// estimate come from a cursor scan of the backing store; store faults leave
// those fields zero and set Degraded.
//
// Arguments:
//   - ctx: Request context.
//
// Returns:
//   - Statistics: Snapshot of counters and store-derived figures.
func (c *PredictionCache) Stats(ctx context.Context) Statistics {
	stats := Statistics{
		HitCount:  c.hits.Load(),
		MissCount: c.misses.Load(),
	}
	if total := stats.HitCount + stats.MissCount; total > 0 {
		stats.HitRatePercent = float64(stats.HitCount) / float64(total) * 100
	}

	var (
		cursor  uint64
		sampled int64
		sumMem  int64
	)
	for {
		keys, next, err := c.store.Scan(ctx, cursor, "prediction:*", scanBatch)
		if err != nil {
			c.markDegraded("scan", err)
			stats.Degraded = true
			return stats
		}
		for _, key := range keys {
			stats.KeyCount++
			if sampled < memorySampleSize {
				if n, memErr := c.store.MemoryUsage(ctx, key); memErr == nil {
					sumMem += n
					sampled++
				}
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	stats.ApproxMemoryBytes = sumMem
	if sampled > 0 && stats.KeyCount > sampled {
		stats.ApproxMemoryBytes = sumMem * stats.KeyCount / sampled
	}
	stats.Degraded = c.degraded.Load()
	return stats
}
