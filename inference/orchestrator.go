// Package inference - Orchestrates cache lookup, model acquisition,
// detection, and result persistence for one image.
package inference

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/orchardvision/go-detect/cache"
	"github.com/orchardvision/go-detect/detector"
	"github.com/orchardvision/go-detect/digest"
	"github.com/orchardvision/go-detect/fruits"
	"github.com/orchardvision/go-detect/images"
	"github.com/orchardvision/go-detect/registry"
)

// AnnotatedWriter renders detections onto an image and persists the copy.
type AnnotatedWriter interface {
	Write(img image.Image, detections []detector.Detection, runID, name string) (string, error)
}

// Request is one inference unit of work.
type Request struct {
	// ImageBytes is the already-validated raw image.
	ImageBytes []byte
	// Profile selects the detector and thresholds.
	Profile detector.Profile
	// TreeCount scales the per-tree weight into a block total; values
	// below 1 are treated as 1.
	TreeCount int
	// FileName names the annotated output; optional.
	FileName string
}

// Orchestrator implements the cached inference pipeline.
type Orchestrator struct {
	cache    *cache.PredictionCache
	registry *registry.Registry
	catalog  *fruits.Catalog
	writer   AnnotatedWriter
	log      *logrus.Logger

	// flight serializes recomputation per cache key: two callers racing
	// on the same miss share one detector run, and cache writes are
	// whole-value replacements, so no caller ever observes a partial
	// entry.
	flight singleflight.Group
}

// New wires an orchestrator.
func New(
	c *cache.PredictionCache,
	r *registry.Registry,
	catalog *fruits.Catalog,
	writer AnnotatedWriter,
	log *logrus.Logger,
) *Orchestrator {
	return &Orchestrator{
		cache:    c,
		registry: r,
		catalog:  catalog,
		writer:   writer,
		log:      log,
	}
}

// Infer returns the prediction for the request's image and profile,
// computing and caching it on a miss.
//
// Arguments:
//   - ctx: Caller context. Cancellation abandons this caller's wait; a
//     recomputation shared with other callers keeps running and its
//     result is still cached.
//   - req: The inference request.
//
// Returns:
//   - *cache.Prediction: The result; TotalWeightKg is scaled to the
//     request's tree count, all other fields come from the cache entry
//     untouched on a hit.
//   - error: Decode failure, registry.ErrModelUnavailable, or a detector
//     fault.
func (o *Orchestrator) Infer(ctx context.Context, req Request) (*cache.Prediction, error) {
	imgDigest := digest.Sum(req.ImageBytes)
	key := digest.PredictionKey(imgDigest, req.Profile.DetectorID)

	if cached, ok := o.cache.Get(ctx, key); ok {
		return o.scaled(cached, req.TreeCount), nil
	}

	ch := o.flight.DoChan(key, func() (interface{}, error) {
		// The computation is shared by every caller racing on this key,
		// so it runs on a context detached from whichever caller happened
		// to start it; cancelling the winner must not fail the waiters.
		ctx := context.WithoutCancel(ctx)

		// The flight winner may have filled the cache while this call
		// was queued.
		if cached, ok := o.cache.Get(ctx, key); ok {
			return cached, nil
		}
		return o.compute(ctx, req, imgDigest, key)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return o.scaled(res.Val.(*cache.Prediction), req.TreeCount), nil
	}
}

// compute runs the full miss path: model acquisition, detection,
// annotation, and the best-effort cache write.
func (o *Orchestrator) compute(ctx context.Context, req Request, imgDigest, key string) (*cache.Prediction, error) {
	handle, err := o.registry.Get(ctx, req.Profile.DetectorID)
	if err != nil {
		return nil, err
	}

	img, _, err := images.Decode(req.ImageBytes)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	detections, err := handle.Detector.Detect(ctx, img)
	if err != nil {
		return nil, errors.Wrapf(err, "detector %s", req.Profile.DetectorID)
	}

	detectedCount := len(detections)
	confidence := float64(detector.MeanScore(detections))

	runID := uuid.NewString()
	name := req.FileName
	if name == "" {
		name = imgDigest[:16] + ".png"
	}

	annotatedPath := ""
	if o.writer != nil {
		annotatedPath, err = o.writer.Write(img, detections, runID, name)
		if err != nil {
			return nil, errors.Wrap(err, "writing annotated image")
		}
	}

	var weightPerUnit float64
	if info, catErr := o.catalog.Get(req.Profile.DetectorID); catErr == nil {
		weightPerUnit = info.WeightPerUnitKg
	}

	pred := &cache.Prediction{
		DetectedCount:      detectedCount,
		WeightPerUnitKg:    weightPerUnit,
		WeightKg:           float64(detectedCount) * weightPerUnit,
		ConfidenceScore:    confidence,
		AnnotatedImagePath: annotatedPath,
		Profile:            req.Profile,
		ComputedAt:         time.Now().UTC(),
	}

	// Best-effort write; a store outage never fails the inference that
	// produced the value.
	o.cache.Set(ctx, key, pred)

	o.log.WithFields(logrus.Fields{
		"detector":   req.Profile.DetectorID,
		"digest":     imgDigest,
		"count":      detectedCount,
		"confidence": fmt.Sprintf("%.3f", confidence),
		"took":       time.Since(start),
	}).Info("inference completed")

	return pred, nil
}

// scaled returns a copy with TotalWeightKg derived for the request's tree
// count. Cached fields are never mutated.
func (o *Orchestrator) scaled(pred *cache.Prediction, treeCount int) *cache.Prediction {
	out := *pred
	if treeCount < 1 {
		treeCount = 1
	}
	out.TotalWeightKg = out.WeightKg * float64(treeCount)
	return &out
}
