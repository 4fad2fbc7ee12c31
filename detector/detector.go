// Package detector - Detection primitives and the detector capability
// consumed by the inference orchestrator.
package detector

import (
	"context"
	"image"

	"github.com/orchardvision/go-detect/images"
)

// Detection represents a single accepted detection.
type Detection struct {
	// The bounding box of the detection in source-image coordinates.
	Box images.Rect
	// The confidence score of the detection.
	Score float32
	// The predicted class index of the detection.
	Class int
}

// Profile identifies which detector and thresholds produced (or will
// produce) a result. Two profiles with identical fields are interchangeable
// for caching purposes.
type Profile struct {
	DetectorID          string  `json:"detector_id"          yaml:"detector_id"`
	ConfidenceThreshold float32 `json:"confidence_threshold" yaml:"confidence_threshold"`
	IoUThreshold        float32 `json:"iou_threshold"        yaml:"iou_threshold"`
}

// Detector runs object detection over a decoded image.
//
// Implementations may be CPU- or accelerator-bound and are expected to be
// long-running; callers keep them off latency-sensitive paths.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
	Close() error
}

// MeanScore returns the mean confidence across detections, 0.0 when empty.
//
// Arguments:
//   - detections: Accepted detections.
//
// Returns:
//   - float32: Mean confidence in [0, 1].
func MeanScore(detections []Detection) float32 {
	if len(detections) == 0 {
		return 0.0
	}
	var sum float32
	for _, d := range detections {
		sum += d.Score
	}
	return sum / float32(len(detections))
}
