// Package fruits - Catalog of fruit and tree detection models.
//
// The catalog maps a detector id to its model artifact, default thresholds,
// and the agronomic weight coefficient used to turn a fruit count into a
// yield estimate.
package fruits

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/orchardvision/go-detect/detector"
)

// ModelInfo describes one registered detection model.
type ModelInfo struct {
	// DetectorID is the stable identifier used in cache keys and profiles.
	DetectorID string `json:"detector_id" yaml:"detector_id"`
	// ArtifactFile is the model file name under the models directory.
	ArtifactFile string `json:"artifact_file" yaml:"artifact_file"`
	// Version of the trained model.
	Version string `json:"version" yaml:"version"`
	// ReleasedAt is the training/release date.
	ReleasedAt time.Time `json:"released_at" yaml:"released_at"`
	// Accuracy on the validation set, in [0, 1].
	Accuracy float64 `json:"accuracy" yaml:"accuracy"`
	// Description of what the model detects.
	Description string `json:"description" yaml:"description"`
	// TrainingSamples is the training dataset size.
	TrainingSamples int `json:"training_samples" yaml:"training_samples"`
	// InputSize is the square input side length the model expects.
	InputSize int `json:"input_size" yaml:"input_size"`
	// WeightPerUnitKg converts a detection count into kilograms. Zero for
	// non-fruit models (tree counting).
	WeightPerUnitKg float64 `json:"weight_per_unit_kg" yaml:"weight_per_unit_kg"`
	// DefaultConfidence is the confidence threshold used when the caller
	// does not override it.
	DefaultConfidence float32 `json:"default_confidence" yaml:"default_confidence"`
	// DefaultIoU is the NMS IoU threshold used when not overridden.
	DefaultIoU float32 `json:"default_iou" yaml:"default_iou"`
}

// DefaultProfile returns the detection profile carrying the model's default
// thresholds.
func (m ModelInfo) DefaultProfile() detector.Profile {
	return detector.Profile{
		DetectorID:          m.DetectorID,
		ConfidenceThreshold: m.DefaultConfidence,
		IoUThreshold:        m.DefaultIoU,
	}
}

// ErrUnknownDetector marks a detector id absent from the catalog.
var ErrUnknownDetector = errors.New("unknown detector id")

var released = time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)

// Catalog is an immutable set of registered models.
type Catalog struct {
	models map[string]ModelInfo
}

// DefaultCatalog returns the production model set.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		ModelInfo{
			DetectorID: "mandalina", ArtifactFile: "mandalina.onnx",
			Version: "1.0.0", ReleasedAt: released, Accuracy: 0.92,
			Description: "Mandarin fruit detection", TrainingSamples: 5000,
			InputSize: 640, WeightPerUnitKg: 0.125,
			DefaultConfidence: 0.1, DefaultIoU: 0.45,
		},
		ModelInfo{
			DetectorID: "elma", ArtifactFile: "elma.onnx",
			Version: "1.0.0", ReleasedAt: released, Accuracy: 0.89,
			Description: "Apple fruit detection", TrainingSamples: 4800,
			InputSize: 640, WeightPerUnitKg: 0.105,
			DefaultConfidence: 0.1, DefaultIoU: 0.45,
		},
		ModelInfo{
			DetectorID: "armut", ArtifactFile: "armut.onnx",
			Version: "1.0.0", ReleasedAt: released, Accuracy: 0.88,
			Description: "Pear fruit detection", TrainingSamples: 4500,
			InputSize: 640, WeightPerUnitKg: 0.220,
			DefaultConfidence: 0.1, DefaultIoU: 0.45,
		},
		ModelInfo{
			DetectorID: "seftale", ArtifactFile: "seftale.onnx",
			Version: "1.0.0", ReleasedAt: released, Accuracy: 0.90,
			Description: "Peach fruit detection", TrainingSamples: 4600,
			InputSize: 640, WeightPerUnitKg: 0.185,
			DefaultConfidence: 0.1, DefaultIoU: 0.45,
		},
		ModelInfo{
			DetectorID: "nar", ArtifactFile: "nar.onnx",
			Version: "1.0.0", ReleasedAt: released, Accuracy: 0.91,
			Description: "Pomegranate fruit detection", TrainingSamples: 4700,
			InputSize: 640, WeightPerUnitKg: 0.300,
			DefaultConfidence: 0.1, DefaultIoU: 0.45,
		},
		ModelInfo{
			DetectorID: "agac", ArtifactFile: "agac.onnx",
			Version: "1.0.0", ReleasedAt: released, Accuracy: 0.87,
			Description: "Tree detection", TrainingSamples: 3500,
			InputSize: 640, WeightPerUnitKg: 0,
			DefaultConfidence: 0.25, DefaultIoU: 0.7,
		},
	)
}

// NewCatalog builds a catalog from an explicit model list.
func NewCatalog(models ...ModelInfo) *Catalog {
	byID := make(map[string]ModelInfo, len(models))
	for _, m := range models {
		byID[m.DetectorID] = m
	}
	return &Catalog{models: byID}
}

// Get looks up a model by detector id.
//
// Arguments:
//   - detectorID: Catalog identifier, e.g. "elma".
//
// Returns:
//   - ModelInfo: The registered model.
//   - error: ErrUnknownDetector when the id is not registered.
func (c *Catalog) Get(detectorID string) (ModelInfo, error) {
	m, ok := c.models[detectorID]
	if !ok {
		return ModelInfo{}, errors.Wrap(ErrUnknownDetector, detectorID)
	}
	return m, nil
}

// Has reports whether the detector id is registered.
func (c *Catalog) Has(detectorID string) bool {
	_, ok := c.models[detectorID]
	return ok
}

// List returns all registered models sorted by detector id.
func (c *Catalog) List() []ModelInfo {
	out := make([]ModelInfo, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectorID < out[j].DetectorID
	})
	return out
}

// WeightEstimate converts a detection count into kilograms for one tree
// image, then scales by the tree count of the orchard block.
//
// Arguments:
//   - detectorID: Catalog identifier of the fruit model.
//   - detectedCount: Fruits counted on a single tree image.
//   - treeCount: Number of trees the sample represents (>= 1).
//
// Returns:
//   - perTree: Estimated kilograms per tree.
//   - total: perTree scaled by treeCount.
//   - error: ErrUnknownDetector for unregistered ids.
func (c *Catalog) WeightEstimate(detectorID string, detectedCount, treeCount int) (perTree, total float64, err error) {
	m, err := c.Get(detectorID)
	if err != nil {
		return 0, 0, err
	}
	if treeCount < 1 {
		treeCount = 1
	}
	perTree = float64(detectedCount) * m.WeightPerUnitKg
	return perTree, perTree * float64(treeCount), nil
}
