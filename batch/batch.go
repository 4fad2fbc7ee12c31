// Package batch - Grid batch processing for orchard sampling flights.
//
// A batch is an ordered set of images taken over a rows x cols sampling
// grid. The pipeline validates the grid shape before any inference, runs
// each image through the cached inference path in input order, reshapes the
// per-image counts row-major, and emits an xlsx report plus a zip bundle of
// report and annotated images.
package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/orchardvision/go-detect/cache"
	"github.com/orchardvision/go-detect/detector"
	"github.com/orchardvision/go-detect/inference"
)

// Inferencer is the single-image inference dependency.
type Inferencer interface {
	Infer(ctx context.Context, req inference.Request) (*cache.Prediction, error)
}

// Image is one grid cell input.
type Image struct {
	// Name is the original file name, used in the report and bundle.
	Name string
	// Data is the raw image.
	Data []byte
}

// Request describes one batch run.
type Request struct {
	// Images in row-major grid order: index r*Cols+c is grid cell (r, c).
	Images []Image
	// Rows and Cols define the sampling grid shape.
	Rows int
	Cols int
	// Profile selects the detector and thresholds for every image.
	Profile detector.Profile
	// TreeCount scales per-tree weights into a block total.
	TreeCount int
}

// Result is the outcome of a completed batch run.
type Result struct {
	RunID string `json:"run_id"`
	Rows  int    `json:"rows"`
	Cols  int    `json:"cols"`
	// Counts is the row-major detection count grid: Counts[r][c] is the
	// count for the image at grid cell (r, c).
	Counts        [][]int `json:"counts"`
	TotalDetected int     `json:"total_detected"`
	TotalWeightKg float64 `json:"total_weight_kg"`
	ReportPath    string  `json:"report_path"`
	BundlePath    string  `json:"bundle_path"`
}

// ValidationError rejects a request whose grid shape does not match the
// image count. It is returned before any model work starts.
type ValidationError struct {
	Rows     int
	Cols     int
	Expected int
	Actual   int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("grid %dx%d expects %d images, got %d",
		e.Rows, e.Cols, e.Expected, e.Actual)
}

// Pipeline runs batch requests against a shared inference path.
type Pipeline struct {
	inferencer Inferencer
	outputDir  string
	log        *logrus.Logger
}

// NewPipeline wires a batch pipeline.
//
// Arguments:
//   - inferencer: Single-image inference path, shared with interactive use
//     so batch cells hit the same cache.
//   - outputDir: Root directory for per-run report and bundle artifacts.
//   - log: Structured logger.
//
// Returns:
//   - *Pipeline: Ready pipeline.
func NewPipeline(inferencer Inferencer, outputDir string, log *logrus.Logger) *Pipeline {
	return &Pipeline{inferencer: inferencer, outputDir: outputDir, log: log}
}

// Validate rejects malformed grids before any expensive work. Callers that
// queue batch work asynchronously should call it at submission time so the
// rejection is synchronous.
func (req Request) Validate() error {
	if req.Rows < 1 || req.Cols < 1 {
		return &ValidationError{
			Rows: req.Rows, Cols: req.Cols,
			Expected: req.Rows * req.Cols, Actual: len(req.Images),
		}
	}
	if want := req.Rows * req.Cols; want != len(req.Images) {
		return &ValidationError{
			Rows: req.Rows, Cols: req.Cols,
			Expected: want, Actual: len(req.Images),
		}
	}
	return nil
}

// Run executes the batch.
//
// Images are processed strictly in input order and the run aborts on the
// first failure, naming the failing image. A failed run leaves no partial
// artifacts behind; cache entries written for completed cells remain valid,
// since each is a correct standalone result.
//
// Arguments:
//   - ctx: Caller context, checked between images.
//   - progress: Optional per-image progress callback (done, total); may be
//     nil.
//   - req: The batch request.
//
// Returns:
//   - *Result: Grid counts and artifact paths.
//   - error: *ValidationError before any inference, or the first per-image
//     failure wrapped with the image name.
func (p *Pipeline) Run(ctx context.Context, progress func(done, total int), req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	runDir := filepath.Join(p.outputDir, runID)

	total := len(req.Images)
	preds := make([]*cache.Prediction, 0, total)

	for i, img := range req.Images {
		if err := ctx.Err(); err != nil {
			p.discard(runDir)
			return nil, err
		}

		pred, err := p.inferencer.Infer(ctx, inference.Request{
			ImageBytes: img.Data,
			Profile:    req.Profile,
			TreeCount:  req.TreeCount,
			FileName:   img.Name,
		})
		if err != nil {
			p.discard(runDir)
			return nil, errors.Wrapf(err, "image %d (%s)", i+1, img.Name)
		}
		preds = append(preds, pred)

		if progress != nil {
			progress(i+1, total)
		}
	}

	res := &Result{RunID: runID, Rows: req.Rows, Cols: req.Cols}
	res.Counts = make([][]int, req.Rows)
	for r := 0; r < req.Rows; r++ {
		res.Counts[r] = make([]int, req.Cols)
		for c := 0; c < req.Cols; c++ {
			pred := preds[r*req.Cols+c]
			res.Counts[r][c] = pred.DetectedCount
			res.TotalDetected += pred.DetectedCount
			res.TotalWeightKg += pred.TotalWeightKg
		}
	}

	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating batch run directory")
	}

	reportPath := filepath.Join(runDir, "report.xlsx")
	if err := writeReport(reportPath, req, preds, res); err != nil {
		p.discard(runDir)
		return nil, errors.Wrap(err, "writing batch report")
	}
	res.ReportPath = reportPath

	bundlePath := filepath.Join(runDir, "bundle.zip")
	if err := writeBundle(bundlePath, reportPath, req, preds); err != nil {
		p.discard(runDir)
		return nil, errors.Wrap(err, "writing batch bundle")
	}
	res.BundlePath = bundlePath

	p.log.WithFields(logrus.Fields{
		"run_id":   runID,
		"grid":     fmt.Sprintf("%dx%d", req.Rows, req.Cols),
		"detector": req.Profile.DetectorID,
		"detected": res.TotalDetected,
	}).Info("batch completed")

	return res, nil
}

// discard removes partial run artifacts after a failure.
func (p *Pipeline) discard(runDir string) {
	if err := os.RemoveAll(runDir); err != nil {
		p.log.WithError(err).WithField("dir", runDir).
			Warn("partial batch artifacts not removed")
	}
}
