// Package annotate - Renders detection boxes onto images for download.
package annotate

import (
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/orchardvision/go-detect/detector"
)

// boxColor is the detection outline color.
var boxColor = color.NRGBA{R: 0, G: 200, B: 60, A: 255}

const boxThickness = 2

// Writer persists annotated copies of processed images.
type Writer struct {
	outputDir string
}

// NewWriter creates a writer rooted at outputDir. Subdirectories are
// created per run on demand.
func NewWriter(outputDir string) *Writer {
	return &Writer{outputDir: outputDir}
}

// Write draws the detections onto a copy of img and saves it under
// {outputDir}/{runID}/{name}.
//
// Arguments:
//   - img: Decoded source image.
//   - detections: Boxes to draw, in source-image coordinates.
//   - runID: Per-inference-run directory name.
//   - name: Output file name; the extension selects the encoder.
//
// Returns:
//   - string: Path of the written file.
//   - error: Directory-creation or encoding failure.
func (w *Writer) Write(img image.Image, detections []detector.Detection, runID, name string) (string, error) {
	dir := filepath.Join(w.outputDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "creating annotation directory")
	}

	canvas := imaging.Clone(img)
	for _, d := range detections {
		drawBox(canvas, d)
	}

	path := filepath.Join(dir, name)
	if err := imaging.Save(canvas, path); err != nil {
		return "", errors.Wrapf(err, "saving annotated image %s", path)
	}
	return path, nil
}

// drawBox outlines one detection on the canvas, clamped to its bounds.
func drawBox(canvas *image.NRGBA, d detector.Detection) {
	bounds := canvas.Bounds()
	x1 := clamp(int(d.Box.X1), bounds.Min.X, bounds.Max.X-1)
	y1 := clamp(int(d.Box.Y1), bounds.Min.Y, bounds.Max.Y-1)
	x2 := clamp(int(d.Box.X2), bounds.Min.X, bounds.Max.X-1)
	y2 := clamp(int(d.Box.Y2), bounds.Min.Y, bounds.Max.Y-1)
	if x2 <= x1 || y2 <= y1 {
		return
	}

	for t := 0; t < boxThickness; t++ {
		for x := x1; x <= x2; x++ {
			canvas.SetNRGBA(x, clamp(y1+t, y1, y2), boxColor)
			canvas.SetNRGBA(x, clamp(y2-t, y1, y2), boxColor)
		}
		for y := y1; y <= y2; y++ {
			canvas.SetNRGBA(clamp(x1+t, x1, x2), y, boxColor)
			canvas.SetNRGBA(clamp(x2-t, x1, x2), y, boxColor)
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
