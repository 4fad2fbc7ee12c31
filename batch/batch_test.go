package batch

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/orchardvision/go-detect/cache"
	"github.com/orchardvision/go-detect/detector"
	"github.com/orchardvision/go-detect/inference"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// fakeInferencer returns one fruit per byte of image data, so tests control
// counts through input lengths. It records call order by file name.
type fakeInferencer struct {
	calls       []string
	failOn      string
	annotateDir string
}

func (f *fakeInferencer) Infer(_ context.Context, req inference.Request) (*cache.Prediction, error) {
	f.calls = append(f.calls, req.FileName)
	if f.failOn != "" && req.FileName == f.failOn {
		return nil, errors.New("detector crashed")
	}

	annotated := ""
	if f.annotateDir != "" {
		annotated = filepath.Join(f.annotateDir, req.FileName+".annotated.png")
		if err := os.WriteFile(annotated, []byte("png"), 0o644); err != nil {
			return nil, err
		}
	}

	count := len(req.ImageBytes)
	return &cache.Prediction{
		DetectedCount:      count,
		WeightKg:           float64(count) * 0.105,
		TotalWeightKg:      float64(count) * 0.105,
		ConfidenceScore:    0.8,
		AnnotatedImagePath: annotated,
		Profile:            req.Profile,
	}, nil
}

// gridImages builds rows*cols images where image i contains i+1 bytes, so
// detection counts are 1..n in input order.
func gridImages(n int) []Image {
	imgs := make([]Image, n)
	for i := range imgs {
		imgs[i] = Image{
			Name: fmt.Sprintf("cell_%02d.jpg", i+1),
			Data: make([]byte, i+1),
		}
	}
	return imgs
}

func elmaProfile() detector.Profile {
	return detector.Profile{DetectorID: "elma", ConfidenceThreshold: 0.1, IoUThreshold: 0.45}
}

func TestRunRejectsGridMismatchBeforeInference(t *testing.T) {
	fake := &fakeInferencer{}
	p := NewPipeline(fake, t.TempDir(), testLogger())

	_, err := p.Run(context.Background(), nil, Request{
		Images:  gridImages(5),
		Rows:    2,
		Cols:    3,
		Profile: elmaProfile(),
	})

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, 6, verr.Expected)
	assert.Equal(t, 5, verr.Actual)
	// No model work happened before the rejection.
	assert.Empty(t, fake.calls)
}

func TestRunRejectsNonPositiveGrid(t *testing.T) {
	fake := &fakeInferencer{}
	p := NewPipeline(fake, t.TempDir(), testLogger())

	_, err := p.Run(context.Background(), nil, Request{
		Images: gridImages(0), Rows: 0, Cols: 3, Profile: elmaProfile(),
	})

	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Empty(t, fake.calls)
}

func TestRunRowMajorReshape(t *testing.T) {
	fake := &fakeInferencer{}
	p := NewPipeline(fake, t.TempDir(), testLogger())

	res, err := p.Run(context.Background(), nil, Request{
		Images:  gridImages(6),
		Rows:    2,
		Cols:    3,
		Profile: elmaProfile(),
	})
	require.NoError(t, err)

	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5, 6}}, res.Counts)
	assert.Equal(t, 21, res.TotalDetected)
	assert.InDelta(t, 21*0.105, res.TotalWeightKg, 1e-9)
}

func TestRunProcessesImagesInInputOrder(t *testing.T) {
	fake := &fakeInferencer{}
	p := NewPipeline(fake, t.TempDir(), testLogger())

	var seen []int
	_, err := p.Run(context.Background(), func(done, total int) {
		seen = append(seen, done)
		assert.Equal(t, 4, total)
	}, Request{
		Images: gridImages(4), Rows: 2, Cols: 2, Profile: elmaProfile(),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"cell_01.jpg", "cell_02.jpg", "cell_03.jpg", "cell_04.jpg"}, fake.calls)
	assert.Equal(t, []int{1, 2, 3, 4}, seen)
}

func TestRunWritesReport(t *testing.T) {
	fake := &fakeInferencer{}
	p := NewPipeline(fake, t.TempDir(), testLogger())

	res, err := p.Run(context.Background(), nil, Request{
		Images: gridImages(4), Rows: 2, Cols: 2, Profile: elmaProfile(),
	})
	require.NoError(t, err)

	f, err := excelize.OpenFile(res.ReportPath)
	require.NoError(t, err)
	defer f.Close()

	// Grid sheet mirrors the counts matrix.
	v, err := f.GetCellValue("Grid", "B2")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
	v, err = f.GetCellValue("Grid", "C3")
	require.NoError(t, err)
	assert.Equal(t, "4", v)

	// Details sheet has one row per image.
	rows, err := f.GetRows("Details")
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, "cell_03.jpg", rows[3][2])
}

func TestRunBundlesReportAndAnnotatedImages(t *testing.T) {
	fake := &fakeInferencer{annotateDir: t.TempDir()}
	p := NewPipeline(fake, t.TempDir(), testLogger())

	res, err := p.Run(context.Background(), nil, Request{
		Images: gridImages(4), Rows: 2, Cols: 2, Profile: elmaProfile(),
	})
	require.NoError(t, err)

	zr, err := zip.OpenReader(res.BundlePath)
	require.NoError(t, err)
	defer zr.Close()

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "report.xlsx")
	assert.Contains(t, names, "001_cell_01.jpg.annotated.png")
	assert.Len(t, names, 5)
}

func TestRunAbortsOnFirstFailureAndCleansUp(t *testing.T) {
	outputDir := t.TempDir()
	fake := &fakeInferencer{failOn: "cell_03.jpg"}
	p := NewPipeline(fake, outputDir, testLogger())

	_, err := p.Run(context.Background(), nil, Request{
		Images: gridImages(6), Rows: 2, Cols: 3, Profile: elmaProfile(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cell_03.jpg")

	// Processing stopped at the failing image.
	assert.Len(t, fake.calls, 3)

	// No partial artifacts survive the failure.
	entries, err := os.ReadDir(outputDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunCancelledContext(t *testing.T) {
	outputDir := t.TempDir()
	fake := &fakeInferencer{}
	p := NewPipeline(fake, outputDir, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Run(ctx, nil, Request{
		Images: gridImages(4), Rows: 2, Cols: 2, Profile: elmaProfile(),
	})
	assert.True(t, errors.Is(err, context.Canceled))

	entries, err := os.ReadDir(outputDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
