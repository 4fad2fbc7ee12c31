package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchardvision/go-detect/batch"
	"github.com/orchardvision/go-detect/cache"
	"github.com/orchardvision/go-detect/detector"
	"github.com/orchardvision/go-detect/fruits"
	"github.com/orchardvision/go-detect/health"
	"github.com/orchardvision/go-detect/images"
	"github.com/orchardvision/go-detect/inference"
	"github.com/orchardvision/go-detect/jobs"
	"github.com/orchardvision/go-detect/registry"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type fixedDetector struct {
	detections []detector.Detection
}

func (d fixedDetector) Detect(context.Context, image.Image) ([]detector.Detection, error) {
	return d.detections, nil
}
func (fixedDetector) Close() error { return nil }

func twoBoxes() []detector.Detection {
	return []detector.Detection{
		{Box: images.Rect{X1: 0, Y1: 0, X2: 2, Y2: 2}, Score: 0.9},
		{Box: images.Rect{X1: 4, Y1: 4, X2: 6, Y2: 6}, Score: 0.7},
	}
}

func pngBytes(t *testing.T, seed uint8) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: seed, G: byte(x), B: byte(y), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fixture struct {
	server  *Server
	history *health.MemoryHistory
	cache   *cache.PredictionCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := testLogger()

	loader := func(string, detector.Device) (detector.Detector, error) {
		return fixedDetector{detections: twoBoxes()}, nil
	}
	reg := registry.New(loader, func() detector.Device { return detector.DeviceCPU }, log)
	t.Cleanup(func() { reg.Close() })

	c := cache.New(cache.NewMemoryStore(), log)
	catalog := fruits.DefaultCatalog()
	orch := inference.New(c, reg, catalog, nil, log)
	pipeline := batch.NewPipeline(orch, t.TempDir(), log)

	store := jobs.NewStore(jobs.DefaultRetention, log)
	tracker := jobs.NewTracker(store, jobs.Config{}, log)
	t.Cleanup(tracker.Close)

	history := health.NewMemoryHistory(health.DefaultWindow)
	monitor := health.NewMonitor(history, catalog, health.Config{}, log)

	server := NewServer(orch, pipeline, c, tracker, catalog, monitor, history, t.TempDir(), log)
	return &fixture{server: server, history: history, cache: c}
}

// multipartBody builds a multipart form with the given fields and file
// parts (field name, file name, content).
func multipartBody(t *testing.T, fields map[string]string, files [][3][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, f := range files {
		part, err := mw.CreateFormFile(string(f[0]), string(f[1]))
		require.NoError(t, err)
		_, err = part.Write(f[2])
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (fx *fixture) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	fx.server.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func (fx *fixture) awaitJob(t *testing.T, id string) jobView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := fx.do(t, http.MethodGet, "/api/jobs/"+id, nil, "")
		var view jobView
		decodeJSON(t, rec, &view)
		if view.State.Terminal() {
			return view
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never completed", id)
	return jobView{}
}

func (fx *fixture) submitDetection(t *testing.T, fields map[string]string, img []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, fields, [][3][]byte{
		{[]byte("image"), []byte("tree.png"), img},
	})
	return fx.do(t, http.MethodPost, "/api/detections", body, ct)
}

func TestDetectionLifecycle(t *testing.T) {
	fx := newFixture(t)

	rec := fx.submitDetection(t, map[string]string{
		"detector_id": "elma",
		"tree_count":  "10",
	}, pngBytes(t, 1))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var accepted map[string]string
	decodeJSON(t, rec, &accepted)
	require.NotEmpty(t, accepted["job_id"])

	view := fx.awaitJob(t, accepted["job_id"])
	assert.Equal(t, jobs.StateSuccess, view.State)
	require.NotNil(t, view.Result)
	assert.Equal(t, 2, view.Result.DetectedCount)
	assert.InDelta(t, 2*0.105*10, view.Result.TotalWeightKg, 1e-9)
	// Server-side paths never leave the service.
	assert.Empty(t, view.Result.AnnotatedImagePath)
}

func TestDetectionRecordsConfidenceHistory(t *testing.T) {
	fx := newFixture(t)

	rec := fx.submitDetection(t, map[string]string{"detector_id": "elma"}, pngBytes(t, 2))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted map[string]string
	decodeJSON(t, rec, &accepted)
	fx.awaitJob(t, accepted["job_id"])

	scores, err := fx.history.ConfidenceScores(context.Background(), "elma", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.InDelta(t, 0.8, scores[0], 1e-6)
}

func TestDetectionUnknownDetector(t *testing.T) {
	fx := newFixture(t)

	rec := fx.submitDetection(t, map[string]string{"detector_id": "mango"}, pngBytes(t, 1))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown_detector")
}

func TestDetectionMissingImage(t *testing.T) {
	fx := newFixture(t)

	body, ct := multipartBody(t, map[string]string{"detector_id": "elma"}, nil)
	rec := fx.do(t, http.MethodPost, "/api/detections", body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing_image")
}

func TestDetectionInvalidTreeCount(t *testing.T) {
	fx := newFixture(t)

	rec := fx.submitDetection(t, map[string]string{
		"detector_id": "elma",
		"tree_count":  "-3",
	}, pngBytes(t, 1))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_tree_count")
}

func TestDetectionInvalidConfidenceOverride(t *testing.T) {
	fx := newFixture(t)

	rec := fx.submitDetection(t, map[string]string{
		"detector_id": "elma",
		"confidence":  "1.5",
	}, pngBytes(t, 1))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_confidence")
}

func TestJobUnknownID(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodGet, "/api/jobs/no-such-job", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var view jobView
	decodeJSON(t, rec, &view)
	assert.Equal(t, jobs.StateUnknown, view.State)
}

func TestBatchGridMismatchIsSynchronous(t *testing.T) {
	fx := newFixture(t)

	files := [][3][]byte{
		{[]byte("images"), []byte("a.png"), pngBytes(t, 1)},
		{[]byte("images"), []byte("b.png"), pngBytes(t, 2)},
	}
	body, ct := multipartBody(t, map[string]string{
		"detector_id": "elma", "rows": "2", "cols": "3",
	}, files)

	rec := fx.do(t, http.MethodPost, "/api/batches", body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "grid_mismatch")
}

func TestBatchLifecycle(t *testing.T) {
	fx := newFixture(t)

	files := [][3][]byte{
		{[]byte("images"), []byte("a.png"), pngBytes(t, 1)},
		{[]byte("images"), []byte("b.png"), pngBytes(t, 2)},
		{[]byte("images"), []byte("c.png"), pngBytes(t, 3)},
		{[]byte("images"), []byte("d.png"), pngBytes(t, 4)},
	}
	body, ct := multipartBody(t, map[string]string{
		"detector_id": "elma", "rows": "2", "cols": "2",
	}, files)

	rec := fx.do(t, http.MethodPost, "/api/batches", body, ct)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var accepted map[string]string
	decodeJSON(t, rec, &accepted)
	view := fx.awaitJob(t, accepted["job_id"])

	assert.Equal(t, jobs.StateSuccess, view.State)
	assert.True(t, view.BundleAvailable)
}

func TestBatchBundleDownload(t *testing.T) {
	fx := newFixture(t)

	files := [][3][]byte{
		{[]byte("images"), []byte("a.png"), pngBytes(t, 1)},
		{[]byte("images"), []byte("b.png"), pngBytes(t, 2)},
	}
	body, ct := multipartBody(t, map[string]string{
		"detector_id": "elma", "rows": "1", "cols": "2",
	}, files)

	rec := fx.do(t, http.MethodPost, "/api/batches", body, ct)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted map[string]string
	decodeJSON(t, rec, &accepted)
	view := fx.awaitJob(t, accepted["job_id"])
	require.Equal(t, jobs.StateSuccess, view.State)

	rec = fx.do(t, http.MethodGet, "/api/jobs/"+accepted["job_id"]+"/bundle", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "report.xlsx")
}

func TestBundleUnavailable(t *testing.T) {
	fx := newFixture(t)

	// Unknown job.
	rec := fx.do(t, http.MethodGet, "/api/jobs/no-such-job/bundle", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "bundle_not_found")

	// Completed single-image job has a result, never a bundle.
	rec = fx.submitDetection(t, map[string]string{"detector_id": "elma"}, pngBytes(t, 7))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted map[string]string
	decodeJSON(t, rec, &accepted)
	fx.awaitJob(t, accepted["job_id"])

	rec = fx.do(t, http.MethodGet, "/api/jobs/"+accepted["job_id"]+"/bundle", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCacheInvalidate(t *testing.T) {
	fx := newFixture(t)

	// Populate the cache through a detection.
	rec := fx.submitDetection(t, map[string]string{"detector_id": "elma"}, pngBytes(t, 5))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted map[string]string
	decodeJSON(t, rec, &accepted)
	fx.awaitJob(t, accepted["job_id"])

	rec = fx.do(t, http.MethodDelete, "/api/cache?detector_id=elma", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]int64
	decodeJSON(t, rec, &out)
	assert.Equal(t, int64(1), out["removed"])
}

func TestCacheInvalidateUnknownDetector(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodDelete, "/api/cache?detector_id=mango", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCacheStats(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodGet, "/api/cache/stats", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats cache.Statistics
	decodeJSON(t, rec, &stats)
	assert.False(t, stats.Degraded)
}

func TestModelsList(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodGet, "/api/models", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string][]fruits.ModelInfo
	decodeJSON(t, rec, &out)
	assert.Len(t, out["models"], 6)
}

func TestModelHealth(t *testing.T) {
	fx := newFixture(t)

	for i := 0; i < 12; i++ {
		fx.history.Record("nar", 0.3, time.Now())
	}

	rec := fx.do(t, http.MethodGet, "/api/health/models", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string][]health.Assessment
	decodeJSON(t, rec, &out)
	require.Len(t, out["models"], 6)

	byID := make(map[string]health.Assessment)
	for _, a := range out["models"] {
		byID[a.DetectorID] = a
	}
	assert.True(t, byID["nar"].IsDegraded)
	assert.False(t, byID["elma"].IsDegraded)
}
