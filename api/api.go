// Package api - HTTP facade over the detection pipeline.
//
// Inference never runs on the request goroutine: detection and batch
// endpoints enqueue a job and return 202 with a job id, and callers poll
// the job endpoint for the terminal result. Error payloads carry stable
// machine-readable codes and never leak stack traces or filesystem paths.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/orchardvision/go-detect/batch"
	"github.com/orchardvision/go-detect/cache"
	"github.com/orchardvision/go-detect/detector"
	"github.com/orchardvision/go-detect/fruits"
	"github.com/orchardvision/go-detect/health"
	"github.com/orchardvision/go-detect/inference"
	"github.com/orchardvision/go-detect/jobs"
)

// maxUploadBytes bounds one multipart request body.
const maxUploadBytes = 64 << 20

// Inferencer is the single-image inference dependency.
type Inferencer interface {
	Infer(ctx context.Context, req inference.Request) (*cache.Prediction, error)
}

// BatchRunner executes a validated batch request.
type BatchRunner interface {
	Run(ctx context.Context, progress func(done, total int), req batch.Request) (*batch.Result, error)
}

// Recorder receives observed confidence scores for health monitoring.
type Recorder interface {
	Record(detectorID string, confidence float64, at time.Time)
}

// Server is the HTTP facade.
type Server struct {
	router     *mux.Router
	inferencer Inferencer
	runner     BatchRunner
	cache      *cache.PredictionCache
	tracker    *jobs.Tracker
	catalog    *fruits.Catalog
	monitor    *health.Monitor
	recorder   Recorder
	uploadDir  string
	log        *logrus.Logger
}

// NewServer wires the routes.
//
// Arguments:
//   - inferencer: Single-image inference path.
//   - runner: Batch pipeline.
//   - c: Prediction cache, for invalidation and statistics endpoints.
//   - tracker: Async job tracker.
//   - catalog: Registered model set.
//   - monitor: Model health monitor.
//   - recorder: Confidence history sink; may be nil.
//   - uploadDir: Directory for transient request uploads.
//   - log: Structured logger.
//
// Returns:
//   - *Server: Ready http.Handler.
func NewServer(
	inferencer Inferencer,
	runner BatchRunner,
	c *cache.PredictionCache,
	tracker *jobs.Tracker,
	catalog *fruits.Catalog,
	monitor *health.Monitor,
	recorder Recorder,
	uploadDir string,
	log *logrus.Logger,
) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		inferencer: inferencer,
		runner:     runner,
		cache:      c,
		tracker:    tracker,
		catalog:    catalog,
		monitor:    monitor,
		recorder:   recorder,
		uploadDir:  uploadDir,
		log:        log,
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/detections", s.handleDetect).Methods(http.MethodPost)
	api.HandleFunc("/batches", s.handleBatch).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", s.handleJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/bundle", s.handleJobBundle).Methods(http.MethodGet)
	api.HandleFunc("/cache", s.handleInvalidate).Methods(http.MethodDelete)
	api.HandleFunc("/cache/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/models", s.handleModels).Methods(http.MethodGet)
	api.HandleFunc("/health/models", s.handleModelHealth).Methods(http.MethodGet)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("writing response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]errorBody{
		"error": {Code: code, Message: message},
	})
}

// profileFromForm resolves the detector profile: catalog defaults with
// optional per-request threshold overrides.
func (s *Server) profileFromForm(r *http.Request) (detector.Profile, *errorBody) {
	id := r.FormValue("detector_id")
	if id == "" {
		return detector.Profile{}, &errorBody{Code: "missing_detector", Message: "detector_id is required"}
	}
	info, err := s.catalog.Get(id)
	if err != nil {
		return detector.Profile{}, &errorBody{Code: "unknown_detector", Message: "unknown detector id: " + id}
	}

	profile := info.DefaultProfile()
	if v := r.FormValue("confidence"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil || f <= 0 || f > 1 {
			return detector.Profile{}, &errorBody{Code: "invalid_confidence", Message: "confidence must be in (0, 1]"}
		}
		profile.ConfidenceThreshold = float32(f)
	}
	if v := r.FormValue("iou"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil || f <= 0 || f > 1 {
			return detector.Profile{}, &errorBody{Code: "invalid_iou", Message: "iou must be in (0, 1]"}
		}
		profile.IoUThreshold = float32(f)
	}
	return profile, nil
}

func treeCountFromForm(r *http.Request) (int, bool) {
	v := r.FormValue("tree_count")
	if v == "" {
		return 1, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// handleDetect accepts one image and enqueues an inference job.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "expected multipart form data")
		return
	}

	profile, badReq := s.profileFromForm(r)
	if badReq != nil {
		s.writeError(w, http.StatusBadRequest, badReq.Code, badReq.Message)
		return
	}
	treeCount, ok := treeCountFromForm(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid_tree_count", "tree_count must be a positive integer")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "missing_image", "image file is required")
		return
	}
	defer file.Close()

	tempPath, err := s.spool(file)
	if err != nil {
		s.log.WithError(err).Error("spooling upload")
		s.writeError(w, http.StatusInternalServerError, "internal", "could not accept upload")
		return
	}

	fileName := header.Filename
	id, err := s.tracker.Submit(jobs.Work{
		TempPath: tempPath,
		Run: func(ctx context.Context, progress jobs.ProgressFunc) (jobs.Outcome, error) {
			data, err := os.ReadFile(tempPath)
			if err != nil {
				return jobs.Outcome{}, errors.Wrap(err, "reading upload")
			}
			progress(30, "running detection")
			pred, err := s.inferencer.Infer(ctx, inference.Request{
				ImageBytes: data,
				Profile:    profile,
				TreeCount:  treeCount,
				FileName:   fileName,
			})
			if err != nil {
				return jobs.Outcome{}, err
			}
			if s.recorder != nil {
				s.recorder.Record(profile.DetectorID, pred.ConfidenceScore, time.Now())
			}
			return jobs.Outcome{Prediction: pred}, nil
		},
	})
	if err != nil {
		os.Remove(tempPath)
		s.submitError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

// handleBatch accepts a grid of images and enqueues a batch job. Grid shape
// is validated synchronously so malformed requests fail with 400 instead of
// a failed job.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "expected multipart form data")
		return
	}

	profile, badReq := s.profileFromForm(r)
	if badReq != nil {
		s.writeError(w, http.StatusBadRequest, badReq.Code, badReq.Message)
		return
	}
	treeCount, ok := treeCountFromForm(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid_tree_count", "tree_count must be a positive integer")
		return
	}

	rows, err := strconv.Atoi(r.FormValue("rows"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_grid", "rows must be an integer")
		return
	}
	cols, err := strconv.Atoi(r.FormValue("cols"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_grid", "cols must be an integer")
		return
	}

	files := r.MultipartForm.File["images"]
	images := make([]batch.Image, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "unreadable image part")
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "unreadable image part")
			return
		}
		images = append(images, batch.Image{Name: fh.Filename, Data: data})
	}

	req := batch.Request{
		Images:    images,
		Rows:      rows,
		Cols:      cols,
		Profile:   profile,
		TreeCount: treeCount,
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, "grid_mismatch", err.Error())
		return
	}

	id, err := s.tracker.Submit(jobs.Work{
		Classify: classifyBatchError,
		Run: func(ctx context.Context, progress jobs.ProgressFunc) (jobs.Outcome, error) {
			res, err := s.runner.Run(ctx, func(done, total int) {
				progress(10+done*85/total, "processing grid images")
			}, req)
			if err != nil {
				return jobs.Outcome{}, err
			}
			return jobs.Outcome{BundlePath: res.BundlePath}, nil
		},
	})
	if err != nil {
		s.submitError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func classifyBatchError(err error) jobs.ErrorKind {
	var verr *batch.ValidationError
	if errors.As(err, &verr) {
		return jobs.ErrKindValidation
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return jobs.ErrKindTimeout
	}
	return jobs.ErrKindInternal
}

func (s *Server) submitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrQueueFull):
		s.writeError(w, http.StatusTooManyRequests, "queue_full", "job queue is full, retry later")
	case errors.Is(err, jobs.ErrTrackerClosed):
		s.writeError(w, http.StatusServiceUnavailable, "shutting_down", "service is shutting down")
	default:
		s.writeError(w, http.StatusInternalServerError, "internal", "could not enqueue job")
	}
}

// jobView is the wire form of a job snapshot. Internal error detail is
// replaced with a generic message; other kinds carry their original text.
type jobView struct {
	ID              string            `json:"id"`
	State           jobs.State        `json:"state"`
	ProgressPercent int               `json:"progress_percent"`
	ProgressMessage string            `json:"progress_message,omitempty"`
	Result          *cache.Prediction `json:"result,omitempty"`
	BundleAvailable bool              `json:"bundle_available,omitempty"`
	ErrorKind       jobs.ErrorKind    `json:"error_kind,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job := s.tracker.Poll(mux.Vars(r)["id"])

	view := jobView{
		ID:              job.ID,
		State:           job.State,
		ProgressPercent: job.ProgressPercent,
		ProgressMessage: job.ProgressMessage,
		Result:          job.Result,
		BundleAvailable: job.BundlePath != "",
		ErrorKind:       job.ErrorKind,
		ErrorMessage:    job.ErrorMessage,
	}
	if job.ErrorKind == jobs.ErrKindInternal {
		view.ErrorMessage = "unexpected error during processing"
	}
	if view.Result != nil {
		// The annotated path is a server-side location, not for callers.
		scrubbed := *view.Result
		scrubbed.AnnotatedImagePath = ""
		view.Result = &scrubbed
	}

	status := http.StatusOK
	if job.State == jobs.StateUnknown {
		status = http.StatusNotFound
	}
	s.writeJSON(w, status, view)
}

// handleJobBundle streams the zip produced by a completed batch job. The
// bundle location itself stays server-side; callers only ever see the
// archive bytes.
func (s *Server) handleJobBundle(w http.ResponseWriter, r *http.Request) {
	job := s.tracker.Poll(mux.Vars(r)["id"])
	if job.State != jobs.StateSuccess || job.BundlePath == "" {
		s.writeError(w, http.StatusNotFound, "bundle_not_found", "no bundle available for this job")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+job.ID+`.zip"`)
	http.ServeFile(w, r, job.BundlePath)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	detectorID := r.URL.Query().Get("detector_id")
	if detectorID != "" && !s.catalog.Has(detectorID) {
		s.writeError(w, http.StatusBadRequest, "unknown_detector", "unknown detector id: "+detectorID)
		return
	}

	removed := s.cache.InvalidateAll(r.Context(), detectorID)
	s.writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cache.Stats(r.Context()))
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]fruits.ModelInfo{"models": s.catalog.List()})
}

func (s *Server) handleModelHealth(w http.ResponseWriter, r *http.Request) {
	assessments, err := s.monitor.CheckAll(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", "health check failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]health.Assessment{"models": assessments})
}

// spool writes an upload to a temp file under uploadDir. The job worker
// removes it exactly once when the job finishes.
func (s *Server) spool(src io.Reader) (string, error) {
	f, err := os.CreateTemp(s.uploadDir, "upload-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
