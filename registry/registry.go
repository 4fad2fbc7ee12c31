// Package registry - Process-local cache of loaded detector instances.
//
// Model artifacts are large and slow to load, so one detector is loaded per
// model id per process and shared by all callers. The registry is an
// explicit injected object rather than ambient package state, so tests can
// construct a fresh instance.
package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/orchardvision/go-detect/detector"
	"github.com/orchardvision/go-detect/fruits"
)

// ErrModelUnavailable marks a model artifact that is missing or failed to
// load. The failure is scoped to its model id; other ids stay loadable.
var ErrModelUnavailable = errors.New("model unavailable")

// Handle is a loaded, shareable detector instance.
type Handle struct {
	ModelID  string
	Detector detector.Detector
	Device   detector.Device
	LoadedAt time.Time
}

// Loader instantiates a detector for a model id on the chosen device.
type Loader func(modelID string, device detector.Device) (detector.Detector, error)

// DevicePolicy decides where inference runs. Evaluated once per process at
// first load and never re-evaluated per call.
type DevicePolicy func() detector.Device

// DefaultDevicePolicy selects the accelerator when CUDA devices are
// exposed to the process, CPU otherwise.
func DefaultDevicePolicy() detector.Device {
	if v := os.Getenv("CUDA_VISIBLE_DEVICES"); v != "" && v != "-1" {
		return detector.DeviceAccelerator
	}
	return detector.DeviceCPU
}

// Registry lazily loads and memoizes one detector per model id.
type Registry struct {
	loader Loader
	policy DevicePolicy
	log    *logrus.Logger

	mu      sync.RWMutex
	handles map[string]*Handle

	flight singleflight.Group

	deviceOnce sync.Once
	device     detector.Device
}

// New creates a registry with the given loader.
//
// Arguments:
//   - loader: Builds a detector for a model id; called at most once per id
//     per process under normal operation.
//   - policy: Device selection policy; DefaultDevicePolicy when nil.
//   - log: Structured logger.
//
// Returns:
//   - *Registry: Empty registry.
func New(loader Loader, policy DevicePolicy, log *logrus.Logger) *Registry {
	if policy == nil {
		policy = DefaultDevicePolicy
	}
	return &Registry{
		loader:  loader,
		policy:  policy,
		log:     log,
		handles: make(map[string]*Handle),
	}
}

// Device returns the process-wide device choice, deciding it on first use.
func (r *Registry) Device() detector.Device {
	r.deviceOnce.Do(func() {
		r.device = r.policy()
		r.log.WithField("device", r.device).Info("inference device selected")
	})
	return r.device
}

// Get returns the memoized handle for modelID, loading it on first use.
// Concurrent callers racing on the first load await the same load instead
// of each performing a redundant one. A failed load is not memoized and
// does not affect other model ids.
//
// Arguments:
//   - ctx: Cancels the wait, not an in-flight load shared with others.
//   - modelID: Catalog identifier of the model.
//
// Returns:
//   - *Handle: Shared detector handle.
//   - error: ErrModelUnavailable-wrapped load failure.
func (r *Registry) Get(ctx context.Context, modelID string) (*Handle, error) {
	r.mu.RLock()
	handle, ok := r.handles[modelID]
	r.mu.RUnlock()
	if ok {
		return handle, nil
	}

	ch := r.flight.DoChan(modelID, func() (interface{}, error) {
		// Re-check under the flight: a previous winner may have
		// populated the map while this call was queued.
		r.mu.RLock()
		existing, found := r.handles[modelID]
		r.mu.RUnlock()
		if found {
			return existing, nil
		}

		device := r.Device()
		start := time.Now()
		det, err := r.loader(modelID, device)
		if err != nil {
			r.log.WithError(err).WithField("model_id", modelID).Error("model load failed")
			return nil, errors.Wrapf(ErrModelUnavailable, "%s: %v", modelID, err)
		}

		loaded := &Handle{
			ModelID:  modelID,
			Detector: det,
			Device:   device,
			LoadedAt: time.Now(),
		}

		r.mu.Lock()
		r.handles[modelID] = loaded
		r.mu.Unlock()

		r.log.WithFields(logrus.Fields{
			"model_id": modelID,
			"device":   device,
			"took":     time.Since(start),
		}).Info("model loaded")
		return loaded, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LoadedIDs returns the ids of models currently resident in this process.
func (r *Registry) LoadedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	return ids
}

// Close releases every loaded detector. The registry is unusable after.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for id, handle := range r.handles {
		if err := handle.Detector.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "closing %s", id)
		}
		delete(r.handles, id)
	}
	return first
}

// CatalogLoader builds the production Loader: it resolves a model id
// through the fruit catalog and loads the ONNX artifact from modelsDir.
//
// Arguments:
//   - catalog: Model catalog carrying artifact names and thresholds.
//   - modelsDir: Directory holding the .onnx files.
//
// Returns:
//   - Loader: Loader for use with New.
func CatalogLoader(catalog *fruits.Catalog, modelsDir string) Loader {
	return func(modelID string, device detector.Device) (detector.Detector, error) {
		info, err := catalog.Get(modelID)
		if err != nil {
			return nil, err
		}

		path := filepath.Join(modelsDir, info.ArtifactFile)
		if _, err := os.Stat(path); err != nil {
			return nil, errors.Wrapf(err, "model artifact %s", path)
		}

		return detector.NewONNXDetector(detector.ONNXConfig{
			ModelPath:  path,
			InputSize:  info.InputSize,
			NumClasses: 1,
			Profile:    info.DefaultProfile(),
			Device:     device,
		})
	}
}
