// Package detector - ONNX Runtime backed fruit/tree detector.
package detector

import (
	"context"
	"image"
	"runtime"
	"sync"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/orchardvision/go-detect/images"
)

// Device selects where inference runs. Chosen once per process at first
// model load and not re-evaluated per call.
type Device string

const (
	// DeviceCPU runs inference on the CPU execution provider.
	DeviceCPU Device = "cpu"
	// DeviceAccelerator runs inference on CUDA when available.
	DeviceAccelerator Device = "accelerator"
)

// ONNXConfig configures a single ONNX detector instance.
type ONNXConfig struct {
	// ModelPath is the filesystem path of the .onnx artifact.
	ModelPath string `json:"model_path" yaml:"model_path"`
	// InputSize is the square side length the model expects (e.g. 640).
	InputSize int `json:"input_size" yaml:"input_size"`
	// NumClasses is the class count of the model head.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// Profile carries the confidence and IoU thresholds applied during
	// postprocessing.
	Profile Profile `json:"profile" yaml:"profile"`
	// Device selects the execution provider.
	Device Device `json:"device" yaml:"device"`
	// SharedLibPath overrides the onnxruntime shared library location.
	SharedLibPath string `json:"shared_lib_path" yaml:"shared_lib_path"`
}

var ortInit sync.Once

// initEnvironment initializes the process-wide ONNX Runtime environment.
// Safe to call from every detector constructor.
func initEnvironment(libPath string) error {
	var err error
	ortInit.Do(func() {
		if libPath == "" {
			libPath = defaultSharedLibPath()
		}
		ort.SetSharedLibraryPath(libPath)
		err = ort.InitializeEnvironment()
	})
	return err
}

func defaultSharedLibPath() string {
	switch runtime.GOOS {
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return "third_party/onnxruntime_arm64.dylib"
		}
		return "third_party/onnxruntime.dylib"
	case "windows":
		return "third_party/onnxruntime.dll"
	default:
		if runtime.GOARCH == "arm64" {
			return "third_party/onnxruntime_arm64.so"
		}
		return "third_party/onnxruntime.so"
	}
}

// ONNXDetector runs a YOLO-family ONNX model through onnxruntime.
//
// A detector owns one session with pre-allocated input/output tensors, so
// Detect is serialized with a mutex; concurrency comes from loading one
// detector per model id and fanning work across the job worker pool.
type ONNXDetector struct {
	cfg    ONNXConfig
	mu     sync.Mutex
	sess   *ort.AdvancedSession
	input  *ort.Tensor[float32]
	output *ort.Tensor[float32]
	closed bool
}

// NewONNXDetector loads the model artifact and prepares a reusable session.
//
// Arguments:
//   - cfg: Detector configuration. InputSize and NumClasses must be set.
//
// Returns:
//   - *ONNXDetector: Ready detector.
//   - error: Load or session-creation failure.
func NewONNXDetector(cfg ONNXConfig) (*ONNXDetector, error) {
	if cfg.InputSize <= 0 {
		return nil, errors.New("onnx detector: input size must be positive")
	}
	if cfg.NumClasses <= 0 {
		return nil, errors.New("onnx detector: class count must be positive")
	}

	if err := initEnvironment(cfg.SharedLibPath); err != nil {
		return nil, errors.Wrap(err, "initializing onnxruntime environment")
	}

	inputShape := ort.NewShape(1, 3, int64(cfg.InputSize), int64(cfg.InputSize))
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, errors.Wrap(err, "creating input tensor")
	}

	anchors := anchorCount(cfg.InputSize)
	outputShape := ort.NewShape(1, int64(cfg.NumClasses+4), anchors)
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, errors.Wrap(err, "creating output tensor")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, errors.Wrap(err, "creating session options")
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(runtime.NumCPU())
	options.SetInterOpNumThreads(1)
	options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended)

	if cfg.Device == DeviceAccelerator {
		cudaOpts, cudaErr := ort.NewCUDAProviderOptions()
		if cudaErr == nil {
			defer cudaOpts.Destroy()
			if appendErr := options.AppendExecutionProviderCUDA(cudaOpts); appendErr != nil {
				// Accelerator unavailable at session creation; the CPU
				// provider remains as fallback.
				cfg.Device = DeviceCPU
			}
		} else {
			cfg.Device = DeviceCPU
		}
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, errors.Wrapf(err, "loading model %s", cfg.ModelPath)
	}

	return &ONNXDetector{
		cfg:    cfg,
		sess:   session,
		input:  inputTensor,
		output: outputTensor,
	}, nil
}

// anchorCount returns the flattened anchor count of a YOLO head for the
// standard 8/16/32 stride pyramid.
func anchorCount(inputSize int) int64 {
	var total int64
	for _, stride := range []int{8, 16, 32} {
		side := int64(inputSize / stride)
		total += side * side
	}
	return total
}

// Device reports the execution provider actually in use.
func (d *ONNXDetector) Device() Device { return d.cfg.Device }

// Detect runs the model over one image and returns accepted detections in
// source-image coordinates.
//
// Arguments:
//   - ctx: Cancels waiting before the session is entered; a run already in
//     flight is not interruptible.
//   - img: Decoded source image.
//
// Returns:
//   - []Detection: Detections surviving confidence filtering and NMS.
//   - error: Session failure or cancellation.
func (d *ONNXDetector) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, errors.New("onnx detector: session closed")
	}

	bounds := img.Bounds()
	srcW := float32(bounds.Dx())
	srcH := float32(bounds.Dy())

	d.preprocess(img)

	if err := d.sess.Run(); err != nil {
		return nil, errors.Wrap(err, "running onnx session")
	}

	return d.postprocess(d.output.GetData(), srcW, srcH), nil
}

// preprocess resizes to the model square and fills the input tensor in CHW
// layout with [0,1] normalized values.
func (d *ONNXDetector) preprocess(img image.Image) {
	size := d.cfg.InputSize
	resized := resize.Resize(uint(size), uint(size), img, resize.Lanczos3)

	data := d.input.GetData()
	stride := size * size
	idx := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			data[idx] = float32(r>>8) / 255.0
			data[idx+stride] = float32(g>>8) / 255.0
			data[idx+2*stride] = float32(b>>8) / 255.0
			idx++
		}
	}
}

// postprocess decodes the [1, 4+C, anchors] output layout, applies the
// profile's confidence threshold and NMS, and scales boxes back to source
// coordinates.
func (d *ONNXDetector) postprocess(output []float32, srcW, srcH float32) []Detection {
	numClasses := d.cfg.NumClasses
	perAnchor := numClasses + 4
	anchors := len(output) / perAnchor
	if anchors == 0 || len(output) != anchors*perAnchor {
		return nil
	}

	size := float32(d.cfg.InputSize)
	candidates := make([]Detection, 0, 64)

	for i := 0; i < anchors; i++ {
		classID, score := 0, float32(0)
		for c := 0; c < numClasses; c++ {
			if s := output[(c+4)*anchors+i]; s > score {
				score = s
				classID = c
			}
		}
		if score < d.cfg.Profile.ConfidenceThreshold {
			continue
		}

		xc := output[i]
		yc := output[anchors+i]
		w := output[2*anchors+i]
		h := output[3*anchors+i]

		candidates = append(candidates, Detection{
			Box: images.Rect{
				X1: (xc - w/2) / size * srcW,
				Y1: (yc - h/2) / size * srcH,
				X2: (xc + w/2) / size * srcW,
				Y2: (yc + h/2) / size * srcH,
			},
			Score: score,
			Class: classID,
		})
	}

	return ApplyNMS(candidates, d.cfg.Profile.IoUThreshold)
}

// Close destroys the session and tensors. Detect fails afterwards.
func (d *ONNXDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	if d.input != nil {
		d.input.Destroy()
		d.input = nil
	}
	if d.output != nil {
		d.output.Destroy()
		d.output = nil
	}
	if d.sess != nil {
		d.sess.Destroy()
		d.sess = nil
	}
	return nil
}
