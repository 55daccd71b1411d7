// Package onnx runs single-stage YOLO models exported to ONNX through
// onnxruntime. The backend thresholds and deduplicates its own output, so
// callers receive final corner boxes.
package onnx

import (
	"context"
	"fmt"
	"image"
	"os"
	"runtime"
	"sync"

	"github.com/nfnt/resize"
	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/menta2k/image-detector/pkg/detection"
	"github.com/menta2k/image-detector/pkg/types"
)

// Config holds settings for the ONNX backend
type Config struct {
	ModelPath           string
	SharedLibraryPath   string
	InputSize           int
	ConfidenceThreshold float64
	IoUThreshold        float64
	UseCUDA             bool
	Classes             []string
}

// DefaultConfig returns YOLO11 export defaults
func DefaultConfig() Config {
	return Config{
		InputSize:           640,
		ConfidenceThreshold: 0.25,
		IoUThreshold:        0.45,
		UseCUDA:             true,
		Classes:             detection.COCOClasses,
	}
}

var (
	envOnce sync.Once
	envErr  error
)

func initEnvironment(libPath string) error {
	envOnce.Do(func() {
		if libPath == "" {
			libPath = defaultSharedLibPath()
		}
		ort.SetSharedLibraryPath(libPath)
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

func defaultSharedLibPath() string {
	if p := os.Getenv("ONNXRUNTIME_LIB"); p != "" {
		return p
	}
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	}
	if runtime.GOARCH == "arm64" {
		return "./third_party/onnxruntime_arm64.so"
	}
	return "./third_party/onnxruntime.so"
}

// Backend is a loaded ONNX YOLO session with preallocated tensors
type Backend struct {
	cfg     Config
	log     logrus.FieldLogger
	anchors int

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// New loads the model. CUDA is attempted first when enabled; any failure to
// bind it falls back to the CPU provider with a warning.
func New(cfg Config, log logrus.FieldLogger) (*Backend, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = 640
	}
	if len(cfg.Classes) == 0 {
		cfg.Classes = detection.COCOClasses
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model file not found: %s", cfg.ModelPath)
	}
	if err := initEnvironment(cfg.SharedLibraryPath); err != nil {
		return nil, fmt.Errorf("failed to initialize onnxruntime: %w", err)
	}

	size := int64(cfg.InputSize)
	// YOLO11 emits one column per anchor across the three stride levels
	anchors := (cfg.InputSize/8)*(cfg.InputSize/8) + (cfg.InputSize/16)*(cfg.InputSize/16) + (cfg.InputSize/32)*(cfg.InputSize/32)

	input, err := ort.NewTensor(ort.NewShape(1, 3, size, size), make([]float32, 3*cfg.InputSize*cfg.InputSize))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+len(cfg.Classes)), int64(anchors)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := newSession(cfg, input, output, log)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"model":   cfg.ModelPath,
		"size":    cfg.InputSize,
		"classes": len(cfg.Classes),
	}).Info("onnx model loaded")

	return &Backend{
		cfg:     cfg,
		log:     log,
		anchors: anchors,
		session: session,
		input:   input,
		output:  output,
	}, nil
}

func newSession(cfg Config, input, output *ort.Tensor[float32], log logrus.FieldLogger) (*ort.AdvancedSession, error) {
	create := func(useCUDA bool) (*ort.AdvancedSession, error) {
		options, err := ort.NewSessionOptions()
		if err != nil {
			return nil, err
		}
		defer options.Destroy()

		if useCUDA {
			cudaOpts, err := ort.NewCUDAProviderOptions()
			if err != nil {
				return nil, err
			}
			defer cudaOpts.Destroy()
			if err := options.AppendExecutionProviderCUDA(cudaOpts); err != nil {
				return nil, err
			}
		}

		return ort.NewAdvancedSession(
			cfg.ModelPath,
			[]string{"images"},
			[]string{"output0"},
			[]ort.ArbitraryTensor{input},
			[]ort.ArbitraryTensor{output},
			options,
		)
	}

	if cfg.UseCUDA {
		session, err := create(true)
		if err == nil {
			log.Info("onnx session bound to CUDA")
			return session, nil
		}
		log.WithError(err).Warn("CUDA unavailable, continuing on CPU")
	}

	session, err := create(false)
	if err != nil {
		return nil, fmt.Errorf("failed to create onnx session: %w", err)
	}
	return session, nil
}

// Infer runs the model and returns deduplicated corner boxes in image pixels
func (b *Backend) Infer(ctx context.Context, img image.Image) ([]detection.CornerBox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	data := Preprocess(img, b.cfg.InputSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	copy(b.input.GetData(), data)
	if err := b.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx run failed: %w", err)
	}

	return Postprocess(b.output.GetData(), PostprocessConfig{
		NumClasses:          len(b.cfg.Classes),
		NumAnchors:          b.anchors,
		InputSize:           b.cfg.InputSize,
		ImageWidth:          bounds.Dx(),
		ImageHeight:         bounds.Dy(),
		ConfidenceThreshold: b.cfg.ConfidenceThreshold,
		IoUThreshold:        b.cfg.IoUThreshold,
	}), nil
}

// Classes returns the model's class table
func (b *Backend) Classes() []string {
	return b.cfg.Classes
}

// Close destroys the session and tensors
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var err error
	if b.session != nil {
		err = b.session.Destroy()
		b.session = nil
	}
	if b.input != nil {
		b.input.Destroy()
		b.input = nil
	}
	if b.output != nil {
		b.output.Destroy()
		b.output = nil
	}
	return err
}

// Preprocess resizes img to size x size and lays it out as normalized NCHW
func Preprocess(img image.Image, size int) []float32 {
	resized := resize.Resize(uint(size), uint(size), img, resize.Lanczos3)
	rb := resized.Bounds()
	plane := size * size
	input := make([]float32, 3*plane)

	idx := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, bl, _ := resized.At(rb.Min.X+x, rb.Min.Y+y).RGBA()
			input[idx] = float32(r>>8) / 255.0
			input[idx+plane] = float32(g>>8) / 255.0
			input[idx+2*plane] = float32(bl>>8) / 255.0
			idx++
		}
	}
	return input
}

// PostprocessConfig describes the raw output layout and thresholds
type PostprocessConfig struct {
	NumClasses          int
	NumAnchors          int
	InputSize           int
	ImageWidth          int
	ImageHeight         int
	ConfidenceThreshold float64
	IoUThreshold        float64
}

// Postprocess decodes a [1, 4+classes, anchors] output, applies the score
// threshold and per-class NMS, and scales boxes back to the source image
func Postprocess(output []float32, cfg PostprocessConfig) []detection.CornerBox {
	n := cfg.NumAnchors
	if len(output) < n*(4+cfg.NumClasses) {
		return nil
	}
	sx := float64(cfg.ImageWidth) / float64(cfg.InputSize)
	sy := float64(cfg.ImageHeight) / float64(cfg.InputSize)

	var candidates []detection.CornerBox
	var dets []types.Detection
	for i := 0; i < n; i++ {
		classID, prob := 0, float32(0)
		for j := 0; j < cfg.NumClasses; j++ {
			if curr := output[n*(j+4)+i]; curr > prob {
				prob = curr
				classID = j
			}
		}
		if float64(prob) < cfg.ConfidenceThreshold {
			continue
		}

		xc := float64(output[i])
		yc := float64(output[n+i])
		w := float64(output[2*n+i])
		h := float64(output[3*n+i])

		cb := detection.CornerBox{
			X1:         (xc - w/2) * sx,
			Y1:         (yc - h/2) * sy,
			X2:         (xc + w/2) * sx,
			Y2:         (yc + h/2) * sy,
			ClassID:    classID,
			Confidence: float64(prob),
		}
		candidates = append(candidates, cb)
		dets = append(dets, types.Detection{
			Box:        types.BoxFromCorners(cb.X1, cb.Y1, cb.X2, cb.Y2),
			Confidence: cb.Confidence,
			ClassID:    classID,
		})
	}

	keep := detection.SuppressPerClass(dets, cfg.ConfidenceThreshold, cfg.IoUThreshold, detection.GreedyNMS)
	out := make([]detection.CornerBox, 0, len(keep))
	for _, i := range keep {
		out = append(out, candidates[i])
	}
	return out
}
