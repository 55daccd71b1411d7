package models

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/image-detector/pkg/darknet"
	"github.com/menta2k/image-detector/pkg/detection"
	"github.com/menta2k/image-detector/pkg/detr"
	"github.com/menta2k/image-detector/pkg/onnx"
)

// Config holds everything the loader needs to build any backend
type Config struct {
	// Dir is where relative weight, cfg and names paths are resolved
	Dir        string
	Accelerate bool

	OnnxLibrary    string
	OnnxInputSize  int
	OnnxConfidence float64
	OnnxIoU        float64

	DETRURL       string
	DETRModel     string
	DETRToken     string
	DETRThreshold float64
	DETRTimeout   time.Duration

	DarknetConfig    string
	DarknetNames     string
	DarknetInputSize int

	ConfidenceThreshold float64
	NMSThreshold        float64
}

// DefaultConfig returns the stock model layout under ./models
func DefaultConfig() Config {
	return Config{
		Dir:                 "models",
		Accelerate:          true,
		OnnxInputSize:       640,
		OnnxConfidence:      0.25,
		OnnxIoU:             0.45,
		DETRModel:           detr.DefaultModel,
		DETRThreshold:       0.9,
		DETRTimeout:         2 * time.Minute,
		DarknetConfig:       "yolov3-tiny.cfg",
		DarknetNames:        "coco.names",
		DarknetInputSize:    416,
		ConfidenceThreshold: detection.DefaultConfidenceThreshold,
		NMSThreshold:        detection.DefaultNMSThreshold,
	}
}

// Loader turns selectors into ready detectors
type Loader struct {
	cfg Config
	log logrus.FieldLogger

	singleStage func(onnx.Config, logrus.FieldLogger) (detection.CornerBackend, error)
	transformer func(detr.Config, logrus.FieldLogger) (detection.RecordBackend, error)
	legacy      func(darknet.Config, logrus.FieldLogger) (detection.GridBackend, error)
	suppressor  detection.Suppressor
}

// NewLoader creates a loader backed by the real inference engines
func NewLoader(cfg Config, log logrus.FieldLogger) *Loader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Loader{
		cfg: cfg,
		log: log,
		singleStage: func(c onnx.Config, l logrus.FieldLogger) (detection.CornerBackend, error) {
			b, err := onnx.New(c, l)
			if err != nil {
				return nil, err
			}
			return b, nil
		},
		transformer: func(c detr.Config, l logrus.FieldLogger) (detection.RecordBackend, error) {
			b, err := detr.NewClient(c, l)
			if err != nil {
				return nil, err
			}
			return b, nil
		},
		legacy: func(c darknet.Config, l logrus.FieldLogger) (detection.GridBackend, error) {
			b, err := darknet.New(c, l)
			if err != nil {
				return nil, err
			}
			return b, nil
		},
		suppressor: darknet.NMSBoxes,
	}
}

// Load builds the detector for selector. A non-empty weightsPath replaces the
// default weights of file-based backends. Unknown selectors yield a detector
// that always returns an empty result.
func (l *Loader) Load(selector, weightsPath string) (detection.Detector, error) {
	entry, ok := Lookup(selector)
	if !ok {
		l.log.WithField("selector", selector).Warn("unknown model selector, detections will be empty")
		return detection.Unsupported{}, nil
	}

	log := l.log.WithFields(logrus.Fields{"selector": selector, "kind": entry.Kind.String()})
	fail := func(err error) (detection.Detector, error) {
		return nil, &LoadError{Selector: selector, Kind: entry.Kind, Err: err}
	}

	weights := weightsPath
	if weights == "" && entry.Weights != "" {
		weights = l.resolve(entry.Weights)
	}

	switch entry.Kind {
	case detection.KindSingleStage:
		if err := requireFile("weights", weights); err != nil {
			return fail(err)
		}
		backend, err := l.singleStage(onnx.Config{
			ModelPath:           weights,
			SharedLibraryPath:   l.cfg.OnnxLibrary,
			InputSize:           l.cfg.OnnxInputSize,
			ConfidenceThreshold: l.cfg.OnnxConfidence,
			IoUThreshold:        l.cfg.OnnxIoU,
			UseCUDA:             l.cfg.Accelerate,
			Classes:             detection.COCOClasses,
		}, log)
		if err != nil {
			return fail(err)
		}
		log.WithField("weights", weights).Info("model loaded")
		return detection.NewSingleStage(backend, detection.WithLogger(log)), nil

	case detection.KindTransformer:
		backend, err := l.transformer(detr.Config{
			URL:       l.cfg.DETRURL,
			Model:     l.cfg.DETRModel,
			Token:     l.cfg.DETRToken,
			Threshold: l.cfg.DETRThreshold,
			Timeout:   l.cfg.DETRTimeout,
		}, log)
		if err != nil {
			return fail(err)
		}
		log.WithField("endpoint", l.cfg.DETRURL).Info("model loaded")
		return detection.NewTransformer(backend, detection.WithLogger(log)), nil

	case detection.KindLegacy:
		cfgPath := l.resolve(l.cfg.DarknetConfig)
		namesPath := l.resolve(l.cfg.DarknetNames)
		for _, f := range []struct{ what, path string }{
			{"weights", weights},
			{"network config", cfgPath},
			{"class names", namesPath},
		} {
			if err := requireFile(f.what, f.path); err != nil {
				return fail(err)
			}
		}
		backend, err := l.legacy(darknet.Config{
			WeightsPath: weights,
			ConfigPath:  cfgPath,
			NamesPath:   namesPath,
			InputSize:   l.cfg.DarknetInputSize,
			UseOpenCL:   l.cfg.Accelerate,
		}, log)
		if err != nil {
			return fail(err)
		}
		log.WithField("weights", weights).Info("model loaded")
		return detection.NewLegacy(backend,
			detection.WithLogger(log),
			detection.WithThresholds(l.cfg.ConfidenceThreshold, l.cfg.NMSThreshold),
			detection.WithSuppressor(l.suppressor),
		), nil
	}

	return fail(fmt.Errorf("no loader for kind %s", entry.Kind))
}

func (l *Loader) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || l.cfg.Dir == "" {
		return path
	}
	return filepath.Join(l.cfg.Dir, path)
}

func requireFile(what, path string) error {
	if path == "" {
		return fmt.Errorf("%s path is not configured", what)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s file not found: %s", what, path)
	}
	if info.IsDir() {
		return fmt.Errorf("%s path is a directory: %s", what, path)
	}
	return nil
}
