// Package imagedetector wires object detection, captioning, rendering and
// experiment tracking into a single service.
//
// A user activates one of the registered models, uploads an image and runs
// an analysis. The result is a normalized detection set plus a caption, which
// can be rendered with every detection drawn or focused on one of them. Each
// analysis is recorded as a tracking run.
//
// Basic usage:
//
//	cfg, err := config.Load(config.GetConfigPath())
//	if err != nil {
//		log.Fatal(err)
//	}
//	det, err := imagedetector.New(cfg, logger.New(cfg.Logging))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer det.Close()
//
//	sess, result, err := det.AnalyzeFile(ctx, "YOLO11", "", "street.jpg")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sess.Close()
//	fmt.Println(result.Summary)
//
// The components live in their own packages:
//
//  1. Models (pkg/models): selector registry and backend loading
//  2. Detection (pkg/detection): one Detector interface over every backend kind
//  3. Caption (pkg/caption): captions from a vision language model
//  4. Visualizer (pkg/visualizer): annotated and focused renderings
//  5. Tracking (pkg/tracking): experiment runs in SQLite or MLflow
//
// Serve exposes the same flow as a web page backed by per-user sessions.
package imagedetector

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/image-detector/internal/config"
	"github.com/menta2k/image-detector/internal/server"
	"github.com/menta2k/image-detector/internal/session"
	"github.com/menta2k/image-detector/pkg/analyzer"
	"github.com/menta2k/image-detector/pkg/caption"
	"github.com/menta2k/image-detector/pkg/client"
	"github.com/menta2k/image-detector/pkg/cropper"
	"github.com/menta2k/image-detector/pkg/llamacpp"
	"github.com/menta2k/image-detector/pkg/models"
	"github.com/menta2k/image-detector/pkg/ollama"
	"github.com/menta2k/image-detector/pkg/tracking"
	"github.com/menta2k/image-detector/pkg/visualizer"
)

// Version of the image detector
const Version = "1.0.0"

const mlflowTimeout = 30 * time.Second

// Detector holds the components shared by every session
type Detector struct {
	cfg        *config.Config
	log        *logrus.Logger
	loader     session.Loader
	analyzer   *analyzer.ImageAnalyzer
	captioner  *caption.Generator
	visualizer *visualizer.Visualizer
	tracker    *tracking.Tracker
	runs       tracking.RunLister
}

// New builds every component from cfg
func New(cfg *config.Config, log *logrus.Logger) (*Detector, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	vc, err := NewVisionClient(cfg.Caption)
	if err != nil {
		return nil, err
	}
	sink, err := NewSink(cfg.Tracking)
	if err != nil {
		return nil, err
	}

	palette := visualizer.DefaultPalette()
	if len(cfg.Visualizer.Palette) > 0 {
		if palette, err = visualizer.ParsePalette(cfg.Visualizer.Palette); err != nil {
			sink.Close()
			return nil, err
		}
	}

	d := &Detector{
		cfg:    cfg,
		log:    log,
		loader: models.NewLoader(ModelsConfig(cfg), log),
		analyzer: analyzer.NewWithConfig(analyzer.Config{
			DefaultQuality:   cfg.Analyzer.DefaultQuality,
			SupportedFormats: cfg.Analyzer.SupportedFormats,
			MinImageSize:     cfg.Analyzer.MinImageSize,
			MaxBytes:         int64(cfg.Server.MaxUploadMB) << 20,
		}),
		captioner: caption.New(vc, caption.Config{
			Model:        cfg.Caption.Model,
			Prompt:       cfg.Caption.Prompt,
			MaxLength:    cfg.Caption.MaxLength,
			MaxImageSize: cfg.Caption.MaxImageSize,
			Quality:      cfg.Caption.Quality,
		}, log),
		visualizer: visualizer.New(visualizer.Config{
			Palette:     palette,
			Stroke:      cfg.Visualizer.Stroke,
			FocusStroke: cfg.Visualizer.FocusStroke,
			FocusDim:    cfg.Visualizer.FocusDim,
			Closeup: cropper.CropConfig{
				MinSize:        cfg.Visualizer.CloseupMinSize,
				AllowUpscaling: cfg.Visualizer.CloseupMinSize > 0,
			},
		}),
		tracker: tracking.New(sink,
			tracking.WithExperiment(cfg.Tracking.Experiment),
			tracking.WithTempDir(cfg.Tracking.TempDir),
			tracking.WithLogger(log),
		),
	}
	if lister, ok := sink.(tracking.RunLister); ok {
		d.runs = lister
	}

	log.WithFields(logrus.Fields{
		"caption":  cfg.Caption.Backend,
		"tracking": cfg.Tracking.Backend,
		"models":   cfg.Models.Dir,
	}).Info("detector ready")
	return d, nil
}

// ModelsConfig maps the application config onto the model loader's
func ModelsConfig(cfg *config.Config) models.Config {
	m := cfg.Models
	return models.Config{
		Dir:                 m.Dir,
		Accelerate:          m.Accelerate,
		OnnxLibrary:         m.OnnxLibrary,
		OnnxInputSize:       m.OnnxInputSize,
		OnnxConfidence:      m.OnnxConfidence,
		OnnxIoU:             m.OnnxIoU,
		DETRURL:             m.DETRURL,
		DETRModel:           m.DETRModel,
		DETRToken:           m.DETRToken,
		DETRThreshold:       m.DETRThreshold,
		DETRTimeout:         time.Duration(m.DETRTimeoutSec) * time.Second,
		DarknetConfig:       m.DarknetConfig,
		DarknetNames:        m.DarknetNames,
		DarknetInputSize:    m.DarknetSize,
		ConfidenceThreshold: cfg.Detection.ConfidenceThreshold,
		NMSThreshold:        cfg.Detection.NMSThreshold,
	}
}

// NewVisionClient creates the captioning client; the "none" backend yields a
// nil client, so every caption falls back
func NewVisionClient(cfg config.CaptionConfig) (client.VisionClient, error) {
	switch cfg.Backend {
	case "ollama":
		return ollama.NewClient(cfg.URL, cfg.MaxTokens)
	case "llamacpp":
		return llamacpp.NewClient(cfg.URL, cfg.MaxTokens)
	case "none", "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown caption backend: %s", cfg.Backend)
}

// NewSink opens the tracking store
func NewSink(cfg config.TrackingConfig) (tracking.Sink, error) {
	switch cfg.Backend {
	case "sqlite":
		return tracking.NewSQLiteSink(cfg.DBPath, cfg.ArtifactDir)
	case "mlflow":
		return tracking.NewMLflowSink(cfg.MLflowURI, cfg.MLflowToken, mlflowTimeout)
	case "none", "":
		return tracking.NopSink{}, nil
	}
	return nil, fmt.Errorf("unknown tracking backend: %s", cfg.Backend)
}

// SessionDeps returns the collaborators for new sessions
func (d *Detector) SessionDeps(notifier session.Notifier) session.Deps {
	return session.Deps{
		Loader:     d.loader,
		Captioner:  d.captioner,
		Analyzer:   d.analyzer,
		Visualizer: d.visualizer,
		Tracker:    d.tracker,
		Params: session.RunParams{
			Dataset:             d.cfg.Detection.Dataset,
			ConfidenceThreshold: d.cfg.Detection.ConfidenceThreshold,
			ImageSize:           d.cfg.Detection.ImageSize,
			ClassesCount:        d.cfg.Detection.ClassesCount,
		},
		OutputDir:    d.cfg.Output.OutputDir,
		OutputFormat: d.cfg.Output.DefaultFormat,
		Notifier:     notifier,
		Log:          d.log,
	}
}

// AnalyzeFile runs one analysis outside the web UI: it activates selector,
// loads path (a file or an http(s) URL) and analyzes it. The returned session holds the result for
// rendering; the caller closes it.
func (d *Detector) AnalyzeFile(ctx context.Context, selector, weightsPath, path string) (*session.Session, *session.Result, error) {
	id, err := session.NewID()
	if err != nil {
		return nil, nil, err
	}
	sess := session.New(id, d.SessionDeps(nil))

	fail := func(err error) (*session.Session, *session.Result, error) {
		sess.Close()
		return nil, nil, err
	}

	if err := sess.Load(selector, weightsPath); err != nil {
		return fail(err)
	}
	up, err := d.analyzer.LoadSource(path)
	if err != nil {
		return fail(err)
	}
	if _, err := sess.Upload(up.Data); err != nil {
		return fail(err)
	}
	result, err := sess.Analyze(ctx)
	if err != nil {
		return fail(err)
	}
	return sess, result, nil
}

// Serve runs the web UI until ctx is done
func (d *Detector) Serve(ctx context.Context) error {
	hub := server.NewHub(d.log)
	idle := time.Duration(d.cfg.Server.SessionIdleMinutes) * time.Minute
	store := session.NewStore(d.SessionDeps(hub), idle)
	srv := server.New(d.cfg.Server, d.cfg.Models.DefaultSelector, store, hub, d.runs, d.log)
	return srv.Start(ctx)
}

// Analyzer returns the upload validator
func (d *Detector) Analyzer() *analyzer.ImageAnalyzer {
	return d.analyzer
}

// Runs returns the run history of the tracking store, or nil when the
// backend cannot list runs
func (d *Detector) Runs() tracking.RunLister {
	return d.runs
}

// Close releases the tracking store
func (d *Detector) Close() error {
	return d.tracker.Close()
}
