// Package session holds the per-user interaction state: the active model,
// the uploaded image, the last analysis and the current detection focus.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/image-detector/internal/utils"
	"github.com/menta2k/image-detector/pkg/analyzer"
	"github.com/menta2k/image-detector/pkg/caption"
	"github.com/menta2k/image-detector/pkg/detection"
	"github.com/menta2k/image-detector/pkg/tracking"
	"github.com/menta2k/image-detector/pkg/types"
	"github.com/menta2k/image-detector/pkg/visualizer"
)

// State is the position of a session in the load, upload, analyze flow
type State int

const (
	NoModel State = iota
	ModelLoaded
	ImageUploaded
	Analyzed
)

func (s State) String() string {
	switch s {
	case ModelLoaded:
		return "model_loaded"
	case ImageUploaded:
		return "image_uploaded"
	case Analyzed:
		return "analyzed"
	default:
		return "no_model"
	}
}

var (
	ErrNoModel     = errors.New("no model loaded")
	ErrNoImage     = errors.New("no image uploaded")
	ErrNotAnalyzed = errors.New("image has not been analyzed")
	ErrBusy        = errors.New("analysis already in progress")
	ErrNoFocus     = errors.New("no detection selected")
)

// Loader builds a detector from a model selector
type Loader interface {
	Load(selector, weightsPath string) (detection.Detector, error)
}

// Captioner describes an image. Generate never fails.
type Captioner interface {
	Generate(ctx context.Context, imageBytes []byte) string
	Model() string
}

// Notifier receives session events
type Notifier interface {
	Notify(Event)
}

// Event types
const (
	EventState = "state"
	EventBusy  = "busy"
	EventIdle  = "idle"
	EventError = "error"
)

// Event is pushed to the session's UI connections
type Event struct {
	Type    string `json:"type"`
	Session string `json:"-"`
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

// RunParams are the static parameters logged with every analysis run
type RunParams struct {
	Dataset             string
	ConfidenceThreshold float64
	ImageSize           int
	ClassesCount        int
}

// Deps are the collaborators shared by every session
type Deps struct {
	Loader     Loader
	Captioner  Captioner
	Analyzer   *analyzer.ImageAnalyzer
	Visualizer *visualizer.Visualizer
	Tracker    *tracking.Tracker
	Params     RunParams

	// OutputDir receives rendered images; empty keeps them only in the
	// tracking store
	OutputDir    string
	OutputFormat string

	Notifier Notifier
	Log      logrus.FieldLogger
}

func (d Deps) withDefaults() Deps {
	if d.Analyzer == nil {
		d.Analyzer = analyzer.New()
	}
	if d.Visualizer == nil {
		d.Visualizer = visualizer.New(visualizer.DefaultConfig())
	}
	if d.Tracker == nil {
		d.Tracker = tracking.New(nil)
	}
	if d.OutputFormat == "" {
		d.OutputFormat = "jpg"
	}
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	return d
}

// Result is one completed analysis
type Result struct {
	Set         types.DetectionSet
	Caption     string
	Summary     string
	ProcessTime time.Duration
	RunID       string
	RunName     string
	OutputPath  string
}

// Session is one user's interaction state. Actions are serialized; an
// analysis in flight rejects every other mutating action with ErrBusy.
type Session struct {
	id   string
	deps Deps
	log  logrus.FieldLogger
	now  func() time.Time

	busy     atomic.Bool
	lastUsed atomic.Int64
	// view mirrors state, selector and focus for readers that must not
	// wait behind an analysis
	view atomic.Pointer[view]

	mu       sync.Mutex
	state    State
	selector string
	detector detection.Detector
	upload   *analyzer.Upload
	result   *Result
	// focus is a selection position, -1 shows every detection
	focus int
}

type view struct {
	state    State
	selector string
	focus    int
}

// publish refreshes the lock-free view; callers hold mu
func (s *Session) publish() {
	s.view.Store(&view{state: s.state, selector: s.selector, focus: s.focus})
}

// New creates an empty session
func New(id string, deps Deps) *Session {
	deps = deps.withDefaults()
	s := &Session{
		id:    id,
		deps:  deps,
		log:   deps.Log.WithField("session", id),
		now:   time.Now,
		focus: -1,
	}
	s.publish()
	s.touch()
	return s
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// Busy reports whether an analysis is running
func (s *Session) Busy() bool { return s.busy.Load() }

// LastUsed returns when the session last handled an action
func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

func (s *Session) touch() {
	s.lastUsed.Store(s.now().UnixNano())
}

// State returns the current state. It does not block during an analysis.
func (s *Session) State() State {
	return s.view.Load().state
}

// Selector returns the active model selector
func (s *Session) Selector() string {
	return s.view.Load().selector
}

func (s *Session) notify(typ, msg string) {
	if s.deps.Notifier == nil {
		return
	}
	s.deps.Notifier.Notify(Event{Type: typ, Session: s.id, State: s.state.String(), Message: msg})
}

// Load activates the model for selector, closing the previous one. The upload
// and any analysis are discarded. On error nothing changes.
func (s *Session) Load(selector, weightsPath string) error {
	if s.busy.Load() {
		return ErrBusy
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	det, err := s.deps.Loader.Load(selector, weightsPath)
	if err != nil {
		s.log.WithError(err).WithField("selector", selector).Error("model load failed")
		s.notify(EventError, err.Error())
		return err
	}

	s.closeDetector()
	s.detector = det
	s.selector = selector
	s.upload = nil
	s.result = nil
	s.focus = -1
	s.state = ModelLoaded
	s.publish()

	s.log.WithFields(logrus.Fields{"selector": selector, "kind": det.Kind().String()}).Info("model activated")
	s.notify(EventState, fmt.Sprintf("%s model loaded", selector))
	return nil
}

func (s *Session) closeDetector() {
	if s.detector == nil {
		return
	}
	if err := s.detector.Close(); err != nil {
		s.log.WithError(err).Warn("failed to close previous model")
	}
	s.detector = nil
}

// Upload decodes and validates an image and makes it the analysis input
func (s *Session) Upload(data []byte) (types.ImageInfo, error) {
	if s.busy.Load() {
		return types.ImageInfo{}, ErrBusy
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if s.detector == nil {
		return types.ImageInfo{}, ErrNoModel
	}
	up, err := s.deps.Analyzer.DecodeUpload(data)
	if err != nil {
		return types.ImageInfo{}, err
	}

	s.upload = up
	s.result = nil
	s.focus = -1
	s.state = ImageUploaded
	s.publish()

	s.log.WithFields(logrus.Fields{
		"width":  up.Info.Width,
		"height": up.Info.Height,
		"format": up.Info.Format,
		"size":   utils.FormatFileSize(int64(len(data))),
	}).Info("image uploaded")
	s.notify(EventState, "image uploaded")
	return up.Info, nil
}

// Analyze runs detection and captioning on the uploaded image and records
// the run. A failed detection ends the run as FAILED and leaves the session
// as it was.
func (s *Session) Analyze(ctx context.Context) (*Result, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer s.busy.Store(false)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if s.detector == nil {
		return nil, ErrNoModel
	}
	if s.upload == nil {
		return nil, ErrNoImage
	}

	s.notify(EventBusy, "analyzing")
	defer s.notify(EventIdle, "")

	result, err := s.analyze(ctx)
	if err != nil {
		s.notify(EventError, err.Error())
		return nil, err
	}

	s.result = result
	s.focus = -1
	s.state = Analyzed
	s.publish()
	s.notify(EventState, caption.Summarize(result.Set))

	r := *result
	return &r, nil
}

func (s *Session) analyze(ctx context.Context) (*Result, error) {
	started := s.now()
	run := s.deps.Tracker.Start(ctx, "")

	captionModel := "none"
	if s.deps.Captioner != nil {
		captionModel = s.deps.Captioner.Model()
	}
	run.LogParams(ctx, map[string]any{
		"model":                s.selector,
		"dataset":              s.deps.Params.Dataset,
		"confidence_threshold": s.deps.Params.ConfidenceThreshold,
		"img_size":             s.deps.Params.ImageSize,
		"classes_count":        s.deps.Params.ClassesCount,
		"captioning_model":     captionModel,
	})

	log := s.log.WithFields(logrus.Fields{"run": run.Name(), "selector": s.selector})

	detectStart := time.Now()
	set, err := s.detector.Detect(ctx, s.upload.Image)
	detectTime := time.Since(detectStart)
	if err == nil {
		err = set.Validate()
	}
	if err != nil {
		var ie *detection.InferenceError
		if !errors.As(err, &ie) {
			err = &detection.InferenceError{Kind: s.detector.Kind(), Err: err}
		}
		log.WithError(err).Error("detection failed")
		run.End(ctx, tracking.StatusFailed)
		return nil, err
	}

	aiCaption := caption.FallbackCaption
	if s.deps.Captioner != nil {
		aiCaption = s.deps.Captioner.Generate(ctx, s.upload.Data)
	}
	summary := caption.Summarize(set)

	rendered := s.deps.Visualizer.RenderAll(s.upload.Image, set)
	outputPath := s.saveRendered(ctx, run, rendered)

	run.LogMetrics(ctx, tracking.Metrics(set, detectTime))
	run.LogCaption(ctx, summary, aiCaption)
	run.LogDetections(ctx, set)
	run.End(ctx, tracking.StatusFinished)

	result := &Result{
		Set:         set,
		Caption:     aiCaption,
		Summary:     summary,
		ProcessTime: s.now().Sub(started),
		RunID:       run.ID(),
		RunName:     run.Name(),
		OutputPath:  outputPath,
	}
	log.WithFields(logrus.Fields{
		"objects":      set.Len(),
		"detect_time":  detectTime,
		"process_time": result.ProcessTime,
	}).Info("analysis finished")
	return result, nil
}

// saveRendered writes the annotated image to OutputDir and logs it, or hands
// it to the tracker directly when no output directory is set
func (s *Session) saveRendered(ctx context.Context, run *tracking.Run, img image.Image) string {
	name := utils.GenerateOutputFilename(run.Name(), "", "", s.deps.OutputFormat)
	if s.deps.OutputDir == "" {
		run.LogImage(ctx, img, name)
		return ""
	}

	if err := utils.EnsureDir(s.deps.OutputDir); err != nil {
		s.log.WithError(err).Warn("failed to create output directory")
		run.LogImage(ctx, img, name)
		return ""
	}
	path := utils.GenerateOutputFilename(run.Name(), s.deps.OutputDir, "", s.deps.OutputFormat)
	if err := s.deps.Analyzer.SaveImage(img, path); err != nil {
		s.log.WithError(err).Warn("failed to save rendered image")
		run.LogImage(ctx, img, name)
		return ""
	}
	run.LogArtifact(ctx, path, "output")
	return path
}

// Result returns the last analysis
func (s *Session) Result() (*Result, error) {
	if s.busy.Load() {
		return nil, ErrBusy
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Analyzed {
		return nil, ErrNotAnalyzed
	}
	r := *s.result
	return &r, nil
}

// Options lists the focus options of the last analysis, ShowAll first
func (s *Session) Options() ([]string, error) {
	if s.busy.Load() {
		return nil, ErrBusy
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Analyzed {
		return nil, ErrNotAnalyzed
	}
	return visualizer.OptionLabels(s.result.Set), nil
}

// Focus returns the selected position, or -1 when every detection is shown
func (s *Session) Focus() int {
	return s.view.Load().focus
}

// Select focuses one detection by option label, or all of them for ShowAll.
// An invalid option leaves the focus unchanged.
func (s *Session) Select(option string) error {
	if s.busy.Load() {
		return ErrBusy
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if s.state != Analyzed {
		return ErrNotAnalyzed
	}
	pos, all, err := visualizer.ParseOption(s.result.Set, option)
	if err != nil {
		return err
	}
	if all {
		s.focus = -1
	} else {
		s.focus = pos
	}
	s.publish()
	return nil
}

// Render draws the current view: every detection, or the focused one with
// the rest of the image dimmed. withCaption adds the AI caption band.
func (s *Session) Render(withCaption bool) (image.Image, error) {
	if s.busy.Load() {
		return nil, ErrBusy
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if s.state != Analyzed {
		return nil, ErrNotAnalyzed
	}

	var out *image.NRGBA
	if s.focus < 0 {
		out = s.deps.Visualizer.RenderAll(s.upload.Image, s.result.Set)
	} else {
		focused, _, err := s.deps.Visualizer.RenderFocus(s.upload.Image, s.result.Set, s.focus)
		if err != nil {
			return nil, err
		}
		out = focused
	}
	if withCaption {
		out = s.deps.Visualizer.OverlayCaption(out, s.result.Caption)
	}
	return out, nil
}

// Crop returns the close-up of the focused detection grown by padding, a
// fraction of the box size
func (s *Session) Crop(padding float64) (image.Image, error) {
	if s.busy.Load() {
		return nil, ErrBusy
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if s.state != Analyzed {
		return nil, ErrNotAnalyzed
	}
	if s.focus < 0 {
		return nil, ErrNoFocus
	}
	return s.deps.Visualizer.Closeup(s.upload.Image, s.result.Set, s.focus, padding)
}

// Close releases the model
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.detector != nil {
		err = s.detector.Close()
		s.detector = nil
	}
	s.state = NoModel
	s.upload = nil
	s.result = nil
	s.focus = -1
	s.publish()
	return err
}
