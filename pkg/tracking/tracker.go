package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/image-detector/pkg/processing"
	"github.com/menta2k/image-detector/pkg/types"
)

// DefaultExperiment is the experiment every run is filed under
const DefaultExperiment = "Object_Detection_Captioning"

// Tracker opens runs against a sink
type Tracker struct {
	sink       Sink
	experiment string
	tempDir    string
	log        logrus.FieldLogger
	processor  *processing.Processor
	now        func() time.Time
}

// Option configures a Tracker
type Option func(*Tracker)

// WithExperiment overrides DefaultExperiment
func WithExperiment(name string) Option {
	return func(t *Tracker) {
		if name != "" {
			t.experiment = name
		}
	}
}

// WithTempDir sets where artifact documents are staged before upload
func WithTempDir(dir string) Option {
	return func(t *Tracker) { t.tempDir = dir }
}

// WithLogger sets the logger
func WithLogger(log logrus.FieldLogger) Option {
	return func(t *Tracker) {
		if log != nil {
			t.log = log
		}
	}
}

// New creates a tracker. A nil sink discards everything.
func New(sink Sink, opts ...Option) *Tracker {
	if sink == nil {
		sink = NopSink{}
	}
	t := &Tracker{
		sink:       sink,
		experiment: DefaultExperiment,
		log:        logrus.StandardLogger(),
		processor:  processing.NewProcessor(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Experiment returns the experiment name
func (t *Tracker) Experiment() string {
	return t.experiment
}

// Sink returns the underlying sink
func (t *Tracker) Sink() Sink {
	return t.sink
}

// Close closes the sink
func (t *Tracker) Close() error {
	return t.sink.Close()
}

// RunName returns the default run name for ts, detection_YYYYMMDD_HHMMSS
func RunName(ts time.Time) string {
	return "detection_" + ts.Format("20060102_150405")
}

// Run is an open experiment run. If the sink refused to start it, every
// method is a no-op.
type Run struct {
	t     *Tracker
	id    string
	name  string
	log   logrus.FieldLogger
	ended bool
}

// Start opens a run. An empty name gets the timestamped default.
func (t *Tracker) Start(ctx context.Context, name string) *Run {
	start := t.now()
	if name == "" {
		name = RunName(start)
	}
	log := t.log.WithFields(logrus.Fields{"run": name, "experiment": t.experiment})

	id, err := t.sink.StartRun(ctx, t.experiment, name, start)
	if err != nil {
		log.WithError(err).Warn("failed to start tracking run")
		return &Run{t: t, name: name, log: log}
	}
	log.WithField("id", id).Info("tracking run started")
	return &Run{t: t, id: id, name: name, log: log.WithField("id", id)}
}

// ID returns the sink's run id, empty if the run never started
func (r *Run) ID() string { return r.id }

// Name returns the run name
func (r *Run) Name() string { return r.name }

func (r *Run) active() bool {
	return r != nil && r.id != "" && !r.ended
}

// LogParams records static parameters; values are stringified
func (r *Run) LogParams(ctx context.Context, params map[string]any) {
	if !r.active() {
		return
	}
	flat := make(map[string]string, len(params))
	for k, v := range params {
		flat[k] = fmt.Sprint(v)
	}
	if err := r.t.sink.LogParams(ctx, r.id, flat); err != nil {
		r.log.WithError(err).Warn("failed to log params")
	}
}

// LogMetrics records numeric metrics
func (r *Run) LogMetrics(ctx context.Context, metrics map[string]float64) {
	if !r.active() {
		return
	}
	if err := r.t.sink.LogMetrics(ctx, r.id, metrics, r.t.now()); err != nil {
		r.log.WithError(err).Warn("failed to log metrics")
	}
}

// Metrics derives the standard metrics of a detection run
func Metrics(set types.DetectionSet, elapsed time.Duration) map[string]float64 {
	return map[string]float64{
		"objects_detected": float64(set.Len()),
		"avg_confidence":   set.AverageConfidence(),
		"detection_time":   elapsed.Seconds(),
	}
}

type captionDocument struct {
	SimpleCaption string `json:"simple_caption"`
	AICaption     string `json:"ai_caption"`
	Timestamp     string `json:"timestamp"`
}

// LogCaption stores both captions as captions.json
func (r *Run) LogCaption(ctx context.Context, simple, ai string) {
	if !r.active() {
		return
	}
	doc := captionDocument{
		SimpleCaption: simple,
		AICaption:     ai,
		Timestamp:     r.t.now().Format(time.RFC3339Nano),
	}
	r.logDocument(ctx, "captions.json", doc)
}

type detectionEntry struct {
	ID         int     `json:"id"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
	BBox       []int   `json:"bbox"`
}

type detectionDocument struct {
	Detections []detectionEntry `json:"detections"`
}

// LogDetections stores the selected detections as detections.json
func (r *Run) LogDetections(ctx context.Context, set types.DetectionSet) {
	if !r.active() {
		return
	}
	doc := detectionDocument{Detections: []detectionEntry{}}
	for pos, idx := range set.Selection {
		d := set.Detections[idx]
		doc.Detections = append(doc.Detections, detectionEntry{
			ID:         pos,
			Object:     set.Label(idx),
			Confidence: d.Confidence,
			BBox:       d.Box.Slice(),
		})
	}
	r.logDocument(ctx, "detections.json", doc)
}

// logDocument writes v as JSON into a scratch directory, hands it to the
// sink and removes it whatever the outcome
func (r *Run) logDocument(ctx context.Context, name string, v any) {
	dir, err := os.MkdirTemp(r.t.tempDir, "artifact-")
	if err != nil {
		r.log.WithError(err).Warn("failed to create artifact staging dir")
		return
	}
	defer os.RemoveAll(dir)

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		r.log.WithError(err).Warn("failed to encode artifact")
		return
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		r.log.WithError(err).Warn("failed to write artifact")
		return
	}
	if err := r.t.sink.LogArtifact(ctx, r.id, path, ""); err != nil {
		r.log.WithError(err).WithField("artifact", name).Warn("failed to log artifact")
	}
}

// LogArtifact uploads an existing file under category. Missing files are
// skipped.
func (r *Run) LogArtifact(ctx context.Context, path, category string) {
	if !r.active() {
		return
	}
	if _, err := os.Stat(path); err != nil {
		r.log.WithField("artifact", path).Debug("artifact not found, skipping")
		return
	}
	if err := r.t.sink.LogArtifact(ctx, r.id, path, category); err != nil {
		r.log.WithError(err).WithField("artifact", path).Warn("failed to log artifact")
	}
}

// LogImage encodes img as name (the extension picks the format) and stores it
// under the "output" category
func (r *Run) LogImage(ctx context.Context, img image.Image, name string) {
	if !r.active() || img == nil {
		return
	}
	dir, err := os.MkdirTemp(r.t.tempDir, "image-")
	if err != nil {
		r.log.WithError(err).Warn("failed to create artifact staging dir")
		return
	}
	defer os.RemoveAll(dir)

	format := imageFormat(name)
	path := filepath.Join(dir, filepath.Base(name))
	if err := r.t.processor.SaveImage(img, path, format, 90, false); err != nil {
		r.log.WithError(err).Warn("failed to encode output image")
		return
	}
	if err := r.t.sink.LogArtifact(ctx, r.id, path, "output"); err != nil {
		r.log.WithError(err).Warn("failed to log output image")
	}
}

func imageFormat(name string) string {
	switch filepath.Ext(name) {
	case ".png":
		return "png"
	case ".webp":
		return "webp"
	}
	return "jpg"
}

// End closes the run with status. Later calls are ignored.
func (r *Run) End(ctx context.Context, status Status) {
	if !r.active() {
		return
	}
	r.ended = true
	if err := r.t.sink.EndRun(ctx, r.id, status, r.t.now()); err != nil {
		r.log.WithError(err).Warn("failed to end tracking run")
		return
	}
	r.log.WithField("status", status).Info("tracking run completed")
}
