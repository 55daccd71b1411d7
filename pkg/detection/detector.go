package detection

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/image-detector/pkg/types"
)

const (
	// DefaultConfidenceThreshold is the minimum class score a legacy
	// candidate needs to survive
	DefaultConfidenceThreshold = 0.5
	// DefaultNMSThreshold is the IoU above which overlapping legacy boxes
	// of the same class are suppressed
	DefaultNMSThreshold = 0.4
)

// Detector runs one backend over an image and returns a normalized result
type Detector interface {
	Detect(ctx context.Context, img image.Image) (types.DetectionSet, error)
	Kind() Kind
	Close() error
}

// CornerBox is a single-stage backend prediction in corner format
type CornerBox struct {
	X1, Y1, X2, Y2 float64
	ClassID        int
	Confidence     float64
}

// CornerBackend is a single-stage detector that thresholds and deduplicates
// its own output
type CornerBackend interface {
	Infer(ctx context.Context, img image.Image) ([]CornerBox, error)
	Classes() []string
	Close() error
}

// RecordBox is a transformer prediction box in corner format
type RecordBox struct {
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
}

// Record is one labelled transformer prediction
type Record struct {
	Score float64   `json:"score"`
	Label string    `json:"label"`
	Box   RecordBox `json:"box"`
}

// RecordBackend is a transformer detector returning labelled records
type RecordBackend interface {
	Infer(ctx context.Context, img image.Image) ([]Record, error)
	Close() error
}

// GridBackend is a legacy detector returning raw rows of the form
// [cx, cy, w, h, objectness, class scores...] with coordinates relative to
// the image size
type GridBackend interface {
	Infer(ctx context.Context, img image.Image) ([][]float32, error)
	Classes() []string
	Close() error
}

type options struct {
	log                 logrus.FieldLogger
	confidenceThreshold float64
	nmsThreshold        float64
	suppress            Suppressor
}

// Option configures a Detector
type Option func(*options)

// WithLogger sets the logger used for per-run diagnostics
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithThresholds overrides the legacy confidence and NMS thresholds
func WithThresholds(confidence, nms float64) Option {
	return func(o *options) {
		o.confidenceThreshold = confidence
		o.nmsThreshold = nms
	}
}

// WithSuppressor replaces the non-max suppression primitive
func WithSuppressor(s Suppressor) Option {
	return func(o *options) {
		if s != nil {
			o.suppress = s
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		log:                 logrus.StandardLogger(),
		confidenceThreshold: DefaultConfidenceThreshold,
		nmsThreshold:        DefaultNMSThreshold,
		suppress:            GreedyNMS,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// SingleStage normalizes a CornerBackend
type SingleStage struct {
	backend CornerBackend
	opts    options
}

// NewSingleStage wraps a single-stage backend
func NewSingleStage(backend CornerBackend, opts ...Option) *SingleStage {
	return &SingleStage{backend: backend, opts: buildOptions(opts)}
}

// Detect converts corner boxes to pixel boxes and selects every instance
func (d *SingleStage) Detect(ctx context.Context, img image.Image) (types.DetectionSet, error) {
	start := time.Now()
	raw, err := d.backend.Infer(ctx, img)
	if err != nil {
		return types.DetectionSet{}, inferenceError(KindSingleStage, err)
	}

	set := types.EmptySet()
	for i, name := range d.backend.Classes() {
		set.Classes[i] = name
	}
	for _, r := range raw {
		if _, ok := set.Classes[r.ClassID]; !ok {
			set.Classes[r.ClassID] = fmt.Sprintf("class_%d", r.ClassID)
		}
		set.Detections = append(set.Detections, types.Detection{
			Box:        types.BoxFromCorners(r.X1, r.Y1, r.X2, r.Y2),
			Confidence: r.Confidence,
			ClassID:    r.ClassID,
		})
	}
	set.Selection = types.IdentitySelection(len(set.Detections))

	d.opts.log.WithFields(logrus.Fields{
		"kind":       KindSingleStage,
		"detections": len(set.Detections),
		"elapsed":    time.Since(start),
	}).Debug("detection complete")
	return set, nil
}

// Kind reports KindSingleStage
func (d *SingleStage) Kind() Kind { return KindSingleStage }

// Close releases the backend
func (d *SingleStage) Close() error { return d.backend.Close() }

// Transformer normalizes a RecordBackend
type Transformer struct {
	backend RecordBackend
	opts    options
}

// NewTransformer wraps a transformer backend
func NewTransformer(backend RecordBackend, opts ...Option) *Transformer {
	return &Transformer{backend: backend, opts: buildOptions(opts)}
}

// Detect assigns every record a sequential synthetic class id and builds a
// class table holding exactly the instances present
func (d *Transformer) Detect(ctx context.Context, img image.Image) (types.DetectionSet, error) {
	start := time.Now()
	records, err := d.backend.Infer(ctx, img)
	if err != nil {
		return types.DetectionSet{}, inferenceError(KindTransformer, err)
	}

	set := types.EmptySet()
	for i, r := range records {
		set.Classes[i] = r.Label
		set.Detections = append(set.Detections, types.Detection{
			Box:        types.BoxFromCorners(r.Box.XMin, r.Box.YMin, r.Box.XMax, r.Box.YMax),
			Confidence: r.Score,
			ClassID:    i,
		})
	}
	set.Selection = types.IdentitySelection(len(set.Detections))

	d.opts.log.WithFields(logrus.Fields{
		"kind":       KindTransformer,
		"detections": len(set.Detections),
		"elapsed":    time.Since(start),
	}).Debug("detection complete")
	return set, nil
}

// Kind reports KindTransformer
func (d *Transformer) Kind() Kind { return KindTransformer }

// Close releases the backend
func (d *Transformer) Close() error { return d.backend.Close() }

// Legacy normalizes a GridBackend: threshold, decode, argmax, then NMS
type Legacy struct {
	backend GridBackend
	opts    options
}

// NewLegacy wraps a legacy grid backend
func NewLegacy(backend GridBackend, opts ...Option) *Legacy {
	return &Legacy{backend: backend, opts: buildOptions(opts)}
}

// Detect decodes raw rows against the image size and produces the selection
// list through per-class non-max suppression
func (d *Legacy) Detect(ctx context.Context, img image.Image) (types.DetectionSet, error) {
	start := time.Now()
	rows, err := d.backend.Infer(ctx, img)
	if err != nil {
		return types.DetectionSet{}, inferenceError(KindLegacy, err)
	}

	b := img.Bounds()
	set := types.EmptySet()
	for i, name := range d.backend.Classes() {
		set.Classes[i] = name
	}
	set.Detections = DecodeGrid(rows, b.Dx(), b.Dy(), d.opts.confidenceThreshold)
	for _, det := range set.Detections {
		if _, ok := set.Classes[det.ClassID]; !ok {
			set.Classes[det.ClassID] = fmt.Sprintf("class_%d", det.ClassID)
		}
	}
	set.Selection = SuppressPerClass(set.Detections, d.opts.confidenceThreshold, d.opts.nmsThreshold, d.opts.suppress)

	d.opts.log.WithFields(logrus.Fields{
		"kind":       KindLegacy,
		"candidates": len(rows),
		"decoded":    len(set.Detections),
		"kept":       len(set.Selection),
		"elapsed":    time.Since(start),
	}).Debug("detection complete")
	return set, nil
}

// Kind reports KindLegacy
func (d *Legacy) Kind() Kind { return KindLegacy }

// Close releases the backend
func (d *Legacy) Close() error { return d.backend.Close() }

// DecodeGrid turns raw legacy rows into pixel detections, keeping only rows
// whose best class score is above threshold
func DecodeGrid(rows [][]float32, width, height int, threshold float64) []types.Detection {
	dets := []types.Detection{}
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		scores := row[5:]
		classID := 0
		for j := range scores {
			if scores[j] > scores[classID] {
				classID = j
			}
		}
		conf := float64(scores[classID])
		if conf <= threshold {
			continue
		}

		cx := int(float64(row[0]) * float64(width))
		cy := int(float64(row[1]) * float64(height))
		w := int(float64(row[2]) * float64(width))
		h := int(float64(row[3]) * float64(height))
		dets = append(dets, types.Detection{
			Box:        types.NewBox(cx-w/2, cy-h/2, w, h),
			Confidence: conf,
			ClassID:    classID,
		})
	}
	return dets
}

// Unsupported is returned for backends without an adapter. It always yields
// an empty detection set.
type Unsupported struct{}

// Detect returns an empty, valid detection set
func (Unsupported) Detect(context.Context, image.Image) (types.DetectionSet, error) {
	return types.EmptySet(), nil
}

// Kind reports KindUnknown
func (Unsupported) Kind() Kind { return KindUnknown }

// Close is a no-op
func (Unsupported) Close() error { return nil }
