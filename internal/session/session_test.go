package session

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/image-detector/pkg/detection"
	"github.com/menta2k/image-detector/pkg/tracking"
	"github.com/menta2k/image-detector/pkg/types"
)

// createTestImage creates a simple test image
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 255 / width), uint8(y * 255 / height), 128, 255})
		}
	}
	return img
}

func encodePNG(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func testSet() types.DetectionSet {
	return types.DetectionSet{
		Detections: []types.Detection{
			{Box: types.Box{X: 10, Y: 10, Width: 30, Height: 30}, Confidence: 0.91, ClassID: 0},
			{Box: types.Box{X: 50, Y: 20, Width: 20, Height: 40}, Confidence: 0.873, ClassID: 1},
		},
		Classes:   map[int]string{0: "person", 1: "dog"},
		Selection: []int{0, 1},
	}
}

type fakeDetector struct {
	set    types.DetectionSet
	err    error
	gate   chan struct{}
	calls  int
	closed int
}

func (d *fakeDetector) Detect(ctx context.Context, _ image.Image) (types.DetectionSet, error) {
	d.calls++
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return types.DetectionSet{}, ctx.Err()
		}
	}
	return d.set, d.err
}

func (d *fakeDetector) Kind() detection.Kind { return detection.KindSingleStage }
func (d *fakeDetector) Close() error         { d.closed++; return nil }

var errNoWeights = errors.New("weights missing")

type fakeLoader struct {
	detectors map[string]*fakeDetector
}

func (l *fakeLoader) Load(selector, _ string) (detection.Detector, error) {
	d, ok := l.detectors[selector]
	if !ok {
		return nil, errNoWeights
	}
	return d, nil
}

type fakeCaptioner struct{}

func (fakeCaptioner) Generate(context.Context, []byte) string { return "A person walking a dog" }
func (fakeCaptioner) Model() string                            { return "llava" }

type memorySink struct {
	mu         sync.Mutex
	params     map[string]string
	metrics    map[string]float64
	categories []string
	statuses   []tracking.Status
}

func newMemorySink() *memorySink {
	return &memorySink{params: map[string]string{}, metrics: map[string]float64{}}
}

func (s *memorySink) StartRun(context.Context, string, string, time.Time) (string, error) {
	return "1", nil
}

func (s *memorySink) LogParams(_ context.Context, _ string, params map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range params {
		s.params[k] = v
	}
	return nil
}

func (s *memorySink) LogMetrics(_ context.Context, _ string, metrics map[string]float64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range metrics {
		s.metrics[k] = v
	}
	return nil
}

func (s *memorySink) LogArtifact(_ context.Context, _ string, localPath, category string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories = append(s.categories, category+"/"+filepath.Base(localPath))
	return nil
}

func (s *memorySink) EndRun(_ context.Context, _ string, status tracking.Status, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *memorySink) Close() error { return nil }

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(e Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type fixture struct {
	session  *Session
	loader   *fakeLoader
	sink     *memorySink
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sink := newMemorySink()
	loader := &fakeLoader{detectors: map[string]*fakeDetector{
		"YOLO11": {set: testSet()},
		"DETR":   {set: types.EmptySet()},
	}}
	notifier := &recordingNotifier{}
	deps := Deps{
		Loader:    loader,
		Captioner: fakeCaptioner{},
		Tracker:   tracking.New(sink, tracking.WithLogger(quietLogger()), tracking.WithTempDir(t.TempDir())),
		Params:    RunParams{Dataset: "COCO", ConfidenceThreshold: 0.5, ImageSize: 416, ClassesCount: 80},
		Notifier:  notifier,
		Log:       quietLogger(),
	}
	return &fixture{session: New("s1", deps), loader: loader, sink: sink, notifier: notifier}
}

func TestStateTransitions(t *testing.T) {
	f := newFixture(t)
	s := f.session
	ctx := context.Background()
	data := encodePNG(t, createTestImage(100, 80))

	if s.State() != NoModel {
		t.Fatalf("Expected NoModel, got %v", s.State())
	}
	if _, err := s.Upload(data); !errors.Is(err, ErrNoModel) {
		t.Errorf("Upload without model: expected ErrNoModel, got %v", err)
	}
	if _, err := s.Analyze(ctx); !errors.Is(err, ErrNoModel) {
		t.Errorf("Analyze without model: expected ErrNoModel, got %v", err)
	}

	if err := s.Load("YOLO11", ""); err != nil {
		t.Fatal(err)
	}
	if s.State() != ModelLoaded || s.Selector() != "YOLO11" {
		t.Fatalf("Expected ModelLoaded with YOLO11, got %v %q", s.State(), s.Selector())
	}
	if _, err := s.Analyze(ctx); !errors.Is(err, ErrNoImage) {
		t.Errorf("Analyze without image: expected ErrNoImage, got %v", err)
	}

	info, err := s.Upload(data)
	if err != nil {
		t.Fatal(err)
	}
	if info.Width != 100 || info.Height != 80 || s.State() != ImageUploaded {
		t.Fatalf("Unexpected upload %+v in state %v", info, s.State())
	}
	if err := s.Select(""); !errors.Is(err, ErrNotAnalyzed) {
		t.Errorf("Select before analysis: expected ErrNotAnalyzed, got %v", err)
	}
	if _, err := s.Render(false); !errors.Is(err, ErrNotAnalyzed) {
		t.Errorf("Render before analysis: expected ErrNotAnalyzed, got %v", err)
	}

	result, err := s.Analyze(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.State() != Analyzed {
		t.Fatalf("Expected Analyzed, got %v", s.State())
	}
	if result.Caption != "A person walking a dog" {
		t.Errorf("Unexpected caption %q", result.Caption)
	}
	if result.Summary != "Image contains a person, a dog" {
		t.Errorf("Unexpected summary %q", result.Summary)
	}
	if result.RunName == "" || result.RunID != "1" {
		t.Errorf("Run not recorded: %+v", result)
	}

	// re-analyze is allowed
	if _, err := s.Analyze(ctx); err != nil {
		t.Errorf("Re-analyze failed: %v", err)
	}

	// a new model discards the analysis and closes the old handle
	if err := s.Load("DETR", ""); err != nil {
		t.Fatal(err)
	}
	if s.State() != ModelLoaded {
		t.Errorf("Expected ModelLoaded after reload, got %v", s.State())
	}
	if f.loader.detectors["YOLO11"].closed != 1 {
		t.Error("Previous detector should be closed")
	}
	if _, err := s.Result(); !errors.Is(err, ErrNotAnalyzed) {
		t.Errorf("Result should be cleared, got %v", err)
	}
}

func TestLoadErrorKeepsState(t *testing.T) {
	f := newFixture(t)
	s := f.session
	s.Load("YOLO11", "")
	s.Upload(encodePNG(t, createTestImage(64, 64)))

	if err := s.Load("YOLOv3", ""); !errors.Is(err, errNoWeights) {
		t.Fatalf("Expected load error, got %v", err)
	}
	if s.State() != ImageUploaded || s.Selector() != "YOLO11" {
		t.Errorf("Failed load changed state to %v %q", s.State(), s.Selector())
	}
	if f.loader.detectors["YOLO11"].closed != 0 {
		t.Error("Active detector closed by failed load")
	}
}

func TestUploadRejectsBadImage(t *testing.T) {
	f := newFixture(t)
	s := f.session
	s.Load("YOLO11", "")

	if _, err := s.Upload([]byte("not an image")); err == nil {
		t.Error("Expected decode error")
	}
	if s.State() != ModelLoaded {
		t.Errorf("Bad upload changed state to %v", s.State())
	}
}

func TestAnalyzeLogsRun(t *testing.T) {
	f := newFixture(t)
	s := f.session
	s.Load("YOLO11", "")
	s.Upload(encodePNG(t, createTestImage(100, 80)))
	if _, err := s.Analyze(context.Background()); err != nil {
		t.Fatal(err)
	}

	wantParams := map[string]string{
		"model":                "YOLO11",
		"dataset":              "COCO",
		"confidence_threshold": "0.5",
		"img_size":             "416",
		"classes_count":        "80",
		"captioning_model":     "llava",
	}
	for k, v := range wantParams {
		if f.sink.params[k] != v {
			t.Errorf("Param %s = %q, want %q", k, f.sink.params[k], v)
		}
	}
	if f.sink.metrics["objects_detected"] != 2 {
		t.Errorf("Unexpected objects_detected %v", f.sink.metrics["objects_detected"])
	}
	if _, ok := f.sink.metrics["detection_time"]; !ok {
		t.Error("detection_time not logged")
	}

	want := map[string]bool{"/captions.json": false, "/detections.json": false}
	var output bool
	for _, c := range f.sink.categories {
		if _, ok := want[c]; ok {
			want[c] = true
		}
		if filepath.Dir(c) == "output" {
			output = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("Artifact %s not logged, got %v", name, f.sink.categories)
		}
	}
	if !output {
		t.Errorf("Rendered image not logged, got %v", f.sink.categories)
	}
	if len(f.sink.statuses) != 1 || f.sink.statuses[0] != tracking.StatusFinished {
		t.Errorf("Expected one FINISHED run, got %v", f.sink.statuses)
	}
}

func TestAnalyzeWritesOutputDir(t *testing.T) {
	f := newFixture(t)
	f.session.deps.OutputDir = filepath.Join(t.TempDir(), "output")
	f.session.deps.OutputFormat = "png"
	s := f.session
	s.Load("YOLO11", "")
	s.Upload(encodePNG(t, createTestImage(100, 80)))

	result, err := s.Analyze(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Ext(result.OutputPath) != ".png" {
		t.Fatalf("Unexpected output path %q", result.OutputPath)
	}
	if _, err := os.Stat(result.OutputPath); err != nil {
		t.Errorf("Rendered image not written: %v", err)
	}
}

func TestAnalyzeFailure(t *testing.T) {
	f := newFixture(t)
	f.loader.detectors["YOLO11"].err = errors.New("session crashed")
	s := f.session
	s.Load("YOLO11", "")
	s.Upload(encodePNG(t, createTestImage(64, 64)))

	_, err := s.Analyze(context.Background())
	var ie *detection.InferenceError
	if !errors.As(err, &ie) {
		t.Fatalf("Expected InferenceError, got %v", err)
	}
	if s.State() != ImageUploaded {
		t.Errorf("Failed analysis moved state to %v", s.State())
	}
	if len(f.sink.statuses) != 1 || f.sink.statuses[0] != tracking.StatusFailed {
		t.Errorf("Expected one FAILED run, got %v", f.sink.statuses)
	}
	if s.Busy() {
		t.Error("Busy flag left set")
	}
}

func TestAnalyzeInvalidSet(t *testing.T) {
	f := newFixture(t)
	bad := testSet()
	bad.Selection = []int{0, 7}
	f.loader.detectors["YOLO11"].set = bad
	s := f.session
	s.Load("YOLO11", "")
	s.Upload(encodePNG(t, createTestImage(64, 64)))

	var ie *detection.InferenceError
	if _, err := s.Analyze(context.Background()); !errors.As(err, &ie) {
		t.Fatalf("Invalid set should surface as InferenceError, got %v", err)
	}
}

func TestAnalyzeRejectsOverlap(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.loader.detectors["YOLO11"].gate = gate
	s := f.session
	s.Load("YOLO11", "")
	s.Upload(encodePNG(t, createTestImage(64, 64)))

	done := make(chan error, 1)
	go func() {
		_, err := s.Analyze(context.Background())
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("Analysis never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := s.Analyze(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("Overlapping analyze: expected ErrBusy, got %v", err)
	}
	if err := s.Load("DETR", ""); !errors.Is(err, ErrBusy) {
		t.Errorf("Load during analysis: expected ErrBusy, got %v", err)
	}
	if _, err := s.Upload(encodePNG(t, createTestImage(64, 64))); !errors.Is(err, ErrBusy) {
		t.Errorf("Upload during analysis: expected ErrBusy, got %v", err)
	}
	// status reads must not wait for the analysis
	if s.State() != ImageUploaded || s.Selector() != "YOLO11" || s.Focus() != -1 {
		t.Errorf("Unexpected status during analysis: %v %q %d", s.State(), s.Selector(), s.Focus())
	}
	if _, err := s.Result(); !errors.Is(err, ErrBusy) {
		t.Errorf("Result during analysis: expected ErrBusy, got %v", err)
	}
	if _, err := s.Render(false); !errors.Is(err, ErrBusy) {
		t.Errorf("Render during analysis: expected ErrBusy, got %v", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("First analysis failed: %v", err)
	}
	if f.loader.detectors["YOLO11"].calls != 1 {
		t.Errorf("Expected one detect call, got %d", f.loader.detectors["YOLO11"].calls)
	}

	got := f.notifier.types()
	var busy, idle bool
	for _, typ := range got {
		busy = busy || typ == EventBusy
		idle = idle || (busy && typ == EventIdle)
	}
	if !busy || !idle {
		t.Errorf("Expected busy then idle events, got %v", got)
	}
}

func threeObjectSet() types.DetectionSet {
	set := testSet()
	set.Detections = append(set.Detections, types.Detection{
		Box: types.Box{X: 70, Y: 50, Width: 20, Height: 20}, Confidence: 0.65, ClassID: 2,
	})
	set.Classes[2] = "car"
	set.Selection = []int{0, 1, 2}
	return set
}

func TestSelectRenderCrop(t *testing.T) {
	f := newFixture(t)
	f.loader.detectors["YOLO11"].set = threeObjectSet()
	src := createTestImage(100, 80)
	s := f.session
	s.Load("YOLO11", "")
	s.Upload(encodePNG(t, src))
	s.Analyze(context.Background())

	opts, err := s.Options()
	if err != nil {
		t.Fatal(err)
	}
	if len(opts) != 4 || opts[2] != "2. Dog (%87.3)" {
		t.Fatalf("Unexpected options %v", opts)
	}

	all, err := s.Render(false)
	if err != nil {
		t.Fatal(err)
	}
	// left edge of every box, below any label
	edges := []struct {
		x, y int
		want color.NRGBA
	}{
		{10, 25, color.NRGBA{0, 0, 255, 255}},
		{50, 40, color.NRGBA{255, 0, 0, 255}},
		{70, 60, color.NRGBA{0, 255, 0, 255}},
	}
	for _, e := range edges {
		if got := color.NRGBAModel.Convert(all.At(e.x, e.y)); got != e.want {
			t.Errorf("Show all: pixel (%d,%d) = %v, want box color %v", e.x, e.y, got, e.want)
		}
	}

	if _, err := s.Crop(0); !errors.Is(err, ErrNoFocus) {
		t.Errorf("Crop without focus: expected ErrNoFocus, got %v", err)
	}

	if err := s.Select(opts[2]); err != nil {
		t.Fatal(err)
	}
	if s.Focus() != 1 {
		t.Errorf("Expected focus 1, got %d", s.Focus())
	}
	if err := s.Select("9. Cat (%50.0)"); err == nil {
		t.Error("Out of range option should fail")
	}
	if s.Focus() != 1 {
		t.Errorf("Failed select changed focus to %d", s.Focus())
	}

	img, err := s.Render(false)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds() != image.Rect(0, 0, 100, 80) {
		t.Errorf("Unexpected render bounds %v", img.Bounds())
	}

	crop, err := s.Crop(0)
	if err != nil {
		t.Fatal(err)
	}
	want := imaging.Crop(src, threeObjectSet().Detections[1].Box.Rect())
	if crop.Bounds().Size() != want.Bounds().Size() {
		t.Fatalf("Crop size %v, want %v", crop.Bounds().Size(), want.Bounds().Size())
	}
	cb, wb := crop.Bounds(), want.Bounds()
	for y := 0; y < wb.Dy(); y++ {
		for x := 0; x < wb.Dx(); x++ {
			r1, g1, b1, a1 := crop.At(cb.Min.X+x, cb.Min.Y+y).RGBA()
			r2, g2, b2, a2 := want.At(wb.Min.X+x, wb.Min.Y+y).RGBA()
			if r1 != r2 || g1 != g2 || b1 != b2 || a1 != a2 {
				t.Fatalf("Crop pixel (%d,%d) differs from the source box", x, y)
			}
		}
	}

	if err := s.Select(opts[0]); err != nil || s.Focus() != -1 {
		t.Errorf("Show all should reset focus, got %d %v", s.Focus(), err)
	}
	if _, err := s.Render(true); err != nil {
		t.Errorf("Render with caption failed: %v", err)
	}
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	s := f.session
	s.Load("YOLO11", "")
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if s.State() != NoModel || f.loader.detectors["YOLO11"].closed != 1 {
		t.Errorf("Close left state %v", s.State())
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		NoModel:       "no_model",
		ModelLoaded:   "model_loaded",
		ImageUploaded: "image_uploaded",
		Analyzed:      "analyzed",
	}
	for state, want := range tests {
		if state.String() != want {
			t.Errorf("State %d = %q, want %q", state, state.String(), want)
		}
	}
}
