package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/image-detector/internal/config"
	"github.com/menta2k/image-detector/internal/session"
	"github.com/menta2k/image-detector/pkg/analyzer"
	"github.com/menta2k/image-detector/pkg/cropper"
	"github.com/menta2k/image-detector/pkg/detection"
	"github.com/menta2k/image-detector/pkg/models"
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

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type stubDetector struct {
	set  types.DetectionSet
	err  error
	gate chan struct{}
}

func (d stubDetector) Detect(ctx context.Context, _ image.Image) (types.DetectionSet, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return types.DetectionSet{}, ctx.Err()
		}
	}
	return d.set, d.err
}
func (d stubDetector) Kind() detection.Kind { return detection.KindSingleStage }
func (d stubDetector) Close() error         { return nil }

type stubLoader struct {
	mu      sync.Mutex
	weights []string
	gate    chan struct{}
}

func (l *stubLoader) Load(selector, weightsPath string) (detection.Detector, error) {
	l.mu.Lock()
	l.weights = append(l.weights, weightsPath)
	gate := l.gate
	l.mu.Unlock()

	switch selector {
	case models.SelectorYOLO11:
		return stubDetector{set: types.DetectionSet{
			Detections: []types.Detection{
				{Box: types.Box{X: 5, Y: 5, Width: 30, Height: 20}, Confidence: 0.91, ClassID: 0},
				{Box: types.Box{X: 40, Y: 30, Width: 20, Height: 20}, Confidence: 0.66, ClassID: 2},
			},
			Classes:   map[int]string{0: "person", 2: "car"},
			Selection: []int{0, 1},
		}, gate: gate}, nil
	case models.SelectorDETR:
		return stubDetector{err: &detection.InferenceError{Kind: detection.KindTransformer, Err: errors.New("endpoint down")}}, nil
	}
	return nil, &models.LoadError{Selector: selector, Kind: models.ParseKind(selector), Err: errors.New("weights not found")}
}

type stubRuns struct{}

func (stubRuns) ListRuns(_ context.Context, limit int) ([]tracking.RunRecord, error) {
	return []tracking.RunRecord{{ID: "1", Name: fmt.Sprintf("limit_%d", limit), Status: tracking.StatusFinished}}, nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type harness struct {
	server *httptest.Server
	client *http.Client
	hub    *Hub
	loader *stubLoader
}

func newHarness(t *testing.T, runs tracking.RunLister) *harness {
	t.Helper()
	log := quietLogger()
	hub := NewHub(log)
	loader := &stubLoader{}
	store := session.NewStore(session.Deps{
		Loader:   loader,
		Analyzer: analyzer.New(),
		Tracker:  tracking.New(nil, tracking.WithLogger(log)),
		Notifier: hub,
		Log:      log,
	}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := New(config.ServerConfig{MaxUploadMB: 1}, models.SelectorYOLO11, store, hub, runs, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		store.Close()
	})

	jar, _ := cookiejar.New(nil)
	return &harness{server: ts, client: &http.Client{Jar: jar}, hub: hub, loader: loader}
}

func (h *harness) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req, _ := http.NewRequest(method, h.server.URL+path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (h *harness) upload(t *testing.T, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("image", "street.png")
	fw.Write(data)
	mw.Close()

	resp, err := h.client.Post(h.server.URL+"/api/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: expected %d, got %d: %s", resp.Request.Method, resp.Request.URL.Path, want, resp.StatusCode, body)
	}
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestIndexIssuesCookie(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(t, http.MethodGet, "/", nil)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "<title>Image Detector</title>") {
		t.Fatalf("Unexpected index response %d", resp.StatusCode)
	}
	var found bool
	for _, c := range resp.Cookies() {
		found = found || (c.Name == cookieName && c.Value != "")
	}
	if !found {
		t.Error("Session cookie not set")
	}
}

func TestModels(t *testing.T) {
	h := newHarness(t, nil)
	m := decode[modelsResponse](t, h.do(t, http.MethodGet, "/api/models", nil))
	if len(m.Models) != 4 || m.Default != models.SelectorYOLO11 {
		t.Errorf("Unexpected models response %+v", m)
	}
	if m.State != "no_model" {
		t.Errorf("Expected no_model, got %s", m.State)
	}
}

func TestAnalysisFlow(t *testing.T) {
	h := newHarness(t, nil)

	state := decode[stateResponse](t, h.do(t, http.MethodPost, "/api/model", loadRequest{Model: models.SelectorYOLO11}))
	if state.State != "model_loaded" || state.Selector != models.SelectorYOLO11 {
		t.Fatalf("Unexpected state after load %+v", state)
	}

	info := decode[types.ImageInfo](t, h.upload(t, encodePNG(t, createTestImage(80, 60))))
	if info.Width != 80 || info.Format != "png" {
		t.Fatalf("Unexpected upload info %+v", info)
	}

	result := decode[resultResponse](t, h.do(t, http.MethodPost, "/api/analyze", nil))
	if len(result.Objects) != 2 || result.Objects[1].Name != "car" || result.Objects[1].ID != 2 {
		t.Fatalf("Unexpected objects %+v", result.Objects)
	}
	if result.Summary != "Image contains a person, a car" {
		t.Errorf("Unexpected summary %q", result.Summary)
	}
	if result.Focus != -1 || len(result.Options) != 3 || result.Options[1] != "1. Person (%91.0)" {
		t.Errorf("Unexpected options %v focus %d", result.Options, result.Focus)
	}
	if !strings.HasSuffix(result.ProcessTimeText, "s") {
		t.Errorf("Unexpected process time %q", result.ProcessTimeText)
	}

	resp := h.do(t, http.MethodGet, "/api/render?caption=1", nil)
	if resp.Header.Get("Content-Type") != "image/png" {
		t.Errorf("Render should return PNG, got %s", resp.Header.Get("Content-Type"))
	}
	img, err := png.Decode(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds() != image.Rect(0, 0, 80, 60) {
		t.Errorf("Render should keep the upload size, got %v", img.Bounds())
	}

	expectStatus(t, h.do(t, http.MethodGet, "/api/crop", nil), http.StatusConflict)

	state = decode[stateResponse](t, h.do(t, http.MethodPost, "/api/select", selectRequest{Option: result.Options[2]}))
	if state.Focus != 1 {
		t.Errorf("Expected focus 1, got %d", state.Focus)
	}

	resp = h.do(t, http.MethodGet, "/api/crop", nil)
	crop, err := png.Decode(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if crop.Bounds().Dx() != 20 || crop.Bounds().Dy() != 20 {
		t.Errorf("Unexpected crop %v", crop.Bounds())
	}

	expectStatus(t, h.do(t, http.MethodGet, "/api/crop?pad=2", nil), http.StatusBadRequest)
	expectStatus(t, h.do(t, http.MethodPost, "/api/select", selectRequest{Option: "7. Dog (%10.0)"}), http.StatusBadRequest)

	again := decode[resultResponse](t, h.do(t, http.MethodGet, "/api/result", nil))
	if again.Focus != 1 {
		t.Errorf("Rejected option changed focus to %d", again.Focus)
	}
}

func TestErrorStatuses(t *testing.T) {
	h := newHarness(t, nil)

	expectStatus(t, h.upload(t, encodePNG(t, createTestImage(40, 40))), http.StatusConflict)
	expectStatus(t, h.do(t, http.MethodGet, "/api/result", nil), http.StatusConflict)
	expectStatus(t, h.do(t, http.MethodPost, "/api/model", loadRequest{Model: models.SelectorYOLOv3}), http.StatusUnprocessableEntity)

	expectStatus(t, h.do(t, http.MethodPost, "/api/model", loadRequest{Model: models.SelectorDETR}), http.StatusOK)
	expectStatus(t, h.do(t, http.MethodPost, "/api/analyze", nil), http.StatusConflict)
	expectStatus(t, h.upload(t, []byte("GIF89a not really")), http.StatusBadRequest)
	expectStatus(t, h.upload(t, encodePNG(t, createTestImage(40, 40))), http.StatusOK)
	expectStatus(t, h.do(t, http.MethodPost, "/api/analyze", nil), http.StatusBadGateway)

	req, _ := http.NewRequest(http.MethodPost, h.server.URL+"/api/model", strings.NewReader("{not json"))
	resp, err := h.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestUploadTooLarge(t *testing.T) {
	h := newHarness(t, nil)
	expectStatus(t, h.do(t, http.MethodPost, "/api/model", loadRequest{}), http.StatusOK)

	big := bytes.Repeat([]byte{0xff}, 3<<20)
	resp := h.upload(t, big)
	if resp.StatusCode != http.StatusRequestEntityTooLarge && resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected oversized upload to be rejected, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&models.LoadError{Selector: "YOLO11", Err: errors.New("missing")}, http.StatusUnprocessableEntity},
		{fmt.Errorf("wrapped: %w", &detection.InferenceError{Err: errors.New("boom")}), http.StatusBadGateway},
		{session.ErrBusy, http.StatusConflict},
		{session.ErrNoModel, http.StatusConflict},
		{session.ErrNotAnalyzed, http.StatusConflict},
		{fmt.Errorf("%w: gif", analyzer.ErrUnsupportedFormat), http.StatusBadRequest},
		{analyzer.ErrUploadTooLarge, http.StatusRequestEntityTooLarge},
		{fmt.Errorf("detection 1: %w", cropper.ErrOutsideImage), http.StatusUnprocessableEntity},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRuns(t *testing.T) {
	h := newHarness(t, nil)
	expectStatus(t, h.do(t, http.MethodGet, "/api/runs", nil), http.StatusNotFound)

	h = newHarness(t, stubRuns{})
	runs := decode[[]tracking.RunRecord](t, h.do(t, http.MethodGet, "/api/runs?limit=5", nil))
	if len(runs) != 1 || runs[0].Name != "limit_5" {
		t.Errorf("Unexpected runs %+v", runs)
	}
	expectStatus(t, h.do(t, http.MethodGet, "/api/runs?limit=-1", nil), http.StatusBadRequest)
}

func TestEventsFollowSession(t *testing.T) {
	h := newHarness(t, nil)
	expectStatus(t, h.do(t, http.MethodGet, "/", nil), http.StatusOK)

	header := http.Header{}
	for _, c := range h.client.Jar.Cookies(mustParse(t, h.server.URL)) {
		header.Add("Cookie", c.String())
	}
	wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Client never registered")
		}
		time.Sleep(time.Millisecond)
	}

	expectStatus(t, h.do(t, http.MethodPost, "/api/model", loadRequest{Model: models.SelectorYOLO11}), http.StatusOK)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event session.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatal(err)
	}
	if event.Type != session.EventState || event.State != "model_loaded" {
		t.Errorf("Unexpected event %+v", event)
	}
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestLoadRejectsWeightsPath(t *testing.T) {
	h := newHarness(t, nil)
	body := map[string]string{"model": models.SelectorYOLO11, "weights": "/etc/passwd"}
	resp := h.do(t, http.MethodPost, "/api/model", body)
	expectStatus(t, resp, http.StatusBadRequest)

	expectStatus(t, h.do(t, http.MethodPost, "/api/model", loadRequest{Model: models.SelectorYOLO11}), http.StatusOK)

	h.loader.mu.Lock()
	defer h.loader.mu.Unlock()
	for _, w := range h.loader.weights {
		if w != "" {
			t.Errorf("Loader received a weights path from HTTP: %q", w)
		}
	}
	if len(h.loader.weights) != 1 {
		t.Errorf("Expected one load, got %d", len(h.loader.weights))
	}
}

func TestEventsRejectCrossOrigin(t *testing.T) {
	h := newHarness(t, nil)
	expectStatus(t, h.do(t, http.MethodGet, "/", nil), http.StatusOK)

	header := http.Header{}
	for _, c := range h.client.Jar.Cookies(mustParse(t, h.server.URL)) {
		header.Add("Cookie", c.String())
	}
	wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/api/events"

	header.Set("Origin", "http://attacker.example")
	if conn, _, err := websocket.DefaultDialer.Dial(wsURL, header); err == nil {
		conn.Close()
		t.Error("Cross-origin upgrade should be rejected")
	}

	header.Set("Origin", h.server.URL)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("Same-origin upgrade failed: %v", err)
	}
	conn.Close()
}

func TestModelsDuringAnalysis(t *testing.T) {
	h := newHarness(t, nil)
	gate := make(chan struct{})
	var release sync.Once
	t.Cleanup(func() { release.Do(func() { close(gate) }) })
	h.loader.mu.Lock()
	h.loader.gate = gate
	h.loader.mu.Unlock()
	expectStatus(t, h.do(t, http.MethodPost, "/api/model", loadRequest{Model: models.SelectorYOLO11}), http.StatusOK)
	expectStatus(t, h.upload(t, encodePNG(t, createTestImage(80, 60))), http.StatusOK)

	done := make(chan int, 1)
	go func() {
		resp, err := h.client.Post(h.server.URL+"/api/analyze", "application/json", nil)
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		state := decode[modelsResponse](t, h.do(t, http.MethodGet, "/api/models", nil))
		if state.Busy {
			if state.State != "image_uploaded" || state.Selector != models.SelectorYOLO11 {
				t.Errorf("Unexpected status while busy: %+v", state.stateResponse)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Busy was never reported")
		}
		time.Sleep(time.Millisecond)
	}
	expectStatus(t, h.do(t, http.MethodGet, "/api/result", nil), http.StatusConflict)

	release.Do(func() { close(gate) })
	if code := <-done; code != http.StatusOK {
		t.Errorf("Analysis finished with %d", code)
	}
}
