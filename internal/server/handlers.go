package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/menta2k/image-detector/internal/session"
	"github.com/menta2k/image-detector/pkg/analyzer"
	"github.com/menta2k/image-detector/pkg/cropper"
	"github.com/menta2k/image-detector/pkg/detection"
	"github.com/menta2k/image-detector/pkg/models"
	"github.com/menta2k/image-detector/pkg/types"
)

// upgrader keeps gorilla's default origin check: a browser Origin must
// match the request Host
var upgrader = websocket.Upgrader{}

const (
	pongWait     = 60 * time.Second
	maxPadding   = 1.0
	defaultRuns  = 20
	maxEventSize = 512
)

type errorResponse struct {
	Error string `json:"error"`
}

type stateResponse struct {
	State    string `json:"state"`
	Selector string `json:"selector,omitempty"`
	Busy     bool   `json:"busy"`
	Focus    int    `json:"focus"`
}

type modelsResponse struct {
	Models  []models.Entry `json:"models"`
	Default string         `json:"default"`
	stateResponse
}

// loadRequest selects a registered model. Weight overrides are a CLI-only
// option and unknown fields are rejected.
type loadRequest struct {
	Model string `json:"model"`
}

type selectRequest struct {
	Option string `json:"option"`
}

type objectResponse struct {
	ID         int       `json:"id"`
	Name       string    `json:"name"`
	Confidence float64   `json:"confidence"`
	Box        types.Box `json:"box"`
}

type resultResponse struct {
	Caption         string           `json:"caption"`
	Summary         string           `json:"summary"`
	ProcessTime     float64          `json:"process_time"`
	ProcessTimeText string           `json:"process_time_text"`
	Objects         []objectResponse `json:"objects"`
	Options         []string         `json:"options"`
	Focus           int              `json:"focus"`
	RunID           string           `json:"run_id,omitempty"`
	RunName         string           `json:"run_name,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var loadErr *models.LoadError
	var inferErr *detection.InferenceError
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.As(err, &loadErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &inferErr):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrNoModel),
		errors.Is(err, session.ErrNoImage),
		errors.Is(err, session.ErrNotAnalyzed),
		errors.Is(err, session.ErrNoFocus):
		return http.StatusConflict
	case errors.Is(err, cropper.ErrOutsideImage), errors.Is(err, cropper.ErrInvalidBox):
		return http.StatusUnprocessableEntity
	case errors.Is(err, analyzer.ErrUploadTooLarge), errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, analyzer.ErrEmptyUpload),
		errors.Is(err, analyzer.ErrUnsupportedFormat),
		errors.Is(err, analyzer.ErrImageTooSmall):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeErrorStatus(w, statusFor(err), err)
}

func (s *Server) writeErrorStatus(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// sessionFor returns the caller's session, issuing a cookie for new ones
func (s *Server) sessionFor(w http.ResponseWriter, r *http.Request) (*session.Session, error) {
	var id string
	if c, err := r.Cookie(cookieName); err == nil {
		id = c.Value
	}
	sess, created, err := s.store.GetOrCreate(id)
	if err != nil {
		return nil, err
	}
	if created {
		http.SetCookie(w, &http.Cookie{
			Name:     cookieName,
			Value:    sess.ID(),
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return sess, nil
}

func stateOf(sess *session.Session) stateResponse {
	return stateResponse{
		State:    sess.State().String(),
		Selector: sess.Selector(),
		Busy:     sess.Busy(),
		Focus:    sess.Focus(),
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sessionFor(w, r); err != nil {
		s.writeError(w, err)
		return
	}
	page, err := static.ReadFile("static/index.html")
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, modelsResponse{
		Models:        models.Entries(),
		Default:       s.defaultSelector,
		stateResponse: stateOf(sess),
	})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req loadRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 4096))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	if req.Model == "" {
		req.Model = s.defaultSelector
	}

	if err := sess.Load(req.Model, ""); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateOf(sess))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	limit := s.maxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
	if err := r.ParseMultipartForm(limit); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			s.writeError(w, err)
			return
		}
		s.writeErrorStatus(w, http.StatusBadRequest, fmt.Errorf("failed to parse form: %w", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("image")
	if err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, fmt.Errorf("missing image field: %w", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, fmt.Errorf("failed to read upload: %w", err))
		return
	}

	info, err := sess.Upload(data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.WithField("session", sess.ID()).WithField("file", header.Filename).Debug("upload accepted")
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := sess.Analyze(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResult(w, sess)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req selectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}

	if err := sess.Select(req.Option); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			// anything not a state error is a bad option
			status = http.StatusBadRequest
		}
		s.writeErrorStatus(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, stateOf(sess))
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResult(w, sess)
}

func (s *Server) writeResult(w http.ResponseWriter, sess *session.Session) {
	result, err := sess.Result()
	if err != nil {
		s.writeError(w, err)
		return
	}
	options, err := sess.Options()
	if err != nil {
		s.writeError(w, err)
		return
	}

	objects := make([]objectResponse, 0, result.Set.Len())
	for pos, idx := range result.Set.Selection {
		det := result.Set.Detections[idx]
		objects = append(objects, objectResponse{
			ID:         pos + 1,
			Name:       result.Set.Label(idx),
			Confidence: det.Confidence,
			Box:        det.Box,
		})
	}

	writeJSON(w, http.StatusOK, resultResponse{
		Caption:         result.Caption,
		Summary:         result.Summary,
		ProcessTime:     result.ProcessTime.Seconds(),
		ProcessTimeText: fmt.Sprintf("%.2fs", result.ProcessTime.Seconds()),
		Objects:         objects,
		Options:         options,
		Focus:           sess.Focus(),
		RunID:           result.RunID,
		RunName:         result.RunName,
	})
}

func (s *Server) writePNG(w http.ResponseWriter, img image.Image) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := s.processor.EncodeImage(w, img, "png", 0, false); err != nil {
		s.log.WithError(err).Warn("failed to encode image response")
	}
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	withCaption, _ := strconv.ParseBool(r.URL.Query().Get("caption"))

	img, err := sess.Render(withCaption)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writePNG(w, img)
}

func (s *Server) handleCrop(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var pad float64
	if v := r.URL.Query().Get("pad"); v != "" {
		pad, err = strconv.ParseFloat(v, 64)
		if err != nil || pad < 0 || pad > maxPadding {
			s.writeErrorStatus(w, http.StatusBadRequest, fmt.Errorf("pad must be a number in [0,%g]", maxPadding))
			return
		}
	}

	img, err := sess.Crop(pad)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writePNG(w, img)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxEventSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	s.hub.Register(conn, sess.ID())
	defer s.hub.Unregister(conn)

	// clients only send keepalives
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeErrorStatus(w, http.StatusNotFound, errors.New("run listing is not available for this tracking backend"))
		return
	}

	limit := defaultRuns
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeErrorStatus(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}
