// Package server exposes sessions over HTTP and pushes session events over
// WebSocket.
package server

import (
	"bufio"
	"context"
	"embed"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/image-detector/internal/config"
	"github.com/menta2k/image-detector/internal/session"
	"github.com/menta2k/image-detector/pkg/processing"
	"github.com/menta2k/image-detector/pkg/tracking"
)

//go:embed static/index.html
var static embed.FS

const (
	cookieName      = "detector_session"
	shutdownTimeout = 10 * time.Second
)

// Server is the demo's HTTP front end
type Server struct {
	cfg             config.ServerConfig
	store           *session.Store
	hub             *Hub
	runs            tracking.RunLister
	defaultSelector string
	processor       *processing.Processor
	log             logrus.FieldLogger
}

// New creates a server. runs may be nil, which disables /api/runs.
func New(cfg config.ServerConfig, defaultSelector string, store *session.Store, hub *Hub, runs tracking.RunLister, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		cfg:             cfg,
		store:           store,
		hub:             hub,
		runs:            runs,
		defaultSelector: defaultSelector,
		processor:       processing.NewProcessor(),
		log:             log.WithField("component", "server"),
	}
}

func (s *Server) maxUploadBytes() int64 {
	if s.cfg.MaxUploadMB <= 0 {
		return 32 << 20
	}
	return int64(s.cfg.MaxUploadMB) << 20
}

// Handler registers every route
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("POST /api/model", s.handleLoad)
	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("POST /api/analyze", s.handleAnalyze)
	mux.HandleFunc("POST /api/select", s.handleSelect)
	mux.HandleFunc("GET /api/result", s.handleResult)
	mux.HandleFunc("GET /api/render", s.handleRender)
	mux.HandleFunc("GET /api/crop", s.handleCrop)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/runs", s.handleRuns)

	return s.logRequests(mux)
}

// Start serves until ctx is done, then shuts down gracefully. The hub and
// the session sweeper run for the lifetime of the server.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.store.Run(ctx)

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.cfg.Addr).Info("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return s.store.Close()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack passes the connection through for WebSocket upgrades
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Debug("request")
	})
}
