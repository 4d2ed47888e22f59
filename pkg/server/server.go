// Package server exposes the orchestrator over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/photoframe-works/orchestrator/pkg/assets"
	"github.com/photoframe-works/orchestrator/pkg/auth"
	"github.com/photoframe-works/orchestrator/pkg/config"
	"github.com/photoframe-works/orchestrator/pkg/scheduler"
	"github.com/photoframe-works/orchestrator/pkg/store"
	"github.com/photoframe-works/orchestrator/pkg/util"
	"github.com/photoframe-works/orchestrator/pkg/version"
	"github.com/photoframe-works/orchestrator/web"
)

// Token headers used by frames and the console.
const (
	operatorTokenHeader = "X-PhotoFrame-Token"
	photoTokenHeader    = "X-Photo-Token"
)

// Server routes HTTP traffic to the scheduler, store and asset sink.
type Server struct {
	cfg    *config.Config
	store  *store.Store
	sink   *assets.Sink
	core   *scheduler.Core
	gate   *auth.Gate
	router *mux.Router
	http   *http.Server
}

// New assembles the HTTP surface.
func New(cfg *config.Config, st *store.Store, sink *assets.Sink, core *scheduler.Core, gate *auth.Gate) *Server {
	s := &Server{
		cfg:   cfg,
		store: st,
		sink:  sink,
		core:  core,
		gate:  gate,
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogger)

	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.PathPrefix("/static/").Handler(http.FileServer(http.FS(web.Static))).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/public/daily.bmp", s.handlePublicPhoto).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/assets/{name}", s.handleAsset).Methods(http.MethodGet)
	api.HandleFunc("/preview/current.bmp", s.handlePreview).Methods(http.MethodGet)

	api.HandleFunc("/device/next", s.handleDeviceNext).Methods(http.MethodGet)
	api.HandleFunc("/device/checkin", s.handleDeviceCheckin).Methods(http.MethodPost)
	api.HandleFunc("/device/config", s.handleDeviceConfigGet).Methods(http.MethodGet)
	api.HandleFunc("/device/config/applied", s.handleDeviceConfigApplied).Methods(http.MethodPost)

	api.HandleFunc("/devices", s.handleDevices).Methods(http.MethodGet)
	api.HandleFunc("/device-configs", s.handleConfigPlans).Methods(http.MethodGet)
	api.HandleFunc("/device-config", s.handleConfigPublish).Methods(http.MethodPost)
	api.HandleFunc("/publish-history", s.handlePublishHistory).Methods(http.MethodGet)

	api.HandleFunc("/overrides", s.handleOverrides).Methods(http.MethodGet)
	api.HandleFunc("/overrides/upload", s.handleOverrideUpload).Methods(http.MethodPost)
	api.HandleFunc("/overrides/{id:[0-9]+}", s.handleOverrideDelete).Methods(http.MethodDelete)

	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	util.Infof("listening on %s", s.cfg.Listen)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// publicBase returns the prefix for asset URLs handed to devices.
func (s *Server) publicBase(r *http.Request) string {
	if s.cfg.PublicBaseURL != "" {
		return s.cfg.PublicBaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(web.ConsoleHTML)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"now_epoch":   util.NowEpoch(),
		"timezone":    s.cfg.TimezoneName,
		"app_version": version.Version,
	})
}

// requestLogger logs each request at debug level with its duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		util.Debugf("%s %s from %s in %s", r.Method, r.URL.Path, clientIP(r), time.Since(start))
	})
}
