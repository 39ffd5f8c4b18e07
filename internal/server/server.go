// Package server exposes the stealth layer over HTTP for drivers that do
// not link the Go module: fetch the scripts, rehearse them, read reports.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/cloak/hostsim"
	"github.com/hazyhaar/cloak/internal/store"
	"github.com/hazyhaar/cloak/probe"
	"github.com/hazyhaar/cloak/stealth"
)

// Config configures the HTTP surface.
type Config struct {
	// Script is served on /v1/script and rehearsed by /v1/verify.
	Script *stealth.Script

	// Store persists verify reports. Nil disables /v1/reports.
	Store *store.Store

	// VerifyRPS and VerifyBurst bound /v1/verify. Default: 2 rps, burst 4.
	VerifyRPS   float64
	VerifyBurst int

	// MaxBody caps request bodies in bytes. Default: 64KiB.
	MaxBody int64

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.VerifyRPS <= 0 {
		c.VerifyRPS = 2
	}
	if c.VerifyBurst <= 0 {
		c.VerifyBurst = 4
	}
	if c.MaxBody <= 0 {
		c.MaxBody = 64 << 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Server is the cloak HTTP API.
type Server struct {
	cfg     Config
	metrics *metrics
	limiter *rate.Limiter
	handler http.Handler
}

// New builds the server. The script is rendered once by the caller and
// shared by every request.
func New(cfg Config) (*Server, error) {
	if cfg.Script == nil {
		return nil, errors.New("server: script is required")
	}
	cfg.defaults()
	s := &Server{
		cfg:     cfg,
		metrics: newMetrics(),
		limiter: rate.NewLimiter(rate.Limit(cfg.VerifyRPS), cfg.VerifyBurst),
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(traceID(s.cfg.Logger))
	r.Use(securityHeaders)
	r.Use(maxBody(s.cfg.MaxBody))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/script", s.handleScript)
		r.Get("/companion", s.handleCompanion)
		r.With(rateLimit(s.limiter)).Post("/verify", s.handleVerify)
		r.Get("/reports", s.handleReports)
		r.Get("/reports/{id}", s.handleReport)
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then drains for
// up to ten seconds.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.cfg.Logger.Info("server: listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	s.cfg.Logger.Info("server: stopped")
	return nil
}

// handleHealth reports the script digest and, with a store, the report
// tallies. A store that cannot answer makes the instance unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok", "digest": s.cfg.Script.Digest}
	if s.cfg.Store != nil {
		total, passed, err := s.cfg.Store.Counts(r.Context())
		if err != nil {
			loggerFrom(r.Context()).Error("server: health: store", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": "report store unavailable"})
			return
		}
		resp["reports"] = map[string]int{"total": total, "passed": passed}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	sc := s.cfg.Script
	etag := `"` + sc.Digest + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("X-Cloak-Digest", sc.Digest)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	s.metrics.served.WithLabelValues("script").Inc()
	writeJS(w, sc.Source)
}

func (s *Server) handleCompanion(w http.ResponseWriter, _ *http.Request) {
	s.metrics.served.WithLabelValues("companion").Inc()
	writeJS(w, stealth.Companion())
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	log := loggerFrom(r.Context())

	opts := hostsim.DefaultOptions()
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode host options: %w", err))
		return
	}

	start := time.Now()
	rep, err := probe.Simulate(r.Context(), opts, s.cfg.Script)
	s.metrics.observeVerify(rep, time.Since(start), err)
	if err != nil {
		log.Error("server: verify failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if s.cfg.Store != nil {
		if err := s.cfg.Store.Save(r.Context(), rep); err != nil {
			log.Warn("server: report not stored", "error", err)
		}
	}
	log.Info("server: verify", "passed", rep.Passed(), "failures", len(rep.Failures()))
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("report store disabled"))
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be between 1 and 1000"))
			return
		}
		limit = n
	}
	list, err := s.cfg.Store.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []*probe.Report{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("report store disabled"))
		return
	}
	rep, err := s.cfg.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func writeJS(w http.ResponseWriter, src string) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, src)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
