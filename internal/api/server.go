// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
	"github.com/JakeFAU/site-insight-crawler/internal/jobs"
	"github.com/JakeFAU/site-insight-crawler/internal/metrics"
	"github.com/JakeFAU/site-insight-crawler/internal/progress"
)

const (
	defaultRequestTimeout = 60 * time.Second
	enqueueTimeout        = 5 * time.Second
)

// JobService is the job surface the API needs. jobs.Manager implements it.
type JobService interface {
	Submit(ctx context.Context, opts crawler.JobOptions) (crawler.Snapshot, error)
	Get(id string) (crawler.Snapshot, error)
	List() []crawler.Snapshot
	Delete(ctx context.Context, id string) error
	Subscribe(id string) (*progress.Subscription, error)
	Pages(id string) ([]crawler.PageRecord, error)
	Counts() jobs.Counts
}

// CacheService is the operator surface of the content cache.
type CacheService interface {
	Stats(ctx context.Context, days int) (crawler.CacheStats, error)
	PurgeExpired(ctx context.Context) (int64, error)
	Clear(ctx context.Context) error
}

// ReportSource opens finished report files for download.
type ReportSource interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// Deps groups the collaborators behind the handlers. Cache, Reports and
// Ready are optional.
type Deps struct {
	Jobs    JobService
	Cache   CacheService
	Reports ReportSource
	// Ready reports whether downstream dependencies can serve traffic.
	Ready func(ctx context.Context) error
}

// Config tunes the HTTP layer.
type Config struct {
	RequestTimeout  time.Duration
	StatsWindowDays int
	// PingInterval is how often live channels ping their peer.
	PingInterval time.Duration
}

// Server wires HTTP handlers to the job manager and cache.
type Server struct {
	router   chi.Router
	deps     Deps
	cfg      Config
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.StatsWindowDays <= 0 {
		cfg.StatsWindowDays = 30
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		// The live channel outlives any request timeout.
		r.Get("/jobs/{job_id}/ws", s.streamJob)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.RequestTimeout))
			r.Post("/jobs", s.submitJob)
			r.Get("/jobs", s.listJobs)
			r.Get("/jobs/{job_id}", s.getJob)
			r.Delete("/jobs/{job_id}", s.deleteJob)
			r.Get("/jobs/{job_id}/pages", s.listPages)
			r.Get("/reports/{name}", s.downloadReport)
			r.Get("/stats", s.stats)
			r.Get("/cache/stats", s.cacheStats)
			r.Post("/cache/purge", s.purgeCache)
			r.Delete("/cache", s.clearCache)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	URL          string `json:"url"`
	MaxPages     *int   `json:"max_pages"`
	UseCache     *bool  `json:"use_cache"`
	UseAI        *bool  `json:"use_ai"`
	OutputFormat string `json:"output_format"`
	NotifyEmail  string `json:"notify_email"`
}

func (req submitRequest) options() crawler.JobOptions {
	return crawler.JobOptions{
		SeedURL:      req.URL,
		MaxPages:     valueOrDefault(req.MaxPages, 0),
		UseCache:     valueOrDefault(req.UseCache, true),
		UseAI:        valueOrDefault(req.UseAI, true),
		OutputFormat: crawler.OutputFormat(req.OutputFormat),
		NotifyEmail:  req.NotifyEmail,
	}
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	snap, err := s.deps.Jobs.Submit(ctx, req.options())
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, snap)
	case errors.Is(err, jobs.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, crawler.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, "job queue unavailable")
	default:
		s.logger.Error("submit job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit job")
	}
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var filter *crawler.JobState
	if raw := r.URL.Query().Get("status"); raw != "" {
		state, parseErr := parseStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		filter = &state
	}
	all := s.deps.Jobs.List()
	matched := make([]crawler.Snapshot, 0, len(all))
	for _, snap := range all {
		if filter == nil || snap.Status == *filter {
			matched = append(matched, snap)
		}
	}
	total := len(matched)
	matched = page(matched, limit, offset)
	writeJSON(w, http.StatusOK, map[string]any{"jobs": matched, "total": total})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Jobs.Get(chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.deps.Jobs.Delete(r.Context(), jobID); err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "deleted"})
}

func (s *Server) writeJobError(w http.ResponseWriter, err error) {
	if errors.Is(err, crawler.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.logger.Error("job request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "job request failed")
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		rw.status = http.StatusSwitchingProtocols
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
