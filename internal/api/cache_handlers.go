package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
	"github.com/JakeFAU/site-insight-crawler/internal/export"
)

const maxStatsWindowDays = 365

// downloadReport handles GET /v1/reports/{name}.
func (s *Server) downloadReport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reports == nil {
		writeError(w, http.StatusServiceUnavailable, "reports unavailable")
		return
	}
	name := chi.URLParam(r, "name")
	body, err := s.deps.Reports.Open(r.Context(), name)
	switch {
	case errors.Is(err, export.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "invalid report name")
		return
	case errors.Is(err, crawler.ErrObjectNotFound):
		writeError(w, http.StatusNotFound, "report not found")
		return
	case err != nil:
		s.logger.Error("open report failed", zap.String("name", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to open report")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", export.ContentType(name))
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("stream report failed", zap.String("name", name), zap.Error(err))
	}
}

// stats handles GET /v1/stats: cache statistics over the configured window
// plus job counts.
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"jobs": s.deps.Jobs.Counts()}
	if s.deps.Cache != nil {
		cs, err := s.deps.Cache.Stats(r.Context(), s.cfg.StatsWindowDays)
		if err != nil {
			s.logger.Error("cache stats failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load cache stats")
			return
		}
		payload["cache"] = cs
	}
	writeJSON(w, http.StatusOK, payload)
}

// cacheStats handles GET /v1/cache/stats?days=N.
func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	days := s.cfg.StatsWindowDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 || val > maxStatsWindowDays {
			writeError(w, http.StatusBadRequest, "invalid days")
			return
		}
		days = val
	}
	cs, err := s.deps.Cache.Stats(r.Context(), days)
	if err != nil {
		s.logger.Error("cache stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load cache stats")
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

// purgeCache handles POST /v1/cache/purge.
func (s *Server) purgeCache(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	removed, err := s.deps.Cache.PurgeExpired(r.Context())
	if err != nil {
		s.logger.Error("cache purge failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to purge cache")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

// clearCache handles DELETE /v1/cache.
func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	if err := s.deps.Cache.Clear(r.Context()); err != nil {
		s.logger.Error("cache clear failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to clear cache")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
