package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
)

const (
	defaultJobLimit     = 50
	maxJobLimit         = 500
	defaultPingInterval = 30 * time.Second
	writeWait           = 10 * time.Second
	maxClientMessage    = 512
)

// streamJob handles GET /v1/jobs/{job_id}/ws. The peer receives the current
// snapshot on connect and every committed change after it. The channel
// closes after a terminal snapshot, when the job is deleted, or when the
// peer falls too far behind; clients then fall back to GET /v1/jobs/{job_id}.
func (s *Server) streamJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	sub, err := s.deps.Jobs.Subscribe(jobID)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.logger.Debug("websocket upgrade failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	defer conn.Close()
	logger := s.logger.With(zap.String("job_id", jobID))

	pongWait := s.cfg.PingInterval * 2
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(maxClientMessage)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug("websocket peer read failed", zap.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case snap, ok := <-sub.C:
			if !ok {
				s.closeLagging(conn, jobID)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(snap); err != nil {
				logger.Debug("websocket write failed", zap.Error(err))
				return
			}
			if snap.Status.Terminal() {
				closeWith(conn, websocket.CloseNormalClosure, string(snap.Status))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Debug("websocket ping failed", zap.Error(err))
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// closeLagging ends a channel whose subscription was closed by the
// broadcaster. A job that still exists means the peer was too slow.
func (s *Server) closeLagging(conn *websocket.Conn, jobID string) {
	snap, err := s.deps.Jobs.Get(jobID)
	if err != nil {
		closeWith(conn, websocket.CloseNormalClosure, "job deleted")
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(snap); err != nil {
		return
	}
	if snap.Status.Terminal() {
		closeWith(conn, websocket.CloseNormalClosure, string(snap.Status))
		return
	}
	closeWith(conn, websocket.CloseTryAgainLater, "subscriber lagging")
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// listPages handles GET /v1/jobs/{job_id}/pages. Pages appear once the job
// has left the scraping state.
func (s *Server) listPages(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	limit, offset, err := parseLimitOffset(r, maxJobLimit, 5000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pages, err := s.deps.Jobs.Pages(jobID)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	total := len(pages)
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": jobID,
		"pages":  page(pages, limit, offset),
		"total":  total,
	})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (crawler.JobState, error) {
	switch state := crawler.JobState(strings.ToLower(strings.TrimSpace(input))); state {
	case crawler.StateQueued, crawler.StateScraping, crawler.StateAnalyzing,
		crawler.StateExporting, crawler.StateCompleted, crawler.StateFailed:
		return state, nil
	default:
		return "", errors.New("invalid status")
	}
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
