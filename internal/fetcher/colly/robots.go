package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
)

const allowAllRobots = "User-agent: *\nAllow: /"

var defaultRobotsDelays = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsGuard wraps the crawl transport so an unreachable robots.txt never
// blocks a site. Probes that keep timing out, or that answer with a server
// error, are replaced by an allow-all file and the host is remembered so later
// jobs skip the probe entirely.
type robotsGuard struct {
	base   http.RoundTripper
	delays []time.Duration

	mu        sync.Mutex
	allowHost map[string]struct{}
}

func newRobotsGuard(base http.RoundTripper) *robotsGuard {
	return &robotsGuard{
		base:      base,
		delays:    defaultRobotsDelays,
		allowHost: make(map[string]struct{}),
	}
}

func (g *robotsGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots guard: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		return g.base.RoundTrip(req)
	}
	host := strings.ToLower(req.URL.Host)
	if g.knownUnreachable(host) {
		return allowAllResponse(req), nil
	}

	for attempt := 0; ; attempt++ {
		resp, err := g.base.RoundTrip(req.Clone(req.Context()))
		switch {
		case err == nil && resp.StatusCode < http.StatusInternalServerError:
			return resp, nil
		case err == nil:
			_ = resp.Body.Close()
		case !transientProbeError(err):
			return nil, fmt.Errorf("robots probe %s: %w", host, err)
		}
		if attempt >= len(g.delays) {
			g.markUnreachable(host)
			return allowAllResponse(req), nil
		}
		crawler.Pause(req.Context(), g.delays[attempt])
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, fmt.Errorf("robots probe %s: %w", host, ctxErr)
		}
	}
}

func (g *robotsGuard) knownUnreachable(host string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.allowHost[host]
	return ok
}

func (g *robotsGuard) markUnreachable(host string) {
	g.mu.Lock()
	g.allowHost[host] = struct{}{}
	g.mu.Unlock()
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Request:       req,
	}
}

func transientProbeError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
