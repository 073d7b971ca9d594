package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type probeResult struct {
	status int
	err    error
}

type scriptedTransport struct {
	mu      sync.Mutex
	results []probeResult
	calls   int
}

func (s *scriptedTransport) RoundTrip(*http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.results[s.calls]
	s.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &http.Response{StatusCode: r.status, Body: io.NopCloser(strings.NewReader("User-agent: *\nDisallow: /private"))}, nil
}

func (s *scriptedTransport) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func instantGuard(base http.RoundTripper) *robotsGuard {
	g := newRobotsGuard(base)
	g.delays = []time.Duration{0, 0}
	return g
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRobotsGuardAllowsAllAfterTimeouts(t *testing.T) {
	t.Parallel()

	base := &scriptedTransport{results: []probeResult{
		{err: context.DeadlineExceeded},
		{err: context.DeadlineExceeded},
		{err: context.DeadlineExceeded},
	}}
	guard := instantGuard(base)

	resp, err := guard.RoundTrip(httptest.NewRequest(http.MethodGet, "https://Example.com/robots.txt", nil))
	require.NoError(t, err)
	require.Equal(t, allowAllRobots, readBody(t, resp))
	require.Equal(t, 3, base.count())

	// The host is remembered; no further probes reach the network.
	resp, err = guard.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil))
	require.NoError(t, err)
	require.Equal(t, allowAllRobots, readBody(t, resp))
	require.Equal(t, 3, base.count())
}

func TestRobotsGuardRetriesServerErrors(t *testing.T) {
	t.Parallel()

	base := &scriptedTransport{results: []probeResult{
		{status: http.StatusBadGateway},
		{status: http.StatusOK},
	}}
	guard := instantGuard(base)

	resp, err := guard.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil))
	require.NoError(t, err)
	require.Contains(t, readBody(t, resp), "Disallow: /private")
	require.Equal(t, 2, base.count())
}

func TestRobotsGuardReturnsHardErrors(t *testing.T) {
	t.Parallel()

	base := &scriptedTransport{results: []probeResult{{err: errors.New("connection refused")}}}
	guard := instantGuard(base)

	_, err := guard.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil))
	require.ErrorContains(t, err, "connection refused")
	require.Equal(t, 1, base.count())
}

func TestRobotsGuardPassesPagesThrough(t *testing.T) {
	t.Parallel()

	base := &scriptedTransport{results: []probeResult{{status: http.StatusServiceUnavailable}}}
	guard := instantGuard(base)

	resp, err := guard.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/page", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, 1, base.count())
}
