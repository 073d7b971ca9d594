package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if pagesTotal == nil || cacheLookupsTotal == nil || analysisCallsTotal == nil || rateLimitWaitSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveCacheLookup(t *testing.T) {
	ObserveCacheLookup("analysis", "hit")
	ObserveCacheLookup("analysis", "hit")
	ObserveCacheLookup("analysis", "miss")

	if val := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("analysis", "hit")); val < 2 {
		t.Errorf("expected at least 2 analysis hits, got %f", val)
	}
	if val := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("analysis", "miss")); val < 1 {
		t.Errorf("expected at least 1 analysis miss, got %f", val)
	}
}

func TestObserveAnalysisCallAddsSpend(t *testing.T) {
	Init()
	before := testutil.ToFloat64(analysisTokensTotal)
	ObserveAnalysisCall("anthropic", "ok", 1500, 0.002)
	ObserveAnalysisCall("anthropic", "error", 0, 0)

	if got := testutil.ToFloat64(analysisTokensTotal) - before; got != 1500 {
		t.Errorf("expected 1500 new tokens, got %f", got)
	}
	if val := testutil.ToFloat64(analysisCallsTotal.WithLabelValues("anthropic", "error")); val < 1 {
		t.Errorf("expected an error call to be counted, got %f", val)
	}
}

func TestObserveRateLimitWait(t *testing.T) {
	ObserveRateLimitWait(250 * time.Millisecond)
	if n := testutil.CollectAndCount(rateLimitWaitSeconds); n != 1 {
		t.Errorf("expected one histogram series, got %d", n)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
