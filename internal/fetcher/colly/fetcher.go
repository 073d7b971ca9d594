// Package collyfetcher fetches single pages for the crawl engine with gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
)

const defaultTimeout = 30 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodySize   int
}

// Fetcher performs one GET per call on a clone of a shared collector. The
// engine owns link discovery, so the collector never follows anything.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
	template  *colly.Collector
}

var _ crawler.Fetcher = (*Fetcher)(nil)

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	var transport http.RoundTripper = pooledTransport()
	if cfg.RespectRobots {
		transport = newRobotsGuard(transport)
	}
	template := colly.NewCollector(colly.Async(false))
	template.WithTransport(transport)
	return &Fetcher{cfg: cfg, transport: transport, template: template}
}

// pageVisit collects what the callbacks of a single visit observed.
type pageVisit struct {
	started  time.Time
	response crawler.FetchResponse
	err      error
}

// Fetch retrieves request.URL. Error statuses come back as a StatusError so
// the engine can classify them; transport failures keep their cause.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	visit := &pageVisit{started: time.Now()}
	collector := f.collectorFor(ctx, visit)

	done := make(chan error, 1)
	go func() { done <- collector.Visit(request.URL) }()

	select {
	case <-ctx.Done():
		// The visit goroutine may still be writing; report only the elapsed time.
		return crawler.FetchResponse{URL: request.URL, Duration: time.Since(visit.started)},
			fmt.Errorf("fetch %s: %w", request.URL, ctx.Err())
	case err := <-done:
		return visit.response, visit.result(err)
	}
}

func (v *pageVisit) result(visitErr error) error {
	switch {
	case errors.Is(visitErr, colly.ErrRobotsTxtBlocked):
		return crawler.ErrDisallowed
	case v.err != nil:
		return fmt.Errorf("colly response failed: %w", v.err)
	case visitErr != nil:
		return fmt.Errorf("colly visit failed: %w", visitErr)
	}
	return nil
}

func (f *Fetcher) collectorFor(ctx context.Context, visit *pageVisit) *colly.Collector {
	c := f.template.Clone()
	c.Context = ctx
	c.IgnoreRobotsTxt = !f.cfg.RespectRobots
	// Clones share the visited set; retries and later jobs revisit URLs.
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	if f.cfg.MaxBodySize > 0 {
		c.MaxBodySize = f.cfg.MaxBodySize
	}
	c.SetRequestTimeout(f.cfg.Timeout)
	c.WithTransport(f.transport)

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")
	})
	c.OnResponse(func(r *colly.Response) {
		visit.response = crawler.FetchResponse{
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(visit.started),
		}
		if r.Request != nil && r.Request.URL != nil {
			visit.response.URL = r.Request.URL.String()
		}
		if r.Headers != nil {
			visit.response.ContentType = r.Headers.Get("Content-Type")
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		visit.response.Duration = time.Since(visit.started)
		if r != nil && r.StatusCode > 0 {
			visit.response.StatusCode = r.StatusCode
			visit.err = crawler.NewStatusError(r.StatusCode)
			return
		}
		visit.err = err
	})
	return c
}

func pooledTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
}
