// Package analysis enriches crawled pages with AI-derived metadata. The
// Batcher filters pages worth paying for, collapses identical content within a
// job, consults the shared cache, and retries a provider with backoff; a page
// whose analysis keeps failing is kept without one.
package analysis

import (
	"context"

	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
)

// Input is the page content sent to a provider.
type Input struct {
	URL         string
	Title       string
	Description string
	WordCount   int
	Text        string
}

// Result is a parsed provider answer with its token usage.
type Result struct {
	Analysis crawler.Analysis
	Usage    crawler.Usage
}

// Analyzer is an external content-analysis service.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, in Input) (Result, error)
}

// InputFor builds the provider input for a page.
func InputFor(record crawler.PageRecord) Input {
	in := Input{URL: record.URL}
	if record.Fields != nil {
		in.Title = record.Fields.Title
		in.Description = record.Fields.Description
		in.WordCount = record.Fields.WordCount
		in.Text = record.Fields.Text
	}
	return in
}
