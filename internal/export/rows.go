package export

import (
	"sort"
	"strconv"
	"strings"

	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
)

type column struct {
	header string
	width  float64
	value  func(crawler.PageRecord) any
}

func fieldsOf(p crawler.PageRecord) crawler.PageFields {
	if p.Fields == nil {
		return crawler.PageFields{}
	}
	return *p.Fields
}

func analysisOf(p crawler.PageRecord) crawler.Analysis {
	if p.Analysis == nil {
		return crawler.Analysis{}
	}
	return *p.Analysis
}

// optionalInt leaves the cell empty when the page was not analyzed so a
// missing score is not confused with zero.
func optionalInt(p crawler.PageRecord, v int) any {
	if p.Analysis == nil {
		return ""
	}
	return v
}

var columns = []column{
	{"URL", 50, func(p crawler.PageRecord) any { return p.URL }},
	{"Outcome", 12, func(p crawler.PageRecord) any { return string(p.Outcome.Status) }},
	{"Status Code", 12, func(p crawler.PageRecord) any { return p.Outcome.StatusCode }},
	{"Error", 30, func(p crawler.PageRecord) any { return p.Outcome.Reason }},
	{"Title", 40, func(p crawler.PageRecord) any { return fieldsOf(p).Title }},
	{"Meta Description", 50, func(p crawler.PageRecord) any { return fieldsOf(p).Description }},
	{"Meta Keywords", 30, func(p crawler.PageRecord) any { return strings.Join(fieldsOf(p).Keywords, ", ") }},
	{"Word Count", 12, func(p crawler.PageRecord) any { return fieldsOf(p).WordCount }},
	{"H1 Count", 10, func(p crawler.PageRecord) any { return fieldsOf(p).H1Count }},
	{"H1 Tags", 30, func(p crawler.PageRecord) any { return strings.Join(fieldsOf(p).Headings, ", ") }},
	{"Internal Links", 12, func(p crawler.PageRecord) any { return fieldsOf(p).InternalLinks }},
	{"External Links", 12, func(p crawler.PageRecord) any { return fieldsOf(p).ExternalLinks }},
	{"Images", 10, func(p crawler.PageRecord) any { return fieldsOf(p).Images }},
	{"AI Summary", 60, func(p crawler.PageRecord) any { return analysisOf(p).Summary }},
	{"Primary Topic", 20, func(p crawler.PageRecord) any { return analysisOf(p).PrimaryTopic }},
	{"AI Keywords", 40, func(p crawler.PageRecord) any { return strings.Join(analysisOf(p).Keywords, ", ") }},
	{"Target Audience", 30, func(p crawler.PageRecord) any { return analysisOf(p).TargetAudience }},
	{"Quality Score", 12, func(p crawler.PageRecord) any { return optionalInt(p, analysisOf(p).QualityScore) }},
	{"SEO Score", 12, func(p crawler.PageRecord) any { return optionalInt(p, analysisOf(p).SEOScore) }},
	{"Content Type", 20, func(p crawler.PageRecord) any { return analysisOf(p).ContentType }},
	{"Sentiment", 15, func(p crawler.PageRecord) any { return analysisOf(p).Sentiment }},
	{"From Cache", 10, func(p crawler.PageRecord) any { return p.FromCache }},
}

func headers() []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = c.header
	}
	return out
}

func row(p crawler.PageRecord) []any {
	out := make([]any, len(columns))
	for i, c := range columns {
		out[i] = c.value(p)
	}
	return out
}

func stringRow(p crawler.PageRecord) []string {
	values := row(p)
	out := make([]string, len(values))
	for i, v := range values {
		switch tv := v.(type) {
		case string:
			out[i] = tv
		case int:
			out[i] = strconv.Itoa(tv)
		case bool:
			out[i] = strconv.FormatBool(tv)
		}
	}
	return out
}

// summary aggregates the report-level figures shown on the Summary sheet.
type summary struct {
	pages          int
	analyzed       int
	avgWordCount   float64
	avgQuality     float64
	avgSEO         float64
	internalLinks  int
	externalLinks  int
	images         int
	topTopics      []topicCount
	sentimentCount []topicCount
}

type topicCount struct {
	name  string
	count int
}

func summarize(pages []crawler.PageRecord) summary {
	var s summary
	var words, fetched, quality, seo int
	topics := map[string]int{}
	sentiments := map[string]int{}
	for _, p := range pages {
		s.pages++
		if p.Fields != nil {
			fetched++
			words += p.Fields.WordCount
			s.internalLinks += p.Fields.InternalLinks
			s.externalLinks += p.Fields.ExternalLinks
			s.images += p.Fields.Images
		}
		if p.Analysis != nil {
			s.analyzed++
			quality += p.Analysis.QualityScore
			seo += p.Analysis.SEOScore
			if p.Analysis.PrimaryTopic != "" {
				topics[p.Analysis.PrimaryTopic]++
			}
			if p.Analysis.Sentiment != "" {
				sentiments[p.Analysis.Sentiment]++
			}
		}
	}
	if fetched > 0 {
		s.avgWordCount = float64(words) / float64(fetched)
	}
	if s.analyzed > 0 {
		s.avgQuality = float64(quality) / float64(s.analyzed)
		s.avgSEO = float64(seo) / float64(s.analyzed)
	}
	s.topTopics = ranked(topics, 5)
	s.sentimentCount = ranked(sentiments, 0)
	return s
}

// ranked orders counts descending, ties by name; limit 0 keeps all.
func ranked(counts map[string]int, limit int) []topicCount {
	out := make([]topicCount, 0, len(counts))
	for name, n := range counts {
		out = append(out, topicCount{name: name, count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].name < out[j].name
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
