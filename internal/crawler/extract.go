package crawler

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

const (
	defaultMaxTextChars = 5000
	strippedSelectors   = "script, style, noscript, nav, header, footer"
)

// Extractor turns an HTML body into PageFields.
type Extractor struct {
	hasher       Hasher
	maxTextChars int
}

// NewExtractor builds an Extractor that fingerprints text with hasher.
func NewExtractor(hasher Hasher) *Extractor {
	return &Extractor{hasher: hasher, maxTextChars: defaultMaxTextChars}
}

// Extract parses body fetched from pageURL. Relative links resolve against
// pageURL; a link is internal when it belongs to site, the crawl's seed. A
// nil site means the page's own host.
func (x *Extractor) Extract(pageURL string, site *url.URL, body []byte) (PageFields, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return PageFields{}, fmt.Errorf("parse page url: %w", err)
	}
	if site == nil {
		site = base
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return PageFields{}, errors.New("empty document")
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return PageFields{}, fmt.Errorf("parse html: %w", err)
	}

	fields := PageFields{
		Title:       firstNonEmpty(doc.Find("title").First().Text(), metaContent(doc, `meta[property="og:title"]`)),
		Description: firstNonEmpty(metaContent(doc, `meta[name="description"]`), metaContent(doc, `meta[property="og:description"]`)),
		Keywords:    splitKeywords(metaContent(doc, `meta[name="keywords"]`)),
		Images:      doc.Find("img").Length(),
	}

	doc.Find("h1").Each(func(_ int, s *goquery.Selection) {
		fields.H1Count++
		if text := collapseSpace(s.Text()); text != "" {
			fields.Headings = append(fields.Headings, text)
		}
	})

	x.collectLinks(doc, base, site, &fields)

	doc.Find(strippedSelectors).Remove()
	words := strings.Fields(doc.Find("body").Text())
	if len(words) == 0 {
		words = strings.Fields(doc.Text())
	}
	fields.WordCount = len(words)
	normalized := strings.Join(words, " ")
	fields.Text = truncateRunes(normalized, x.maxTextChars)

	fp, err := x.fingerprint(normalized)
	if err != nil {
		return PageFields{}, err
	}
	fields.Fingerprint = fp
	return fields, nil
}

// fingerprint hashes normalized text; pages with equal visible text share a fingerprint.
func (x *Extractor) fingerprint(normalized string) (string, error) {
	if x.hasher == nil {
		return "", errors.New("extractor has no hasher")
	}
	sum, err := x.hasher.Hash([]byte(strings.ToLower(normalized)))
	if err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return sum, nil
}

func (x *Extractor) collectLinks(doc *goquery.Document, base, site *url.URL, fields *PageFields) {
	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		link, ok := ResolveLink(base, href)
		if !ok {
			return
		}
		if !SameSite(site, link) {
			fields.ExternalLinks++
			return
		}
		fields.InternalLinks++
		if !Crawlable(link) {
			return
		}
		normalized, err := NormalizeURL(link.String())
		if err != nil {
			return
		}
		if _, dup := seen[normalized]; dup {
			return
		}
		seen[normalized] = struct{}{}
		fields.Links = append(fields.Links, normalized)
	})
}

func metaContent(doc *goquery.Document, selector string) string {
	content, _ := doc.Find(selector).First().Attr("content")
	return collapseSpace(content)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = collapseSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func splitKeywords(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if kw := strings.TrimSpace(part); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
