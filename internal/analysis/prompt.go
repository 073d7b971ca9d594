package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
)

// SystemPrompt frames every analysis request.
const SystemPrompt = "You are an expert content analyst. " +
	"Provide accurate, structured analysis of web content in JSON format."

// BuildPrompt renders the user prompt. The caller bounds in.Text.
func BuildPrompt(in Input) string {
	var b strings.Builder
	b.WriteString("Analyze the following web page content and provide structured metadata.\n\n")
	fmt.Fprintf(&b, "URL: %s\n", in.URL)
	fmt.Fprintf(&b, "Title: %s\n", in.Title)
	fmt.Fprintf(&b, "Meta Description: %s\n", in.Description)
	fmt.Fprintf(&b, "Word Count: %d\n\n", in.WordCount)
	b.WriteString("Content:\n")
	b.WriteString(in.Text)
	b.WriteString(`

Please provide a JSON response with the following fields:
- summary: A concise 2-3 sentence summary of the page content
- primary_topic: The main topic/category (e.g., Technology, Business, Health, etc.)
- keywords: An array of 5-7 relevant keywords
- target_audience: Brief description of the intended audience
- quality_score: A score from 1-10 rating content quality (depth, clarity, usefulness)
- content_type: Type of content (e.g., Blog Post, Product Page, Landing Page, Documentation, etc.)
- seo_score: SEO quality score from 1-10 (based on title, meta, keywords, structure)
- sentiment: Overall sentiment (Positive, Neutral, Negative)

Respond ONLY with valid JSON, no additional text.`)
	return b.String()
}

type wireAnalysis struct {
	Summary        string   `json:"summary"`
	PrimaryTopic   string   `json:"primary_topic"`
	Keywords       []string `json:"keywords"`
	TargetAudience string   `json:"target_audience"`
	QualityScore   float64  `json:"quality_score"`
	ContentType    string   `json:"content_type"`
	SEOScore       float64  `json:"seo_score"`
	Sentiment      string   `json:"sentiment"`
}

// ParseResponse decodes a provider answer. A surrounding markdown code fence
// is tolerated; anything that is not a JSON object with a summary is reported
// as a retryable malformed-response error.
func ParseResponse(text string) (crawler.Analysis, error) {
	body := stripFence(strings.TrimSpace(text))
	var wire wireAnalysis
	if err := json.Unmarshal([]byte(body), &wire); err != nil {
		return crawler.Analysis{}, crawler.NewMalformedError(fmt.Errorf("decode analysis: %w", err))
	}
	if strings.TrimSpace(wire.Summary) == "" {
		return crawler.Analysis{}, crawler.NewMalformedError(errors.New("analysis has no summary"))
	}
	return crawler.Analysis{
		Summary:        strings.TrimSpace(wire.Summary),
		PrimaryTopic:   wire.PrimaryTopic,
		Keywords:       wire.Keywords,
		TargetAudience: wire.TargetAudience,
		QualityScore:   score(wire.QualityScore),
		ContentType:    wire.ContentType,
		SEOScore:       score(wire.SEOScore),
		Sentiment:      wire.Sentiment,
	}, nil
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// score rounds and clamps a 1-10 score; 0 means the provider gave none.
func score(v float64) int {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	return int(math.Round(math.Min(v, 10)))
}

// Pricing converts token counts into dollars.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// Usage builds a crawler.Usage with its cost.
func (p Pricing) Usage(inputTokens, outputTokens int64) crawler.Usage {
	return crawler.Usage{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost: float64(inputTokens)*p.InputPerMillion/1_000_000 +
			float64(outputTokens)*p.OutputPerMillion/1_000_000,
	}
}
