package gemini

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/JakeFAU/site-insight-crawler/internal/analysis"
	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
)

type fakeModels struct {
	model  string
	config *genai.GenerateContentConfig
	resp   *genai.GenerateContentResponse
	err    error
}

func (f *fakeModels) GenerateContent(
	_ context.Context,
	model string,
	_ []*genai.Content,
	config *genai.GenerateContentConfig,
) (*genai.GenerateContentResponse, error) {
	f.model, f.config = model, config
	return f.resp, f.err
}

func TestAnalyzeReadsCandidateText(t *testing.T) {
	t.Parallel()

	fake := &fakeModels{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: genai.NewContentFromText(`{"summary":"Docs for the API.","seo_score":6.6}`, genai.RoleModel),
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 1000, CandidatesTokenCount: 100},
	}}
	a := newWithModels(fake, Config{Temperature: 0.3, Pricing: analysis.Pricing{InputPerMillion: 1, OutputPerMillion: 10}})

	res, err := a.Analyze(context.Background(), analysis.Input{URL: "https://example.com/docs"})
	require.NoError(t, err)
	require.Equal(t, "Docs for the API.", res.Analysis.Summary)
	require.Equal(t, 7, res.Analysis.SEOScore)
	require.Equal(t, int64(1100), res.Usage.Tokens())
	require.InDelta(t, 0.002, res.Usage.Cost, 1e-12)

	require.Equal(t, DefaultModel, fake.model)
	require.Equal(t, "application/json", fake.config.ResponseMIMEType)
	require.Equal(t, int32(500), fake.config.MaxOutputTokens)
	require.NotNil(t, fake.config.Temperature)
}

func TestAnalyzeMapsAPIErrorStatus(t *testing.T) {
	t.Parallel()

	fake := &fakeModels{err: genai.APIError{Code: http.StatusTooManyRequests, Message: "quota"}}
	a := newWithModels(fake, Config{})

	_, err := a.Analyze(context.Background(), analysis.Input{})
	callErr := crawler.Classify(err)
	require.Equal(t, crawler.KindRateLimited, callErr.Kind)
	require.True(t, callErr.Retryable)
}

func TestAnalyzeEmptyResponseIsMalformed(t *testing.T) {
	t.Parallel()

	a := newWithModels(&fakeModels{resp: &genai.GenerateContentResponse{}}, Config{})
	_, err := a.Analyze(context.Background(), analysis.Input{})
	require.Equal(t, crawler.KindMalformed, crawler.Classify(err).Kind)
}
