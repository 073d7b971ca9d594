package anthropic

import (
	"context"
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-insight-crawler/internal/analysis"
	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
)

type fakeMessages struct {
	params anthropic.MessageNewParams
	resp   *anthropic.Message
	err    error
}

func (f *fakeMessages) New(_ context.Context, body anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	f.params = body
	return f.resp, f.err
}

func TestAnalyzeParsesTextBlocks(t *testing.T) {
	t.Parallel()

	fake := &fakeMessages{resp: &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: "```json\n{\"summary\":\"Widgets for sale.\",\"quality_score\":8,\"keywords\":[\"widgets\"]}\n```"},
		},
		Usage: anthropic.Usage{InputTokens: 1_000_000, OutputTokens: 500_000},
	}}
	a := newWithMessages(fake, Config{
		Temperature: 0.3,
		Pricing:     analysis.Pricing{InputPerMillion: 0.8, OutputPerMillion: 4},
	})

	res, err := a.Analyze(context.Background(), analysis.Input{URL: "https://example.com/", Title: "Widgets", Text: "body"})
	require.NoError(t, err)
	require.Equal(t, "Widgets for sale.", res.Analysis.Summary)
	require.Equal(t, 8, res.Analysis.QualityScore)
	require.InDelta(t, 2.8, res.Usage.Cost, 1e-9)

	require.Equal(t, anthropic.Model(DefaultModel), fake.params.Model)
	require.Equal(t, int64(500), fake.params.MaxTokens)
	require.Len(t, fake.params.System, 1)
	require.Equal(t, analysis.SystemPrompt, fake.params.System[0].Text)
}

func TestAnalyzeMalformedIsRetryable(t *testing.T) {
	t.Parallel()

	fake := &fakeMessages{resp: &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{{Type: "text", Text: "Sorry, I cannot help."}},
	}}
	a := newWithMessages(fake, Config{})

	_, err := a.Analyze(context.Background(), analysis.Input{})
	callErr := crawler.Classify(err)
	require.Equal(t, crawler.KindMalformed, callErr.Kind)
	require.True(t, callErr.Retryable)
}

func TestAnalyzeTransportErrorIsWrapped(t *testing.T) {
	t.Parallel()

	boom := errors.New("dial failed")
	a := newWithMessages(&fakeMessages{err: boom}, Config{})
	_, err := a.Analyze(context.Background(), analysis.Input{})
	require.ErrorIs(t, err, boom)
}

func TestNewRequiresKey(t *testing.T) {
	t.Parallel()
	_, err := New(Config{})
	require.Error(t, err)
}
