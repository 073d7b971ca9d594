// Package anthropic analyzes page content with the Claude Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/JakeFAU/site-insight-crawler/internal/analysis"
	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-3-5-haiku-latest"

// Config holds provider settings.
type Config struct {
	APIKey      string
	Model       string
	MaxTokens   int64
	Temperature float64
	Pricing     analysis.Pricing
}

type messageCreator interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Analyzer implements analysis.Analyzer.
type Analyzer struct {
	messages messageCreator
	cfg      Config
}

var _ analysis.Analyzer = (*Analyzer)(nil)

// New builds an analyzer with an API client.
func New(cfg Config) (*Analyzer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("analysis.api_key is required for the anthropic provider")
	}
	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
	return newWithMessages(&client.Messages, cfg), nil
}

func newWithMessages(messages messageCreator, cfg Config) *Analyzer {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 500
	}
	return &Analyzer{messages: messages, cfg: cfg}
}

// Name implements analysis.Analyzer.
func (a *Analyzer) Name() string { return "anthropic" }

// Analyze implements analysis.Analyzer.
func (a *Analyzer) Analyze(ctx context.Context, in analysis.Input) (analysis.Result, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.cfg.Model),
		MaxTokens: a.cfg.MaxTokens,
		System:    []anthropic.TextBlockParam{{Text: analysis.SystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(analysis.BuildPrompt(in))),
		},
	}
	if a.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(a.cfg.Temperature)
	}

	resp, err := a.messages.New(ctx, params)
	if err != nil {
		return analysis.Result{}, classify(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	usage := a.cfg.Pricing.Usage(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	parsed, err := analysis.ParseResponse(text.String())
	if err != nil {
		return analysis.Result{}, err
	}
	return analysis.Result{Analysis: parsed, Usage: usage}, nil
}

func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode > 0 {
		callErr := crawler.NewStatusError(apiErr.StatusCode)
		callErr.Err = fmt.Errorf("claude api: %w", err)
		return callErr
	}
	return fmt.Errorf("claude api: %w", err)
}
