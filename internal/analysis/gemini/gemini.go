// Package gemini analyzes page content with the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/JakeFAU/site-insight-crawler/internal/analysis"
	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.0-flash"

// Config holds provider settings.
type Config struct {
	APIKey      string
	Model       string
	MaxTokens   int32
	Temperature float32
	Pricing     analysis.Pricing
}

type contentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Analyzer implements analysis.Analyzer.
type Analyzer struct {
	models contentGenerator
	cfg    Config
}

var _ analysis.Analyzer = (*Analyzer)(nil)

// New builds an analyzer with a Gemini API client.
func New(ctx context.Context, cfg Config) (*Analyzer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("analysis.api_key is required for the gemini provider")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newWithModels(client.Models, cfg), nil
}

func newWithModels(models contentGenerator, cfg Config) *Analyzer {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 500
	}
	return &Analyzer{models: models, cfg: cfg}
}

// Name implements analysis.Analyzer.
func (a *Analyzer) Name() string { return "gemini" }

// Analyze implements analysis.Analyzer.
func (a *Analyzer) Analyze(ctx context.Context, in analysis.Input) (analysis.Result, error) {
	config := &genai.GenerateContentConfig{
		MaxOutputTokens:   a.cfg.MaxTokens,
		ResponseMIMEType:  "application/json",
		SystemInstruction: genai.NewContentFromText(analysis.SystemPrompt, genai.RoleUser),
	}
	if a.cfg.Temperature > 0 {
		config.Temperature = genai.Ptr(a.cfg.Temperature)
	}
	contents := []*genai.Content{genai.NewContentFromText(analysis.BuildPrompt(in), genai.RoleUser)}

	resp, err := a.models.GenerateContent(ctx, a.cfg.Model, contents, config)
	if err != nil {
		return analysis.Result{}, classify(err)
	}

	var text strings.Builder
	if resp != nil {
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part != nil && part.Text != "" {
					text.WriteString(part.Text)
				}
			}
			if text.Len() > 0 {
				break
			}
		}
	}
	var usage crawler.Usage
	if resp != nil && resp.UsageMetadata != nil {
		usage = a.cfg.Pricing.Usage(
			int64(resp.UsageMetadata.PromptTokenCount),
			int64(resp.UsageMetadata.CandidatesTokenCount),
		)
	}
	parsed, err := analysis.ParseResponse(text.String())
	if err != nil {
		return analysis.Result{}, err
	}
	return analysis.Result{Analysis: parsed, Usage: usage}, nil
}

func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code > 0 {
		callErr := crawler.NewStatusError(apiErr.Code)
		callErr.Err = fmt.Errorf("gemini api: %w", err)
		return callErr
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr.Code > 0 {
		callErr := crawler.NewStatusError(apiErrPtr.Code)
		callErr.Err = fmt.Errorf("gemini api: %w", err)
		return callErr
	}
	return fmt.Errorf("gemini api: %w", err)
}
