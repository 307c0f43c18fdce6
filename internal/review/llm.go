package review

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fyrsmithlabs/prgate/internal/config"
)

const (
	defaultMaxTokens   = 2048
	defaultTemperature = 0.2
)

// LLMReviewer reviews through any langchaingo model.
type LLMReviewer struct {
	name   string
	model  llms.Model
	tracer trace.Tracer
}

// NewLLMReviewer wraps a langchaingo model.
func NewLLMReviewer(name string, model llms.Model) *LLMReviewer {
	return &LLMReviewer{
		name:   name,
		model:  model,
		tracer: otel.Tracer("github.com/fyrsmithlabs/prgate/internal/review"),
	}
}

// NewOpenAIReviewer builds the primary reviewer on an OpenAI-compatible
// chat completions endpoint.
func NewOpenAIReviewer(cfg config.ProviderConfig) (*LLMReviewer, error) {
	if !cfg.APIKey.IsSet() {
		return nil, errors.New("primary reviewer: api key required")
	}
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey.Value()),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return NewLLMReviewer("openai:"+cfg.Model, model), nil
}

// Name implements Reviewer.
func (r *LLMReviewer) Name() string { return r.name }

// Review implements Reviewer.
func (r *LLMReviewer) Review(ctx context.Context, req Request) (*Result, error) {
	ctx, span := r.tracer.Start(ctx, "review.llm", trace.WithAttributes(attribute.String("review.reviewer", r.name)))
	defer span.End()

	text, err := llms.GenerateFromSinglePrompt(ctx, r.model, BuildPrompt(req),
		llms.WithTemperature(defaultTemperature),
		llms.WithMaxTokens(defaultMaxTokens),
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("generating review: %w", err)
	}
	if text == "" {
		return nil, errors.New("empty response from model")
	}
	res := ParseResponse(text)
	span.SetAttributes(attribute.Float64("review.score", res.Score))
	return res, nil
}
