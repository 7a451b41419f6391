package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"multi-angle-studio/modules/common/config"
	"multi-angle-studio/modules/common/model"
)

// Generator renders the subject of src from the camera angle described by
// promptFragment. Every non-nil error it returns is a *Failure.
type Generator interface {
	Generate(ctx context.Context, src model.SourceImage, promptFragment string) (model.ImageResult, error)
}

// ContentGenerator is the slice of the genai API the client needs.
// *genai.Models satisfies it.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Options tunes a GeminiGenerator. Zero values disable the feature.
type Options struct {
	Model   string
	Timeout time.Duration
	// RatePerSecond paces call starts; it never retries.
	RatePerSecond float64
}

// GeminiGenerator performs one generateContent call per Generate.
type GeminiGenerator struct {
	models  ContentGenerator
	model   string
	timeout time.Duration
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ Generator = (*GeminiGenerator)(nil)

// NewGeminiClient - Genai 클라이언트 초기화 (프로세스 시작 시 1회)
func NewGeminiClient(ctx context.Context, cfg *config.Config) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return client, nil
}

// NewGeminiGenerator wraps models (usually client.Models).
func NewGeminiGenerator(models ContentGenerator, opts Options, logger *zap.Logger) *GeminiGenerator {
	if opts.Model == "" {
		opts.Model = config.DefaultGeminiModel
	}
	g := &GeminiGenerator{
		models:  models,
		model:   opts.Model,
		timeout: opts.Timeout,
		logger:  logger.With(zap.String("component", "generation"), zap.String("model", opts.Model)),
	}
	if opts.RatePerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}
	return g
}

// Generate implements Generator.
func (g *GeminiGenerator) Generate(ctx context.Context, src model.SourceImage, promptFragment string) (model.ImageResult, error) {
	promptFragment = strings.TrimSpace(promptFragment)
	switch {
	case len(src.Data) == 0:
		return model.ImageResult{}, invalidInput("Source image is empty")
	case src.MIMEType == "":
		return model.ImageResult{}, invalidInput("Source image has no MIME type")
	case promptFragment == "":
		return model.ImageResult{}, invalidInput("Angle prompt is empty")
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return model.ImageResult{}, g.fail(ctx, err)
		}
	}

	parts := []*genai.Part{
		genai.NewPartFromText(BuildAnglePrompt(promptFragment)),
		genai.NewPartFromBytes(src.Data, src.MIMEType),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	start := time.Now()
	resp, err := g.models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		f := g.fail(ctx, err)
		g.logger.Warn("❌ [Generation] Gemini API error",
			zap.String("fragment", promptFragment),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("kind", string(f.Kind)),
			zap.Error(err),
		)
		return model.ImageResult{}, f
	}

	data, f := extractImage(resp)
	if f != nil {
		g.logger.Warn("⚠️ [Generation] No usable image in response",
			zap.String("fragment", promptFragment),
			zap.String("kind", string(f.Kind)),
		)
		return model.ImageResult{}, f
	}

	g.logger.Info("✅ [Generation] Image generated",
		zap.String("fragment", promptFragment),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return model.ImageResult{Data: data, MIMEType: model.GeneratedImageMIMEType}, nil
}

// fail maps a transport-level error, distinguishing our own deadline from
// the caller's cancellation.
func (g *GeminiGenerator) fail(ctx context.Context, err error) *Failure {
	if g.timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Failure{Kind: FailureTimeout, Reason: ReasonTimeout, Err: err}
	}
	reason := err.Error()
	if reason == "" {
		reason = ReasonGeneric
	}
	return &Failure{Kind: FailureTransport, Reason: reason, Err: err}
}

// extractImage - 첫 번째 후보의 parts 중 InlineData가 있는 첫 파트 반환
func extractImage(resp *genai.GenerateContentResponse) ([]byte, *Failure) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, &Failure{Kind: FailureEmptyResponse, Reason: ReasonEmptyResponse}
	}
	candidate := resp.Candidates[0]
	if candidate == nil || candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return nil, &Failure{Kind: FailureEmptyResponse, Reason: ReasonEmptyResponse}
	}

	for _, part := range candidate.Content.Parts {
		if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
			return part.InlineData.Data, nil
		}
	}
	return nil, &Failure{Kind: FailureNoImage, Reason: ReasonNoImage}
}
