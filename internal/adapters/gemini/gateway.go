package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sugos/mrdash/internal/shared/metrics"
	"google.golang.org/genai"
)

// ErrMissingAPIKey is returned by New when no API key is configured.
var ErrMissingAPIKey = errors.New("gemini api key is not configured")

// Config holds generation settings.
type Config struct {
	APIKey          string
	Timeout         time.Duration
	Temperature     float32
	MaxOutputTokens int32
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Timeout:         10 * time.Minute,
		Temperature:     0.2,
		MaxOutputTokens: 8192,
	}
}

// Summary is a generated narrative.
type Summary struct {
	Text string
	// Truncated is set when generation stopped at the output token limit.
	Truncated bool
}

// contentGenerator is the part of *genai.Models the gateway calls.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gateway sends prompts to Gemini. It makes a single attempt per call.
type Gateway struct {
	models contentGenerator
	config Config
	logger zerolog.Logger
}

// New creates a gateway backed by the Gemini API.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Gateway, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return newGateway(client.Models, cfg, logger), nil
}

func newGateway(models contentGenerator, cfg Config, logger zerolog.Logger) *Gateway {
	return &Gateway{
		models: models,
		config: cfg,
		logger: logger.With().Str("component", "gemini").Logger(),
	}
}

// Summarize generates a narrative for prompt using model.
func (g *Gateway) Summarize(ctx context.Context, prompt, model string) (Summary, error) {
	start := time.Now()
	summary, err := g.summarize(ctx, prompt, model)
	metrics.RecordSummarization(model, outcome(err), time.Since(start))

	if err != nil {
		g.logger.Warn().Str("model", model).Str("outcome", outcome(err)).Err(err).Msg("summarization failed")
		return Summary{}, err
	}

	evt := g.logger.Info()
	if summary.Truncated {
		evt = g.logger.Warn()
	}
	evt.Str("model", model).Int("chars", len(summary.Text)).Bool("truncated", summary.Truncated).
		Dur("latency", time.Since(start)).Msg("narrative generated")
	return summary, nil
}

func (g *Gateway) summarize(ctx context.Context, prompt, model string) (Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	resp, err := g.models.GenerateContent(ctx, model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(g.config.Temperature),
		MaxOutputTokens: g.config.MaxOutputTokens,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Summary{}, &ServiceError{Message: fmt.Sprintf("no response within %s", g.config.Timeout), Err: err}
		}
		return Summary{}, &ServiceError{Message: err.Error(), TokenLimit: looksLikeTokenLimit(err.Error()), Err: err}
	}

	return interpret(resp)
}

// interpret turns a response into a summary or a typed failure.
func interpret(resp *genai.GenerateContentResponse) (Summary, error) {
	if resp == nil {
		return Summary{}, &ServiceError{Message: "empty response"}
	}

	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		return Summary{}, &BlockedContentError{Reason: string(fb.BlockReason), Message: fb.BlockReasonMessage}
	}

	var finish genai.FinishReason
	var finishMessage string
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		finish = resp.Candidates[0].FinishReason
		finishMessage = resp.Candidates[0].FinishMessage
	}

	switch finish {
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist,
		genai.FinishReasonSPII, genai.FinishReasonRecitation:
		return Summary{}, &BlockedContentError{Reason: string(finish), Message: finishMessage}
	}

	text := resp.Text()
	truncated := finish == genai.FinishReasonMaxTokens

	if strings.TrimSpace(text) == "" {
		if truncated {
			return Summary{}, &ServiceError{Message: "generation stopped at the token limit before producing text", TokenLimit: true}
		}
		message := "model returned no text"
		if finish != "" {
			message += " (finish reason " + string(finish) + ")"
		}
		return Summary{}, &ServiceError{Message: message}
	}

	return Summary{Text: text, Truncated: truncated}, nil
}

func outcome(err error) string {
	var blocked *BlockedContentError
	var service *ServiceError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &blocked):
		return "blocked"
	case errors.As(err, &service) && service.TokenLimit:
		return "token_limit"
	default:
		return "error"
	}
}
