package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/skincarebot/config"
	"github.com/satriahrh/skincarebot/domain"
	"github.com/satriahrh/skincarebot/utils/log"
)

type GeminiClient struct {
	client    *genai.Client
	model     string
	genConfig *genai.GenerateContentConfig
	timeout   time.Duration
}

var _ domain.Llm = (*GeminiClient)(nil)

// NewGeminiClient configures the Gemini API client. It fails with a
// *domain.ConfigError when the key is missing or, with VerifyKey set, when
// the service rejects it.
func NewGeminiClient(ctx context.Context, cfg config.Gemini, timeout time.Duration) (*GeminiClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &domain.ConfigError{Reason: "API key not found; set GEMINI_API_KEY"}
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
	if err != nil {
		return nil, &domain.ConfigError{Reason: "creating genai client", Err: err}
	}

	g := &GeminiClient{
		client:    client,
		model:     cfg.Model,
		genConfig: generationConfig(cfg),
		timeout:   timeout,
	}

	if cfg.VerifyKey {
		if err := g.verify(ctx); err != nil {
			return nil, err
		}
	}

	return g, nil
}

func generationConfig(cfg config.Gemini) *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(cfg.Temperature),
		TopP:            genai.Ptr(cfg.TopP),
		TopK:            genai.Ptr(cfg.TopK),
		MaxOutputTokens: cfg.MaxOutputTokens,
	}
}

// verify looks the model up once so a bad key fails startup instead of the first turn.
func (g *GeminiClient) verify(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if _, err := g.client.Models.Get(ctx, g.model, nil); err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && isAuthFailure(apiErr) {
			return &domain.ConfigError{Reason: "API key rejected by Gemini", Err: err}
		}
		return &domain.ConfigError{Reason: fmt.Sprintf("looking up model %s", g.model), Err: err}
	}
	log.WithCtx(ctx).Info("Gemini credential verified", zap.String("model", g.model))
	return nil
}

func (g *GeminiClient) Model() string {
	return g.model
}

// Generate sends parts as a single user content, keeping their order.
func (g *GeminiClient) Generate(ctx context.Context, parts []domain.Part) (string, error) {
	if len(parts) == 0 {
		return "", &domain.GenerationError{Reason: domain.ReasonRejected, Err: errors.New("no parts to send")}
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, []*genai.Content{BuildContent(parts)}, g.genConfig)
	if err != nil {
		return "", classify(ctx, err)
	}

	text, err := extractText(resp)
	if err != nil {
		return "", err
	}

	log.WithCtx(ctx).Debug("Generation completed",
		zap.String("model", g.model),
		zap.Int("parts", len(parts)),
		zap.Duration("elapsed", time.Since(start)))
	return text, nil
}

// BuildContent maps domain parts to one genai user content in the same order.
func BuildContent(parts []domain.Part) *genai.Content {
	genaiParts := make([]*genai.Part, 0, len(parts))
	for _, p := range parts {
		if p.IsImage() {
			genaiParts = append(genaiParts, &genai.Part{
				InlineData: &genai.Blob{
					Data:     p.Image.Data,
					MIMEType: p.Image.MIMEType,
				},
			})
			continue
		}
		genaiParts = append(genaiParts, &genai.Part{Text: p.Text})
	}
	return &genai.Content{Role: genai.RoleUser, Parts: genaiParts}
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", &domain.GenerationError{Reason: domain.ReasonMalformed, Err: errors.New("nil response")}
	}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return "", &domain.GenerationError{
				Reason: domain.ReasonRejected,
				Err:    fmt.Errorf("prompt blocked: %s", resp.PromptFeedback.BlockReason),
			}
		}
		return "", &domain.GenerationError{Reason: domain.ReasonMalformed, Err: errors.New("no candidates in response")}
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", &domain.GenerationError{
			Reason: domain.ReasonMalformed,
			Err:    fmt.Errorf("empty text (finish reason %s)", resp.Candidates[0].FinishReason),
		}
	}
	return text, nil
}

// classify turns an SDK error into a *domain.GenerationError.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &domain.GenerationError{Reason: domain.ReasonTimeout, Err: err}
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case isAuthFailure(apiErr):
			return &domain.GenerationError{Reason: domain.ReasonAuth, Err: err}
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Status == "RESOURCE_EXHAUSTED":
			return &domain.GenerationError{Reason: domain.ReasonQuota, Err: err}
		default:
			return &domain.GenerationError{Reason: domain.ReasonRejected, Err: err}
		}
	}

	return &domain.GenerationError{Reason: domain.ReasonNetwork, Err: err}
}

func isAuthFailure(apiErr genai.APIError) bool {
	switch apiErr.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return true
	case http.StatusBadRequest:
		return strings.Contains(strings.ToLower(apiErr.Message), "api key")
	}
	return apiErr.Status == "PERMISSION_DENIED" || apiErr.Status == "UNAUTHENTICATED"
}
