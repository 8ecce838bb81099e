package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/phrazzld/cadence/internal/config"
	"github.com/phrazzld/cadence/internal/generation"
	"google.golang.org/genai"
)

// contentGenerator is the subset of *genai.Models the adapter uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Model implements generation.Model on top of the Gemini API.
type Model struct {
	logger      *slog.Logger
	models      contentGenerator
	model       string
	temperature float32
	timeout     time.Duration
}

// NewModel creates a Gemini-backed model from the LLM configuration.
func NewModel(ctx context.Context, logger *slog.Logger, cfg config.LLMConfig) (*Model, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", generation.ErrInvalidConfig)
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", generation.ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", generation.ErrInvalidConfig, err)
	}
	return newModel(logger, client.Models, cfg), nil
}

func newModel(logger *slog.Logger, models contentGenerator, cfg config.LLMConfig) *Model {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Model{
		logger:      logger.With("component", "gemini"),
		models:      models,
		model:       cfg.ModelName,
		temperature: cfg.Temperature,
		timeout:     timeout,
	}
}

// Generate implements generation.Model. Each call runs under its own timeout;
// a timeout counts as a transient failure.
func (m *Model) Generate(ctx context.Context, req generation.Request) (string, error) {
	if len(req.Messages) == 0 {
		return "", ErrEmptyConversation
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	resp, err := m.models.GenerateContent(callCtx, m.model, contents(req.Messages), m.config(req))
	if err != nil {
		// The caller's own cancellation is not a provider failure.
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", classify(err)
	}

	text, err := responseText(resp)
	if err != nil {
		return "", err
	}
	m.logger.DebugContext(ctx, "gemini call finished",
		"purpose", req.Purpose,
		"turns", len(req.Messages),
		"json", req.JSON,
		"search", req.Search,
		"response_length", len(text),
		"duration_ms", time.Since(start).Milliseconds())
	return text, nil
}

func (m *Model) config(req generation.Request) *genai.GenerateContentConfig {
	temp := m.temperature
	cfg := &genai.GenerateContentConfig{Temperature: &temp}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	// Search grounding cannot be combined with a JSON response type.
	switch {
	case req.Search:
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	case req.JSON:
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}

func contents(msgs []generation.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, msg := range msgs {
		role := "user"
		if msg.Speaker == generation.SpeakerModel {
			role = "model"
		}
		out = append(out, &genai.Content{Role: role, Parts: []*genai.Part{{Text: msg.Text}}})
	}
	return out
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("%w: empty response", generation.ErrInvalidResponse)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("%w: prompt blocked: %s", generation.ErrContentBlocked, resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return "", fmt.Errorf("%w: no candidates", generation.ErrInvalidResponse)
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return "", fmt.Errorf("%w: response stopped by safety filters", generation.ErrContentBlocked)
	}
	if cand.Content == nil {
		return "", fmt.Errorf("%w: candidate has no content", generation.ErrInvalidResponse)
	}
	var b strings.Builder
	for _, p := range cand.Content.Parts {
		if p != nil {
			b.WriteString(p.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("%w: empty text", generation.ErrInvalidResponse)
	}
	return text, nil
}
