package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"
)

// DefaultModel is the generation model used unless configured otherwise.
const DefaultModel = "gemini-2.5-flash-lite"

// generateTimeout bounds one model call; generation fails fast rather
// than holding the notification handler.
const generateTimeout = 15 * time.Second

// Older models tried in order when the configured one fails.
var fallbackModels = []string{"gemini-1.5-flash", "gemini-1.5-flash-002"}

// Vertex generates replies through the hosted model API.
type Vertex struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// NewVertex builds a Vertex generator for the given project/location.
func NewVertex(ctx context.Context, project, location, model string, logger *slog.Logger) (*Vertex, error) {
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  project,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("create generation client: %w", err)
	}
	return &Vertex{client: client, model: model, logger: logger}, nil
}

// Generate renders the prompt and calls the configured model, falling
// back through older models before giving up.
func (v *Vertex) Generate(ctx context.Context, req Request) (string, error) {
	prompt := Prompt(req)
	models := append([]string{v.model}, fallbackModels...)

	var lastErr error
	for _, model := range models {
		text, err := v.generateOnce(ctx, model, prompt)
		if err != nil {
			v.logger.WarnContext(ctx, "generation failed", "model", model, "error", err)
			lastErr = err
			continue
		}
		if text != "" {
			return text, nil
		}
	}
	if lastErr == nil {
		lastErr = errors.New("all models returned empty text")
	}
	return "", fmt.Errorf("generate reply: %w", lastErr)
}

func (v *Vertex) generateOnce(ctx context.Context, model, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](0.7),
		TopP:            genai.Ptr[float32](0.8),
		MaxOutputTokens: 256,
	}
	res, err := v.client.Models.GenerateContent(ctx, model, genai.Text(prompt), cfg)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Text()), nil
}
