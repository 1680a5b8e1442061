package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const DefaultGeminiModel = "gemini-2.5-flash"

type modelsAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini generates replies with the Gemini API in JSON response mode.
type Gemini struct {
	models      modelsAPI
	model       string
	temperature float32
	maxTokens   int32
}

type GeminiConfig struct {
	APIKey          string
	Model           string
	Temperature     float32
	MaxOutputTokens int32
}

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return newGemini(client.Models, cfg), nil
}

func newGemini(models modelsAPI, cfg GeminiConfig) *Gemini {
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.8
	}
	if cfg.MaxOutputTokens == 0 {
		cfg.MaxOutputTokens = 512
	}
	return &Gemini{models: models, model: cfg.Model, temperature: cfg.Temperature, maxTokens: cfg.MaxOutputTokens}
}

func (g *Gemini) Generate(ctx context.Context, req Request) (Reply, error) {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, t := range req.History {
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		var role genai.Role = genai.RoleModel
		if t.FromChild {
			role = genai.RoleUser
		}
		contents = append(contents, genai.NewContentFromText(t.Text, role))
	}
	contents = append(contents, genai.NewContentFromText(req.Utterance, genai.RoleUser))

	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr(g.temperature),
		MaxOutputTokens:  g.maxTokens,
	}
	if strings.TrimSpace(req.System) != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	resp, err := g.models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return Reply{}, fmt.Errorf("gemini generate: %w", err)
	}
	raw := resp.Text()
	if strings.TrimSpace(raw) == "" {
		return Reply{}, errors.New("gemini generate: empty reply")
	}
	return ParseReply(raw), nil
}
