package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

type GeminiConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
}

// contentGenerator is the part of *genai.Models the generator uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiGenerator calls the Gemini API through the genai SDK.
type GeminiGenerator struct {
	models      contentGenerator
	model       string
	temperature float32
}

func NewGeminiGenerator(ctx context.Context, cfg GeminiConfig) (*GeminiGenerator, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	clientConfig := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newGeminiGenerator(client.Models, cfg.Model, cfg.Temperature), nil
}

func newGeminiGenerator(models contentGenerator, model string, temperature float64) *GeminiGenerator {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiGenerator{models: models, model: model, temperature: float32(temperature)}
}

// Generate sends instructions as the system instruction and question as the
// user turn. With an empty question the instructions become the user turn.
func (g *GeminiGenerator) Generate(ctx context.Context, instructions, question string) (string, error) {
	generateConfig := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(g.temperature),
	}
	userText := question
	if strings.TrimSpace(question) == "" {
		userText = instructions
	} else if strings.TrimSpace(instructions) != "" {
		generateConfig.SystemInstruction = genai.NewContentFromText(instructions, genai.RoleUser)
	}
	contents := []*genai.Content{genai.NewContentFromText(userText, genai.RoleUser)}

	resp, err := g.models.GenerateContent(ctx, g.model, contents, generateConfig)
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("gemini returned no text")
	}
	return text, nil
}
