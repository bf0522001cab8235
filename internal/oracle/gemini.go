package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/speechlens/speechlens/internal/session"
)

const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiOracle calls the Gemini API through the genai SDK.
type GeminiOracle struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, apiKey, model string) (*GeminiOracle, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini API key is required")
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiOracle{client: client, model: model}, nil
}

func (g *GeminiOracle) GenerateOptions(ctx context.Context, req Request) (Reply, error) {
	parts := []*genai.Part{{Text: OptionsPrompt(req)}}
	if len(req.Image) > 0 {
		mime := req.ImageMIME
		if mime == "" {
			mime = "image/jpeg"
		}
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{Data: req.Image, MIMEType: mime}})
	}

	text, err := g.generate(ctx, parts, 0.7)
	if err != nil {
		return Reply{}, err
	}
	return SplitReply(text), nil
}

func (g *GeminiOracle) Summarize(ctx context.Context, history []session.Turn) (string, error) {
	return g.generate(ctx, []*genai.Part{{Text: SummaryPrompt(history)}}, 0.3)
}

func (g *GeminiOracle) generate(ctx context.Context, parts []*genai.Part, temperature float32) (string, error) {
	contents := []*genai.Content{{Role: "user", Parts: parts}}
	config := &genai.GenerateContentConfig{Temperature: genai.Ptr(temperature)}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("gemini returned no candidates")
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			b.WriteString(part.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", errors.New("gemini returned empty text")
	}
	return text, nil
}
