// Package llm wraps the external generation call. The model is a black box:
// role-tagged text blocks in, generated text out.
package llm

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
)

// Block roles. The upstream API knows only these two; system and tool
// content is folded into user blocks before it gets here.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Block is one role-tagged chunk of model input.
type Block struct {
	Role string
	Text string
}

// Sampling carries the per-call generation settings, normally taken from a
// room's preset.
type Sampling struct {
	Temperature     float64
	TopP            float64
	TopK            int
	MaxOutputTokens int
}

// DefaultSampling matches the values used when a room has no preset.
func DefaultSampling() Sampling {
	return Sampling{
		Temperature:     1.15,
		TopP:            0.98,
		TopK:            40,
		MaxOutputTokens: 65535,
	}
}

// Generator is the external generation call.
type Generator interface {
	Generate(ctx context.Context, blocks []Block, sampling Sampling) (string, error)
}

// Options configures the Gemini-backed generator.
type Options struct {
	APIKey string
	Model  string
}

// GoogleAI generates replies through the langchain googleai client.
type GoogleAI struct {
	llm llms.Model
}

// NewGoogleAI creates a Gemini-backed generator.
func NewGoogleAI(ctx context.Context, opts Options) (*GoogleAI, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("googleai api key is required")
	}

	model := opts.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}

	log.Debug().Str("model", model).Msg("Creating googleai client")

	llm, err := googleai.New(ctx,
		googleai.WithAPIKey(opts.APIKey),
		googleai.WithDefaultModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create googleai client: %w", err)
	}
	return &GoogleAI{llm: llm}, nil
}

// Generate sends the blocks as a chat exchange and returns the first
// candidate's text.
func (g *GoogleAI) Generate(ctx context.Context, blocks []Block, sampling Sampling) (string, error) {
	messages := make([]llms.MessageContent, 0, len(blocks))
	for _, block := range blocks {
		role := llms.ChatMessageTypeHuman
		if block.Role == RoleModel {
			role = llms.ChatMessageTypeAI
		}
		messages = append(messages, llms.TextParts(role, block.Text))
	}

	response, err := g.llm.GenerateContent(ctx, messages,
		llms.WithTemperature(sampling.Temperature),
		llms.WithTopP(sampling.TopP),
		llms.WithTopK(sampling.TopK),
		llms.WithMaxTokens(sampling.MaxOutputTokens),
	)
	if err != nil {
		return "", fmt.Errorf("generation call failed: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("generation call returned no candidates")
	}
	return response.Choices[0].Content, nil
}
