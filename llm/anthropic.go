package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"

// AnthropicGenerator sends each prompt as a single user turn to the messages API.
type AnthropicGenerator struct {
	client    *anthropic.Client
	model     string
	maxTokens int
}

func NewAnthropic(opts Options) (*AnthropicGenerator, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultAnthropicModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2000
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(opts.Timeout))
	}

	client := anthropic.NewClient(reqOpts...)
	return &AnthropicGenerator{
		client:    &client,
		model:     model,
		maxTokens: opts.MaxTokens,
	}, nil
}

func (g *AnthropicGenerator) Name() string { return "anthropic" }

func (g *AnthropicGenerator) Complete(ctx context.Context, prompt string, temperature float64) (string, error) {
	// The messages API caps temperature at 1.
	if temperature > 1 {
		temperature = 1
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: int64(g.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Temperature: anthropic.Float(temperature),
	}

	msg, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return "", generationErr(g.Name(), err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(b.Text)
		}
	}
	if sb.Len() == 0 {
		return "", generationErr(g.Name(), fmt.Errorf("no text in response (stop reason %s)", msg.StopReason))
	}
	return sb.String(), nil
}
