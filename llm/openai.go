package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIGenerator sends each prompt as a single user message to the chat completions API.
type OpenAIGenerator struct {
	client    *openai.Client
	model     string
	maxTokens int
}

func NewOpenAI(opts Options) (*OpenAIGenerator, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultOpenAIModel
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

	client := openai.NewClient(reqOpts...)
	return &OpenAIGenerator{
		client:    &client,
		model:     model,
		maxTokens: opts.MaxTokens,
	}, nil
}

func (g *OpenAIGenerator) Name() string { return "openai" }

func (g *OpenAIGenerator) Complete(ctx context.Context, prompt string, temperature float64) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		MaxTokens:   openai.Int(int64(g.maxTokens)),
		Temperature: openai.Float(temperature),
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", generationErr(g.Name(), err)
	}
	if len(resp.Choices) == 0 {
		return "", generationErr(g.Name(), fmt.Errorf("empty response from model %s", g.model))
	}
	return resp.Choices[0].Message.Content, nil
}
