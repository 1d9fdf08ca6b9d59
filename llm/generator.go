// Package llm talks to the text-generation backends.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"btcopilot/config"
)

// Generator turns a prompt into text. Implementations are synchronous and do not retry.
type Generator interface {
	Complete(ctx context.Context, prompt string, temperature float64) (string, error)
	Name() string
}

// GenerationError wraps any failure of a backend call.
type GenerationError struct {
	Provider string
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s generation failed: %v", e.Provider, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

func generationErr(provider string, err error) error {
	return &GenerationError{Provider: provider, Err: err}
}

// Options configures the remote backends.
type Options struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
}

// New builds the generator selected by cfg. Test mode always yields the offline generator.
func New(cfg *config.Config) (Generator, error) {
	if cfg.TestMode {
		return NewOffline(), nil
	}
	opts := Options{
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		BaseURL:   cfg.BaseURL,
		MaxTokens: cfg.MaxTokens,
		Timeout:   cfg.Timeout,
	}
	switch strings.ToLower(cfg.Provider) {
	case "openai", "":
		return NewOpenAI(opts)
	case "anthropic":
		return NewAnthropic(opts)
	case "ollama":
		c := NewOllamaClientWithTimeout(opts.BaseURL, opts.Model, opts.Timeout)
		if opts.MaxTokens > 0 {
			c.NumPredict = opts.MaxTokens
		}
		return c, nil
	case "offline":
		return NewOffline(), nil
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
}
