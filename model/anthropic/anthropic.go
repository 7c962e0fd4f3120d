// Package anthropic provides a generator wrapper for the Anthropic Claude API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hupe1980/healthmesh/model"
)

// Options configures the Anthropic generator adapter (temperature, model id,
// max tokens, API key). Extend via functional options to preserve stability.
type Options struct {
	Model        anthropic.Model
	Temperature  float64
	MaxTokens    int64
	APIKey       string
	SystemPrompt string
}

// Generator wraps the Anthropic Messages API behind the generic
// model.Generator interface.
type Generator struct {
	client *anthropic.Client
	opts   Options
}

func defaultOptions() Options {
	return Options{
		Model:        anthropic.ModelClaude3_5Sonnet20241022,
		Temperature:  0.3,
		MaxTokens:    1024,
		SystemPrompt: defaultSystemPrompt,
	}
}

const defaultSystemPrompt = "You are a careful health assistant summarizing patient monitoring data " +
	"for clinicians and caregivers. Be concise and factual. Never invent measurements. " +
	"Always recommend consulting a healthcare provider for medical decisions."

// NewGenerator creates a new Anthropic generator using the official client.
func NewGenerator(optFns ...func(o *Options)) *Generator {
	opts := defaultOptions()

	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	client := anthropic.NewClient(clientOpts...)

	return &Generator{
		client: &client,
		opts:   opts,
	}
}

// NewGeneratorFromClient creates a new Anthropic generator from an existing client.
func NewGeneratorFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Generator {
	opts := defaultOptions()

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Generator{
		client: client,
		opts:   opts,
	}
}

// Generate implements model.Generator with a single non-streaming message.
func (g *Generator) Generate(ctx context.Context, prompt string, contextBudget int) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     g.opts.Model,
		MaxTokens: g.opts.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(model.TruncatePrompt(prompt, contextBudget))),
		},
		Temperature: anthropic.Float(g.opts.Temperature),
	}
	if g.opts.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: g.opts.SystemPrompt}}
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return "", g.classify(err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	if sb.Len() == 0 {
		return "", model.NewFailure("anthropic", model.FailureRefusal, fmt.Errorf("no text blocks in response (stop reason %q)", resp.StopReason))
	}
	return sb.String(), nil
}

// classify maps SDK errors onto the timeout/refusal/transient taxonomy.
func (g *Generator) classify(err error) error {
	if model.IsDeadline(err) {
		return model.NewFailure("anthropic", model.FailureTimeout, err)
	}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return model.NewFailure("anthropic", model.ClassifyStatus(apierr.StatusCode), fmt.Errorf("anthropic api error: %w", err))
	}
	return model.NewFailure("anthropic", model.FailureTransient, fmt.Errorf("anthropic api error: %w", err))
}

// Info returns metadata describing this Anthropic generator implementation.
func (g *Generator) Info() model.Info {
	return model.Info{
		Name:     string(g.opts.Model),
		Provider: "anthropic",
	}
}
