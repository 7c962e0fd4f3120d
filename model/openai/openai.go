// Package openai provides an implementation of model.Generator using the
// OpenAI Chat Completions API. It adapts HealthMesh's narrow prompt-in,
// text-out contract onto the SDK's message format and classifies API errors
// into the model package's failure taxonomy.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/hupe1980/healthmesh/model"
)

// Options configure the OpenAI generator adapter.
// Fields mirror a subset of Chat Completion parameters intentionally kept
// minimal; extend via functional options without breaking callers.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	SystemPrompt        string
}

// Generator wraps the OpenAI Chat Completions API behind the generic
// model.Generator interface.
type Generator struct {
	client *openai.Client
	opts   Options
}

// NewGenerator creates a new OpenAI generator using the official client.
// The client reads OPENAI_API_KEY from the environment.
func NewGenerator(optFns ...func(o *Options)) *Generator {
	client := openai.NewClient()
	return NewGeneratorFromClient(&client, optFns...)
}

// NewGeneratorFromClient creates a new OpenAI generator from an existing client.
func NewGeneratorFromClient(client *openai.Client, optFns ...func(o *Options)) *Generator {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.3,
		MaxCompletionTokens: 1024,
		SystemPrompt:        defaultSystemPrompt,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Generator{client: client, opts: opts}
}

const defaultSystemPrompt = "You are a careful health assistant summarizing patient monitoring data " +
	"for clinicians and caregivers. Be concise and factual. Never invent measurements. " +
	"Always recommend consulting a healthcare provider for medical decisions."

// Generate implements model.Generator with a single non-streaming completion.
func (g *Generator) Generate(ctx context.Context, prompt string, contextBudget int) (string, error) {
	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(g.opts.SystemPrompt),
			openai.UserMessage(model.TruncatePrompt(prompt, contextBudget)),
		},
		Model:               g.opts.Model,
		Temperature:         openai.Float(g.opts.Temperature),
		MaxCompletionTokens: openai.Int(g.opts.MaxCompletionTokens),
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", g.classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", model.NewFailure("openai", model.FailureTransient, fmt.Errorf("no choices returned"))
	}

	choice := resp.Choices[0]
	if choice.FinishReason == "content_filter" {
		return "", model.NewFailure("openai", model.FailureRefusal, fmt.Errorf("completion blocked by content filter"))
	}
	return choice.Message.Content, nil
}

// classify maps SDK errors onto the timeout/refusal/transient taxonomy.
func (g *Generator) classify(err error) error {
	if model.IsDeadline(err) {
		return model.NewFailure("openai", model.FailureTimeout, err)
	}
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return model.NewFailure("openai", model.ClassifyStatus(apierr.StatusCode), fmt.Errorf("openai api error: %w", err))
	}
	return model.NewFailure("openai", model.FailureTransient, fmt.Errorf("openai api error: %w", err))
}

// Info returns metadata describing this OpenAI generator implementation.
func (g *Generator) Info() model.Info {
	return model.Info{
		Name:     g.opts.Model,
		Provider: "openai",
	}
}
