package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Info contains metadata about a generator implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "static", etc.
}

// Generator is the minimal interface stages use to produce narrative text.
// Implementations must honor ctx deadlines: a stage hands the generator the
// remaining portion of its own deadline, never an open-ended call.
//
// contextBudget caps how much of the prompt the provider may consume,
// measured in tokens (approximated where the provider gives no exact
// tokenizer). A budget <= 0 means unbounded.
type Generator interface {
	Generate(ctx context.Context, prompt string, contextBudget int) (string, error)

	// Info returns information about the generator implementation.
	Info() Info
}

// FailureKind classifies why a generation attempt failed.
type FailureKind string

const (
	// FailureTimeout means the call exceeded its deadline or was canceled.
	FailureTimeout FailureKind = "timeout"
	// FailureRefusal means the provider rejected the request (policy,
	// invalid input, content filter); retrying the same call will not help.
	FailureRefusal FailureKind = "refusal"
	// FailureTransient means a temporary provider condition (rate limit,
	// server error, network); a later retry may succeed.
	FailureTransient FailureKind = "transient"
)

// GenerationFailure wraps a provider error with its classification. It is
// non-fatal to the pipeline: the calling stage falls back to a rule-based or
// templated finding.
type GenerationFailure struct {
	Provider string
	Kind     FailureKind
	Err      error
}

func (e *GenerationFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s generation %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s generation %s", e.Provider, e.Kind)
}

// Unwrap exposes the underlying provider error.
func (e *GenerationFailure) Unwrap() error { return e.Err }

// NewFailure builds a classified generation failure.
func NewFailure(provider string, kind FailureKind, err error) *GenerationFailure {
	return &GenerationFailure{Provider: provider, Kind: kind, Err: err}
}

// AsFailure extracts a GenerationFailure from an error chain.
func AsFailure(err error) (*GenerationFailure, bool) {
	var gf *GenerationFailure
	if errors.As(err, &gf) {
		return gf, true
	}
	return nil, false
}

// ClassifyStatus maps an HTTP status code from a provider API into a failure
// kind. Shared by the provider adapters.
func ClassifyStatus(status int) FailureKind {
	switch {
	case status == 408 || status == 429 || status >= 500:
		return FailureTransient
	default:
		return FailureRefusal
	}
}

// IsDeadline reports whether err stems from ctx expiry or cancellation.
func IsDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// TruncatePrompt bounds a prompt to roughly contextBudget tokens, keeping
// the head. Context windows order most-recent-first, so the head carries the
// freshest information and the tail is the safe part to drop. The token
// estimate is the usual four-characters-per-token heuristic.
func TruncatePrompt(prompt string, contextBudget int) string {
	if contextBudget <= 0 {
		return prompt
	}
	limit := contextBudget * 4
	if len(prompt) <= limit {
		return prompt
	}
	return prompt[:limit]
}

// StaticGenerator is a lightweight in-memory Generator useful for tests,
// examples and as a degraded fallback when no provider is configured. It
// returns the first canned response whose key occurs in the prompt, or a
// deterministic echo line otherwise.
type StaticGenerator struct {
	info      Info
	responses map[string]string
	order     []string
	err       error
	delay     time.Duration
}

// NewStaticGenerator constructs an empty static generator.
func NewStaticGenerator() *StaticGenerator {
	return &StaticGenerator{
		info:      Info{Name: "static", Provider: "static"},
		responses: make(map[string]string),
	}
}

// AddResponse registers a canned completion for prompts containing match.
// Matches are tried in registration order.
func (g *StaticGenerator) AddResponse(match, response string) {
	if _, exists := g.responses[match]; !exists {
		g.order = append(g.order, match)
	}
	g.responses[match] = response
}

// SetError makes every subsequent Generate call fail with err. Pass nil to
// clear.
func (g *StaticGenerator) SetError(err error) { g.err = err }

// SetDelay simulates provider latency; Generate honors ctx expiry while
// waiting.
func (g *StaticGenerator) SetDelay(d time.Duration) { g.delay = d }

// Generate implements Generator.
func (g *StaticGenerator) Generate(ctx context.Context, prompt string, contextBudget int) (string, error) {
	if g.delay > 0 {
		select {
		case <-ctx.Done():
			return "", NewFailure(g.info.Provider, FailureTimeout, ctx.Err())
		case <-time.After(g.delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return "", NewFailure(g.info.Provider, FailureTimeout, err)
	}
	if g.err != nil {
		if _, ok := AsFailure(g.err); ok {
			return "", g.err
		}
		return "", NewFailure(g.info.Provider, FailureTransient, g.err)
	}

	truncated := TruncatePrompt(prompt, contextBudget)
	for _, match := range g.order {
		if match != "" && containsFold(truncated, match) {
			return g.responses[match], nil
		}
	}
	if len(truncated) > 64 {
		truncated = truncated[:64]
	}
	return fmt.Sprintf("Summary of request: %s", truncated), nil
}

// Info implements Generator.
func (g *StaticGenerator) Info() Info { return g.info }

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
