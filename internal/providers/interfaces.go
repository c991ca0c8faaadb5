package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/tributary-ai/llm-endpoint-router/internal/registry"
	"github.com/tributary-ai/llm-endpoint-router/internal/types"
)

// ErrNoAdapter is returned when no adapter serves a provider's type
var ErrNoAdapter = errors.New("no adapter for provider type")

// ErrInvalidRequest marks requests an adapter refuses before calling the
// upstream. They say nothing about the provider's health.
var ErrInvalidRequest = errors.New("invalid request")

// Completion is the raw result of one upstream call
type Completion struct {
	Content      string
	Model        string
	FinishReason string

	// Token counts reported by the upstream; zero when it reports none
	PromptTokens     int
	CompletionTokens int
}

// Adapter performs the network call for one kind of upstream
type Adapter interface {
	// Complete sends the request to the provider and returns its text
	Complete(ctx context.Context, p *registry.Provider, req *types.ChatRequest) (*Completion, error)
	// HealthCheck issues a lightweight liveness request
	HealthCheck(ctx context.Context, p *registry.Provider) error
}

// AttemptError wraps the failure of one attempt against a provider
type AttemptError struct {
	Provider string
	Tries    int
	Err      error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("provider %s failed after %d tries: %v", e.Provider, e.Tries, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }
