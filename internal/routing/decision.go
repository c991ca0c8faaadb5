package routing

import (
	"time"

	"github.com/tributary-ai/llm-endpoint-router/internal/types"
)

// RoutingDecision is the attempt order the router would use for a request,
// computed without contacting any upstream.
type RoutingDecision struct {
	// Provider matched by the model hint, tried first
	PreferredProvider string `json:"preferred_provider,omitempty"`

	// How the model hint matched: "id", "substring" or "model"
	HintMatch string `json:"hint_match,omitempty"`

	// Candidates in attempt order
	Candidates []Candidate `json:"candidates"`

	// Providers that would be skipped, keyed by provider id
	Skipped map[string]string `json:"skipped,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Candidate is one entry of the attempt order
type Candidate struct {
	Name         string             `json:"name"`
	Priority     int                `json:"priority"`
	ProviderType types.ProviderType `json:"provider_type"`
	SuccessRate  float64            `json:"success_rate"`
}

// Observer receives routing events. Implementations must be safe for
// concurrent use.
type Observer interface {
	AttemptFinished(provider string, success bool, elapsed time.Duration)
	ProviderSkipped(provider string, reason error)
	BreakerChanged(provider string, open bool)
	RouteFinished(success bool, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) AttemptFinished(string, bool, time.Duration) {}
func (nopObserver) ProviderSkipped(string, error)               {}
func (nopObserver) BreakerChanged(string, bool)                 {}
func (nopObserver) RouteFinished(bool, time.Duration)           {}
