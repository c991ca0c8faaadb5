package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tributary-ai/llm-endpoint-router/internal/providers"
	"github.com/tributary-ai/llm-endpoint-router/internal/registry"
	"github.com/tributary-ai/llm-endpoint-router/internal/types"
)

var tracer = otel.Tracer("github.com/tributary-ai/llm-endpoint-router/internal/routing")

// ProviderRegistry is the part of the registry the router reads and reports to
type ProviderRegistry interface {
	ListByPriority(caps ...types.Capability) []*registry.Provider
	RecordHealth(id string, responseTimeMs float64, success bool, errMsg string) bool
	RecordUsage(id string, tokens int64, cost, responseTimeMs float64) bool
	RecordFailure(id string) bool
}

// Attempter performs upstream calls on behalf of the router
type Attempter interface {
	Attempt(ctx context.Context, p *registry.Provider, req *types.ChatRequest) (*providers.Completion, error)
	HealthCheck(ctx context.Context, p *registry.Provider) error
}

// Options configures the router
type Options struct {
	BreakerThreshold int
	BreakerTimeout   time.Duration
	// RequestTimeout bounds a whole Route call; zero means no deadline
	RequestTimeout time.Duration
	// ProbeBeforeAttempt runs a live health check before each attempt
	ProbeBeforeAttempt bool
}

// Router turns a request into a priority-ordered sequence of attempts
// against available providers and returns the first success.
type Router struct {
	registry  ProviderRegistry
	attempter Attempter
	breaker   *CircuitBreaker
	admission *admission
	observer  Observer
	opts      Options
	logger    *logrus.Logger
	now       func() time.Time
}

// Option customises a Router
type Option func(*Router)

// WithObserver reports routing events to o
func WithObserver(o Observer) Option {
	return func(r *Router) { r.observer = o }
}

// WithBreaker replaces the router's circuit breaker
func WithBreaker(cb *CircuitBreaker) Option {
	return func(r *Router) { r.breaker = cb }
}

// WithClock overrides the time source used for response timestamps
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// NewRouter creates a router over reg that attempts providers through a
func NewRouter(reg ProviderRegistry, a Attempter, opts Options, logger *logrus.Logger, options ...Option) *Router {
	r := &Router{
		registry:  reg,
		attempter: a,
		breaker:   NewCircuitBreaker(opts.BreakerThreshold, opts.BreakerTimeout),
		admission: newAdmission(),
		observer:  nopObserver{},
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// Breaker exposes the router's circuit breaker
func (r *Router) Breaker() *CircuitBreaker {
	return r.breaker
}

// Route attempts providers in order until one succeeds. Individual attempt
// failures are recorded and swallowed; only exhaustion is returned, as an
// *UnavailableError.
func (r *Router) Route(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	start := time.Now()

	if r.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.RequestTimeout)
		defer cancel()
	}

	ctx, span := tracer.Start(ctx, "router.Route", trace.WithAttributes(
		attribute.String("llm.model_hint", req.Model),
		attribute.String("llm.request_id", req.ID),
	))
	defer span.End()

	candidates := r.registry.ListByPriority(req.RequiredCapabilities...)
	order, hintMatch := orderByHint(candidates, req.Model)

	meta := &types.RouterMetadata{Attempts: []string{}}
	if hintMatch != "" {
		meta.ModelHintMatched = order[0].ID
	}
	exhausted := &UnavailableError{}

	for i, p := range order {
		if err := ctx.Err(); err != nil {
			exhausted.LastErr = err
			r.logger.WithError(err).WithField("request_id", req.ID).Warn("Routing deadline reached")
			break
		}

		release, skipErr := r.admit(ctx, p)
		if skipErr != nil {
			if errors.Is(skipErr, ErrCircuitOpen) {
				r.logger.WithField("provider", p.ID).Debug("Skipping provider with open circuit")
			} else {
				r.logger.WithError(skipErr).WithField("provider", p.ID).Info("Skipping provider")
			}
			meta.Skipped = append(meta.Skipped, p.ID)
			exhausted.Skipped = append(exhausted.Skipped, p.ID)
			r.observer.ProviderSkipped(p.ID, skipErr)
			continue
		}

		completion, elapsed, err := r.attempt(ctx, p, req)
		release()

		// neither case is the provider's fault: no health or breaker bookkeeping
		if errors.Is(err, providers.ErrNoAdapter) || errors.Is(err, providers.ErrInvalidRequest) {
			meta.Skipped = append(meta.Skipped, p.ID)
			exhausted.Skipped = append(exhausted.Skipped, p.ID)
			r.observer.ProviderSkipped(p.ID, err)
			if errors.Is(err, providers.ErrNoAdapter) {
				r.logger.WithField("provider", p.ID).Warn("Skipping provider without adapter")
			} else {
				exhausted.LastErr = err
				r.logger.WithError(err).WithField("provider", p.ID).Info("Provider rejected request, trying next")
			}
			continue
		}

		meta.Attempts = append(meta.Attempts, p.ID)
		exhausted.Attempted = append(exhausted.Attempted, p.ID)
		exhausted.LastProvider = p.ID
		exhausted.LastPriority = p.Priority

		if err == nil {
			resp := r.succeed(p, req, completion, elapsed, meta)
			meta.FallbackUsed = i > 0
			meta.ProcessingTimeMs = time.Since(start).Milliseconds()

			span.SetAttributes(attribute.String("llm.provider", p.ID), attribute.Int("llm.attempts", len(meta.Attempts)))
			span.SetStatus(codes.Ok, "")
			r.observer.RouteFinished(true, time.Since(start))

			r.logger.WithFields(logrus.Fields{
				"request_id":    req.ID,
				"provider":      p.ID,
				"priority":      p.Priority,
				"attempts":      len(meta.Attempts),
				"fallback_used": meta.FallbackUsed,
				"duration_ms":   meta.ProcessingTimeMs,
			}).Info("Request routed")
			return resp, nil
		}

		exhausted.LastErr = err
		if ctx.Err() != nil {
			// the route's own deadline or the caller ended the attempt
			continue
		}
		r.fail(p, err, elapsed)
	}

	span.SetStatus(codes.Error, ErrUnavailable.Error())
	r.observer.RouteFinished(false, time.Since(start))

	r.logger.WithFields(logrus.Fields{
		"request_id":    req.ID,
		"candidates":    len(order),
		"attempted":     len(exhausted.Attempted),
		"skipped":       len(exhausted.Skipped),
		"last_provider": exhausted.LastProvider,
	}).Warn("No provider available")
	return nil, exhausted
}

// admit runs the pre-attempt checks and returns the admission release func
func (r *Router) admit(ctx context.Context, p *registry.Provider) (func(), error) {
	available, reset := r.breaker.Check(p.ID)
	if !available {
		return nil, ErrCircuitOpen
	}
	if reset {
		r.observer.BreakerChanged(p.ID, false)
		r.logger.WithField("provider", p.ID).Info("Circuit timeout elapsed, provider eligible again")
	}

	if r.opts.ProbeBeforeAttempt {
		if err := r.attempter.HealthCheck(ctx, p); err != nil && !errors.Is(err, providers.ErrNoAdapter) {
			return nil, fmt.Errorf("%w: %v", ErrProbeFailed, err)
		}
	}

	release, ok := r.admission.acquire(p)
	if !ok {
		return nil, ErrRateLimited
	}
	return release, nil
}

func (r *Router) attempt(ctx context.Context, p *registry.Provider, req *types.ChatRequest) (*providers.Completion, time.Duration, error) {
	ctx, span := tracer.Start(ctx, "router.Attempt", trace.WithAttributes(
		attribute.String("llm.provider", p.ID),
		attribute.String("llm.provider_type", string(p.Type)),
		attribute.Int("llm.priority", p.Priority),
	))
	defer span.End()

	start := time.Now()
	completion, err := r.attempter.Attempt(ctx, p, req)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if completion == nil {
		err = fmt.Errorf("provider %s returned no completion", p.ID)
		span.SetStatus(codes.Error, err.Error())
	}
	return completion, elapsed, err
}

// succeed records a successful attempt and builds the standardized response
func (r *Router) succeed(p *registry.Provider, req *types.ChatRequest, c *providers.Completion, elapsed time.Duration, meta *types.RouterMetadata) *types.ChatResponse {
	ms := durationMs(elapsed)

	promptTokens := c.PromptTokens
	if promptTokens == 0 {
		promptTokens = req.PromptTokens()
	}
	completionTokens := c.CompletionTokens
	if completionTokens == 0 {
		completionTokens = types.EstimateTokens(c.Content)
	}
	total := promptTokens + completionTokens
	cost := float64(total) / 1000 * p.CostPer1K(p.ResolveModel(req.Model))

	r.registry.RecordUsage(p.ID, int64(total), cost, ms)
	r.registry.RecordHealth(p.ID, ms, true, "")
	r.breaker.RecordSuccess(p.ID)
	r.observer.BreakerChanged(p.ID, false)
	r.observer.AttemptFinished(p.ID, true, elapsed)

	meta.EstimatedCost = cost

	finish := c.FinishReason
	if finish == "" {
		finish = "stop"
	}

	return &types.ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: r.now().Unix(),
		Model:   p.ID,
		Choices: []types.Choice{{
			Index:        0,
			Message:      types.Message{Role: "assistant", Content: c.Content},
			FinishReason: finish,
		}},
		Usage: &types.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      total,
		},
		EndpointInfo: &types.EndpointInfo{
			Name:         p.ID,
			Priority:     p.Priority,
			ProviderType: p.Type,
		},
		RouterMetadata: meta,
	}
}

// fail records a failed attempt in the registry and the breaker
func (r *Router) fail(p *registry.Provider, err error, elapsed time.Duration) {
	r.registry.RecordHealth(p.ID, durationMs(elapsed), false, err.Error())
	r.registry.RecordFailure(p.ID)
	opened := r.breaker.RecordFailure(p.ID)
	r.observer.AttemptFinished(p.ID, false, elapsed)

	entry := r.logger.WithError(err).WithFields(logrus.Fields{
		"provider":    p.ID,
		"priority":    p.Priority,
		"duration_ms": elapsed.Milliseconds(),
	})
	if opened {
		r.observer.BreakerChanged(p.ID, true)
		entry.Warn("Provider attempt failed, circuit open")
		return
	}
	entry.Warn("Provider attempt failed, falling back")
}

// Plan returns the attempt order Route would use for req without calling
// any upstream or changing breaker state.
func (r *Router) Plan(req *types.ChatRequest) *RoutingDecision {
	candidates := r.registry.ListByPriority(req.RequiredCapabilities...)
	order, hintMatch := orderByHint(candidates, req.Model)

	d := &RoutingDecision{
		HintMatch:  hintMatch,
		Candidates: []Candidate{},
		Skipped:    map[string]string{},
		Timestamp:  r.now(),
	}
	if hintMatch != "" {
		d.PreferredProvider = order[0].ID
	}

	for _, p := range order {
		if r.breaker.IsOpen(p.ID) {
			d.Skipped[p.ID] = ErrCircuitOpen.Error()
			continue
		}
		c := Candidate{Name: p.ID, Priority: p.Priority, ProviderType: p.Type}
		if p.Health != nil {
			c.SuccessRate = p.Health.SuccessRate
		}
		d.Candidates = append(d.Candidates, c)
	}
	return d
}

// orderByHint moves the provider matching the model hint to the front.
// Matching tries, in turn: exact id, id substring, then declared model.
func orderByHint(candidates []*registry.Provider, hint string) ([]*registry.Provider, string) {
	idx, how := matchHint(candidates, hint)
	if idx < 0 {
		return candidates, ""
	}

	order := make([]*registry.Provider, 0, len(candidates))
	order = append(order, candidates[idx])
	order = append(order, candidates[:idx]...)
	order = append(order, candidates[idx+1:]...)
	return order, how
}

func matchHint(candidates []*registry.Provider, hint string) (int, string) {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint == "" {
		return -1, ""
	}

	for i, p := range candidates {
		if strings.ToLower(p.ID) == hint {
			return i, "id"
		}
	}
	for i, p := range candidates {
		if strings.Contains(strings.ToLower(p.ID), hint) {
			return i, "substring"
		}
	}
	for i, p := range candidates {
		if strings.EqualFold(p.DefaultModel, hint) {
			return i, "model"
		}
		if _, ok := p.FindModel(hint); ok {
			return i, "model"
		}
	}
	return -1, ""
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
