package providers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-endpoint-router/internal/registry"
	"github.com/tributary-ai/llm-endpoint-router/internal/types"
)

const (
	defaultBaseDelay = 200 * time.Millisecond
	defaultMaxDelay  = 5 * time.Second
)

// Dispatcher resolves the adapter for a provider's type and makes one
// attempt against it. An attempt is bounded by the provider's timeout and
// may retry internally up to the provider's MaxRetries.
type Dispatcher struct {
	mu       sync.RWMutex
	adapters map[types.ProviderType]Adapter
	logger   *logrus.Logger

	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewDispatcher creates a dispatcher with no adapters
func NewDispatcher(logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		adapters:  make(map[types.ProviderType]Adapter),
		logger:    logger,
		baseDelay: defaultBaseDelay,
		maxDelay:  defaultMaxDelay,
	}
}

// Register binds an adapter to one or more provider types
func (d *Dispatcher) Register(a Adapter, kinds ...types.ProviderType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range kinds {
		d.adapters[k] = a
		d.logger.WithField("provider_type", k).Debug("Adapter registered")
	}
}

// SetBackoff overrides the retry delay bounds
func (d *Dispatcher) SetBackoff(base, max time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baseDelay = base
	d.maxDelay = max
}

// Supports reports whether an adapter is registered for t
func (d *Dispatcher) Supports(t types.ProviderType) bool {
	return d.adapter(t) != nil
}

func (d *Dispatcher) adapter(t types.ProviderType) Adapter {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.adapters[t]
}

// Attempt performs one logical attempt. From the caller's perspective it is
// atomic: one completion or one *AttemptError.
func (d *Dispatcher) Attempt(ctx context.Context, p *registry.Provider, req *types.ChatRequest) (*Completion, error) {
	a := d.adapter(p.Type)
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, p.Type)
	}

	if p.Configuration.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Configuration.Timeout)
		defer cancel()
	}

	tries := p.Configuration.MaxRetries + 1
	var lastErr error
	for try := 1; try <= tries; try++ {
		if try > 1 {
			delay := d.backoff(try - 1)
			d.logger.WithFields(logrus.Fields{
				"provider": p.ID,
				"try":      try,
				"delay_ms": delay.Milliseconds(),
			}).Debug("Retrying attempt after backoff delay")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, &AttemptError{Provider: p.ID, Tries: try - 1, Err: ctx.Err()}
			}
		}

		completion, err := a.Complete(ctx, p, req)
		if err == nil {
			return completion, nil
		}
		lastErr = err

		if ctx.Err() != nil || errors.Is(err, ErrInvalidRequest) {
			return nil, &AttemptError{Provider: p.ID, Tries: try, Err: err}
		}
	}

	return nil, &AttemptError{Provider: p.ID, Tries: tries, Err: lastErr}
}

// HealthCheck probes the provider through its adapter. Providers without an
// adapter report ErrNoAdapter.
func (d *Dispatcher) HealthCheck(ctx context.Context, p *registry.Provider) error {
	a := d.adapter(p.Type)
	if a == nil {
		return fmt.Errorf("%w: %s", ErrNoAdapter, p.Type)
	}
	if p.Configuration.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Configuration.Timeout)
		defer cancel()
	}
	return a.HealthCheck(ctx, p)
}

// backoff is exponential: base * 2^(n-1), capped at maxDelay
func (d *Dispatcher) backoff(n int) time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	delay := time.Duration(float64(d.baseDelay) * math.Pow(2, float64(n-1)))
	if d.maxDelay > 0 && delay > d.maxDelay {
		delay = d.maxDelay
	}
	return delay
}

// Prober adapts the dispatcher for the registry's health sweep. Providers
// without an adapter are reported healthy so the sweep does not penalise
// upstreams that are driven from outside this process.
func (d *Dispatcher) Prober() registry.Prober {
	return proberFunc(func(ctx context.Context, p *registry.Provider) error {
		err := d.HealthCheck(ctx, p)
		if errors.Is(err, ErrNoAdapter) {
			return nil
		}
		return err
	})
}

type proberFunc func(ctx context.Context, p *registry.Provider) error

func (f proberFunc) HealthCheck(ctx context.Context, p *registry.Provider) error { return f(ctx, p) }
