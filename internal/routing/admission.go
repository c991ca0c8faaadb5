package routing

import (
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/tributary-ai/llm-endpoint-router/internal/registry"
)

// admission enforces the per-provider request budget and concurrency cap
// declared in the provider configuration. Providers that declare neither are
// always admitted.
type admission struct {
	mu    sync.Mutex
	gates map[string]*gate
}

type gate struct {
	rpm, burst, concurrency int

	limiter *rate.Limiter
	sem     *semaphore.Weighted
}

func newAdmission() *admission {
	return &admission{gates: make(map[string]*gate)}
}

// acquire reports whether an attempt against p may start now. On success
// the returned release func must be called when the attempt ends.
func (a *admission) acquire(p *registry.Provider) (release func(), ok bool) {
	g := a.gate(p)
	if g == nil {
		return func() {}, true
	}

	if g.sem != nil && !g.sem.TryAcquire(1) {
		return nil, false
	}
	if g.limiter != nil && !g.limiter.Allow() {
		if g.sem != nil {
			g.sem.Release(1)
		}
		return nil, false
	}

	return func() {
		if g.sem != nil {
			g.sem.Release(1)
		}
	}, true
}

// gate returns the gate for p, rebuilding it when the configuration changed
func (a *admission) gate(p *registry.Provider) *gate {
	rl := p.Configuration.RateLimit
	concurrency := p.Configuration.MaxConcurrency
	if rl.RequestsPerMinute <= 0 && concurrency <= 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	g, ok := a.gates[p.ID]
	if ok && g.rpm == rl.RequestsPerMinute && g.burst == rl.Burst && g.concurrency == concurrency {
		return g
	}

	g = &gate{rpm: rl.RequestsPerMinute, burst: rl.Burst, concurrency: concurrency}
	if rl.RequestsPerMinute > 0 {
		burst := rl.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(float64(rl.RequestsPerMinute)/60.0), burst)
	}
	if concurrency > 0 {
		g.sem = semaphore.NewWeighted(int64(concurrency))
	}
	a.gates[p.ID] = g
	return g
}
