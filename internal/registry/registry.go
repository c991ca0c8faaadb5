package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-endpoint-router/internal/types"
)

const (
	DefaultHealthCheckInterval = 60 * time.Second
	DefaultErrorThreshold      = 10
)

// Options configures a Registry
type Options struct {
	// HealthCheckInterval is the period of the background health sweep
	HealthCheckInterval time.Duration
	// ErrorThreshold is the consecutive failure count that forces a provider
	// into StatusError. It is independent of the router's breaker threshold.
	ErrorThreshold int
	// Prober performs active health checks during the sweep. Optional.
	Prober Prober
	// Clock overrides time.Now, for tests
	Clock func() time.Time
}

// entry guards one provider record
type entry struct {
	mu       sync.Mutex
	provider *Provider
}

// Registry is the in-memory store of providers. It is safe for concurrent
// use: the maps are guarded by mu, each record by its own entry lock.
type Registry struct {
	mu           sync.RWMutex
	providers    map[string]*entry
	byType       map[types.ProviderType]map[string]struct{}
	byCapability map[types.Capability]map[string]struct{}

	opts     Options
	now      func() time.Time
	validate *validator.Validate
	logger   *logrus.Logger

	sweepMu     sync.Mutex
	sweepCancel func()
	sweepDone   chan struct{}
}

// New creates an empty registry
func New(opts Options, logger *logrus.Logger) *Registry {
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if opts.ErrorThreshold <= 0 {
		opts.ErrorThreshold = DefaultErrorThreshold
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Registry{
		providers:    make(map[string]*entry),
		byType:       make(map[types.ProviderType]map[string]struct{}),
		byCapability: make(map[types.Capability]map[string]struct{}),
		opts:         opts,
		now:          now,
		validate:     validator.New(),
		logger:       logger,
	}
}

// Register adds a provider. A duplicate id leaves the existing record
// untouched and returns ErrAlreadyRegistered.
func (r *Registry) Register(p *Provider) error {
	if p == nil {
		return &RegistrationError{Reason: "provider is nil"}
	}
	if err := r.validateProvider(p); err != nil {
		return err
	}

	record := p.Clone()
	now := r.now()
	if record.Status == "" {
		record.Status = StatusActive
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[record.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, record.ID)
	}

	r.providers[record.ID] = &entry{provider: record}
	addIndex(r.byType, record.Type, record.ID)
	for _, c := range record.Capabilities {
		addIndex(r.byCapability, c, record.ID)
	}

	r.logger.WithFields(logrus.Fields{
		"provider": record.ID,
		"type":     record.Type,
		"priority": record.Priority,
	}).Info("Provider registered")
	return nil
}

// Unregister removes a provider from every index
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.providers[id]
	if !ok {
		return false
	}
	delete(r.providers, id)

	e.mu.Lock()
	p := e.provider
	e.mu.Unlock()

	removeIndex(r.byType, p.Type, id)
	for _, c := range p.Capabilities {
		removeIndex(r.byCapability, c, id)
	}

	r.logger.WithField("provider", id).Info("Provider unregistered")
	return true
}

// Get returns a snapshot of the provider
func (r *Registry) Get(id string) (*Provider, bool) {
	r.mu.RLock()
	e, ok := r.providers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.snapshot(), true
}

// ListAll returns snapshots of every provider ordered by id
func (r *Registry) ListAll() []*Provider {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.providers))
	for _, e := range r.providers {
		entries = append(entries, e)
	}
	r.mu.RUnlock()
	return snapshots(entries)
}

// ListByType returns providers of the given type ordered by id
func (r *Registry) ListByType(t types.ProviderType) []*Provider {
	r.mu.RLock()
	entries := r.indexed(r.byType[t])
	r.mu.RUnlock()
	return snapshots(entries)
}

// ListByCapability returns providers declaring c ordered by id
func (r *Registry) ListByCapability(c types.Capability) []*Provider {
	r.mu.RLock()
	entries := r.indexed(r.byCapability[c])
	r.mu.RUnlock()
	return snapshots(entries)
}

// ListAvailable returns available providers declaring every capability in caps
func (r *Registry) ListAvailable(caps ...types.Capability) []*Provider {
	var candidates []*Provider
	if len(caps) > 0 {
		candidates = r.ListByCapability(caps[0])
	} else {
		candidates = r.ListAll()
	}

	out := make([]*Provider, 0, len(candidates))
	for _, p := range candidates {
		if p.IsAvailable() && p.SupportsAll(caps...) {
			out = append(out, p)
		}
	}
	return out
}

// ListByPriority returns available providers ordered by (priority, id)
// ascending. A lower priority value takes precedence.
func (r *Registry) ListByPriority(caps ...types.Capability) []*Provider {
	out := r.ListAvailable(caps...)
	SortByPriority(out)
	return out
}

// SortByPriority orders providers by ascending priority, breaking ties by id
func SortByPriority(ps []*Provider) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Priority != ps[j].Priority {
			return ps[i].Priority < ps[j].Priority
		}
		return ps[i].ID < ps[j].ID
	})
}

// SetStatus changes the lifecycle status
func (r *Registry) SetStatus(id string, status Status) bool {
	if !status.Valid() {
		return false
	}
	return r.update(id, func(p *Provider) { p.Status = status })
}

// Enable marks the provider as wanted by the operator
func (r *Registry) Enable(id string) bool {
	return r.update(id, func(p *Provider) { p.Enabled = true })
}

// Disable withdraws the provider from routing without touching its status
func (r *Registry) Disable(id string) bool {
	return r.update(id, func(p *Provider) { p.Enabled = false })
}

func (r *Registry) SetPriority(id string, priority int) bool {
	return r.update(id, func(p *Provider) { p.Priority = priority })
}

func (r *Registry) SetWeight(id string, weight float64) bool {
	if weight < 0 {
		return false
	}
	return r.update(id, func(p *Provider) { p.Weight = weight })
}

// SetConfiguration replaces the configuration wholesale. A configuration
// that does not fit the provider type is rejected.
func (r *Registry) SetConfiguration(id string, cfg Configuration) bool {
	e := r.lookup(id)
	if e == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := r.validateConfiguration(e.provider.ID, e.provider.Type, cfg); err != nil {
		r.logger.WithError(err).WithField("provider", id).Warn("Configuration update rejected")
		return false
	}
	e.provider.Configuration = cfg
	e.provider.UpdatedAt = r.now()
	return true
}

// SetModels replaces the model list wholesale
func (r *Registry) SetModels(id string, models []types.ModelInfo, defaultModel string) bool {
	for _, m := range models {
		if err := r.validate.Struct(m); err != nil {
			return false
		}
	}
	copied := append([]types.ModelInfo(nil), models...)
	return r.update(id, func(p *Provider) {
		p.Models = copied
		if defaultModel != "" {
			p.DefaultModel = defaultModel
		}
	})
}

// RecordHealth applies a health observation and escalates the provider to
// StatusError once its consecutive failures reach the error threshold.
func (r *Registry) RecordHealth(id string, responseTimeMs float64, success bool, errMsg string) bool {
	e := r.lookup(id)
	if e == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.provider
	p.RecordHealth(r.now(), responseTimeMs, success, errMsg)

	if p.Health.ConsecutiveFailures >= r.opts.ErrorThreshold && p.Status != StatusError {
		p.Status = StatusError
		r.logger.WithFields(logrus.Fields{
			"provider":             id,
			"consecutive_failures": p.Health.ConsecutiveFailures,
			"last_error":           p.Health.LastError,
		}).Warn("Provider moved to error status")
	}
	return true
}

// RecordUsage accounts one successful call
func (r *Registry) RecordUsage(id string, tokens int64, cost, responseTimeMs float64) bool {
	now := r.now()
	return r.update(id, func(p *Provider) { p.RecordUsage(now, tokens, cost, responseTimeMs) })
}

// RecordFailure counts one failed call in usage accounting
func (r *Registry) RecordFailure(id string) bool {
	now := r.now()
	return r.update(id, func(p *Provider) { p.RecordFailure(now) })
}

// update runs fn under the provider's lock and stamps UpdatedAt
func (r *Registry) update(id string, fn func(p *Provider)) bool {
	e := r.lookup(id)
	if e == nil {
		return false
	}

	e.mu.Lock()
	fn(e.provider)
	e.provider.UpdatedAt = r.now()
	e.mu.Unlock()
	return true
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[id]
}

func (r *Registry) indexed(ids map[string]struct{}) []*entry {
	entries := make([]*entry, 0, len(ids))
	for id := range ids {
		if e, ok := r.providers[id]; ok {
			entries = append(entries, e)
		}
	}
	return entries
}

func (e *entry) snapshot() *Provider {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.provider.Clone()
}

func snapshots(entries []*entry) []*Provider {
	out := make([]*Provider, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func addIndex[K comparable](index map[K]map[string]struct{}, key K, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func removeIndex[K comparable](index map[K]map[string]struct{}, key K, id string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}

func (r *Registry) validateProvider(p *Provider) error {
	if p.ID == "" {
		return &RegistrationError{Reason: "provider id is required"}
	}
	if !p.Type.Valid() {
		return &RegistrationError{ProviderID: p.ID, Reason: fmt.Sprintf("unknown provider type %q", p.Type)}
	}
	if p.Status != "" && !p.Status.Valid() {
		return &RegistrationError{ProviderID: p.ID, Reason: fmt.Sprintf("unknown status %q", p.Status)}
	}
	for _, c := range p.Capabilities {
		if !c.Valid() {
			return &RegistrationError{ProviderID: p.ID, Reason: fmt.Sprintf("unknown capability %q", c)}
		}
	}
	if err := r.validate.Struct(p); err != nil {
		return &RegistrationError{ProviderID: p.ID, Reason: "invalid fields", Err: err}
	}
	if p.DefaultModel != "" && len(p.Models) > 0 {
		if _, ok := p.FindModel(p.DefaultModel); !ok {
			return &RegistrationError{ProviderID: p.ID, Reason: fmt.Sprintf("default model %q is not in the model list", p.DefaultModel)}
		}
	}
	return r.validateConfiguration(p.ID, p.Type, p.Configuration)
}

func (r *Registry) validateConfiguration(id string, t types.ProviderType, cfg Configuration) error {
	if cfg.Settings == nil {
		return &RegistrationError{ProviderID: id, Reason: "settings are required"}
	}
	if want := t.SettingsKind(); cfg.Settings.Kind() != want {
		return &RegistrationError{
			ProviderID: id,
			Reason:     fmt.Sprintf("provider type %s expects %s settings, got %s", t, want, cfg.Settings.Kind()),
		}
	}
	if err := r.validate.Struct(cfg); err != nil {
		return &RegistrationError{ProviderID: id, Reason: "invalid configuration", Err: err}
	}
	if err := r.validate.Struct(cfg.Settings); err != nil {
		return &RegistrationError{ProviderID: id, Reason: "invalid settings", Err: err}
	}
	if _, ok := cfg.Settings.(keyed); ok && cfg.CredentialRef() == "" {
		return &RegistrationError{ProviderID: id, Reason: "api_key_env or credential_env is required"}
	}
	return nil
}
