package registry

import (
	"strings"
	"time"

	"github.com/tributary-ai/llm-endpoint-router/internal/types"
)

// Status is the lifecycle state of a provider
type Status string

const (
	StatusActive      Status = "active"
	StatusInactive    Status = "inactive"
	StatusDisabled    Status = "disabled"
	StatusError       Status = "error"
	StatusMaintenance Status = "maintenance"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusDisabled, StatusError, StatusMaintenance:
		return true
	}
	return false
}

const (
	healthySuccessRate     = 90.0
	maxConsecutiveFailures = 5
)

// RateLimitInfo is the operator supplied request budget for a provider
type RateLimitInfo struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute" validate:"gte=0"`
	Burst             int `json:"burst" yaml:"burst" validate:"gte=0"`
}

// Settings is the type-specific part of a provider configuration. The
// concrete variant must match Provider.Type.SettingsKind().
type Settings interface {
	Kind() types.SettingsKind
}

// RESTSettings configures OpenAI style REST upstreams
type RESTSettings struct {
	BaseURL      string `json:"base_url,omitempty" yaml:"base_url" validate:"omitempty,url"`
	APIKeyEnv    string `json:"api_key_env,omitempty" yaml:"api_key_env"`
	Organization string `json:"organization,omitempty" yaml:"organization"`
}

func (RESTSettings) Kind() types.SettingsKind { return types.SettingsREST }
func (s RESTSettings) KeyRef() string { return s.APIKeyEnv }

// APITokenSettings configures token authenticated SDK upstreams
type APITokenSettings struct {
	BaseURL    string `json:"base_url,omitempty" yaml:"base_url" validate:"omitempty,url"`
	APIKeyEnv  string `json:"api_key_env,omitempty" yaml:"api_key_env"`
	APIVersion string `json:"api_version,omitempty" yaml:"api_version"`
}

func (APITokenSettings) Kind() types.SettingsKind { return types.SettingsAPIToken }
func (s APITokenSettings) KeyRef() string { return s.APIKeyEnv }

// WebChatSettings configures browser session backed upstreams
type WebChatSettings struct {
	SessionURL string `json:"session_url" yaml:"session_url" validate:"required,url"`
	CookieEnv  string `json:"cookie_env,omitempty" yaml:"cookie_env"`
	Headless   bool   `json:"headless" yaml:"headless"`
}

func (WebChatSettings) Kind() types.SettingsKind { return types.SettingsWebChat }

// keyed is implemented by settings variants that authenticate with an API key
type keyed interface {
	KeyRef() string
}

// Configuration holds static, operator supplied provider settings. It is
// replaced wholesale on update.
type Configuration struct {
	Endpoint       string        `json:"endpoint,omitempty" validate:"omitempty,url"`
	CredentialEnv  string        `json:"credential_env,omitempty"`
	Timeout        time.Duration `json:"timeout" validate:"gte=0"`
	MaxRetries     int           `json:"max_retries" validate:"gte=0,lte=10"`
	MaxConcurrency int           `json:"max_concurrency" validate:"gte=0"`
	RateLimit      RateLimitInfo `json:"rate_limit"`
	Settings       Settings      `json:"settings"`
}

// CredentialRef names the environment variable holding the provider's API
// key: the settings' api_key_env, else CredentialEnv.
func (c Configuration) CredentialRef() string {
	if k, ok := c.Settings.(keyed); ok && k.KeyRef() != "" {
		return k.KeyRef()
	}
	return c.CredentialEnv
}

// Provider is a registered upstream endpoint
type Provider struct {
	ID           string             `json:"provider_id" validate:"required"`
	Type         types.ProviderType `json:"provider_type" validate:"required"`
	Status       Status             `json:"status"`
	Enabled      bool               `json:"enabled"`
	Priority     int                `json:"priority"`
	Weight       float64            `json:"weight" validate:"gte=0"`
	Capabilities []types.Capability `json:"capabilities"`
	Models       []types.ModelInfo  `json:"models" validate:"dive"`
	DefaultModel string             `json:"default_model,omitempty"`

	Configuration Configuration `json:"configuration"`

	Health *HealthMetrics `json:"health,omitempty"`
	Usage  UsageMetrics   `json:"usage"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsHealthy reports whether the provider has recent health history good
// enough to be routed to.
func (p *Provider) IsHealthy() bool {
	return p.Health != nil &&
		p.Health.SuccessRate > healthySuccessRate &&
		p.Health.ConsecutiveFailures < maxConsecutiveFailures &&
		p.Status == StatusActive
}

// IsAvailable combines operator intent, lifecycle status and health
func (p *Provider) IsAvailable() bool {
	return p.Enabled && p.Status == StatusActive && p.IsHealthy()
}

// Supports reports whether the provider declares capability c
func (p *Provider) Supports(c types.Capability) bool {
	for _, pc := range p.Capabilities {
		if pc == c {
			return true
		}
	}
	return false
}

// SupportsAll reports whether the provider declares every capability in caps
func (p *Provider) SupportsAll(caps ...types.Capability) bool {
	for _, c := range caps {
		if !p.Supports(c) {
			return false
		}
	}
	return true
}

// FindModel looks a model up by name, case-insensitively
func (p *Provider) FindModel(name string) (*types.ModelInfo, bool) {
	for i := range p.Models {
		if strings.EqualFold(p.Models[i].Name, name) {
			m := p.Models[i]
			return &m, true
		}
	}
	return nil, false
}

// ModelsWith returns the models declaring capability c
func (p *Provider) ModelsWith(c types.Capability) []types.ModelInfo {
	var out []types.ModelInfo
	for _, m := range p.Models {
		if m.Supports(c) {
			out = append(out, m)
		}
	}
	return out
}

// ResolveModel picks the upstream model for a request hint: a declared model
// matching the hint, else the default model.
func (p *Provider) ResolveModel(hint string) string {
	if hint != "" {
		if m, ok := p.FindModel(hint); ok {
			return m.Name
		}
	}
	return p.DefaultModel
}

// CostPer1K returns the per-1k-token cost of the named model, or of the
// default model when name is unknown.
func (p *Provider) CostPer1K(name string) float64 {
	if m, ok := p.FindModel(name); ok {
		return m.CostPer1KTokens
	}
	if m, ok := p.FindModel(p.DefaultModel); ok {
		return m.CostPer1KTokens
	}
	return 0
}

// RecordHealth applies one health observation
func (p *Provider) RecordHealth(now time.Time, responseTimeMs float64, success bool, errMsg string) {
	if p.Health == nil {
		p.Health = newHealthMetrics(now, responseTimeMs, success, errMsg)
	} else {
		p.Health.record(now, responseTimeMs, success, errMsg)
	}
	p.UpdatedAt = now
}

// RecordUsage accounts one successful call
func (p *Provider) RecordUsage(now time.Time, tokens int64, cost, responseTimeMs float64) {
	p.Usage.record(now, tokens, cost, responseTimeMs)
	p.UpdatedAt = now
}

// RecordFailure counts one failed call in usage accounting
func (p *Provider) RecordFailure(now time.Time) {
	p.Usage.recordFailure(now)
	p.UpdatedAt = now
}

// Clone returns a deep copy safe to hand out of the registry
func (p *Provider) Clone() *Provider {
	c := *p
	c.Capabilities = append([]types.Capability(nil), p.Capabilities...)
	c.Models = make([]types.ModelInfo, len(p.Models))
	for i, m := range p.Models {
		m.Capabilities = append([]types.Capability(nil), m.Capabilities...)
		c.Models[i] = m
	}
	c.Health = p.Health.clone()
	c.Usage = p.Usage.clone()
	return &c
}
