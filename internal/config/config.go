package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/llm-endpoint-router/internal/middleware"
	"github.com/tributary-ai/llm-endpoint-router/internal/registry"
	"github.com/tributary-ai/llm-endpoint-router/internal/routing"
	"github.com/tributary-ai/llm-endpoint-router/internal/server"
	"github.com/tributary-ai/llm-endpoint-router/internal/types"
)

const envPrefix = "LLM_ROUTER_"

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Registry   RegistryConfig   `yaml:"registry"`
	Router     RouterConfig     `yaml:"router"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Validation ValidationConfig `yaml:"validation"`
	Audit      AuditConfig      `yaml:"audit"`
	Providers  []ProviderConfig `yaml:"providers"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// RegistryConfig holds provider registry configuration
type RegistryConfig struct {
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	ErrorThreshold      int           `yaml:"error_threshold"`
}

// RouterConfig holds routing engine configuration
type RouterConfig struct {
	BreakerThreshold   int           `yaml:"breaker_threshold"`
	BreakerTimeout     time.Duration `yaml:"breaker_timeout"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	ProbeBeforeAttempt bool          `yaml:"probe_before_attempt"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// TracingConfig controls the span exporter
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Output      string `yaml:"output"` // "stdout", "stderr", or file path
}

// ValidationConfig toggles OpenAPI request validation
type ValidationConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AuditConfig controls the admin action audit trail
type AuditConfig struct {
	Enabled         bool          `yaml:"enabled"`
	BufferSize      int           `yaml:"buffer_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	SensitiveFields []string      `yaml:"sensitive_fields"`
}

// ProviderConfig is one entry of the providers list
type ProviderConfig struct {
	ID             string                 `yaml:"id"`
	Type           types.ProviderType     `yaml:"type"`
	Enabled        *bool                  `yaml:"enabled"`
	Status         registry.Status        `yaml:"status"`
	Priority       int                    `yaml:"priority"`
	Weight         float64                `yaml:"weight"`
	Capabilities   []types.Capability     `yaml:"capabilities"`
	Models         []types.ModelInfo      `yaml:"models"`
	DefaultModel   string                 `yaml:"default_model"`
	Endpoint       string                 `yaml:"endpoint"`
	CredentialEnv  string                 `yaml:"credential_env"`
	Timeout        time.Duration          `yaml:"timeout"`
	MaxRetries     int                    `yaml:"max_retries"`
	MaxConcurrency int                    `yaml:"max_concurrency"`
	RateLimit      registry.RateLimitInfo `yaml:"rate_limit"`

	// Decoded from the "settings" key according to Type
	Settings registry.Settings `yaml:"-"`
}

// UnmarshalYAML decodes the provider and then its settings block into the
// variant matching the provider type.
func (p *ProviderConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain ProviderConfig
	if err := node.Decode((*plain)(p)); err != nil {
		return err
	}

	var raw struct {
		Settings yaml.Node `yaml:"settings"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.Settings.Kind == 0 {
		// key-authenticated types need no settings block when credential_env is given
		if p.CredentialEnv != "" {
			switch p.Type.SettingsKind() {
			case types.SettingsREST:
				p.Settings = registry.RESTSettings{}
			case types.SettingsAPIToken:
				p.Settings = registry.APITokenSettings{}
			}
		}
		return nil
	}

	var (
		settings registry.Settings
		err      error
	)
	switch p.Type.SettingsKind() {
	case types.SettingsREST:
		var s registry.RESTSettings
		err = raw.Settings.Decode(&s)
		settings = s
	case types.SettingsAPIToken:
		var s registry.APITokenSettings
		err = raw.Settings.Decode(&s)
		settings = s
	case types.SettingsWebChat:
		var s registry.WebChatSettings
		err = raw.Settings.Decode(&s)
		settings = s
	default:
		return fmt.Errorf("provider %s: unknown type %q", p.ID, p.Type)
	}
	if err != nil {
		return fmt.Errorf("provider %s: invalid settings: %w", p.ID, err)
	}
	p.Settings = settings
	return nil
}

// LoadConfig loads configuration from defaults, an optional .env file, the
// YAML file at configPath and LLM_ROUTER_* environment variables, in that
// order, then validates the result.
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	config.setDefaults()

	// .env never overrides variables that are already set
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := config.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   150 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
		AllowedOrigins: []string{"*"},
	}

	c.Registry = RegistryConfig{
		HealthCheckInterval: registry.DefaultHealthCheckInterval,
		ErrorThreshold:      registry.DefaultErrorThreshold,
	}

	c.Router = RouterConfig{
		BreakerThreshold: routing.DefaultBreakerThreshold,
		BreakerTimeout:   routing.DefaultBreakerTimeout,
		RequestTimeout:   120 * time.Second,
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	c.Tracing = TracingConfig{
		ServiceName: "llm-endpoint-router",
		Output:      "stdout",
	}

	c.Validation = ValidationConfig{Enabled: true}

	c.Audit = AuditConfig{
		Enabled:       true,
		BufferSize:    1000,
		FlushInterval: 10 * time.Second,
	}
}

// loadFromFile loads configuration from YAML file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv applies LLM_ROUTER_* overrides
func (c *Config) loadFromEnv() error {
	if port := getenv("PORT"); port != "" {
		c.Server.Port = port
	}

	if level := getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := getenv("LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if output := getenv("LOG_OUTPUT"); output != "" {
		c.Logging.Output = output
	}

	var errs []error
	envDuration("HEALTH_CHECK_INTERVAL", &c.Registry.HealthCheckInterval, &errs)
	envDuration("BREAKER_TIMEOUT", &c.Router.BreakerTimeout, &errs)
	envDuration("REQUEST_TIMEOUT", &c.Router.RequestTimeout, &errs)
	envInt("BREAKER_THRESHOLD", &c.Router.BreakerThreshold, &errs)
	envBool("PROBE_BEFORE_ATTEMPT", &c.Router.ProbeBeforeAttempt, &errs)
	envBool("TRACING_ENABLED", &c.Tracing.Enabled, &errs)
	envBool("VALIDATION_ENABLED", &c.Validation.Enabled, &errs)
	envBool("AUDIT_ENABLED", &c.Audit.Enabled, &errs)
	envInt("ERROR_THRESHOLD", &c.Registry.ErrorThreshold, &errs)

	return errors.Join(errs...)
}

func getenv(name string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + name))
}

func envDuration(name string, dst *time.Duration, errs *[]error) {
	v := getenv(name)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
		return
	}
	*dst = d
}

func envInt(name string, dst *int, errs *[]error) {
	v := getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
		return
	}
	*dst = n
}

func envBool(name string, dst *bool, errs *[]error) {
	v := getenv(name)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
		return
	}
	*dst = b
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Registry.HealthCheckInterval < 0 {
		return fmt.Errorf("health check interval cannot be negative")
	}
	if c.Registry.ErrorThreshold < 0 {
		return fmt.Errorf("error threshold cannot be negative")
	}
	if c.Router.BreakerThreshold < 0 || c.Router.BreakerTimeout < 0 || c.Router.RequestTimeout < 0 {
		return fmt.Errorf("router thresholds and timeouts cannot be negative")
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider %d: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("provider %s: duplicate id", p.ID)
		}
		seen[p.ID] = true

		if !p.Type.Valid() {
			return fmt.Errorf("provider %s: invalid type %q", p.ID, p.Type)
		}
		if p.Settings == nil {
			return fmt.Errorf("provider %s: settings are required", p.ID)
		}
		if kind := p.Type.SettingsKind(); kind == types.SettingsREST || kind == types.SettingsAPIToken {
			if BuildProvider(p).Configuration.CredentialRef() == "" {
				return fmt.Errorf("provider %s: api_key_env or credential_env is required", p.ID)
			}
		}
		if p.Status != "" && !p.Status.Valid() {
			return fmt.Errorf("provider %s: invalid status %q", p.ID, p.Status)
		}
		for _, capability := range p.Capabilities {
			if !capability.Valid() {
				return fmt.Errorf("provider %s: invalid capability %q", p.ID, capability)
			}
		}
	}

	return nil
}

// ToRegistryOptions converts to registry.Options
func (c *Config) ToRegistryOptions() registry.Options {
	return registry.Options{
		HealthCheckInterval: c.Registry.HealthCheckInterval,
		ErrorThreshold:      c.Registry.ErrorThreshold,
	}
}

// ToRouterOptions converts to routing.Options
func (c *Config) ToRouterOptions() routing.Options {
	return routing.Options{
		BreakerThreshold:   c.Router.BreakerThreshold,
		BreakerTimeout:     c.Router.BreakerTimeout,
		RequestTimeout:     c.Router.RequestTimeout,
		ProbeBeforeAttempt: c.Router.ProbeBeforeAttempt,
	}
}

// ToServerConfig converts to server.ServerConfig
func (c *Config) ToServerConfig() *server.ServerConfig {
	return &server.ServerConfig{
		Port:           c.Server.Port,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		MaxHeaderBytes: c.Server.MaxHeaderBytes,
		AllowedOrigins: c.Server.AllowedOrigins,
		Validation:     &middleware.ValidationConfig{Enabled: c.Validation.Enabled},
		Audit: &middleware.AuditConfig{
			Enabled:         c.Audit.Enabled,
			BufferSize:      c.Audit.BufferSize,
			FlushInterval:   c.Audit.FlushInterval,
			SensitiveFields: c.Audit.SensitiveFields,
		},
	}
}

// BuildProvider converts one provider entry into a registry record.
// Providers are enabled unless the entry says otherwise, and declare
// chat_completion when no capabilities are listed.
func BuildProvider(pc ProviderConfig) *registry.Provider {
	enabled := true
	if pc.Enabled != nil {
		enabled = *pc.Enabled
	}

	capabilities := pc.Capabilities
	if len(capabilities) == 0 {
		capabilities = []types.Capability{types.CapabilityChatCompletion}
	}

	return &registry.Provider{
		ID:           pc.ID,
		Type:         pc.Type,
		Status:       pc.Status,
		Enabled:      enabled,
		Priority:     pc.Priority,
		Weight:       pc.Weight,
		Capabilities: capabilities,
		Models:       pc.Models,
		DefaultModel: pc.DefaultModel,
		Configuration: registry.Configuration{
			Endpoint:       pc.Endpoint,
			CredentialEnv:  pc.CredentialEnv,
			Timeout:        pc.Timeout,
			MaxRetries:     pc.MaxRetries,
			MaxConcurrency: pc.MaxConcurrency,
			RateLimit:      pc.RateLimit,
			Settings:       pc.Settings,
		},
	}
}

// BuildProviders converts every provider entry
func (c *Config) BuildProviders() []*registry.Provider {
	out := make([]*registry.Provider, 0, len(c.Providers))
	for _, pc := range c.Providers {
		out = append(out, BuildProvider(pc))
	}
	return out
}
