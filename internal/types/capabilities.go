package types

import (
	"fmt"
	"strings"
)

// Capability tags a feature a provider or model supports
type Capability string

const (
	CapabilityChatCompletion  Capability = "chat_completion"
	CapabilityTextCompletion  Capability = "text_completion"
	CapabilityEmbeddings      Capability = "embeddings"
	CapabilityImageGeneration Capability = "image_generation"
	CapabilityStreaming       Capability = "streaming"
	CapabilityFunctionCalling Capability = "function_calling"
	CapabilityVision          Capability = "vision"
	CapabilityWebSearch       Capability = "web_search"
	CapabilityThinkingMode    Capability = "thinking_mode"
)

var knownCapabilities = map[Capability]bool{
	CapabilityChatCompletion:  true,
	CapabilityTextCompletion:  true,
	CapabilityEmbeddings:      true,
	CapabilityImageGeneration: true,
	CapabilityStreaming:       true,
	CapabilityFunctionCalling: true,
	CapabilityVision:          true,
	CapabilityWebSearch:       true,
	CapabilityThinkingMode:    true,
}

// Valid reports whether c is one of the known capability tags
func (c Capability) Valid() bool {
	return knownCapabilities[c]
}

// ParseCapability converts a configuration string into a Capability
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown capability %q", s)
	}
	return c, nil
}

// ProviderType identifies the kind of upstream a provider talks to
type ProviderType string

const (
	ProviderOpenAI           ProviderType = "openai"
	ProviderAnthropic        ProviderType = "anthropic"
	ProviderOpenAICompatible ProviderType = "openai_compatible"
	ProviderWebChat          ProviderType = "web_chat"
)

// SettingsKind names the configuration variant a provider type expects
type SettingsKind string

const (
	SettingsREST     SettingsKind = "rest"
	SettingsAPIToken SettingsKind = "api_token"
	SettingsWebChat  SettingsKind = "web_chat"
)

// SettingsKind returns the settings variant for the provider type, or ""
// for an unknown type.
func (t ProviderType) SettingsKind() SettingsKind {
	switch t {
	case ProviderOpenAI, ProviderOpenAICompatible:
		return SettingsREST
	case ProviderAnthropic:
		return SettingsAPIToken
	case ProviderWebChat:
		return SettingsWebChat
	default:
		return ""
	}
}

// Valid reports whether t is a known provider type
func (t ProviderType) Valid() bool {
	return t.SettingsKind() != ""
}

// ModelInfo describes one model served by a provider
type ModelInfo struct {
	Name              string       `json:"name" yaml:"name" validate:"required"`
	DisplayName       string       `json:"display_name,omitempty" yaml:"display_name"`
	ContextLength     int          `json:"context_length,omitempty" yaml:"context_length" validate:"gte=0"`
	MaxOutputTokens   int          `json:"max_output_tokens,omitempty" yaml:"max_output_tokens" validate:"gte=0"`
	CostPer1KTokens   float64      `json:"cost_per_1k_tokens" yaml:"cost_per_1k_tokens" validate:"gte=0"`
	Capabilities      []Capability `json:"capabilities,omitempty" yaml:"capabilities"`
	SupportsStreaming bool         `json:"supports_streaming" yaml:"supports_streaming"`
	SupportsFunctions bool         `json:"supports_functions" yaml:"supports_functions"`
	SupportsVision    bool         `json:"supports_vision" yaml:"supports_vision"`
}

// Supports reports whether the model declares capability c
func (m ModelInfo) Supports(c Capability) bool {
	for _, mc := range m.Capabilities {
		if mc == c {
			return true
		}
	}
	return false
}
