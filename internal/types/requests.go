package types

import (
	"strings"
	"time"
)

// ChatRequest is the logical request handed to the router
type ChatRequest struct {
	ID          string    `json:"id,omitempty"`
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Temperature *float32  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	User        string    `json:"user,omitempty"`

	// Router-specific fields
	RequiredCapabilities []Capability          `json:"required_capabilities,omitempty"`
	Payload              map[string]interface{} `json:"payload,omitempty"`
	Timestamp            time.Time              `json:"-"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// SystemPrompt joins all system messages
func (r *ChatRequest) SystemPrompt() string {
	var parts []string
	for _, m := range r.Messages {
		if m.Role == "system" && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// EstimateTokens approximates token usage at four characters per token
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// PromptTokens estimates the prompt size of the whole conversation
func (r *ChatRequest) PromptTokens() int {
	total := 0
	for _, m := range r.Messages {
		total += EstimateTokens(m.Content)
	}
	return total
}
