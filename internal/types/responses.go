package types

// ChatResponse is the standardized result of a routed request. Wire format
// translation for a specific upstream API happens outside the router.
type ChatResponse struct {
	ID             string          `json:"id"`
	Object         string          `json:"object"`
	Created        int64           `json:"created"`
	Model          string          `json:"model"`
	Choices        []Choice        `json:"choices"`
	Usage          *Usage          `json:"usage,omitempty"`
	EndpointInfo   *EndpointInfo   `json:"endpoint_info,omitempty"`
	RouterMetadata *RouterMetadata `json:"router_metadata,omitempty"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// EndpointInfo echoes back which provider served the request
type EndpointInfo struct {
	Name         string       `json:"name"`
	Priority     int          `json:"priority"`
	ProviderType ProviderType `json:"provider_type"`
}

// RouterMetadata records how the router reached its result
type RouterMetadata struct {
	Attempts         []string `json:"attempts"`
	Skipped          []string `json:"skipped,omitempty"`
	FallbackUsed     bool     `json:"fallback_used"`
	ModelHintMatched string   `json:"model_hint_matched,omitempty"`
	ProcessingTimeMs int64    `json:"processing_time_ms"`
	EstimatedCost    float64  `json:"estimated_cost"`
}

// ErrorResponse is the JSON body written for failed API calls
type ErrorResponse struct {
	Error     ErrorDetail `json:"error"`
	Timestamp int64       `json:"timestamp"`
}

type ErrorDetail struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	Code         int    `json:"code"`
	LastProvider string `json:"last_provider,omitempty"`
	LastPriority *int   `json:"last_priority,omitempty"`
}
