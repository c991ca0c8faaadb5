package anthropic

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-endpoint-router/internal/providers"
	"github.com/tributary-ai/llm-endpoint-router/internal/registry"
	"github.com/tributary-ai/llm-endpoint-router/internal/types"
)

const defaultMaxTokens = 1024

// Adapter calls the Anthropic Messages API
type Adapter struct {
	logger *logrus.Logger
	extra  []option.RequestOption

	mu      sync.Mutex
	clients map[string]cachedClient
}

type cachedClient struct {
	fingerprint string
	client      *anthropic.Client
}

// NewAdapter creates an adapter. extra options are applied to every client.
func NewAdapter(logger *logrus.Logger, extra ...option.RequestOption) *Adapter {
	return &Adapter{
		logger:  logger,
		extra:   extra,
		clients: make(map[string]cachedClient),
	}
}

// Complete sends one message request to the provider
func (a *Adapter) Complete(ctx context.Context, p *registry.Provider, req *types.ChatRequest) (*providers.Completion, error) {
	client, err := a.client(p)
	if err != nil {
		return nil, err
	}

	model := p.ResolveModel(req.Model)
	if model == "" {
		return nil, fmt.Errorf("%w: provider %s has no model for %q", providers.ErrInvalidRequest, p.ID, req.Model)
	}

	params, err := convertRequest(model, req)
	if err != nil {
		return nil, err
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	a.logger.WithFields(logrus.Fields{
		"provider":      p.ID,
		"model":         resp.Model,
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
	}).Debug("Anthropic completion received")

	return &providers.Completion{
		Content:          text.String(),
		Model:            string(resp.Model),
		FinishReason:     string(resp.StopReason),
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}, nil
}

// HealthCheck sends a one-token message to the provider's default model
func (a *Adapter) HealthCheck(ctx context.Context, p *registry.Provider) error {
	client, err := a.client(p)
	if err != nil {
		return err
	}
	if p.DefaultModel == "" {
		return fmt.Errorf("provider %s has no default model to probe", p.ID)
	}

	_, err = client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.DefaultModel),
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("ping"))},
		MaxTokens: 1,
	})
	if err != nil {
		return fmt.Errorf("anthropic health check failed: %w", err)
	}

	a.logger.WithField("provider", p.ID).Debug("Anthropic health check passed")
	return nil
}

func (a *Adapter) client(p *registry.Provider) (*anthropic.Client, error) {
	settings, err := tokenSettings(p)
	if err != nil {
		return nil, err
	}
	apiKey, err := providers.ResolveCredential(p.Configuration.CredentialRef())
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", p.ID, err)
	}

	baseURL := settings.BaseURL
	if baseURL == "" {
		baseURL = p.Configuration.Endpoint
	}
	fingerprint := strings.Join([]string{baseURL, settings.APIVersion, apiKey}, "|")

	a.mu.Lock()
	defer a.mu.Unlock()

	if cached, ok := a.clients[p.ID]; ok && cached.fingerprint == fingerprint {
		return cached.client, nil
	}

	// retries are owned by the dispatcher
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if settings.APIVersion != "" {
		opts = append(opts, option.WithHeader("anthropic-version", settings.APIVersion))
	}
	opts = append(opts, a.extra...)

	client := anthropic.NewClient(opts...)
	a.clients[p.ID] = cachedClient{fingerprint: fingerprint, client: &client}
	return &client, nil
}

func tokenSettings(p *registry.Provider) (registry.APITokenSettings, error) {
	switch s := p.Configuration.Settings.(type) {
	case registry.APITokenSettings:
		return s, nil
	case *registry.APITokenSettings:
		if s != nil {
			return *s, nil
		}
	}
	return registry.APITokenSettings{}, fmt.Errorf("provider %s: expected API token settings", p.ID)
}

// convertRequest maps the chat request onto the Messages API. System
// messages are lifted into the system prompt.
func convertRequest(model string, req *types.ChatRequest) (anthropic.MessageNewParams, error) {
	var messages []anthropic.MessageParam
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			continue
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			return anthropic.MessageNewParams{}, fmt.Errorf("%w: unsupported message role %q", providers.ErrInvalidRequest, msg.Role)
		}
	}
	if len(messages) == 0 {
		return anthropic.MessageNewParams{}, fmt.Errorf("%w: request has no user or assistant messages", providers.ErrInvalidRequest)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: defaultMaxTokens,
	}
	if system := req.SystemPrompt(); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.MaxTokens != nil {
		params.MaxTokens = int64(*req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*req.Temperature))
	}
	return params, nil
}
