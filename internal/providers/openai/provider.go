package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-endpoint-router/internal/providers"
	"github.com/tributary-ai/llm-endpoint-router/internal/registry"
	"github.com/tributary-ai/llm-endpoint-router/internal/types"
)

// Adapter calls OpenAI and OpenAI compatible REST upstreams
type Adapter struct {
	logger     *logrus.Logger
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]cachedClient
}

type cachedClient struct {
	fingerprint string
	client      *openai.Client
}

// NewAdapter creates an adapter. httpClient may be nil.
func NewAdapter(logger *logrus.Logger, httpClient *http.Client) *Adapter {
	return &Adapter{
		logger:     logger,
		httpClient: httpClient,
		clients:    make(map[string]cachedClient),
	}
}

// Complete sends one chat completion to the provider
func (a *Adapter) Complete(ctx context.Context, p *registry.Provider, req *types.ChatRequest) (*providers.Completion, error) {
	client, err := a.client(p)
	if err != nil {
		return nil, err
	}

	model := p.ResolveModel(req.Model)
	if model == "" {
		return nil, fmt.Errorf("%w: provider %s has no model for %q", providers.ErrInvalidRequest, p.ID, req.Model)
	}

	resp, err := client.CreateChatCompletion(ctx, convertRequest(model, req))
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", describe(err))
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai chat completion: response has no choices")
	}

	choice := resp.Choices[0]
	a.logger.WithFields(logrus.Fields{
		"provider": p.ID,
		"model":    resp.Model,
		"tokens":   resp.Usage.TotalTokens,
	}).Debug("OpenAI completion received")

	return &providers.Completion{
		Content:          choice.Message.Content,
		Model:            resp.Model,
		FinishReason:     string(choice.FinishReason),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// HealthCheck lists models as a cheap liveness probe
func (a *Adapter) HealthCheck(ctx context.Context, p *registry.Provider) error {
	client, err := a.client(p)
	if err != nil {
		return err
	}
	if _, err := client.ListModels(ctx); err != nil {
		return fmt.Errorf("openai health check failed: %w", describe(err))
	}
	a.logger.WithField("provider", p.ID).Debug("OpenAI health check passed")
	return nil
}

// client returns a cached client for p, rebuilding it when the provider's
// endpoint or credential changed.
func (a *Adapter) client(p *registry.Provider) (*openai.Client, error) {
	settings, err := restSettings(p)
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
	fingerprint := baseURL + "|" + settings.Organization + "|" + apiKey

	a.mu.Lock()
	defer a.mu.Unlock()

	if cached, ok := a.clients[p.ID]; ok && cached.fingerprint == fingerprint {
		return cached.client, nil
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if settings.Organization != "" {
		cfg.OrgID = settings.Organization
	}
	if a.httpClient != nil {
		cfg.HTTPClient = a.httpClient
	}

	client := openai.NewClientWithConfig(cfg)
	a.clients[p.ID] = cachedClient{fingerprint: fingerprint, client: client}
	return client, nil
}

func restSettings(p *registry.Provider) (registry.RESTSettings, error) {
	switch s := p.Configuration.Settings.(type) {
	case registry.RESTSettings:
		return s, nil
	case *registry.RESTSettings:
		if s != nil {
			return *s, nil
		}
	}
	return registry.RESTSettings{}, fmt.Errorf("provider %s: expected REST settings", p.ID)
}

func convertRequest(model string, req *types.ChatRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
			Name:    msg.Name,
		})
	}

	out := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		User:     req.User,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	return out
}

// describe flattens SDK API errors into their status and message
func describe(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("status %d: %s: %w", apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("status %d: %w", reqErr.HTTPStatusCode, err)
	}
	return err
}
